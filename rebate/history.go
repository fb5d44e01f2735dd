package rebate

import (
	"context"
	"time"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// HistoryQuery selects one lineage. TargetType defaults to talent.
type HistoryQuery struct {
	TargetType TargetType
	TargetID   string
	Platform   Platform
	Limit      int
	Offset     int
}

// HistoryPage is one page of a lineage, newest first, including pending
// and expired records.
type HistoryPage struct {
	Records []Config
	Total   int
	Limit   int
	Offset  int
}

// GetHistory returns a page of configurations for a lineage. An unknown or
// empty lineage yields an empty page, not an error.
func (e *Engine) GetHistory(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	start := time.Now()
	defer observe("get_history", start)

	if q.TargetType == "" {
		q.TargetType = TargetTalent
	}
	key := Key{TargetType: q.TargetType, TargetID: q.TargetID, Platform: q.Platform}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if q.Offset < 0 {
		return nil, invalidArg("offset must be >= 0, got %d", q.Offset)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		q.Limit = MaxHistoryLimit
	}

	records, total, err := e.store.History(ctx, key, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []Config{}
	}
	return &HistoryPage{Records: records, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}
