/*
engine.go - Transition engine: moves a lineage from one rate to the next

PURPOSE:
  Applies a rate change to a talent or agency. Every change appends a new
  Config to the ledger; immediate changes also expire the previous active
  Config and refresh the entity's rate cache, all in one transaction.

FLOW (ApplyRateChange):
  1. Validate request fields and the rate (no writes on failure)
  2. Replay if the idempotency key was already used
  3. Lock the key, open a transaction
  4. Check that the talent/agency exists (ErrNotFound)
  5. immediate:        expire active (CAS) -> insert active -> refresh cache
     next_cooperation: insert pending, nothing else
  6. Commit, then (agency + SyncToTalents) propagate to sync-mode talents

WHY EXPIRY = NEW EFFECTIVE DATE:
  The old record's ExpiryDate is the new record's EffectiveDate, not "now",
  so consecutive records cover contiguous date ranges with no gap or overlap.

SEE ALSO:
  - sync.go: Uses apply() per talent
  - activation.go: Promotes pending records with the same building blocks
  - store.go: CAS contract the engine relies on
*/
package rebate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Metadata keys written on ledger records. Display only, never read by
// resolution logic except MetaSyncedFromAgency for the cache source tag.
const (
	MetaSyncedFromAgency = "syncedFromAgency"
	MetaAgencyID         = "agencyId"
	MetaPreviousRate     = "previousRate"
	MetaTargetName       = "targetName"
	MetaActivatedAt      = "activatedAt"
)

const DefaultSyncConcurrency = 4

// =============================================================================
// ENGINE
// =============================================================================

// Engine implements rate transitions, agency sync, resolution and history
// on top of a TxStore.
type Engine struct {
	store           TxStore
	locks           KeyLocker
	logger          *zap.Logger
	now             func() time.Time
	newID           func() ConfigID
	syncConcurrency int
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithLocker(l KeyLocker) Option {
	return func(e *Engine) { e.locks = l }
}

// WithClock overrides the time source (tests, replays).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithSyncConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.syncConcurrency = n
		}
	}
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		locks:           NewLocalLocker(),
		logger:          zap.NewNop(),
		now:             time.Now,
		newID:           func() ConfigID { return ConfigID(uuid.NewString()) },
		syncConcurrency: DefaultSyncConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) today() Date { return DateOf(e.now()) }

// Now returns the engine's clock reading.
func (e *Engine) Now() time.Time { return e.now() }

// Today is the calendar date the engine uses when a request names none.
func (e *Engine) Today() Date { return e.today() }

// =============================================================================
// APPLY RATE CHANGE
// =============================================================================

// ChangeRequest asks for a new rate on one (target, platform).
type ChangeRequest struct {
	TargetType     TargetType
	TargetID       string
	Platform       Platform
	RawRate        string
	EffectType     EffectType // empty means immediate
	EffectiveDate  *Date      // nil means today
	CreatedBy      string
	IdempotencyKey string

	// SyncToTalents propagates an immediate agency change to its sync-mode talents.
	SyncToTalents bool
}

func (r ChangeRequest) key() Key {
	return Key{TargetType: r.TargetType, TargetID: r.TargetID, Platform: r.Platform}
}

func validateKey(k Key) error {
	if !k.TargetType.Valid() {
		return invalidArg("unknown target type %q", k.TargetType)
	}
	if k.TargetID == "" {
		return invalidArg("target id is required")
	}
	if !k.Platform.Valid() {
		return invalidArg("unknown platform %q", k.Platform)
	}
	return nil
}

// ChangeResult describes the record a change produced.
type ChangeResult struct {
	Config       Config
	PreviousRate *decimal.Decimal
	Message      string
	Replayed     bool
	Sync         *SyncResult
}

// ApplyRateChange validates and applies a rate change.
func (e *Engine) ApplyRateChange(ctx context.Context, req ChangeRequest) (res *ChangeResult, err error) {
	start := time.Now()
	if req.EffectType == "" {
		req.EffectType = EffectImmediate
	}
	defer func() {
		observe("apply_rate_change", start)
		transitionsTotal.WithLabelValues(string(req.TargetType), string(req.EffectType), outcome(err)).Inc()
	}()

	key := req.key()
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if !req.EffectType.Valid() {
		return nil, invalidArg("unknown effect type %q", req.EffectType)
	}
	rate, err := ParseRate(req.RawRate)
	if err != nil {
		return nil, err
	}
	effective := e.today()
	if req.EffectiveDate != nil {
		effective = *req.EffectiveDate
	}

	if req.IdempotencyKey != "" {
		if replay, err := e.replay(ctx, req.IdempotencyKey); err != nil || replay != nil {
			return replay, err
		}
	}

	unlock, err := e.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	err = e.store.WithTx(ctx, func(s Store) error {
		name, err := requireTarget(ctx, s, key)
		if err != nil {
			return err
		}
		res, err = e.apply(ctx, s, transition{
			key:        key,
			rate:       rate,
			effectType: req.EffectType,
			effective:  effective,
			createdBy:  req.CreatedBy,
			idemKey:    req.IdempotencyKey,
			metadata:   map[string]any{MetaTargetName: name},
		})
		return err
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost a race against the same request; the winner's record stands.
		return e.replay(ctx, req.IdempotencyKey)
	}
	if err != nil {
		e.logger.Warn("rate change failed",
			zap.String("key", key.String()),
			zap.String("rate", req.RawRate),
			zap.Error(err),
		)
		return nil, err
	}

	e.logger.Info("rate changed",
		zap.String("key", key.String()),
		zap.String("config_id", string(res.Config.ID)),
		zap.String("rate", FormatRate(rate)),
		zap.String("status", string(res.Config.Status)),
		zap.String("effective_date", effective.String()),
	)

	if key.TargetType == TargetAgency && req.EffectType == EffectImmediate && req.SyncToTalents {
		syncRate := rate
		sync, err := e.SyncAgencyToTalents(ctx, SyncRequest{
			AgencyID:      key.TargetID,
			Platform:      key.Platform,
			Rate:          &syncRate,
			EffectiveDate: &effective,
			CreatedBy:     req.CreatedBy,
		})
		if err != nil {
			return res, fmt.Errorf("agency rate changed but sync failed: %w", err)
		}
		res.Sync = sync
	}
	return res, nil
}

func (e *Engine) replay(ctx context.Context, idemKey string) (*ChangeResult, error) {
	existing, err := e.store.ConfigByIdempotencyKey(ctx, idemKey)
	if err != nil || existing == nil {
		return nil, err
	}
	return &ChangeResult{
		Config:   *existing,
		Message:  "request already applied",
		Replayed: true,
	}, nil
}

// requireTarget returns the display name of the talent/agency behind key.
func requireTarget(ctx context.Context, s Store, key Key) (string, error) {
	switch key.TargetType {
	case TargetTalent:
		t, err := s.GetTalent(ctx, key.TargetID, key.Platform)
		if err != nil {
			return "", err
		}
		return t.Name, nil
	case TargetAgency:
		a, err := s.GetAgency(ctx, key.TargetID)
		if err != nil {
			return "", err
		}
		return a.Name, nil
	}
	return "", invalidArg("unknown target type %q", key.TargetType)
}

// =============================================================================
// TRANSITION - shared by rate changes, sync and activation
// =============================================================================

type transition struct {
	key        Key
	rate       decimal.Decimal
	effectType EffectType
	effective  Date
	createdBy  string
	idemKey    string
	metadata   map[string]any
}

// apply writes one transition through s. Must run inside WithTx.
func (e *Engine) apply(ctx context.Context, s Store, t transition) (*ChangeResult, error) {
	now := e.now()
	cfg := Config{
		ID:             e.newID(),
		TargetType:     t.key.TargetType,
		TargetID:       t.key.TargetID,
		Platform:       t.key.Platform,
		Rate:           t.rate,
		EffectType:     t.effectType,
		EffectiveDate:  t.effective,
		CreatedBy:      t.createdBy,
		CreatedAt:      now,
		IdempotencyKey: t.idemKey,
		Metadata:       t.metadata,
	}
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]any{}
	}

	if t.effectType == EffectNextCooperation {
		cfg.Status = StatusPending
		if err := s.InsertConfig(ctx, cfg); err != nil {
			return nil, err
		}
		return &ChangeResult{
			Config: cfg,
			Message: fmt.Sprintf("rebate rate %s%% scheduled for next cooperation (from %s)",
				FormatRate(t.rate), t.effective),
		}, nil
	}

	active, err := s.ActiveConfig(ctx, t.key)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if t.effective.Before(active.EffectiveDate) {
			return nil, fmt.Errorf("%w: %s is before %s", ErrInvalidEffectiveDate, t.effective, active.EffectiveDate)
		}
		if err := s.ExpireConfig(ctx, active.ID, t.effective); err != nil {
			return nil, err
		}
		cfg.Metadata[MetaPreviousRate] = active.Rate.InexactFloat64()
	}

	cfg.Status = StatusActive
	if err := s.InsertConfig(ctx, cfg); err != nil {
		return nil, err
	}
	if err := refreshCache(ctx, s, cfg, now); err != nil {
		return nil, err
	}

	res := &ChangeResult{Config: cfg, PreviousRate: rateOf(active)}
	if active != nil {
		res.Message = fmt.Sprintf("rebate rate updated from %s%% to %s%%", FormatRate(active.Rate), FormatRate(cfg.Rate))
	} else {
		res.Message = fmt.Sprintf("rebate rate set to %s%%", FormatRate(cfg.Rate))
	}
	return res, nil
}

// refreshCache mirrors a newly active record onto its talent or agency.
func refreshCache(ctx context.Context, s Store, cfg Config, now time.Time) error {
	switch cfg.TargetType {
	case TargetTalent:
		return s.UpdateTalentRebate(ctx, cfg.TargetID, cfg.Platform, CurrentRebate{
			Rate:          cfg.Rate,
			Source:        cacheSource(cfg),
			EffectiveDate: cfg.EffectiveDate,
			LastUpdated:   now,
		})
	case TargetAgency:
		return s.UpdateAgencyBaseRebate(ctx, cfg.TargetID, cfg.Platform, BaseRebate{
			Rate:          cfg.Rate,
			EffectiveDate: cfg.EffectiveDate,
			UpdatedAt:     now,
		})
	}
	return nil
}

func cacheSource(cfg Config) Source {
	if synced, _ := cfg.Metadata[MetaSyncedFromAgency].(bool); synced {
		return SourceAgency
	}
	return SourcePersonal
}
