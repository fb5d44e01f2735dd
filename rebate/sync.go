package rebate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// SYNC PROPAGATOR - Agency rate -> talents in sync mode
// =============================================================================

// SyncRequest pushes an agency's rate to its sync-mode talents.
type SyncRequest struct {
	AgencyID      string
	Platform      Platform
	Rate          *decimal.Decimal // nil means the agency's active rate
	EffectiveDate *Date            // nil means today
	CreatedBy     string
}

// SyncError reports one talent that could not be synced.
type SyncError struct {
	OneID string
	Err   error
}

// SyncResult is a best-effort batch outcome. A failed talent never aborts
// the batch; it is counted in Failed and listed in Errors.
type SyncResult struct {
	AgencyID      string
	Platform      Platform
	Rate          decimal.Decimal
	EffectiveDate Date
	Total         int
	Updated       int
	Skipped       int
	Failed        int
	Errors        []SyncError
}

// SyncAgencyToTalents applies the agency's rate to every talent of the
// agency on the platform whose mode is sync (or unset).
//
// Fails with ErrNotFound if the agency doesn't exist and ErrNoConfig if it
// has no active configuration for the platform; otherwise returns a result
// even when individual talents failed.
func (e *Engine) SyncAgencyToTalents(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	start := time.Now()
	defer observe("sync_agency_to_talents", start)

	if err := validateKey(Key{TargetType: TargetAgency, TargetID: req.AgencyID, Platform: req.Platform}); err != nil {
		return nil, err
	}
	agency, err := e.store.GetAgency(ctx, req.AgencyID)
	if err != nil {
		return nil, err
	}
	active, err := e.store.ActiveConfig(ctx, Key{TargetType: TargetAgency, TargetID: agency.ID, Platform: req.Platform})
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("%w: agency %s on %s", ErrNoConfig, agency.ID, req.Platform)
	}

	rate := active.Rate
	if req.Rate != nil {
		if rate, err = ParseRate(req.Rate.String()); err != nil {
			return nil, err
		}
	}
	effective := e.today()
	if req.EffectiveDate != nil {
		effective = *req.EffectiveDate
	}

	talents, err := e.store.ListAgencyTalents(ctx, agency.ID, req.Platform)
	if err != nil {
		return nil, fmt.Errorf("list talents of agency %s: %w", agency.ID, err)
	}

	result := &SyncResult{
		AgencyID:      agency.ID,
		Platform:      req.Platform,
		Rate:          rate,
		EffectiveDate: effective,
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.syncConcurrency)

	for _, t := range talents {
		if EffectiveMode(t) != ModeSync {
			continue
		}
		result.Total++
		t := t
		g.Go(func() error {
			_, err := e.syncTalent(ctx, t.OneID, t.Platform, agency, rate, effective, req.CreatedBy, false)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errTalentLeftSync):
				result.Skipped++
				syncTalentsTotal.WithLabelValues("skipped").Inc()
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, SyncError{OneID: t.OneID, Err: err})
				syncTalentsTotal.WithLabelValues("failed").Inc()
				e.logger.Warn("talent sync failed",
					zap.String("agency_id", agency.ID),
					zap.String("one_id", t.OneID),
					zap.String("platform", string(t.Platform)),
					zap.Error(err),
				)
			default:
				result.Updated++
				syncTalentsTotal.WithLabelValues("updated").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].OneID < result.Errors[j].OneID })

	e.logger.Info("agency synced to talents",
		zap.String("agency_id", agency.ID),
		zap.String("platform", string(req.Platform)),
		zap.String("rate", FormatRate(rate)),
		zap.Int("total", result.Total),
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// errTalentLeftSync marks a talent that switched to independent between
// listing and its own transaction.
var errTalentLeftSync = errors.New("talent is no longer in sync mode")

// SyncAgencyRebateToTalent puts one talent in sync mode (if it was
// independent) and applies its agency's active rate, in one transaction.
func (e *Engine) SyncAgencyRebateToTalent(ctx context.Context, oneID string, platform Platform, createdBy string) (res *ChangeResult, err error) {
	start := time.Now()
	defer func() {
		observe("sync_agency_rebate_to_talent", start)
		transitionsTotal.WithLabelValues(string(TargetTalent), string(EffectImmediate), outcome(err)).Inc()
	}()

	if err := validateKey(Key{TargetType: TargetTalent, TargetID: oneID, Platform: platform}); err != nil {
		return nil, err
	}
	talent, err := e.store.GetTalent(ctx, oneID, platform)
	if err != nil {
		return nil, err
	}
	if IsIndependentAgency(talent.AgencyID) {
		return nil, fmt.Errorf("%w: %s", ErrNoAgency, oneID)
	}
	agency, err := e.store.GetAgency(ctx, talent.AgencyID)
	if err != nil {
		return nil, err
	}
	active, err := e.store.ActiveConfig(ctx, Key{TargetType: TargetAgency, TargetID: agency.ID, Platform: platform})
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("%w: agency %s on %s", ErrNoConfig, agency.ID, platform)
	}

	res, err = e.syncTalent(ctx, oneID, platform, agency, active.Rate, e.today(), createdBy, true)
	if err != nil {
		return nil, err
	}
	e.logger.Info("talent synced to agency",
		zap.String("one_id", oneID),
		zap.String("agency_id", agency.ID),
		zap.String("rate", FormatRate(active.Rate)),
	)
	return res, nil
}

// syncTalent applies an agency rate to one talent under the talent's key lock.
// With switchMode the talent is moved to sync mode first; without it a
// talent that is no longer in sync mode is left alone.
func (e *Engine) syncTalent(ctx context.Context, oneID string, platform Platform, agency *Agency, rate decimal.Decimal, effective Date, createdBy string, switchMode bool) (*ChangeResult, error) {
	key := Key{TargetType: TargetTalent, TargetID: oneID, Platform: platform}
	unlock, err := e.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	var res *ChangeResult
	err = e.store.WithTx(ctx, func(s Store) error {
		talent, err := s.GetTalent(ctx, oneID, platform)
		if err != nil {
			return err
		}
		if talent.AgencyID != agency.ID {
			return fmt.Errorf("%w: talent %s moved to agency %q", ErrConcurrentModification, oneID, talent.AgencyID)
		}
		switchedMode := false
		if switchMode {
			if talent.RebateMode != ModeSync {
				if err := s.SetTalentRebateMode(ctx, oneID, platform, ModeSync); err != nil {
					return err
				}
				switchedMode = true
			}
		} else if EffectiveMode(*talent) != ModeSync {
			return errTalentLeftSync
		}

		res, err = e.apply(ctx, s, transition{
			key:        key,
			rate:       rate,
			effectType: EffectImmediate,
			effective:  effective,
			createdBy:  createdBy,
			metadata: map[string]any{
				MetaSyncedFromAgency: true,
				MetaAgencyID:         agency.ID,
				MetaTargetName:       talent.Name,
			},
		})
		if err == nil && switchedMode {
			res.Message = "switched to sync mode; " + res.Message
		}
		return err
	})
	return res, err
}

// SetRebateMode switches an agency talent between sync and independent.
// The ledger is not touched: switching to sync only takes effect in
// resolution (agency rate wins) until the next sync writes a record.
func (e *Engine) SetRebateMode(ctx context.Context, oneID string, platform Platform, mode RebateMode) (*Talent, error) {
	if err := validateKey(Key{TargetType: TargetTalent, TargetID: oneID, Platform: platform}); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, invalidArg("unknown rebate mode %q", mode)
	}

	var talent *Talent
	err := e.store.WithTx(ctx, func(s Store) error {
		t, err := s.GetTalent(ctx, oneID, platform)
		if err != nil {
			return err
		}
		if IsIndependentAgency(t.AgencyID) && mode == ModeSync {
			return fmt.Errorf("%w: %s", ErrNoAgency, oneID)
		}
		if err := s.SetTalentRebateMode(ctx, oneID, platform, mode); err != nil {
			return err
		}
		t.RebateMode = mode
		talent = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("rebate mode changed",
		zap.String("one_id", oneID),
		zap.String("platform", string(platform)),
		zap.String("mode", string(mode)),
	)
	return talent, nil
}
