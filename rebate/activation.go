package rebate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// PENDING ACTIVATION - next_cooperation records becoming active
// =============================================================================
//
// What makes a next_cooperation rate due (a booked collaboration) lives
// outside this engine. ActivatePendingIfDue is the hook that caller uses;
// api.ActivationScheduler can also sweep by effective date.

// ActivationResult lists what happened to the due pending records of a key.
type ActivationResult struct {
	Key       Key
	AsOf      Date
	Activated []Config
	// Skipped are due records dated before the current active record.
	// They stay pending; promoting them would break date ordering.
	Skipped []Config
	Sync    *SyncResult
}

// ActivatePendingIfDue promotes every pending record of key whose effective
// date is on or before asOf, oldest first. Each promotion expires the
// current active record at the pending record's effective date.
func (e *Engine) ActivatePendingIfDue(ctx context.Context, key Key, asOf Date) (*ActivationResult, error) {
	start := time.Now()
	defer observe("activate_pending", start)

	if err := validateKey(key); err != nil {
		return nil, err
	}
	unlock, err := e.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	result := &ActivationResult{Key: key, AsOf: asOf}
	err = e.store.WithTx(ctx, func(s Store) error {
		result.Activated, result.Skipped = nil, nil

		due, err := s.DuePending(ctx, key, asOf)
		if err != nil {
			return err
		}
		now := e.now()
		for _, p := range due {
			active, err := s.ActiveConfig(ctx, key)
			if err != nil {
				return err
			}
			if active != nil {
				if p.EffectiveDate.Before(active.EffectiveDate) {
					result.Skipped = append(result.Skipped, p)
					continue
				}
				if err := s.ExpireConfig(ctx, active.ID, p.EffectiveDate); err != nil {
					return err
				}
			}
			if err := s.ActivateConfig(ctx, p.ID); err != nil {
				return err
			}
			if err := p.Transition(StatusActive, p.EffectiveDate); err != nil {
				return err
			}
			if err := refreshCache(ctx, s, p, now); err != nil {
				return err
			}
			result.Activated = append(result.Activated, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range result.Activated {
		transitionsTotal.WithLabelValues(string(c.TargetType), string(c.EffectType), "activated").Inc()
		e.logger.Info("pending rate activated",
			zap.String("key", key.String()),
			zap.String("config_id", string(c.ID)),
			zap.String("rate", FormatRate(c.Rate)),
			zap.String("effective_date", c.EffectiveDate.String()),
		)
	}

	if key.TargetType == TargetAgency && len(result.Activated) > 0 {
		last := result.Activated[len(result.Activated)-1]
		rate, effective := last.Rate, last.EffectiveDate
		sync, err := e.SyncAgencyToTalents(ctx, SyncRequest{
			AgencyID:      key.TargetID,
			Platform:      key.Platform,
			Rate:          &rate,
			EffectiveDate: &effective,
			CreatedBy:     last.CreatedBy,
		})
		if err != nil {
			return result, fmt.Errorf("pending agency rate activated but sync failed: %w", err)
		}
		result.Sync = sync
	}
	return result, nil
}

// ActivateAllDue sweeps every key with due pending records. Errors on one
// key are logged and counted; the sweep continues.
func (e *Engine) ActivateAllDue(ctx context.Context, asOf Date) (activated, failed int, err error) {
	keys, err := e.store.DuePendingKeys(ctx, asOf)
	if err != nil {
		return 0, 0, err
	}
	for _, key := range keys {
		res, err := e.ActivatePendingIfDue(ctx, key, asOf)
		if err != nil {
			failed++
			e.logger.Error("pending activation failed", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		activated += len(res.Activated)
	}
	return activated, failed, nil
}
