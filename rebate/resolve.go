package rebate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESOLUTION - Which rate applies right now
// =============================================================================
//
// Priority, highest first:
//   1. customer override (active overlay with customerRebate.enabled)
//   2. agency rate       (talent in sync mode, agency has an active config)
//   3. personal rate     (talent's CurrentRebate)
//   4. DefaultRate
//
// Read-only: never writes the ledger or the caches.

// ResolvedRate is a rate tagged with where it came from.
type ResolvedRate struct {
	Rate          decimal.Decimal
	Source        Source
	EffectiveDate *Date
	ConfigID      ConfigID // set when read from the ledger
}

// Resolution separates what the talent/agency rate is (CurrentRebate) from
// what a specific customer pays (EffectiveRebate). Without a customer, or
// without an applicable override, both are equal.
type Resolution struct {
	OneID           string
	Platform        Platform
	AgencyID        string
	RebateMode      RebateMode
	CustomerID      string
	CurrentRebate   ResolvedRate
	EffectiveRebate ResolvedRate
}

// ResolveEffectiveRate computes the base and effective rate for a talent,
// optionally in the context of customerID.
func (e *Engine) ResolveEffectiveRate(ctx context.Context, oneID string, platform Platform, customerID string) (*Resolution, error) {
	start := time.Now()
	defer observe("resolve_effective_rate", start)

	if err := validateKey(Key{TargetType: TargetTalent, TargetID: oneID, Platform: platform}); err != nil {
		return nil, err
	}
	talent, err := e.store.GetTalent(ctx, oneID, platform)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		OneID:      talent.OneID,
		Platform:   talent.Platform,
		AgencyID:   talent.AgencyID,
		RebateMode: EffectiveMode(*talent),
		CustomerID: customerID,
	}

	base, err := e.baseRate(ctx, *talent, res.RebateMode)
	if err != nil {
		return nil, err
	}
	res.CurrentRebate = base
	res.EffectiveRebate = base

	if customerID != "" {
		ct, err := e.store.GetCustomerTalent(ctx, customerID, oneID, platform)
		if err != nil {
			return nil, err
		}
		if ct != nil {
			if rate, ok := ct.Override(); ok {
				res.EffectiveRebate = ResolvedRate{Rate: rate, Source: SourceCustomer}
			}
		}
	}

	resolutionsTotal.WithLabelValues(string(res.EffectiveRebate.Source)).Inc()
	return res, nil
}

func (e *Engine) baseRate(ctx context.Context, talent Talent, mode RebateMode) (ResolvedRate, error) {
	if mode == ModeSync {
		active, err := e.store.ActiveConfig(ctx, Key{TargetType: TargetAgency, TargetID: talent.AgencyID, Platform: talent.Platform})
		if err != nil {
			return ResolvedRate{}, err
		}
		if active != nil {
			effective := active.EffectiveDate
			return ResolvedRate{
				Rate:          active.Rate,
				Source:        SourceAgency,
				EffectiveDate: &effective,
				ConfigID:      active.ID,
			}, nil
		}
	}
	// The cache's own Source is not consulted: an independent talent whose
	// rate was last synced from its agency still reports it as personal.
	if cur := talent.CurrentRebate; cur != nil {
		effective := cur.EffectiveDate
		return ResolvedRate{Rate: cur.Rate, Source: SourcePersonal, EffectiveDate: &effective}, nil
	}
	return ResolvedRate{Rate: DefaultRate, Source: SourceDefault}, nil
}
