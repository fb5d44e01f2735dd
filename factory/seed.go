/*
Package factory provides JSON to Go seed conversion.

PURPOSE:
  Converts JSON seed documents (agencies, talents, customer overlays and
  initial rates) into rebate domain objects and applies them. Operations
  staff can describe a tenant's starting state in JSON without code changes.

  Rates are never written directly: every rate goes through the engine, so
  the ledger stays the source of truth and the caches are filled the same
  way as for any other change.

JSON SCHEMA:
  {
    "agencies": [{"id": "agency-001", "name": "Star Media"}],
    "talents": [
      {"oneId": "kol-001", "platform": "douyin", "name": "Alice",
       "agencyId": "agency-001", "rebateMode": "sync"}
    ],
    "customerTalents": [
      {"customerId": "cust-001", "oneId": "kol-001", "platform": "douyin",
       "status": "active", "customerRebate": {"enabled": true, "rate": 8}}
    ],
    "rates": [
      {"targetType": "agency", "targetId": "agency-001", "platform": "douyin",
       "rate": 20, "effectType": "immediate", "effectiveDate": "2024-01-01",
       "syncToTalents": true}
    ]
  }

KEY FEATURES:
  - Validates the whole document before anything is written
  - Defaults: agencyId "individual", status "active", effectType "immediate"
  - Rates accept a number or a string

USAGE:
  f := NewSeedFactory()
  seed, err := f.ParseSeed(jsonString)
  result, err := f.Apply(ctx, engine, store, seed)

SEE ALSO:
  - rebate/engine.go: ApplyRateChange
  - cmd/seed: CLI wrapper
  - api/scenarios.go: Demo scenarios built from seeds
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentworks/rebate-engine/rebate"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SeedJSON is the JSON representation of a seed document.
type SeedJSON struct {
	Agencies        []AgencyJSON         `json:"agencies"`
	Talents         []TalentJSON         `json:"talents"`
	CustomerTalents []CustomerTalentJSON `json:"customerTalents"`
	Rates           []RateJSON           `json:"rates"`
}

type AgencyJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type TalentJSON struct {
	OneID      string `json:"oneId"`
	Platform   string `json:"platform"`
	Name       string `json:"name"`
	AgencyID   string `json:"agencyId,omitempty"`
	RebateMode string `json:"rebateMode,omitempty"`
}

type CustomerTalentJSON struct {
	CustomerID     string              `json:"customerId"`
	OneID          string              `json:"oneId"`
	Platform       string              `json:"platform"`
	Status         string              `json:"status,omitempty"`
	CustomerRebate *CustomerRebateJSON `json:"customerRebate,omitempty"`
}

type CustomerRebateJSON struct {
	Enabled bool           `json:"enabled"`
	Rate    rebate.RawRate `json:"rate"`
}

// RateJSON is one rate change, applied in document order.
type RateJSON struct {
	TargetType     string         `json:"targetType"`
	TargetID       string         `json:"targetId"`
	Platform       string         `json:"platform"`
	Rate           rebate.RawRate `json:"rate"`
	EffectType     string         `json:"effectType,omitempty"`
	EffectiveDate  string         `json:"effectiveDate,omitempty"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	SyncToTalents  bool           `json:"syncToTalents,omitempty"`
}

// =============================================================================
// SEED
// =============================================================================

// Seed is a validated seed document.
type Seed struct {
	Agencies        []rebate.Agency
	Talents         []rebate.Talent
	CustomerTalents []rebate.CustomerTalent
	Rates           []rebate.ChangeRequest
}

// SeedResult counts what Apply wrote.
type SeedResult struct {
	Agencies        int
	Talents         int
	CustomerTalents int
	Configs         []rebate.Config
	SyncedTalents   int
}

// SeedFactory creates seeds from JSON.
type SeedFactory struct {
	// CreatedBy is used for rates that don't name an operator.
	CreatedBy string
}

func NewSeedFactory() *SeedFactory {
	return &SeedFactory{CreatedBy: "seed"}
}

// ParseSeed parses a JSON string into a Seed.
func (f *SeedFactory) ParseSeed(jsonStr string) (*Seed, error) {
	var sj SeedJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return f.FromJSON(sj)
}

// FromJSON validates a SeedJSON and converts it.
func (f *SeedFactory) FromJSON(sj SeedJSON) (*Seed, error) {
	seed := &Seed{}

	agencies := map[string]bool{}
	for i, aj := range sj.Agencies {
		if aj.ID == "" {
			return nil, fmt.Errorf("agencies[%d]: id is required", i)
		}
		if rebate.IsIndependentAgency(aj.ID) {
			return nil, fmt.Errorf("agencies[%d]: %q is reserved for talents without agency", i, aj.ID)
		}
		agencies[aj.ID] = true
		seed.Agencies = append(seed.Agencies, rebate.Agency{
			ID:          aj.ID,
			Name:        aj.Name,
			BaseRebates: map[rebate.Platform]rebate.BaseRebate{},
		})
	}

	for i, tj := range sj.Talents {
		t, err := parseTalent(tj)
		if err != nil {
			return nil, fmt.Errorf("talents[%d]: %w", i, err)
		}
		if !rebate.IsIndependentAgency(t.AgencyID) && !agencies[t.AgencyID] {
			return nil, fmt.Errorf("talents[%d]: unknown agency %q", i, t.AgencyID)
		}
		seed.Talents = append(seed.Talents, t)
	}

	for i, cj := range sj.CustomerTalents {
		ct, err := parseCustomerTalent(cj)
		if err != nil {
			return nil, fmt.Errorf("customerTalents[%d]: %w", i, err)
		}
		seed.CustomerTalents = append(seed.CustomerTalents, ct)
	}

	for i, rj := range sj.Rates {
		req, err := f.parseRate(rj)
		if err != nil {
			return nil, fmt.Errorf("rates[%d]: %w", i, err)
		}
		seed.Rates = append(seed.Rates, req)
	}
	return seed, nil
}

// Apply saves the entities, then applies every rate through engine.
func (f *SeedFactory) Apply(ctx context.Context, engine *rebate.Engine, store rebate.EntityStore, seed *Seed) (*SeedResult, error) {
	result := &SeedResult{}

	for _, a := range seed.Agencies {
		if err := store.SaveAgency(ctx, a); err != nil {
			return result, fmt.Errorf("save agency %s: %w", a.ID, err)
		}
		result.Agencies++
	}
	for _, t := range seed.Talents {
		if err := store.SaveTalent(ctx, t); err != nil {
			return result, fmt.Errorf("save talent %s/%s: %w", t.OneID, t.Platform, err)
		}
		result.Talents++
	}
	for _, ct := range seed.CustomerTalents {
		if err := store.SaveCustomerTalent(ctx, ct); err != nil {
			return result, fmt.Errorf("save customer talent %s/%s: %w", ct.CustomerID, ct.OneID, err)
		}
		result.CustomerTalents++
	}
	for _, req := range seed.Rates {
		res, err := engine.ApplyRateChange(ctx, req)
		if err != nil {
			return result, fmt.Errorf("apply rate %s:%s:%s: %w", req.TargetType, req.TargetID, req.Platform, err)
		}
		result.Configs = append(result.Configs, res.Config)
		if res.Sync != nil {
			result.SyncedTalents += res.Sync.Updated
		}
	}
	return result, nil
}

// =============================================================================
// PARSERS
// =============================================================================

func parseTalent(tj TalentJSON) (rebate.Talent, error) {
	t := rebate.Talent{
		OneID:      tj.OneID,
		Platform:   rebate.Platform(tj.Platform),
		Name:       tj.Name,
		AgencyID:   tj.AgencyID,
		RebateMode: rebate.RebateMode(tj.RebateMode),
	}
	if t.OneID == "" {
		return t, fmt.Errorf("oneId is required")
	}
	if !t.Platform.Valid() {
		return t, fmt.Errorf("unknown platform %q", tj.Platform)
	}
	if t.AgencyID == "" {
		t.AgencyID = rebate.IndividualAgencyID
	}
	if t.RebateMode != "" && !t.RebateMode.Valid() {
		return t, fmt.Errorf("unknown rebate mode %q", tj.RebateMode)
	}
	if rebate.IsIndependentAgency(t.AgencyID) && t.RebateMode == rebate.ModeSync {
		return t, fmt.Errorf("talent without agency cannot be in sync mode")
	}
	return t, nil
}

func parseCustomerTalent(cj CustomerTalentJSON) (rebate.CustomerTalent, error) {
	ct := rebate.CustomerTalent{
		CustomerID: cj.CustomerID,
		OneID:      cj.OneID,
		Platform:   rebate.Platform(cj.Platform),
		Status:     cj.Status,
	}
	if ct.CustomerID == "" || ct.OneID == "" {
		return ct, fmt.Errorf("customerId and oneId are required")
	}
	if !ct.Platform.Valid() {
		return ct, fmt.Errorf("unknown platform %q", cj.Platform)
	}
	if ct.Status == "" {
		ct.Status = rebate.CustomerTalentActive
	}
	if cr := cj.CustomerRebate; cr != nil {
		rate, err := rebate.ParseRate(string(cr.Rate))
		if err != nil {
			return ct, err
		}
		ct.CustomerRebate = &rebate.CustomerRebate{Enabled: cr.Enabled, Rate: rate}
	}
	return ct, nil
}

func (f *SeedFactory) parseRate(rj RateJSON) (rebate.ChangeRequest, error) {
	req := rebate.ChangeRequest{
		TargetType:     rebate.TargetType(rj.TargetType),
		TargetID:       rj.TargetID,
		Platform:       rebate.Platform(rj.Platform),
		RawRate:        string(rj.Rate),
		EffectType:     rebate.EffectType(rj.EffectType),
		CreatedBy:      rj.CreatedBy,
		IdempotencyKey: rj.IdempotencyKey,
		SyncToTalents:  rj.SyncToTalents,
	}
	if req.TargetType == "" {
		req.TargetType = rebate.TargetTalent
	}
	if !req.TargetType.Valid() {
		return req, fmt.Errorf("unknown target type %q", rj.TargetType)
	}
	if req.TargetID == "" {
		return req, fmt.Errorf("targetId is required")
	}
	if !req.Platform.Valid() {
		return req, fmt.Errorf("unknown platform %q", rj.Platform)
	}
	if req.EffectType == "" {
		req.EffectType = rebate.EffectImmediate
	}
	if !req.EffectType.Valid() {
		return req, fmt.Errorf("unknown effect type %q", rj.EffectType)
	}
	if _, err := rebate.ParseRate(req.RawRate); err != nil {
		return req, err
	}
	if rj.EffectiveDate != "" {
		d, err := rebate.ParseDate(rj.EffectiveDate)
		if err != nil {
			return req, fmt.Errorf("invalid effectiveDate %q: %w", rj.EffectiveDate, err)
		}
		req.EffectiveDate = &d
	}
	if req.CreatedBy == "" {
		req.CreatedBy = f.CreatedBy
	}
	return req, nil
}

// ToJSON converts entities back into a seed document (rates excluded: the
// ledger, not the seed, is the record of rates).
func (f *SeedFactory) ToJSON(seed *Seed) SeedJSON {
	var sj SeedJSON
	for _, a := range seed.Agencies {
		sj.Agencies = append(sj.Agencies, AgencyJSON{ID: a.ID, Name: a.Name})
	}
	for _, t := range seed.Talents {
		sj.Talents = append(sj.Talents, TalentJSON{
			OneID:      t.OneID,
			Platform:   string(t.Platform),
			Name:       t.Name,
			AgencyID:   t.AgencyID,
			RebateMode: string(t.RebateMode),
		})
	}
	for _, ct := range seed.CustomerTalents {
		cj := CustomerTalentJSON{
			CustomerID: ct.CustomerID,
			OneID:      ct.OneID,
			Platform:   string(ct.Platform),
			Status:     ct.Status,
		}
		if cr := ct.CustomerRebate; cr != nil {
			cj.CustomerRebate = &CustomerRebateJSON{Enabled: cr.Enabled, Rate: rebate.RawRate(rebate.FormatRate(cr.Rate))}
		}
		sj.CustomerTalents = append(sj.CustomerTalents, cj)
	}
	return sj
}
