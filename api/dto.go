package api

import (
	"time"

	"github.com/agentworks/rebate-engine/rebate"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Response is the envelope of every JSON response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// =============================================================================
// REQUEST DTOs
// =============================================================================

type UpdateTalentRebateRequest struct {
	OneID          string         `json:"oneId"`
	Platform       string         `json:"platform"`
	RebateRate     rebate.RawRate `json:"rebateRate"`
	EffectType     string         `json:"effectType"`
	EffectiveDate  string         `json:"effectiveDate,omitempty"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

type UpdateAgencyRebateRequest struct {
	AgencyID       string         `json:"agencyId"`
	Platform       string         `json:"platform"`
	RebateRate     rebate.RawRate `json:"rebateRate"`
	EffectType     string         `json:"effectType"`
	EffectiveDate  string         `json:"effectiveDate,omitempty"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	SyncToTalents  *bool          `json:"syncToTalents,omitempty"` // nil means true
}

type SyncTalentRequest struct {
	OneID     string `json:"oneId"`
	Platform  string `json:"platform"`
	CreatedBy string `json:"createdBy,omitempty"`
}

type SyncAgencyRequest struct {
	AgencyID      string `json:"agencyId"`
	Platform      string `json:"platform"`
	EffectiveDate string `json:"effectiveDate,omitempty"`
	CreatedBy     string `json:"createdBy,omitempty"`
}

type ActivateRequest struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	Platform   string `json:"platform"`
	AsOf       string `json:"asOf,omitempty"`
}

type SetRebateModeRequest struct {
	RebateMode string `json:"rebateMode"`
}

type CreateTalentRequest struct {
	OneID      string `json:"oneId"`
	Platform   string `json:"platform"`
	Name       string `json:"name"`
	AgencyID   string `json:"agencyId,omitempty"`
	RebateMode string `json:"rebateMode,omitempty"`
}

type CreateAgencyRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CustomerTalentRequest struct {
	CustomerID     string                 `json:"customerId"`
	OneID          string                 `json:"oneId"`
	Platform       string                 `json:"platform"`
	Status         string                 `json:"status,omitempty"`
	CustomerRebate *CustomerRebateRequest `json:"customerRebate,omitempty"`
}

type CustomerRebateRequest struct {
	Enabled bool           `json:"enabled"`
	Rate    rebate.RawRate `json:"rate"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE DTOs
// =============================================================================

type ConfigDTO struct {
	ConfigID       string         `json:"configId"`
	TargetType     string         `json:"targetType"`
	TargetID       string         `json:"targetId"`
	Platform       string         `json:"platform"`
	RebateRate     float64        `json:"rebateRate"`
	EffectType     string         `json:"effectType"`
	EffectiveDate  string         `json:"effectiveDate"`
	ExpiryDate     *string        `json:"expiryDate"`
	Status         string         `json:"status"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Metadata       map[string]any `json:"metadata"`
}

type ChangeResultDTO struct {
	Config       ConfigDTO      `json:"config"`
	PreviousRate *float64       `json:"previousRate"`
	Message      string         `json:"message"`
	Replayed     bool           `json:"replayed,omitempty"`
	Sync         *SyncResultDTO `json:"sync,omitempty"`
}

type SyncErrorDTO struct {
	OneID string `json:"oneId"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type SyncResultDTO struct {
	AgencyID      string         `json:"agencyId"`
	Platform      string         `json:"platform"`
	RebateRate    float64        `json:"rebateRate"`
	EffectiveDate string         `json:"effectiveDate"`
	Total         int            `json:"total"`
	Updated       int            `json:"updated"`
	Skipped       int            `json:"skipped"`
	Failed        int            `json:"failed"`
	Errors        []SyncErrorDTO `json:"errors"`
}

type ResolvedRateDTO struct {
	RebateRate    float64 `json:"rebateRate"`
	Source        string  `json:"source"`
	EffectiveDate *string `json:"effectiveDate,omitempty"`
	ConfigID      string  `json:"configId,omitempty"`
}

type ResolutionDTO struct {
	OneID           string          `json:"oneId"`
	Platform        string          `json:"platform"`
	AgencyID        string          `json:"agencyId"`
	RebateMode      string          `json:"rebateMode"`
	CustomerID      string          `json:"customerId,omitempty"`
	CurrentRebate   ResolvedRateDTO `json:"currentRebate"`
	EffectiveRebate ResolvedRateDTO `json:"effectiveRebate"`
}

type HistoryDTO struct {
	Records []ConfigDTO `json:"records"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"hasMore"`
}

type ActivationDTO struct {
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId"`
	Platform   string         `json:"platform"`
	AsOf       string         `json:"asOf"`
	Activated  []ConfigDTO    `json:"activated"`
	Skipped    []ConfigDTO    `json:"skipped"`
	Sync       *SyncResultDTO `json:"sync,omitempty"`
}

type CurrentRebateDTO struct {
	RebateRate    float64   `json:"rebateRate"`
	Source        string    `json:"source"`
	EffectiveDate string    `json:"effectiveDate"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

type TalentDTO struct {
	OneID         string            `json:"oneId"`
	Platform      string            `json:"platform"`
	Name          string            `json:"name"`
	AgencyID      string            `json:"agencyId"`
	RebateMode    string            `json:"rebateMode"`
	CurrentRebate *CurrentRebateDTO `json:"currentRebate"`
}

type BaseRebateDTO struct {
	RebateRate    float64   `json:"rebateRate"`
	EffectiveDate string    `json:"effectiveDate"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type AgencyDTO struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	BaseRebates map[string]BaseRebateDTO `json:"baseRebates"`
}

type CustomerTalentDTO struct {
	CustomerID     string                 `json:"customerId"`
	OneID          string                 `json:"oneId"`
	Platform       string                 `json:"platform"`
	Status         string                 `json:"status"`
	CustomerRebate *CustomerRebateResponse `json:"customerRebate"`
}

type CustomerRebateResponse struct {
	Enabled bool    `json:"enabled"`
	Rate    float64 `json:"rate"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type SeedResultDTO struct {
	Scenario        string `json:"scenario"`
	Agencies        int    `json:"agencies"`
	Talents         int    `json:"talents"`
	CustomerTalents int    `json:"customerTalents"`
	Configs         int    `json:"configs"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toConfigDTO(c rebate.Config) ConfigDTO {
	dto := ConfigDTO{
		ConfigID:       string(c.ID),
		TargetType:     string(c.TargetType),
		TargetID:       c.TargetID,
		Platform:       string(c.Platform),
		RebateRate:     c.Rate.InexactFloat64(),
		EffectType:     string(c.EffectType),
		EffectiveDate:  c.EffectiveDate.String(),
		Status:         string(c.Status),
		CreatedBy:      c.CreatedBy,
		CreatedAt:      c.CreatedAt,
		IdempotencyKey: c.IdempotencyKey,
		Metadata:       c.Metadata,
	}
	if c.ExpiryDate != nil {
		s := c.ExpiryDate.String()
		dto.ExpiryDate = &s
	}
	if dto.Metadata == nil {
		dto.Metadata = map[string]any{}
	}
	return dto
}

func toConfigDTOs(configs []rebate.Config) []ConfigDTO {
	out := make([]ConfigDTO, 0, len(configs))
	for _, c := range configs {
		out = append(out, toConfigDTO(c))
	}
	return out
}

func toChangeResultDTO(res *rebate.ChangeResult) ChangeResultDTO {
	dto := ChangeResultDTO{
		Config:   toConfigDTO(res.Config),
		Message:  res.Message,
		Replayed: res.Replayed,
	}
	if res.PreviousRate != nil {
		f := res.PreviousRate.InexactFloat64()
		dto.PreviousRate = &f
	}
	if res.Sync != nil {
		s := toSyncResultDTO(res.Sync)
		dto.Sync = &s
	}
	return dto
}

func toSyncResultDTO(res *rebate.SyncResult) SyncResultDTO {
	dto := SyncResultDTO{
		AgencyID:      res.AgencyID,
		Platform:      string(res.Platform),
		RebateRate:    res.Rate.InexactFloat64(),
		EffectiveDate: res.EffectiveDate.String(),
		Total:         res.Total,
		Updated:       res.Updated,
		Skipped:       res.Skipped,
		Failed:        res.Failed,
		Errors:        make([]SyncErrorDTO, 0, len(res.Errors)),
	}
	for _, e := range res.Errors {
		dto.Errors = append(dto.Errors, SyncErrorDTO{
			OneID: e.OneID,
			Code:  rebate.ErrorCode(e.Err),
			Error: e.Err.Error(),
		})
	}
	return dto
}

func toResolvedRateDTO(r rebate.ResolvedRate) ResolvedRateDTO {
	dto := ResolvedRateDTO{
		RebateRate: r.Rate.InexactFloat64(),
		Source:     string(r.Source),
		ConfigID:   string(r.ConfigID),
	}
	if r.EffectiveDate != nil {
		s := r.EffectiveDate.String()
		dto.EffectiveDate = &s
	}
	return dto
}

func toResolutionDTO(res *rebate.Resolution) ResolutionDTO {
	return ResolutionDTO{
		OneID:           res.OneID,
		Platform:        string(res.Platform),
		AgencyID:        res.AgencyID,
		RebateMode:      string(res.RebateMode),
		CustomerID:      res.CustomerID,
		CurrentRebate:   toResolvedRateDTO(res.CurrentRebate),
		EffectiveRebate: toResolvedRateDTO(res.EffectiveRebate),
	}
}

func toActivationDTO(res *rebate.ActivationResult) ActivationDTO {
	dto := ActivationDTO{
		TargetType: string(res.Key.TargetType),
		TargetID:   res.Key.TargetID,
		Platform:   string(res.Key.Platform),
		AsOf:       res.AsOf.String(),
		Activated:  toConfigDTOs(res.Activated),
		Skipped:    toConfigDTOs(res.Skipped),
	}
	if res.Sync != nil {
		s := toSyncResultDTO(res.Sync)
		dto.Sync = &s
	}
	return dto
}

func toTalentDTO(t *rebate.Talent) TalentDTO {
	dto := TalentDTO{
		OneID:      t.OneID,
		Platform:   string(t.Platform),
		Name:       t.Name,
		AgencyID:   t.AgencyID,
		RebateMode: string(rebate.EffectiveMode(*t)),
	}
	if cur := t.CurrentRebate; cur != nil {
		dto.CurrentRebate = &CurrentRebateDTO{
			RebateRate:    cur.Rate.InexactFloat64(),
			Source:        string(cur.Source),
			EffectiveDate: cur.EffectiveDate.String(),
			LastUpdated:   cur.LastUpdated,
		}
	}
	return dto
}

func toAgencyDTO(a *rebate.Agency) AgencyDTO {
	dto := AgencyDTO{
		ID:          a.ID,
		Name:        a.Name,
		BaseRebates: make(map[string]BaseRebateDTO, len(a.BaseRebates)),
	}
	for p, b := range a.BaseRebates {
		dto.BaseRebates[string(p)] = BaseRebateDTO{
			RebateRate:    b.Rate.InexactFloat64(),
			EffectiveDate: b.EffectiveDate.String(),
			UpdatedAt:     b.UpdatedAt,
		}
	}
	return dto
}

func toCustomerTalentDTO(ct rebate.CustomerTalent) CustomerTalentDTO {
	dto := CustomerTalentDTO{
		CustomerID: ct.CustomerID,
		OneID:      ct.OneID,
		Platform:   string(ct.Platform),
		Status:     ct.Status,
	}
	if cr := ct.CustomerRebate; cr != nil {
		dto.CustomerRebate = &CustomerRebateResponse{Enabled: cr.Enabled, Rate: cr.Rate.InexactFloat64()}
	}
	return dto
}
