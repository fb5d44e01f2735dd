/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos and manual QA. Each scenario seeds agencies, talents and
	customer overlays through the seed factory, then drives the engine to
	show one rule of the rebate system.

AVAILABLE SCENARIOS:

	agency-default:       Sync talent with no personal rate resolves to the agency rate
	independent-history:  Two immediate changes, first expired at the second's date
	sync-to-agency:       Independent agency talent switched to sync mode
	next-cooperation:     Pending rate that leaves the current rate untouched
	customer-override:    Disabled override ignored, enabled override wins

HOW SCENARIOS WORK:
 1. Reset database (drop all data)
 2. Parse the scenario's seed JSON via factory.SeedFactory
 3. Apply the seed (entities + initial rates through the engine)
 4. Run the scenario's extra engine steps

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sync-to-agency"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx) (*factory.SeedResult, error)
 3. Add it to scenarioLoaders

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Rebate endpoints used to inspect the result
  - factory/seed.go: Seed JSON format
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agentworks/rebate-engine/factory"
	"github.com/agentworks/rebate-engine/rebate"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "agency-default",
		Name:        "Agency Default",
		Description: "Sync-mode talent with no personal rate resolves to the agency's 15.00%",
		Category:    "resolution",
	},
	{
		ID:          "independent-history",
		Name:        "Independent History",
		Description: "Independent talent set to 12.50% then 18.00%; first record expires at the second's date",
		Category:    "ledger",
	},
	{
		ID:          "sync-to-agency",
		Name:        "Sync To Agency",
		Description: "Independent agency talent switched to sync mode and given the agency's 20.00%",
		Category:    "sync",
	},
	{
		ID:          "next-cooperation",
		Name:        "Next Cooperation",
		Description: "Pending 20.00% for the next cooperation; the active 15.00% stays in place",
		Category:    "ledger",
	},
	{
		ID:          "customer-override",
		Name:        "Customer Override",
		Description: "Disabled customer override is ignored; enabled override wins over the base rate",
		Category:    "resolution",
	},
}

type scenarioLoader func(context.Context) (*factory.SeedResult, error)

func (h *Handler) scenarioLoaders() map[string]scenarioLoader {
	return map[string]scenarioLoader{
		"agency-default":      h.loadAgencyDefaultScenario,
		"independent-history": h.loadIndependentHistoryScenario,
		"sync-to-agency":      h.loadSyncToAgencyScenario,
		"next-cooperation":    h.loadNextCooperationScenario,
		"customer-override":   h.loadCustomerOverrideScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, scenarios, "")
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeOK(w, http.StatusOK, s, "")
			return
		}
	}
	writeOK(w, http.StatusOK, nil, "no scenario loaded")
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		h.writeError(w, fmt.Errorf("%w: unknown scenario %q", rebate.ErrInvalidArgument, req.ScenarioID), nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		h.writeError(w, fmt.Errorf("reset database: %w", err), nil)
		return
	}
	result, err := load(ctx)
	if err != nil {
		h.writeError(w, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err), nil)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID), zap.Int("configs", len(result.Configs)))
	writeOK(w, http.StatusOK, SeedResultDTO{
		Scenario:        req.ScenarioID,
		Agencies:        result.Agencies,
		Talents:         result.Talents,
		CustomerTalents: result.CustomerTalents,
		Configs:         len(result.Configs),
	}, "scenario loaded")
}

// ResetDatabase drops all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeError(w, fmt.Errorf("reset database: %w", err), nil)
		return
	}
	h.currentScenario = ""
	writeOK(w, http.StatusOK, map[string]string{"status": "reset"}, "")
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadSeed parses and applies a seed document.
func (h *Handler) loadSeed(ctx context.Context, seedJSON string) (*factory.SeedResult, error) {
	seed, err := h.Seeds.ParseSeed(seedJSON)
	if err != nil {
		return nil, err
	}
	return h.Seeds.Apply(ctx, h.Engine, h.Store, seed)
}

// Agency A at 15.00, talent in sync mode without any personal rate.
func (h *Handler) loadAgencyDefaultScenario(ctx context.Context) (*factory.SeedResult, error) {
	return h.loadSeed(ctx, `{
		"agencies": [{"id": "agency-star", "name": "Star Media"}],
		"talents": [
			{"oneId": "kol-001", "platform": "douyin", "name": "Lin Xiao", "agencyId": "agency-star", "rebateMode": "sync"}
		],
		"rates": [
			{"targetType": "agency", "targetId": "agency-star", "platform": "douyin",
			 "rate": "15.00", "effectiveDate": "2024-01-01", "createdBy": "ops-admin"}
		]
	}`)
}

func (h *Handler) loadIndependentHistoryScenario(ctx context.Context) (*factory.SeedResult, error) {
	return h.loadSeed(ctx, `{
		"talents": [
			{"oneId": "kol-101", "platform": "xiaohongshu", "name": "Zhou Yun"}
		],
		"rates": [
			{"targetType": "talent", "targetId": "kol-101", "platform": "xiaohongshu",
			 "rate": 12.50, "effectiveDate": "2024-01-01", "createdBy": "ops-admin"},
			{"targetType": "talent", "targetId": "kol-101", "platform": "xiaohongshu",
			 "rate": 18, "effectiveDate": "2024-03-01", "createdBy": "ops-admin"}
		]
	}`)
}

func (h *Handler) loadSyncToAgencyScenario(ctx context.Context) (*factory.SeedResult, error) {
	result, err := h.loadSeed(ctx, `{
		"agencies": [{"id": "agency-moon", "name": "Moonlight MCN"}],
		"talents": [
			{"oneId": "kol-201", "platform": "douyin", "name": "Chen Hao", "agencyId": "agency-moon", "rebateMode": "independent"},
			{"oneId": "kol-202", "platform": "douyin", "name": "Wu Lei", "agencyId": "agency-moon", "rebateMode": "sync"}
		],
		"rates": [
			{"targetType": "talent", "targetId": "kol-201", "platform": "douyin",
			 "rate": "12.00", "effectiveDate": "2024-01-01", "createdBy": "ops-admin"},
			{"targetType": "agency", "targetId": "agency-moon", "platform": "douyin",
			 "rate": "20.00", "effectiveDate": "2024-02-01", "createdBy": "ops-admin", "syncToTalents": true}
		]
	}`)
	if err != nil {
		return nil, err
	}
	res, err := h.Engine.SyncAgencyRebateToTalent(ctx, "kol-201", rebate.PlatformDouyin, "ops-admin")
	if err != nil {
		return nil, err
	}
	result.Configs = append(result.Configs, res.Config)
	return result, nil
}

func (h *Handler) loadNextCooperationScenario(ctx context.Context) (*factory.SeedResult, error) {
	result, err := h.loadSeed(ctx, `{
		"talents": [
			{"oneId": "kol-301", "platform": "bilibili", "name": "Sun Qi"}
		],
		"rates": [
			{"targetType": "talent", "targetId": "kol-301", "platform": "bilibili",
			 "rate": "15.00", "effectiveDate": "2024-01-01", "createdBy": "ops-admin"}
		]
	}`)
	if err != nil {
		return nil, err
	}

	nextMonth := h.Engine.Today().AddDays(30)
	res, err := h.Engine.ApplyRateChange(ctx, rebate.ChangeRequest{
		TargetType:    rebate.TargetTalent,
		TargetID:      "kol-301",
		Platform:      rebate.PlatformBilibili,
		RawRate:       "20.00",
		EffectType:    rebate.EffectNextCooperation,
		EffectiveDate: &nextMonth,
		CreatedBy:     "ops-admin",
	})
	if err != nil {
		return nil, err
	}
	result.Configs = append(result.Configs, res.Config)
	return result, nil
}

func (h *Handler) loadCustomerOverrideScenario(ctx context.Context) (*factory.SeedResult, error) {
	return h.loadSeed(ctx, `{
		"talents": [
			{"oneId": "kol-401", "platform": "kuaishou", "name": "He Jing"}
		],
		"customerTalents": [
			{"customerId": "cust-disabled", "oneId": "kol-401", "platform": "kuaishou",
			 "customerRebate": {"enabled": false, "rate": 5}},
			{"customerId": "cust-enabled", "oneId": "kol-401", "platform": "kuaishou",
			 "customerRebate": {"enabled": true, "rate": "8.00"}}
		],
		"rates": [
			{"targetType": "talent", "targetId": "kol-401", "platform": "kuaishou",
			 "rate": "12.50", "effectiveDate": "2024-01-01", "createdBy": "ops-admin"}
		]
	}`)
}
