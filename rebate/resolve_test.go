package rebate_test

import (
	"testing"

	"github.com/agentworks/rebate-engine/rebate"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_AgencyDefault(t *testing.T) {
	// GIVEN: Agency at 15.00, sync talent with no personal rate and no sync yet
	env := newTestEnv(t)
	env.agency(t, "agency-star")
	env.talent(t, "kol-001", rebate.PlatformDouyin, "agency-star", rebate.ModeSync)
	agencyRes := env.setRate(t, rebate.TargetAgency, "agency-star", rebate.PlatformDouyin, "15.00", jan1)

	// WHEN: Resolving
	res, err := env.engine.ResolveEffectiveRate(env.ctx, "kol-001", rebate.PlatformDouyin, "")
	require.NoError(t, err)

	// THEN: The agency's ledger rate applies
	assertRate(t, "15.00", res.EffectiveRebate.Rate)
	assert.Equal(t, rebate.SourceAgency, res.EffectiveRebate.Source)
	assert.Equal(t, agencyRes.Config.ID, res.EffectiveRebate.ConfigID)
	require.NotNil(t, res.EffectiveRebate.EffectiveDate)
	assert.True(t, res.EffectiveRebate.EffectiveDate.Equal(jan1))
	assert.Equal(t, rebate.ModeSync, res.RebateMode)
	assert.Equal(t, res.CurrentRebate, res.EffectiveRebate)
}

func TestResolve_Priority(t *testing.T) {
	env := newTestEnv(t)
	env.agency(t, "agency-a")
	env.agency(t, "agency-empty")
	env.talent(t, "solo-new", rebate.PlatformDouyin, rebate.IndividualAgencyID, "")
	env.talent(t, "solo-set", rebate.PlatformDouyin, rebate.IndividualAgencyID, "")
	env.talent(t, "sync-empty", rebate.PlatformDouyin, "agency-empty", rebate.ModeSync)
	env.talent(t, "sync-personal", rebate.PlatformDouyin, "agency-empty", rebate.ModeSync)
	env.talent(t, "indep-member", rebate.PlatformDouyin, "agency-a", rebate.ModeIndependent)
	env.talent(t, "unset-member", rebate.PlatformDouyin, "agency-a", "")

	env.setRate(t, rebate.TargetAgency, "agency-a", rebate.PlatformDouyin, "20", jan1)
	env.setRate(t, rebate.TargetTalent, "solo-set", rebate.PlatformDouyin, "9.5", jan1)
	env.setRate(t, rebate.TargetTalent, "sync-personal", rebate.PlatformDouyin, "13", jan1)
	env.setRate(t, rebate.TargetTalent, "indep-member", rebate.PlatformDouyin, "14", jan1)

	tests := []struct {
		oneID  string
		rate   string
		source rebate.Source
	}{
		{"solo-new", "10.00", rebate.SourceDefault},
		{"solo-set", "9.50", rebate.SourcePersonal},
		{"sync-empty", "10.00", rebate.SourceDefault},
		{"sync-personal", "13.00", rebate.SourcePersonal},
		{"indep-member", "14.00", rebate.SourcePersonal},
		{"unset-member", "20.00", rebate.SourceAgency},
	}
	for _, tt := range tests {
		t.Run(tt.oneID, func(t *testing.T) {
			res, err := env.engine.ResolveEffectiveRate(env.ctx, tt.oneID, rebate.PlatformDouyin, "")
			require.NoError(t, err)
			assertRate(t, tt.rate, res.EffectiveRebate.Rate)
			assert.Equal(t, tt.source, res.EffectiveRebate.Source)
		})
	}
}

func TestResolve_CustomerOverride(t *testing.T) {
	// GIVEN: A talent at 12.50 with three customer overlays
	env := newTestEnv(t)
	env.talent(t, "kol-401", rebate.PlatformKuaishou, rebate.IndividualAgencyID, "")
	env.setRate(t, rebate.TargetTalent, "kol-401", rebate.PlatformKuaishou, "12.50", jan1)

	overlays := []rebate.CustomerTalent{
		{CustomerID: "cust-disabled", OneID: "kol-401", Platform: rebate.PlatformKuaishou, Status: rebate.CustomerTalentActive,
			CustomerRebate: &rebate.CustomerRebate{Enabled: false, Rate: decimal.NewFromInt(5)}},
		{CustomerID: "cust-enabled", OneID: "kol-401", Platform: rebate.PlatformKuaishou, Status: rebate.CustomerTalentActive,
			CustomerRebate: &rebate.CustomerRebate{Enabled: true, Rate: decimal.RequireFromString("8.00")}},
		{CustomerID: "cust-inactive", OneID: "kol-401", Platform: rebate.PlatformKuaishou, Status: "inactive",
			CustomerRebate: &rebate.CustomerRebate{Enabled: true, Rate: decimal.NewFromInt(3)}},
	}
	for _, ct := range overlays {
		require.NoError(t, env.store.SaveCustomerTalent(env.ctx, ct))
	}

	tests := []struct {
		customerID string
		rate       string
		source     rebate.Source
	}{
		{"", "12.50", rebate.SourcePersonal},
		{"cust-none", "12.50", rebate.SourcePersonal},
		{"cust-disabled", "12.50", rebate.SourcePersonal},
		{"cust-inactive", "12.50", rebate.SourcePersonal},
		{"cust-enabled", "8.00", rebate.SourceCustomer},
	}
	for _, tt := range tests {
		t.Run("customer="+tt.customerID, func(t *testing.T) {
			res, err := env.engine.ResolveEffectiveRate(env.ctx, "kol-401", rebate.PlatformKuaishou, tt.customerID)
			require.NoError(t, err)

			assertRate(t, tt.rate, res.EffectiveRebate.Rate)
			assert.Equal(t, tt.source, res.EffectiveRebate.Source)

			// The base rate never changes with the customer.
			assertRate(t, "12.50", res.CurrentRebate.Rate)
			assert.Equal(t, rebate.SourcePersonal, res.CurrentRebate.Source)
		})
	}

	// Overlays never touch the talent's own ledger.
	assert.Len(t, env.history(t, rebate.TargetTalent, "kol-401", rebate.PlatformKuaishou), 1)
}

func TestResolve_UnknownTalent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.ResolveEffectiveRate(env.ctx, "ghost", rebate.PlatformDouyin, "")
	assert.ErrorIs(t, err, rebate.ErrNotFound)

	_, err = env.engine.ResolveEffectiveRate(env.ctx, "ghost", "myspace", "")
	assert.ErrorIs(t, err, rebate.ErrInvalidArgument)
}

func TestEffectiveMode(t *testing.T) {
	assert.Equal(t, rebate.ModeIndependent, rebate.EffectiveMode(rebate.Talent{AgencyID: rebate.IndividualAgencyID, RebateMode: rebate.ModeSync}))
	assert.Equal(t, rebate.ModeIndependent, rebate.EffectiveMode(rebate.Talent{}))
	assert.Equal(t, rebate.ModeSync, rebate.EffectiveMode(rebate.Talent{AgencyID: "agency-a"}))
	assert.Equal(t, rebate.ModeIndependent, rebate.EffectiveMode(rebate.Talent{AgencyID: "agency-a", RebateMode: rebate.ModeIndependent}))
}

func TestReadPaths_RepeatedCallsAreIdentical(t *testing.T) {
	// GIVEN: An agency talent with history, a pending rate and a customer overlay
	env := newTestEnv(t)
	env.agency(t, "agency-a")
	env.talent(t, "kol-1", rebate.PlatformDouyin, "agency-a", rebate.ModeIndependent)
	env.setRate(t, rebate.TargetAgency, "agency-a", rebate.PlatformDouyin, "15", jan1)
	env.setRate(t, rebate.TargetTalent, "kol-1", rebate.PlatformDouyin, "12.5", jan1)
	env.setRate(t, rebate.TargetTalent, "kol-1", rebate.PlatformDouyin, "18", mar1)
	env.schedule(t, rebate.TargetTalent, "kol-1", rebate.PlatformDouyin, "20", jul1)
	require.NoError(t, env.store.SaveCustomerTalent(env.ctx, rebate.CustomerTalent{
		CustomerID:     "cust-1",
		OneID:          "kol-1",
		Platform:       rebate.PlatformDouyin,
		Status:         rebate.CustomerTalentActive,
		CustomerRebate: &rebate.CustomerRebate{Enabled: true, Rate: decimal.RequireFromString("8")},
	}))

	before, err := env.store.GetTalent(env.ctx, "kol-1", rebate.PlatformDouyin)
	require.NoError(t, err)
	query := rebate.HistoryQuery{TargetID: "kol-1", Platform: rebate.PlatformDouyin, Limit: 2}

	// WHEN: Every read path runs twice with no write in between
	firstPage, err := env.engine.GetHistory(env.ctx, query)
	require.NoError(t, err)
	secondPage, err := env.engine.GetHistory(env.ctx, query)
	require.NoError(t, err)

	firstBase, err := env.engine.ResolveEffectiveRate(env.ctx, "kol-1", rebate.PlatformDouyin, "")
	require.NoError(t, err)
	secondBase, err := env.engine.ResolveEffectiveRate(env.ctx, "kol-1", rebate.PlatformDouyin, "")
	require.NoError(t, err)

	firstCustomer, err := env.engine.ResolveEffectiveRate(env.ctx, "kol-1", rebate.PlatformDouyin, "cust-1")
	require.NoError(t, err)
	secondCustomer, err := env.engine.ResolveEffectiveRate(env.ctx, "kol-1", rebate.PlatformDouyin, "cust-1")
	require.NoError(t, err)

	// THEN: Results are equal and nothing was written
	assert.Equal(t, firstPage, secondPage)
	assert.Equal(t, 3, firstPage.Total)
	assert.Equal(t, firstBase, secondBase)
	assert.Equal(t, rebate.SourcePersonal, firstBase.EffectiveRebate.Source)
	assert.Equal(t, firstCustomer, secondCustomer)
	assert.Equal(t, rebate.SourceCustomer, firstCustomer.EffectiveRebate.Source)

	after, err := env.store.GetTalent(env.ctx, "kol-1", rebate.PlatformDouyin)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, env.history(t, rebate.TargetTalent, "kol-1", rebate.PlatformDouyin), 3)
	assert.Len(t, env.history(t, rebate.TargetAgency, "agency-a", rebate.PlatformDouyin), 1)
}

func TestResolve_SyncedThenIndependent_ReportsPersonal(t *testing.T) {
	// GIVEN: A talent synced to its agency's 15.00, then switched to independent
	env := newTestEnv(t)
	env.agency(t, "agency-a")
	env.talent(t, "kol-1", rebate.PlatformDouyin, "agency-a", rebate.ModeSync)
	env.setRate(t, rebate.TargetAgency, "agency-a", rebate.PlatformDouyin, "15", jan1)
	_, err := env.engine.SyncAgencyRebateToTalent(env.ctx, "kol-1", rebate.PlatformDouyin, "ops-admin")
	require.NoError(t, err)
	_, err = env.engine.SetRebateMode(env.ctx, "kol-1", rebate.PlatformDouyin, rebate.ModeIndependent)
	require.NoError(t, err)

	// WHEN: The agency moves on and the talent is resolved
	env.setRate(t, rebate.TargetAgency, "agency-a", rebate.PlatformDouyin, "22", mar1)
	res, err := env.engine.ResolveEffectiveRate(env.ctx, "kol-1", rebate.PlatformDouyin, "")
	require.NoError(t, err)

	// THEN: The synced rate is kept and reported as personal; the cache still says agency
	assertRate(t, "15.00", res.EffectiveRebate.Rate)
	assert.Equal(t, rebate.SourcePersonal, res.EffectiveRebate.Source)

	talent, err := env.store.GetTalent(env.ctx, "kol-1", rebate.PlatformDouyin)
	require.NoError(t, err)
	assert.Equal(t, rebate.SourceAgency, talent.CurrentRebate.Source)
}
