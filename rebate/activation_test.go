package rebate_test

import (
	"testing"

	"github.com/agentworks/rebate-engine/rebate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) schedule(t *testing.T, target rebate.TargetType, id string, platform rebate.Platform, raw string, effective rebate.Date) rebate.Config {
	t.Helper()
	res, err := e.engine.ApplyRateChange(e.ctx, rebate.ChangeRequest{
		TargetType:    target,
		TargetID:      id,
		Platform:      platform,
		RawRate:       raw,
		EffectType:    rebate.EffectNextCooperation,
		EffectiveDate: &effective,
		CreatedBy:     "ops-admin",
	})
	require.NoError(t, err)
	require.Equal(t, rebate.StatusPending, res.Config.Status)
	return res.Config
}

func TestActivatePendingIfDue_NotDueYet(t *testing.T) {
	// GIVEN: 15.00 active, 20.00 pending from Jul 1
	env := newTestEnv(t)
	env.talent(t, "kol-301", rebate.PlatformBilibili, rebate.IndividualAgencyID, "")
	env.setRate(t, rebate.TargetTalent, "kol-301", rebate.PlatformBilibili, "15", jan1)
	env.schedule(t, rebate.TargetTalent, "kol-301", rebate.PlatformBilibili, "20", jul1)
	key := rebate.Key{TargetType: rebate.TargetTalent, TargetID: "kol-301", Platform: rebate.PlatformBilibili}

	// WHEN: Activation runs Jun 15
	res, err := env.engine.ActivatePendingIfDue(env.ctx, key, rebate.NewDate(2024, 6, 15))

	// THEN: Nothing moves
	require.NoError(t, err)
	assert.Empty(t, res.Activated)
	assert.Empty(t, res.Skipped)

	talent, err := env.store.GetTalent(env.ctx, "kol-301", rebate.PlatformBilibili)
	require.NoError(t, err)
	assertRate(t, "15.00", talent.CurrentRebate.Rate)
}

func TestActivatePendingIfDue_Due_ExpiresActiveAtPendingDate(t *testing.T) {
	// GIVEN: 15.00 active, 20.00 pending from Jul 1
	env := newTestEnv(t)
	env.talent(t, "kol-301", rebate.PlatformBilibili, rebate.IndividualAgencyID, "")
	first := env.setRate(t, rebate.TargetTalent, "kol-301", rebate.PlatformBilibili, "15", jan1)
	pending := env.schedule(t, rebate.TargetTalent, "kol-301", rebate.PlatformBilibili, "20", jul1)
	key := pending.Key()

	// WHEN: Activation runs on Jul 1
	res, err := env.engine.ActivatePendingIfDue(env.ctx, key, jul1)
	require.NoError(t, err)

	// THEN: Pending became active, the old record expired Jul 1, cache follows
	require.Len(t, res.Activated, 1)
	assert.Equal(t, pending.ID, res.Activated[0].ID)
	assert.Equal(t, rebate.StatusActive, res.Activated[0].Status)

	old, err := env.store.GetConfig(env.ctx, first.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, rebate.StatusExpired, old.Status)
	require.NotNil(t, old.ExpiryDate)
	assert.True(t, old.ExpiryDate.Equal(jul1))

	talent, err := env.store.GetTalent(env.ctx, "kol-301", rebate.PlatformBilibili)
	require.NoError(t, err)
	assertRate(t, "20.00", talent.CurrentRebate.Rate)
	assert.True(t, talent.CurrentRebate.EffectiveDate.Equal(jul1))

	records := env.history(t, rebate.TargetTalent, "kol-301", rebate.PlatformBilibili)
	assert.Equal(t, 1, countActive(records))

	// Running again is a no-op.
	res, err = env.engine.ActivatePendingIfDue(env.ctx, key, jul1)
	require.NoError(t, err)
	assert.Empty(t, res.Activated)
}

func TestActivatePendingIfDue_StalePending_Skipped(t *testing.T) {
	// GIVEN: A pending record for Feb 1, overtaken by an immediate change on Mar 1
	env := newTestEnv(t)
	env.talent(t, "kol-1", rebate.PlatformDouyin, rebate.IndividualAgencyID, "")
	env.setRate(t, rebate.TargetTalent, "kol-1", rebate.PlatformDouyin, "10", jan1)
	stale := env.schedule(t, rebate.TargetTalent, "kol-1", rebate.PlatformDouyin, "12", feb1)
	current := env.setRate(t, rebate.TargetTalent, "kol-1", rebate.PlatformDouyin, "14", mar1)

	// WHEN: Activation runs today
	res, err := env.engine.ActivatePendingIfDue(env.ctx, stale.Key(), jun1)
	require.NoError(t, err)

	// THEN: The stale record is reported and left pending
	assert.Empty(t, res.Activated)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, stale.ID, res.Skipped[0].ID)

	got, err := env.store.GetConfig(env.ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, rebate.StatusPending, got.Status)

	active, err := env.store.ActiveConfig(env.ctx, stale.Key())
	require.NoError(t, err)
	assert.Equal(t, current.Config.ID, active.ID)
}

func TestActivatePendingIfDue_Agency_SyncsTalents(t *testing.T) {
	// GIVEN: Agency at 15 with a pending 18 from Jul 1, and one sync talent
	env := newTestEnv(t)
	env.agency(t, "agency-a")
	env.talent(t, "s1", rebate.PlatformDouyin, "agency-a", rebate.ModeSync)
	env.setRate(t, rebate.TargetAgency, "agency-a", rebate.PlatformDouyin, "15", jan1)
	pending := env.schedule(t, rebate.TargetAgency, "agency-a", rebate.PlatformDouyin, "18", jul1)

	// WHEN: The pending agency rate activates
	res, err := env.engine.ActivatePendingIfDue(env.ctx, pending.Key(), jul1)
	require.NoError(t, err)

	// THEN: The agency cache and its sync talent follow
	require.Len(t, res.Activated, 1)
	require.NotNil(t, res.Sync)
	assert.Equal(t, 1, res.Sync.Updated)

	agency, err := env.store.GetAgency(env.ctx, "agency-a")
	require.NoError(t, err)
	assertRate(t, "18.00", agency.BaseRebates[rebate.PlatformDouyin].Rate)

	talent, err := env.store.GetTalent(env.ctx, "s1", rebate.PlatformDouyin)
	require.NoError(t, err)
	assertRate(t, "18.00", talent.CurrentRebate.Rate)
	assert.True(t, talent.CurrentRebate.EffectiveDate.Equal(jul1))
}

func TestActivateAllDue_SweepsEveryKey(t *testing.T) {
	env := newTestEnv(t)
	env.talent(t, "kol-1", rebate.PlatformDouyin, rebate.IndividualAgencyID, "")
	env.talent(t, "kol-2", rebate.PlatformWeibo, rebate.IndividualAgencyID, "")
	env.schedule(t, rebate.TargetTalent, "kol-1", rebate.PlatformDouyin, "11", feb1)
	env.schedule(t, rebate.TargetTalent, "kol-2", rebate.PlatformWeibo, "12", mar1)
	env.schedule(t, rebate.TargetTalent, "kol-2", rebate.PlatformWeibo, "13", rebate.NewDate(2024, 12, 1))

	activated, failed, err := env.engine.ActivateAllDue(env.ctx, jun1)

	require.NoError(t, err)
	assert.Equal(t, 2, activated)
	assert.Equal(t, 0, failed)

	weibo := env.history(t, rebate.TargetTalent, "kol-2", rebate.PlatformWeibo)
	require.Len(t, weibo, 2)
	assert.Equal(t, rebate.StatusPending, weibo[0].Status, "December rate is not due")
	assert.Equal(t, rebate.StatusActive, weibo[1].Status)
}
