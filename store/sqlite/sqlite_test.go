package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworks/rebate-engine/rebate"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var testKey = rebate.Key{TargetType: rebate.TargetTalent, TargetID: "kol-1", Platform: rebate.PlatformDouyin}

func testConfig(id string, status rebate.Status, effective rebate.Date, createdAt time.Time) rebate.Config {
	return rebate.Config{
		ID:            rebate.ConfigID(id),
		TargetType:    testKey.TargetType,
		TargetID:      testKey.TargetID,
		Platform:      testKey.Platform,
		Rate:          decimal.RequireFromString("12.5"),
		EffectType:    rebate.EffectImmediate,
		EffectiveDate: effective,
		Status:        status,
		CreatedBy:     "ops-admin",
		CreatedAt:     createdAt,
		Metadata: map[string]any{
			rebate.MetaTargetName:       "Alice",
			rebate.MetaSyncedFromAgency: true,
			rebate.MetaPreviousRate:     10.5,
		},
	}
}

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// =============================================================================
// LEDGER
// =============================================================================

func TestConfig_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := testConfig("c1", rebate.StatusActive, rebate.NewDate(2024, 1, 1), t0)
	c.IdempotencyKey = "req-1"
	require.NoError(t, store.InsertConfig(ctx, c))

	got, err := store.GetConfig(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "12.50", rebate.FormatRate(got.Rate))
	assert.Equal(t, "2024-01-01", got.EffectiveDate.String())
	assert.Nil(t, got.ExpiryDate)
	assert.Equal(t, rebate.StatusActive, got.Status)
	assert.Equal(t, "ops-admin", got.CreatedBy)
	assert.Equal(t, "req-1", got.IdempotencyKey)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Equal(t, "Alice", got.Metadata[rebate.MetaTargetName])
	assert.Equal(t, true, got.Metadata[rebate.MetaSyncedFromAgency])
	assert.Equal(t, 10.5, got.Metadata[rebate.MetaPreviousRate])

	_, err = store.GetConfig(ctx, "missing")
	assert.ErrorIs(t, err, rebate.ErrNotFound)
}

func TestConfig_OneActivePerKey(t *testing.T) {
	// GIVEN: An active record for the key
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertConfig(ctx, testConfig("c1", rebate.StatusActive, rebate.NewDate(2024, 1, 1), t0)))

	// WHEN: A second active record is inserted for the same key
	err := store.InsertConfig(ctx, testConfig("c2", rebate.StatusActive, rebate.NewDate(2024, 2, 1), t0))

	// THEN: The partial unique index rejects it
	assert.ErrorIs(t, err, rebate.ErrConcurrentModification)

	other := testConfig("c3", rebate.StatusActive, rebate.NewDate(2024, 2, 1), t0)
	other.Platform = rebate.PlatformWeibo
	assert.NoError(t, store.InsertConfig(ctx, other), "other platforms are separate lineages")
}

func TestConfig_DeleteBlocked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertConfig(ctx, testConfig("c1", rebate.StatusActive, rebate.NewDate(2024, 1, 1), t0)))

	_, err := store.db.ExecContext(ctx, `DELETE FROM rebate_configs WHERE id = 'c1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = store.GetConfig(ctx, "c1")
	assert.NoError(t, err)
}

func TestConfig_IllegalUpdatesBlocked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertConfig(ctx, testConfig("c1", rebate.StatusActive, rebate.NewDate(2024, 1, 1), t0)))
	require.NoError(t, store.InsertConfig(ctx, testConfig("c2", rebate.StatusPending, rebate.NewDate(2024, 3, 1), t0)))

	statements := map[string]string{
		"rate edit":           `UPDATE rebate_configs SET rebate_rate = '99.00' WHERE id = 'c1'`,
		"date edit":           `UPDATE rebate_configs SET effective_date = '2023-01-01' WHERE id = 'c1'`,
		"expire without date": `UPDATE rebate_configs SET status = 'expired' WHERE id = 'c1'`,
		"pending to expired":  `UPDATE rebate_configs SET status = 'expired', expiry_date = '2024-04-01' WHERE id = 'c2'`,
	}
	for name, stmt := range statements {
		t.Run(name, func(t *testing.T) {
			_, err := store.db.ExecContext(ctx, stmt)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "illegal rebate config update")
		})
	}

	// Expired records never come back, even through raw SQL.
	require.NoError(t, store.ExpireConfig(ctx, "c1", rebate.NewDate(2024, 3, 1)))
	_, err := store.db.ExecContext(ctx, `UPDATE rebate_configs SET status = 'active', expiry_date = NULL WHERE id = 'c1'`)
	require.Error(t, err)
	assert.ErrorIs(t, mapError(err), rebate.ErrIllegalTransition)
}

func TestConfig_StatusCompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertConfig(ctx, testConfig("c1", rebate.StatusActive, rebate.NewDate(2024, 1, 1), t0)))
	require.NoError(t, store.InsertConfig(ctx, testConfig("c2", rebate.StatusPending, rebate.NewDate(2024, 3, 1), t0)))

	// Pending can't activate while c1 is active.
	assert.ErrorIs(t, store.ActivateConfig(ctx, "c2"), rebate.ErrConcurrentModification)

	require.NoError(t, store.ExpireConfig(ctx, "c1", rebate.NewDate(2024, 3, 1)))
	assert.ErrorIs(t, store.ExpireConfig(ctx, "c1", rebate.NewDate(2024, 4, 1)), rebate.ErrConcurrentModification)
	require.NoError(t, store.ActivateConfig(ctx, "c2"))
	assert.ErrorIs(t, store.ActivateConfig(ctx, "c2"), rebate.ErrConcurrentModification)
	assert.ErrorIs(t, store.ExpireConfig(ctx, "missing", rebate.NewDate(2024, 4, 1)), rebate.ErrNotFound)

	old, err := store.GetConfig(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, rebate.StatusExpired, old.Status)
	assert.Equal(t, "2024-03-01", old.ExpiryDate.String())

	active, err := store.ActiveConfig(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, rebate.ConfigID("c2"), active.ID)
}

func TestConfig_DuplicateIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c1 := testConfig("c1", rebate.StatusActive, rebate.NewDate(2024, 1, 1), t0)
	c1.IdempotencyKey = "req-1"
	require.NoError(t, store.InsertConfig(ctx, c1))

	c2 := testConfig("c2", rebate.StatusPending, rebate.NewDate(2024, 2, 1), t0)
	c2.IdempotencyKey = "req-1"
	assert.ErrorIs(t, store.InsertConfig(ctx, c2), rebate.ErrDuplicateIdempotencyKey)

	got, err := store.ConfigByIdempotencyKey(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, rebate.ConfigID("c1"), got.ID)

	got, err = store.ConfigByIdempotencyKey(ctx, "req-404")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHistory_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// c2 and c3 share a timestamp; insertion order breaks the tie.
	require.NoError(t, store.InsertConfig(ctx, testConfig("c1", rebate.StatusPending, rebate.NewDate(2024, 1, 1), t0)))
	require.NoError(t, store.InsertConfig(ctx, testConfig("c2", rebate.StatusPending, rebate.NewDate(2024, 2, 1), t0.Add(time.Minute))))
	require.NoError(t, store.InsertConfig(ctx, testConfig("c3", rebate.StatusPending, rebate.NewDate(2024, 3, 1), t0.Add(time.Minute))))

	page, total, err := store.History(ctx, testKey, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, rebate.ConfigID("c3"), page[0].ID)
	assert.Equal(t, rebate.ConfigID("c2"), page[1].ID)

	page, _, err = store.History(ctx, testKey, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, rebate.ConfigID("c1"), page[0].ID)
}

func TestDuePending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertConfig(ctx, testConfig("late", rebate.StatusPending, rebate.NewDate(2024, 9, 1), t0)))
	require.NoError(t, store.InsertConfig(ctx, testConfig("b", rebate.StatusPending, rebate.NewDate(2024, 3, 1), t0)))
	require.NoError(t, store.InsertConfig(ctx, testConfig("a", rebate.StatusPending, rebate.NewDate(2024, 2, 1), t0)))

	due, err := store.DuePending(ctx, testKey, rebate.NewDate(2024, 6, 1))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, rebate.ConfigID("a"), due[0].ID)
	assert.Equal(t, rebate.ConfigID("b"), due[1].ID)

	keys, err := store.DuePendingKeys(ctx, rebate.NewDate(2024, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, []rebate.Key{testKey}, keys)
}

func TestWithTx_RollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTalent(ctx, rebate.Talent{OneID: "kol-1", Platform: rebate.PlatformDouyin, AgencyID: rebate.IndividualAgencyID}))
	require.NoError(t, store.InsertConfig(ctx, testConfig("c1", rebate.StatusActive, rebate.NewDate(2024, 1, 1), t0)))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s rebate.Store) error {
		require.NoError(t, s.ExpireConfig(ctx, "c1", rebate.NewDate(2024, 2, 1)))
		require.NoError(t, s.InsertConfig(ctx, testConfig("c2", rebate.StatusActive, rebate.NewDate(2024, 2, 1), t0)))
		require.NoError(t, s.UpdateTalentRebate(ctx, "kol-1", rebate.PlatformDouyin, rebate.CurrentRebate{
			Rate: decimal.NewFromInt(20), Source: rebate.SourcePersonal, EffectiveDate: rebate.NewDate(2024, 2, 1), LastUpdated: t0,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	active, err := store.ActiveConfig(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, rebate.ConfigID("c1"), active.ID)

	talent, err := store.GetTalent(ctx, "kol-1", rebate.PlatformDouyin)
	require.NoError(t, err)
	assert.Nil(t, talent.CurrentRebate)
}

// =============================================================================
// ENTITIES
// =============================================================================

func TestTalent_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTalent(ctx, rebate.Talent{
		OneID: "kol-1", Platform: rebate.PlatformDouyin, Name: "Alice", AgencyID: "agency-a",
	}))

	talent, err := store.GetTalent(ctx, "kol-1", rebate.PlatformDouyin)
	require.NoError(t, err)
	assert.Equal(t, "Alice", talent.Name)
	assert.Equal(t, rebate.RebateMode(""), talent.RebateMode)
	assert.Nil(t, talent.CurrentRebate)

	require.NoError(t, store.UpdateTalentRebate(ctx, "kol-1", rebate.PlatformDouyin, rebate.CurrentRebate{
		Rate: decimal.RequireFromString("15"), Source: rebate.SourceAgency, EffectiveDate: rebate.NewDate(2024, 2, 1), LastUpdated: t0,
	}))
	require.NoError(t, store.SetTalentRebateMode(ctx, "kol-1", rebate.PlatformDouyin, rebate.ModeSync))

	talent, err = store.GetTalent(ctx, "kol-1", rebate.PlatformDouyin)
	require.NoError(t, err)
	assert.Equal(t, rebate.ModeSync, talent.RebateMode)
	require.NotNil(t, talent.CurrentRebate)
	assert.Equal(t, "15.00", rebate.FormatRate(talent.CurrentRebate.Rate))
	assert.Equal(t, rebate.SourceAgency, talent.CurrentRebate.Source)
	assert.Equal(t, "2024-02-01", talent.CurrentRebate.EffectiveDate.String())
	assert.True(t, talent.CurrentRebate.LastUpdated.Equal(t0))

	_, err = store.GetTalent(ctx, "kol-1", rebate.PlatformWeibo)
	assert.ErrorIs(t, err, rebate.ErrNotFound)
	assert.ErrorIs(t, store.UpdateTalentRebate(ctx, "ghost", rebate.PlatformDouyin, rebate.CurrentRebate{}), rebate.ErrNotFound)
}

func TestListAgencyTalents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, talent := range []rebate.Talent{
		{OneID: "kol-b", Platform: rebate.PlatformDouyin, AgencyID: "agency-a"},
		{OneID: "kol-a", Platform: rebate.PlatformDouyin, AgencyID: "agency-a"},
		{OneID: "kol-c", Platform: rebate.PlatformWeibo, AgencyID: "agency-a"},
		{OneID: "kol-d", Platform: rebate.PlatformDouyin, AgencyID: "agency-b"},
	} {
		require.NoError(t, store.SaveTalent(ctx, talent))
	}

	talents, err := store.ListAgencyTalents(ctx, "agency-a", rebate.PlatformDouyin)
	require.NoError(t, err)
	require.Len(t, talents, 2)
	assert.Equal(t, "kol-a", talents[0].OneID)
	assert.Equal(t, "kol-b", talents[1].OneID)
}

func TestAgency_BaseRebates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgency(ctx, rebate.Agency{ID: "agency-a", Name: "Star"}))
	require.NoError(t, store.UpdateAgencyBaseRebate(ctx, "agency-a", rebate.PlatformDouyin, rebate.BaseRebate{
		Rate: decimal.RequireFromString("15"), EffectiveDate: rebate.NewDate(2024, 1, 1), UpdatedAt: t0,
	}))
	require.NoError(t, store.UpdateAgencyBaseRebate(ctx, "agency-a", rebate.PlatformDouyin, rebate.BaseRebate{
		Rate: decimal.RequireFromString("18"), EffectiveDate: rebate.NewDate(2024, 2, 1), UpdatedAt: t0,
	}))

	agency, err := store.GetAgency(ctx, "agency-a")
	require.NoError(t, err)
	assert.Equal(t, "Star", agency.Name)
	require.Len(t, agency.BaseRebates, 1)
	assert.Equal(t, "18.00", rebate.FormatRate(agency.BaseRebates[rebate.PlatformDouyin].Rate))

	_, err = store.GetAgency(ctx, "agency-404")
	assert.ErrorIs(t, err, rebate.ErrNotFound)
	err = store.UpdateAgencyBaseRebate(ctx, "agency-404", rebate.PlatformDouyin, rebate.BaseRebate{UpdatedAt: t0})
	assert.ErrorIs(t, err, rebate.ErrNotFound)
}

func TestCustomerTalent_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetCustomerTalent(ctx, "cust-1", "kol-1", rebate.PlatformDouyin)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.SaveCustomerTalent(ctx, rebate.CustomerTalent{
		CustomerID: "cust-1", OneID: "kol-1", Platform: rebate.PlatformDouyin, Status: rebate.CustomerTalentActive,
		CustomerRebate: &rebate.CustomerRebate{Enabled: true, Rate: decimal.RequireFromString("8")},
	}))
	require.NoError(t, store.SaveCustomerTalent(ctx, rebate.CustomerTalent{
		CustomerID: "cust-2", OneID: "kol-1", Platform: rebate.PlatformDouyin, Status: rebate.CustomerTalentActive,
	}))

	got, err = store.GetCustomerTalent(ctx, "cust-1", "kol-1", rebate.PlatformDouyin)
	require.NoError(t, err)
	rate, ok := got.Override()
	assert.True(t, ok)
	assert.Equal(t, "8.00", rebate.FormatRate(rate))

	got, err = store.GetCustomerTalent(ctx, "cust-2", "kol-1", rebate.PlatformDouyin)
	require.NoError(t, err)
	assert.Nil(t, got.CustomerRebate)
	_, ok = got.Override()
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAgency(ctx, rebate.Agency{ID: "agency-a"}))
	require.NoError(t, store.InsertConfig(ctx, testConfig("c1", rebate.StatusActive, rebate.NewDate(2024, 1, 1), t0)))

	require.NoError(t, store.Reset(ctx))

	_, total, err := store.History(ctx, testKey, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	_, err = store.GetAgency(ctx, "agency-a")
	assert.ErrorIs(t, err, rebate.ErrNotFound)

	// Schema and triggers are back after the reset.
	require.NoError(t, store.InsertConfig(ctx, testConfig("c1", rebate.StatusActive, rebate.NewDate(2024, 1, 1), t0)))
	_, err = store.db.ExecContext(ctx, `DELETE FROM rebate_configs`)
	assert.Error(t, err)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_IndependentHistory(t *testing.T) {
	// GIVEN: An independent talent on SQLite
	store := newTestStore(t)
	ctx := context.Background()
	engine := rebate.NewEngine(store, rebate.WithClock(func() time.Time { return t0 }))
	require.NoError(t, store.SaveTalent(ctx, rebate.Talent{
		OneID: "kol-101", Platform: rebate.PlatformXiaohongshu, Name: "Zhou Yun", AgencyID: rebate.IndividualAgencyID,
	}))

	// WHEN: Two immediate changes are applied
	jan1, mar1 := rebate.NewDate(2024, 1, 1), rebate.NewDate(2024, 3, 1)
	for _, change := range []struct {
		rate string
		date rebate.Date
	}{{"12.50", jan1}, {"18", mar1}} {
		date := change.date
		_, err := engine.ApplyRateChange(ctx, rebate.ChangeRequest{
			TargetType:    rebate.TargetTalent,
			TargetID:      "kol-101",
			Platform:      rebate.PlatformXiaohongshu,
			RawRate:       change.rate,
			EffectiveDate: &date,
		})
		require.NoError(t, err)
	}

	// THEN: Newest first, the first expired at Mar 1, cache at 18.00
	page, err := engine.GetHistory(ctx, rebate.HistoryQuery{TargetID: "kol-101", Platform: rebate.PlatformXiaohongshu})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, rebate.StatusActive, page.Records[0].Status)
	assert.Equal(t, "18.00", rebate.FormatRate(page.Records[0].Rate))
	assert.Equal(t, rebate.StatusExpired, page.Records[1].Status)
	assert.Equal(t, "2024-03-01", page.Records[1].ExpiryDate.String())

	res, err := engine.ResolveEffectiveRate(ctx, "kol-101", rebate.PlatformXiaohongshu, "")
	require.NoError(t, err)
	assert.Equal(t, "18.00", rebate.FormatRate(res.EffectiveRebate.Rate))
	assert.Equal(t, rebate.SourcePersonal, res.EffectiveRebate.Source)
}

func TestEngine_AgencySync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := rebate.NewEngine(store, rebate.WithClock(func() time.Time { return t0 }), rebate.WithSyncConcurrency(3))
	require.NoError(t, store.SaveAgency(ctx, rebate.Agency{ID: "agency-a", Name: "Star"}))
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, store.SaveTalent(ctx, rebate.Talent{
			OneID: id, Platform: rebate.PlatformDouyin, AgencyID: "agency-a", RebateMode: rebate.ModeSync,
		}))
	}

	res, err := engine.ApplyRateChange(ctx, rebate.ChangeRequest{
		TargetType:    rebate.TargetAgency,
		TargetID:      "agency-a",
		Platform:      rebate.PlatformDouyin,
		RawRate:       "20",
		SyncToTalents: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Sync)
	assert.Equal(t, 4, res.Sync.Updated)

	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		talent, err := store.GetTalent(ctx, id, rebate.PlatformDouyin)
		require.NoError(t, err)
		require.NotNil(t, talent.CurrentRebate)
		assert.Equal(t, rebate.SourceAgency, talent.CurrentRebate.Source)
	}
}
