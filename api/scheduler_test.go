package api

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/cashback"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/logging"
	"github.com/warp/cashback-engine/store/sqlite"
	"golang.org/x/crypto/bcrypt"
)

func newSchedulerFixture(t *testing.T) (*SweepScheduler, *cashback.Engine, *sqlite.Store, *apiClock) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, id := range []ledger.OrganizationID{"org-a", "org-b"} {
		org, err := cashback.NewOrganization(id, string(id), "1234-5678", bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, store.CreateOrganization(ctx, org))
		require.NoError(t, store.SaveProgram(ctx, ledger.Program{OrganizationID: id}))
	}

	clock := &apiClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
	engine := cashback.New(store, cashback.Options{Logger: logging.Discard(), Now: clock.Now, SweepWorkers: 2})
	return NewSweepScheduler(store, engine.Sweeper, logging.Discard()), engine, store, clock
}

func TestSweepScheduler_RunNowRecordsOneRunPerOrganization(t *testing.T) {
	ctx := context.Background()
	scheduler, engine, store, clock := newSchedulerFixture(t)

	_, err := engine.Accrual.Accrue(ctx, cashback.AccrualRequest{
		OrganizationID: "org-a",
		ClientID:       "client-1",
		Kind:           cashback.AccrualFixed,
		Value:          decimal.NewFromInt(10),
		Expiration:     &ledger.ExpirationRule{Value: 1, Unit: ledger.UnitDays},
	})
	require.NoError(t, err)
	clock.Advance(36 * time.Hour)

	reports := scheduler.RunNow(ctx)
	require.Len(t, reports, 2)

	runs, err := store.GetSweepRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byOrg := make(map[string]sqlite.SweepRun)
	for _, r := range runs {
		byOrg[r.OrganizationID] = r
	}
	assert.Equal(t, 1, byOrg["org-a"].ExpiredLots)
	assert.Equal(t, "10", byOrg["org-a"].ExpiredTotal.String())
	assert.Equal(t, 0, byOrg["org-b"].ExpiredLots)
	for _, r := range runs {
		assert.Equal(t, "completed", r.Status)
		assert.NotNil(t, r.CompletedAt)
	}

	// A second run expires nothing more but is still recorded.
	reports = scheduler.RunNow(ctx)
	for _, r := range reports {
		assert.Zero(t, r.ExpiredLots)
	}
	runs, err = store.GetSweepRuns(ctx, "org-a", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSweepScheduler_StartStop(t *testing.T) {
	scheduler, _, store, _ := newSchedulerFixture(t)

	// Disabled scheduler never runs.
	scheduler.Enabled = false
	scheduler.Start()
	scheduler.Stop()
	runs, err := store.GetSweepRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	// Enabled scheduler sweeps once on start.
	scheduler.Enabled = true
	scheduler.Interval = time.Hour
	scheduler.Start()
	require.Eventually(t, func() bool {
		runs, err := store.GetSweepRuns(context.Background(), "", 10)
		return err == nil && len(runs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	scheduler.Stop()

	// Stop is idempotent.
	scheduler.Stop()
}
