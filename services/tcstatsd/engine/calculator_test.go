package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tcstats/services/tcstatsd/models"
	"tcstats/services/tcstatsd/provider"
	"tcstats/services/tcstatsd/storage"
)

func TestUpdateCycleAppliesMultiplierAndBaseline(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1.5")
	team := f.team("alpha")
	user := f.register("folder", hw, team, models.CategoryNvidiaGPU, 1_000, 10)

	f.provider.set("folder", 1_333, 13)
	f.clock.Advance(time.Hour)
	report := f.cycle()
	require.Equal(t, 1, report.Updated)
	require.NotEmpty(t, report.ID)

	stats := f.stats(user.ID)
	require.EqualValues(t, 333, stats.Points)
	require.EqualValues(t, 500, stats.MultipliedPoints, "499.5 rounds half up")
	require.EqualValues(t, 3, stats.Units)
	require.True(t, stats.AsOf.Equal(f.clock.Now()))
}

func TestUpdateCycleClampsUpstreamReset(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	team := f.team("alpha")
	user := f.register("folder", hw, team, models.CategoryNvidiaGPU, 1_000, 10)

	f.provider.set("folder", 10, 1)
	f.cycle()

	stats := f.stats(user.ID)
	require.Zero(t, stats.Points)
	require.Zero(t, stats.MultipliedPoints)
	require.Zero(t, stats.Units)
}

func TestMultiplierChangeIsNotRetroactive(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1.0")
	team := f.team("alpha")
	user := f.register("folder", hw, team, models.CategoryNvidiaGPU, 0, 0)

	f.provider.set("folder", 100, 1)
	f.cycle()
	require.EqualValues(t, 100, f.stats(user.ID).MultipliedPoints)

	require.NoError(t, f.engine.SetHardwareMultiplier(f.ctx, hw.ID, decimal.RequireFromString("2.0")))
	stats := f.stats(user.ID)
	require.EqualValues(t, 100, stats.Points)
	require.EqualValues(t, 100, stats.MultipliedPoints, "first batch keeps the old multiplier")

	f.provider.set("folder", 150, 2)
	f.clock.Advance(time.Hour)
	f.cycle()
	stats = f.stats(user.ID)
	require.EqualValues(t, 150, stats.Points)
	require.EqualValues(t, 200, stats.MultipliedPoints, "second batch is doubled")

	require.NoError(t, f.engine.SetHardwareMultiplier(f.ctx, hw.ID, decimal.RequireFromString("0.5")))
	f.provider.set("folder", 250, 3)
	f.clock.Advance(time.Hour)
	f.cycle()
	require.EqualValues(t, 250, f.stats(user.ID).MultipliedPoints)
}

func TestMultiplierChangeInvalidatesOffsets(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	team := f.team("alpha")
	user := f.register("folder", hw, team, models.CategoryNvidiaGPU, 0, 0)

	f.provider.set("folder", 100, 1)
	f.cycle()
	_, err := f.engine.ApplyOffset(f.ctx, user.ID, 10, 40, 0)
	require.NoError(t, err)
	require.EqualValues(t, 140, f.stats(user.ID).MultipliedPoints)

	require.NoError(t, f.engine.SetHardwareMultiplier(f.ctx, hw.ID, decimal.NewFromInt(3)))
	offsets, err := f.store.ListOffsets(f.ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, offsets)
	require.EqualValues(t, 100, f.stats(user.ID).MultipliedPoints)

	require.ErrorIs(t, f.engine.SetHardwareMultiplier(f.ctx, hw.ID, decimal.NewFromInt(-1)), ErrInvalidArgument)
	require.ErrorIs(t, f.engine.SetHardwareMultiplier(f.ctx, 404, decimal.NewFromInt(1)), storage.ErrNotFound)
}

func TestNegativeOffsetClampsToZero(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "2")
	team := f.team("alpha")
	user := f.register("folder", hw, team, models.CategoryNvidiaGPU, 0, 0)

	f.provider.set("folder", 100, 5)
	f.cycle()

	rec, err := f.engine.ApplyOffset(f.ctx, user.ID, -500, -5_000, -50)
	require.NoError(t, err)
	require.Zero(t, rec.Points)
	require.Zero(t, rec.MultipliedPoints)
	require.Zero(t, rec.Units)

	f.clock.Advance(time.Hour)
	f.cycle()
	stats := f.stats(user.ID)
	require.Zero(t, stats.Points)
	require.Zero(t, stats.MultipliedPoints)
	require.Zero(t, stats.Units)

	offsets, err := f.store.ListOffsets(f.ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, offsets, 1)
	require.EqualValues(t, -5_000, offsets[0].MultipliedPoints, "ledger keeps the raw value")
}

func TestApplyOffsetIsVisibleWithoutFetch(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	team := f.team("alpha")
	user := f.register("folder", hw, team, models.CategoryNvidiaGPU, 0, 0)
	f.provider.set("folder", 100, 1)
	f.cycle()

	calls := f.provider.callCount()
	rec, err := f.engine.ApplyOffset(f.ctx, user.ID, 5, 25, 1)
	require.NoError(t, err)
	require.Equal(t, calls, f.provider.callCount())
	require.EqualValues(t, 105, rec.Points)
	require.EqualValues(t, 125, rec.MultipliedPoints)
	require.EqualValues(t, 2, rec.Units)
	require.EqualValues(t, 125, f.stats(user.ID).MultipliedPoints)

	_, err = f.engine.ApplyOffset(f.ctx, 404, 1, 1, 1)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateCycleIsolatesUserFailures(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	team := f.team("alpha")
	good := f.register("good", hw, team, models.CategoryNvidiaGPU, 0, 0)
	flaky := f.register("flaky", hw, team, models.CategoryNvidiaGPU, 0, 0)
	gone := f.register("gone", hw, team, models.CategoryNvidiaGPU, 0, 0)
	boom := f.register("boom", hw, team, models.CategoryNvidiaGPU, 0, 0)
	broken := f.register("broken", hw, team, models.CategoryNvidiaGPU, 0, 0)

	nokey := models.User{FoldingUserName: "nokey", DisplayName: "nokey", Category: models.CategoryNvidiaGPU, HardwareID: hw.ID, TeamID: team.ID}
	require.NoError(t, f.store.CreateUser(f.ctx, &nokey))

	f.provider.set("good", 100, 1)
	f.provider.fail("flaky", provider.ErrConnectionFailure)
	f.provider.fail("gone", provider.ErrUserNotFound)
	f.provider.fail("broken", errors.New("unexpected payload"))
	f.provider.mu.Lock()
	f.provider.panics["boom"] = true
	f.provider.mu.Unlock()

	report := f.cycle()
	require.Equal(t, 1, report.Updated)
	require.Equal(t, 3, report.Skipped)
	require.Equal(t, 2, report.Failed)

	outcomes := map[uint]string{}
	for _, res := range report.Results {
		outcomes[res.UserID] = res.Outcome
	}
	require.Equal(t, OutcomeUpdated, outcomes[good.ID])
	require.Equal(t, OutcomeSkipped, outcomes[flaky.ID])
	require.Equal(t, OutcomeSkipped, outcomes[gone.ID])
	require.Equal(t, OutcomeSkipped, outcomes[nokey.ID])
	require.Equal(t, OutcomeFailed, outcomes[boom.ID])
	require.Equal(t, OutcomeFailed, outcomes[broken.ID])
	require.EqualValues(t, 100, f.stats(good.ID).MultipliedPoints)
}

func TestUpdateCycleInitialisesMissingBaseline(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	team := f.team("alpha")
	user := models.User{FoldingUserName: "late", DisplayName: "late", Passkey: "k", Category: models.CategoryAMDGPU, HardwareID: hw.ID, TeamID: team.ID}
	require.NoError(t, f.store.CreateUser(f.ctx, &user))

	f.provider.set("late", 7_000, 70)
	f.cycle()
	require.Zero(t, f.stats(user.ID).Points)

	f.provider.set("late", 7_100, 71)
	f.cycle()
	require.EqualValues(t, 100, f.stats(user.ID).Points)
}

func TestUpdateCycleIsSingleFlight(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	team := f.team("alpha")
	f.register("folder", hw, team, models.CategoryNvidiaGPU, 0, 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.provider.mu.Lock()
	f.provider.hook = func(provider.Identity) {
		close(entered)
		<-release
	}
	f.provider.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.UpdateCycle(context.Background())
		done <- err
	}()
	<-entered

	_, err := f.engine.UpdateCycle(f.ctx)
	require.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestUpdateCycleIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	team := f.team("alpha")
	user := f.register("folder", hw, team, models.CategoryNvidiaGPU, 0, 0)
	f.provider.set("folder", 42, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := f.engine.UpdateCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Updated)
	require.EqualValues(t, 42, f.stats(user.ID).Points)
}
