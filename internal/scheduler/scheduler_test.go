package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-bot/internal/clock"
	"listing-bot/internal/errors"
	"listing-bot/internal/lock"
	"listing-bot/internal/metrics"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
	"listing-bot/internal/orchestrator"
	"listing-bot/internal/queue"
	"listing-bot/internal/scheduler"
	dbtest "listing-bot/internal/testutil"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	exit  int
}

func (f *fakeExecutor) Execute(_ context.Context, name string, _ map[string]string) orchestrator.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.exit != 0 {
		return orchestrator.Outcome{ExitCode: f.exit, RunID: 7, Status: models.RunFailed, Err: errors.New("boom")}
	}
	return orchestrator.Outcome{RunID: 7, Status: models.RunCompleted}
}

func (f *fakeExecutor) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []notify.BotAlert
	keys   []string
}

func (f *fakeAlerter) AlertOperators(_ context.Context, alert notify.BotAlert, key string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	f.keys = append(f.keys, key)
	return 1, nil
}

func TestCadenceHelpers(t *testing.T) {
	assert.Equal(t, scheduler.Cadence("*/5 * * * *"), scheduler.EveryMinutes(5))
	assert.Equal(t, scheduler.Cadence("0 */6 * * *"), scheduler.EveryHours(6))
	assert.Equal(t, scheduler.Cadence("30 9 * * *"), scheduler.DailyAt("09:30"))
	assert.Equal(t, scheduler.Cadence("0 6 * * 1"), scheduler.WeeklyOn(time.Monday, "06:00"))

	for _, bad := range []scheduler.Cadence{scheduler.DailyAt("25:00"), scheduler.DailyAt("noon"), "every day", "* * * *"} {
		_, err := bad.Parse()
		assert.Error(t, err, string(bad))
	}
}

func TestTick_FiresDueEntriesOnce(t *testing.T) {
	clk := clock.NewFake(dbtest.Epoch)
	exec := &fakeExecutor{}
	s := scheduler.New(exec, lock.NewMemoryLocker(clk), clk)
	require.NoError(t, s.Schedule(orchestrator.OpDailySummary, scheduler.DailyAt("08:00"), scheduler.Options{}))
	require.NoError(t, s.Schedule(orchestrator.OpHealthCheck, scheduler.EveryHours(6), scheduler.Options{}))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, orchestrator.OpHealthCheck, entries[0].Operation)
	assert.Equal(t, time.Date(2026, 3, 18, 18, 0, 0, 0, time.UTC), entries[0].Next)
	assert.Equal(t, time.Date(2026, 3, 19, 8, 0, 0, 0, time.UTC), entries[1].Next)

	ctx := context.Background()
	assert.Zero(t, s.Tick(ctx, dbtest.Epoch))
	assert.Equal(t, 1, s.Tick(ctx, time.Date(2026, 3, 18, 18, 0, 0, 0, time.UTC)))
	assert.Zero(t, s.Tick(ctx, time.Date(2026, 3, 18, 18, 0, 1, 0, time.UTC)))

	// A long gap collapses into a single fire per entry.
	assert.Equal(t, 2, s.Tick(ctx, time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2, exec.count(orchestrator.OpHealthCheck))
	assert.Equal(t, 1, exec.count(orchestrator.OpDailySummary))
}

func TestTick_OverlappingFireCreatesNoSecondRun(t *testing.T) {
	db := dbtest.NewDB(t)
	clk := clock.NewFake(dbtest.Epoch)
	m := metrics.New(nil)

	started := make(chan struct{})
	release := make(chan struct{})
	orch := orchestrator.New(db, queue.New(db, clk), clk)
	orch.Register(&orchestrator.Operation{Name: "slow", Steps: []orchestrator.Step{{
		Name: "wait",
		Run: func(ctx context.Context, _ *orchestrator.RunContext) (orchestrator.Result, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		},
	}}})

	s := scheduler.New(orch, lock.NewMemoryLocker(clk), clk, scheduler.WithMetrics(m))
	require.NoError(t, s.Schedule("slow", scheduler.EveryMinutes(1), scheduler.Options{
		WithoutOverlapping: true,
		RunInBackground:    true,
	}))

	ctx := context.Background()
	clk.Advance(time.Minute)
	require.Equal(t, 1, s.Tick(ctx, clk.Now()))
	<-started

	clk.Advance(time.Minute)
	require.Equal(t, 1, s.Tick(ctx, clk.Now()))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SchedulerSkips.WithLabelValues("slow")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dbtest.Count(t, db, `SELECT COUNT(*) FROM run_records`))

	close(release)
	s.Wait()
	assert.Equal(t, 1, dbtest.Count(t, db, `SELECT COUNT(*) FROM run_records WHERE status = ?`, models.RunCompleted))

	// The lock is released once the run finishes.
	go func() { <-started }()
	clk.Advance(time.Minute)
	require.Equal(t, 1, s.Tick(ctx, clk.Now()))
	s.Wait()
	assert.Equal(t, 2, dbtest.Count(t, db, `SELECT COUNT(*) FROM run_records`))
}

func TestInvoke_EscalatesFailures(t *testing.T) {
	clk := clock.NewFake(dbtest.Epoch)
	exec := &fakeExecutor{exit: 1}
	alerter := &fakeAlerter{}
	m := metrics.New(nil)
	s := scheduler.New(exec, lock.NewMemoryLocker(clk), clk, scheduler.WithAlerter(alerter), scheduler.WithMetrics(m))
	require.NoError(t, s.Schedule(orchestrator.OpPropertyCleanup, scheduler.EveryMinutes(1), scheduler.Options{EscalateOnFailure: true}))
	require.NoError(t, s.Schedule(orchestrator.OpDailySummary, scheduler.EveryMinutes(1), scheduler.Options{}))

	s.Tick(context.Background(), dbtest.Epoch.Add(time.Minute))

	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerter.alerts[0].Severity())
	assert.Equal(t, "scheduled property-cleanup failed", alerter.alerts[0].Subject)
	assert.Equal(t, "boom", alerter.alerts[0].Detail)
	assert.Equal(t, "schedule-failure-7", alerter.keys[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerFires.WithLabelValues(orchestrator.OpDailySummary, "1")))
}

func TestRunNow_SharesOverlapLock(t *testing.T) {
	clk := clock.NewFake(dbtest.Epoch)
	exec := &fakeExecutor{}
	locker := lock.NewMemoryLocker(clk)
	m := metrics.New(nil)
	s := scheduler.New(exec, locker, clk, scheduler.WithMetrics(m))
	require.NoError(t, s.Schedule(orchestrator.OpPropertyCleanup, scheduler.EveryMinutes(1), scheduler.Options{WithoutOverlapping: true}))
	require.NoError(t, s.Schedule(orchestrator.OpDailySummary, scheduler.EveryMinutes(1), scheduler.Options{}))
	ctx := context.Background()

	lease, ok, err := locker.Acquire(ctx, "schedule:"+orchestrator.OpPropertyCleanup, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	out := s.RunNow(ctx, orchestrator.OpPropertyCleanup, nil)
	assert.Equal(t, 1, out.ExitCode)
	assert.ErrorIs(t, out.Err, scheduler.ErrAlreadyRunning)
	assert.Zero(t, exec.count(orchestrator.OpPropertyCleanup))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerSkips.WithLabelValues(orchestrator.OpPropertyCleanup)))

	out = s.RunNow(ctx, orchestrator.OpDailySummary, nil)
	assert.Zero(t, out.ExitCode)
	out = s.RunNow(ctx, orchestrator.OpWeeklyReport, nil)
	assert.Zero(t, out.ExitCode, "unscheduled operations run without a lock")

	require.NoError(t, lease.Release(ctx))
	out = s.RunNow(ctx, orchestrator.OpPropertyCleanup, nil)
	assert.Zero(t, out.ExitCode)
	assert.Equal(t, 1, exec.count(orchestrator.OpPropertyCleanup))
	assert.False(t, locker.Held("schedule:"+orchestrator.OpPropertyCleanup), "released after the run")
}

func TestStartHealthProbe_RunsOnOwnTicker(t *testing.T) {
	clk := clock.NewFake(dbtest.Epoch)
	exec := &fakeExecutor{}
	s := scheduler.New(exec, lock.NewMemoryLocker(clk), clk, scheduler.WithTick(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	s.StartHealthProbe(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return exec.count(orchestrator.OpSchedulerHealthProbe) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	s.Stop()
}

func TestScheduleDefaults(t *testing.T) {
	clk := clock.NewFake(dbtest.Epoch)
	s := scheduler.New(&fakeExecutor{}, lock.NewMemoryLocker(clk), clk)

	err := s.ScheduleDefaults(map[string]string{
		orchestrator.OpPriceAlerts: scheduler.Disabled,
		orchestrator.OpHealthCheck: "0 * * * *",
	})
	require.NoError(t, err)

	entries := s.Entries()
	assert.Len(t, entries, len(scheduler.DefaultEntries())-1)
	for _, e := range entries {
		assert.NotEqual(t, orchestrator.OpPriceAlerts, e.Operation)
		if e.Operation == orchestrator.OpHealthCheck {
			assert.Equal(t, scheduler.Cadence("0 * * * *"), e.Cadence)
		}
	}

	s2 := scheduler.New(&fakeExecutor{}, lock.NewMemoryLocker(clk), clk)
	assert.Error(t, s2.ScheduleDefaults(map[string]string{"reticulate": "0 * * * *"}))
	assert.Error(t, s2.ScheduleDefaults(map[string]string{orchestrator.OpDailySummary: "whenever"}))
}
