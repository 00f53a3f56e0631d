package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"qanerd/internal/artifact"
	"qanerd/internal/browser"
	"qanerd/internal/config"
	"qanerd/internal/history"
	"qanerd/internal/orchestrator"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// blockingDriver stalls every run until released.
type blockingDriver struct {
	mu      sync.Mutex
	opens   int
	release chan struct{}
}

func (d *blockingDriver) Open(ctx context.Context, kind types.BrowserKind) (browser.Session, error) {
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	return &blockingSession{driver: d}, nil
}

func (d *blockingDriver) Close() error { return nil }

func (d *blockingDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

type blockingSession struct{ driver *blockingDriver }

func (s *blockingSession) Execute(ctx context.Context, step types.Step) error {
	if s.driver.release == nil {
		return nil
	}
	select {
	case <-s.driver.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *blockingSession) Screenshot(ctx context.Context) ([]byte, error) { return []byte("png"), nil }
func (s *blockingSession) Close() error                                   { return nil }

type fixture struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	sched  *Scheduler
	driver *blockingDriver
	testID string
	clock  time.Time
	mu     sync.Mutex
}

func (f *fixture) setClock(t time.Time) {
	f.mu.Lock()
	f.clock = t
	f.mu.Unlock()
}

func newFixture(t *testing.T, driver *blockingDriver) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "qa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	arts, err := artifact.NewStore(config.DefaultArtifact(dir))
	require.NoError(t, err)
	rec := history.NewRecorder(st, 64)
	t.Cleanup(rec.Close)

	orch := orchestrator.New(
		config.ExecutionConfig{Workers: 2, QueueCapacity: 8, RunTimeoutMs: 30000},
		config.RetryConfig{Enabled: false, MaxAttempts: 1},
		st, driver, arts, rec)
	t.Cleanup(orch.Close)

	f := &fixture{
		store:  st,
		orch:   orch,
		driver: driver,
		clock:  time.Date(2026, 8, 20, 12, 0, 30, 0, time.UTC),
	}
	f.sched = New(config.SchedulerConfig{TickMs: 50, Catchup: config.CatchupSingle}, st, orch)
	f.sched.now = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.clock
	}

	tst := &types.Test{
		Name: "nightly-smoke", Active: true,
		Script: types.Script{Steps: []types.Step{{Action: types.ActionNavigate, Value: "about:blank"}}},
	}
	require.NoError(t, st.SaveTest(tst))
	f.testID = tst.ID
	return f
}

func (f *fixture) waitRuns(t *testing.T, scheduleID string, want int) []*types.Run {
	t.Helper()
	var runs []*types.Run
	require.Eventually(t, func() bool {
		all, err := f.store.QueryRuns(store.RunFilter{TestID: f.testID})
		require.NoError(t, err)
		runs = runs[:0]
		for _, r := range all {
			if r.ScheduleID == scheduleID {
				runs = append(runs, r)
			}
		}
		return len(runs) == want
	}, 5*time.Second, 5*time.Millisecond)
	return runs
}

func TestCreateValidatesCron(t *testing.T) {
	f := newFixture(t, &blockingDriver{})

	_, err := f.sched.Create(f.testID, "not a cron", "UTC")
	require.ErrorIs(t, err, ErrInvalidCron)

	_, err = f.sched.Create(f.testID, "0 * * * *", "Mars/Olympus")
	require.ErrorIs(t, err, ErrInvalidCron)

	_, err = f.sched.Create("no-such-test", "0 * * * *", "UTC")
	require.ErrorIs(t, err, store.ErrNotFound)

	entry, err := f.sched.Create(f.testID, "*/5 * * * *", "UTC")
	require.NoError(t, err)
	require.True(t, entry.NextRunAt.After(f.clock))
}

func TestDueScheduleFires(t *testing.T) {
	f := newFixture(t, &blockingDriver{})

	entry, err := f.sched.Create(f.testID, "* * * * *", "UTC")
	require.NoError(t, err)

	// Advance past the next fire instant and tick.
	f.setClock(entry.NextRunAt.Add(time.Second))
	f.sched.Tick()

	runs := f.waitRuns(t, entry.ID, 1)
	require.Equal(t, types.TriggerSchedule, runs[0].TriggeredBy)

	// The claim is released once the run is terminal.
	require.Eventually(t, func() bool {
		got, err := f.store.GetSchedule(entry.ID)
		require.NoError(t, err)
		return !got.Running && got.TotalRuns == 1
	}, 5*time.Second, 5*time.Millisecond)

	got, err := f.store.GetSchedule(entry.ID)
	require.NoError(t, err)
	require.Equal(t, types.RunPassed, got.LastRunStatus)
	require.Equal(t, int64(1), got.SuccessRuns)
	require.True(t, got.NextRunAt.After(f.clock))
}

func TestOverlapPrevention(t *testing.T) {
	driver := &blockingDriver{release: make(chan struct{})}
	f := newFixture(t, driver)

	entry, err := f.sched.Create(f.testID, "* * * * *", "UTC")
	require.NoError(t, err)

	f.setClock(entry.NextRunAt.Add(time.Second))
	f.sched.Tick()
	f.waitRuns(t, entry.ID, 1)
	require.Eventually(t, func() bool { return driver.openCount() == 1 },
		5*time.Second, 5*time.Millisecond)

	// Next instant arrives while the first run is still in flight.
	got, err := f.store.GetSchedule(entry.ID)
	require.NoError(t, err)
	f.setClock(got.NextRunAt.Add(time.Second))
	f.sched.Tick()

	// No second run; missed counter incremented.
	time.Sleep(100 * time.Millisecond)
	runs := f.waitRuns(t, entry.ID, 1)
	require.Len(t, runs, 1)
	got, err = f.store.GetSchedule(entry.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.MissedFires)

	close(driver.release)
	require.Eventually(t, func() bool {
		got, err := f.store.GetSchedule(entry.ID)
		require.NoError(t, err)
		return !got.Running
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSingleCatchUp(t *testing.T) {
	f := newFixture(t, &blockingDriver{})

	entry, err := f.sched.Create(f.testID, "* * * * *", "UTC")
	require.NoError(t, err)

	// Ten fire instants pass while the process was down.
	f.setClock(entry.NextRunAt.Add(9*time.Minute + time.Second))
	f.sched.Tick()

	// Exactly one catch-up run; the other nine instants are missed.
	runs := f.waitRuns(t, entry.ID, 1)
	require.Len(t, runs, 1)

	got, err := f.store.GetSchedule(entry.ID)
	require.NoError(t, err)
	require.Equal(t, int64(9), got.MissedFires)
	require.True(t, got.NextRunAt.After(f.clock))
}

func TestDisabledScheduleNeverFires(t *testing.T) {
	f := newFixture(t, &blockingDriver{})

	entry, err := f.sched.Create(f.testID, "* * * * *", "UTC")
	require.NoError(t, err)
	require.NoError(t, f.sched.SetEnabled(entry.ID, false))

	f.setClock(entry.NextRunAt.Add(time.Hour))
	f.sched.Tick()

	time.Sleep(100 * time.Millisecond)
	runs, err := f.store.QueryRuns(store.RunFilter{TestID: f.testID})
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestReenableRecomputesNextRun(t *testing.T) {
	f := newFixture(t, &blockingDriver{})

	entry, err := f.sched.Create(f.testID, "* * * * *", "UTC")
	require.NoError(t, err)
	require.NoError(t, f.sched.SetEnabled(entry.ID, false))

	// A long gap while disabled must not replay on re-enable.
	f.setClock(f.clock.Add(3 * time.Hour))
	require.NoError(t, f.sched.SetEnabled(entry.ID, true))

	got, err := f.store.GetSchedule(entry.ID)
	require.NoError(t, err)
	require.True(t, got.NextRunAt.After(f.clock))
	require.Equal(t, int64(0), got.MissedFires)
}

func TestTriggerNow(t *testing.T) {
	driver := &blockingDriver{release: make(chan struct{})}
	f := newFixture(t, driver)

	entry, err := f.sched.Create(f.testID, "0 0 1 1 *", "UTC")
	require.NoError(t, err)

	runID, err := f.sched.TriggerNow(entry.ID)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	// The out-of-band run holds the claim like any other fire.
	_, err = f.sched.TriggerNow(entry.ID)
	require.Error(t, err)

	close(driver.release)
	require.Eventually(t, func() bool {
		got, err := f.store.GetSchedule(entry.ID)
		require.NoError(t, err)
		return !got.Running
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTriggerNowReleasesClaimOnSubmitFailure(t *testing.T) {
	f := newFixture(t, &blockingDriver{})

	entry, err := f.sched.Create(f.testID, "0 0 1 1 *", "UTC")
	require.NoError(t, err)

	// Deactivate the test so submission is refused after the claim.
	tst, err := f.store.GetTest(f.testID)
	require.NoError(t, err)
	tst.Active = false
	require.NoError(t, f.store.SaveTest(tst))

	_, err = f.sched.TriggerNow(entry.ID)
	require.Error(t, err)

	got, err := f.store.GetSchedule(entry.ID)
	require.NoError(t, err)
	require.False(t, got.Running)

	// A later trigger must not be suppressed by the failed one.
	tst.Active = true
	require.NoError(t, f.store.SaveTest(tst))
	runID, err := f.sched.TriggerNow(entry.ID)
	require.NoError(t, err)
	f.waitRuns(t, entry.ID, 1)

	require.Eventually(t, func() bool {
		run, err := f.store.GetRun(runID)
		require.NoError(t, err)
		return run.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTimezoneAwareNextRun(t *testing.T) {
	f := newFixture(t, &blockingDriver{})

	// 02:30 Berlin is 00:30 UTC in summer.
	entry, err := f.sched.Create(f.testID, "30 2 * * *", "Europe/Berlin")
	require.NoError(t, err)
	require.Equal(t, "Europe/Berlin", entry.Timezone)

	next := entry.NextRunAt
	require.Equal(t, 0, next.Minute()%30)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	require.Equal(t, 2, next.In(berlin).Hour())
	require.Equal(t, 30, next.In(berlin).Minute())
}
