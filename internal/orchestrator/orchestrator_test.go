package orchestrator

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
	"qanerd/internal/classify"
	"qanerd/internal/config"
	"qanerd/internal/history"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDriver scripts step outcomes per attempt.
type fakeDriver struct {
	mu    sync.Mutex
	opens int
	// execute decides the outcome of each step; attempt is 1-based.
	execute func(attempt int, step types.Step) error
	// block, when set, stalls Execute until released or ctx ends.
	block chan struct{}
}

func (d *fakeDriver) Open(ctx context.Context, kind types.BrowserKind) (browser.Session, error) {
	d.mu.Lock()
	d.opens++
	attempt := d.opens
	d.mu.Unlock()
	return &fakeSession{driver: d, attempt: attempt}, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

type fakeSession struct {
	driver  *fakeDriver
	attempt int
}

func (s *fakeSession) Execute(ctx context.Context, step types.Step) error {
	if s.driver.block != nil {
		select {
		case <-s.driver.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.driver.execute != nil {
		return s.driver.execute(s.attempt, step)
	}
	return nil
}

func (s *fakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (s *fakeSession) Close() error { return nil }

type fixture struct {
	store  *store.Store
	orch   *Orchestrator
	driver *fakeDriver
	testID string
}

func newFixture(t *testing.T, driver *fakeDriver, mutate func(*config.ExecutionConfig, *config.RetryConfig)) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "qa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	arts, err := artifact.NewStore(config.DefaultArtifact(dir))
	require.NoError(t, err)

	rec := history.NewRecorder(st, 64)
	t.Cleanup(rec.Close)

	execCfg := config.ExecutionConfig{Workers: 2, QueueCapacity: 8, RunTimeoutMs: 30000}
	retryCfg := config.RetryConfig{
		Enabled: true, MaxAttempts: 3, BaseDelayMs: 20, MaxDelayMs: 100, Multiplier: 2,
		RetryOn: []string{"TIMEOUT", "NETWORK_ERROR", "STALE_ELEMENT", "ELEMENT_NOT_FOUND"},
	}
	if mutate != nil {
		mutate(&execCfg, &retryCfg)
	}

	tst := &types.Test{
		Name: "login-check", Active: true,
		Script: types.Script{Steps: []types.Step{
			{Action: types.ActionNavigate, Value: "about:blank"},
			{Action: types.ActionAssertTitle, Value: ""},
		}},
	}
	require.NoError(t, st.SaveTest(tst))

	orch := New(execCfg, retryCfg, st, driver, arts, rec)
	t.Cleanup(orch.Close)

	return &fixture{store: st, orch: orch, driver: driver, testID: tst.ID}
}

func waitTerminal(t *testing.T, f *fixture, runID string, within time.Duration) *types.Run {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		run, err := f.store.GetRun(runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state within %v", runID, within)
	return nil
}

func TestStraightLineSuccess(t *testing.T) {
	driver := &fakeDriver{}
	f := newFixture(t, driver, nil)

	runID, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)

	run := waitTerminal(t, f, runID, 5*time.Second)
	require.Equal(t, types.RunPassed, run.Status)
	require.Equal(t, 0, run.RetryCount)
	require.NotEmpty(t, run.ArtifactRefs, "a passing run captures a final screenshot")
	require.NotEmpty(t, run.LogRef)
	require.False(t, run.EndedAt.Before(run.StartedAt))
}

func TestTransientTimeoutRecovery(t *testing.T) {
	driver := &fakeDriver{}
	driver.execute = func(attempt int, step types.Step) error {
		if attempt == 1 && step.Action == types.ActionNavigate {
			return classify.NewFault(classify.KindTimeout, classify.PhaseNavigation, "navigation timed out")
		}
		return nil
	}
	f := newFixture(t, driver, func(e *config.ExecutionConfig, r *config.RetryConfig) {
		r.BaseDelayMs = 100
	})

	start := time.Now()
	runID, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)

	run := waitTerminal(t, f, runID, 5*time.Second)
	require.Equal(t, types.RunPassed, run.Status)
	require.Equal(t, 1, run.RetryCount)
	require.Equal(t, 2, driver.openCount(), "each attempt gets a fresh session")
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "backoff must be observed")
}

func TestAssertionFailureIsTerminal(t *testing.T) {
	driver := &fakeDriver{}
	driver.execute = func(attempt int, step types.Step) error {
		if step.Action == types.ActionAssertTitle {
			return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
				"expected title %q, got %q", "expected", "actual")
		}
		return nil
	}
	f := newFixture(t, driver, nil)

	runID, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)

	run := waitTerminal(t, f, runID, 5*time.Second)
	require.Equal(t, types.RunFailed, run.Status)
	require.Equal(t, 0, run.RetryCount, "assertion failures never retry")
	require.Equal(t, "ASSERTION_FAILED", run.FailureCategory)
	require.Contains(t, run.ErrorSummary, "expected title")
	require.Equal(t, 1, driver.openCount())
}

func TestCancelDuringBackoff(t *testing.T) {
	driver := &fakeDriver{}
	driver.execute = func(attempt int, step types.Step) error {
		return classify.NewFault(classify.KindTimeout, classify.PhaseNavigation, "always times out")
	}
	f := newFixture(t, driver, func(e *config.ExecutionConfig, r *config.RetryConfig) {
		r.MaxAttempts = 5
		r.BaseDelayMs = 1000
	})

	runID, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)

	// Wait for the first attempt to fail and enter backoff.
	require.Eventually(t, func() bool { return driver.openCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	cancelAt := time.Now()
	require.NoError(t, f.orch.Cancel(runID))

	run := waitTerminal(t, f, runID, time.Second)
	require.Equal(t, types.RunCancelled, run.Status)
	require.Less(t, time.Since(cancelAt), 500*time.Millisecond)
	require.Equal(t, 1, run.RetryCount)
	require.Equal(t, 1, driver.openCount(), "no further driver calls after cancel")
}

func TestCancelBeforePick(t *testing.T) {
	blocked := make(chan struct{})
	driver := &fakeDriver{block: blocked}
	f := newFixture(t, driver, func(e *config.ExecutionConfig, r *config.RetryConfig) {
		e.Workers = 1
	})

	// Occupy the only worker.
	first, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return driver.openCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	// Second run sits in the queue; cancel it there.
	second, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)
	require.NoError(t, f.orch.Cancel(second))

	close(blocked)
	run := waitTerminal(t, f, second, 5*time.Second)
	require.Equal(t, types.RunCancelled, run.Status)
	require.True(t, run.StartedAt.IsZero(), "cancelled before pick: never started")

	waitTerminal(t, f, first, 5*time.Second)
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	driver := &fakeDriver{}
	f := newFixture(t, driver, nil)

	runID, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)
	waitTerminal(t, f, runID, 5*time.Second)

	require.ErrorIs(t, f.orch.Cancel(runID), ErrConflict)
}

func TestBackpressure(t *testing.T) {
	blocked := make(chan struct{})
	driver := &fakeDriver{block: blocked}
	f := newFixture(t, driver, func(e *config.ExecutionConfig, r *config.RetryConfig) {
		e.Workers = 1
		e.QueueCapacity = 1
	})

	// First run occupies the worker, second fills the queue.
	first, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return driver.openCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	second, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)

	// Queue is full now.
	_, err = f.orch.Submit(f.testID, Options{})
	require.ErrorIs(t, err, ErrBackpressure)

	close(blocked)
	waitTerminal(t, f, first, 5*time.Second)
	waitTerminal(t, f, second, 5*time.Second)

	// Rejected submit left no run behind.
	runs, err := f.store.QueryRuns(store.RunFilter{TestID: f.testID})
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestInactiveTestRefused(t *testing.T) {
	driver := &fakeDriver{}
	f := newFixture(t, driver, nil)

	tst, err := f.store.GetTest(f.testID)
	require.NoError(t, err)
	tst.Active = false
	require.NoError(t, f.store.SaveTest(tst))

	_, err = f.orch.Submit(f.testID, Options{})
	require.ErrorIs(t, err, ErrInactive)
}

func TestUnknownTestNotFound(t *testing.T) {
	driver := &fakeDriver{}
	f := newFixture(t, driver, nil)

	_, err := f.orch.Submit("no-such-test", Options{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWallClockTimeoutBecomesError(t *testing.T) {
	driver := &fakeDriver{block: make(chan struct{})} // never released
	f := newFixture(t, driver, func(e *config.ExecutionConfig, r *config.RetryConfig) {
		e.RunTimeoutMs = 100
		r.Enabled = false
	})

	runID, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)

	run := waitTerminal(t, f, runID, 5*time.Second)
	require.Equal(t, types.RunError, run.Status)
	require.Equal(t, "TIMEOUT", run.FailureCategory)
}

func TestRetryExhaustionFails(t *testing.T) {
	driver := &fakeDriver{}
	driver.execute = func(attempt int, step types.Step) error {
		return classify.NewFault(classify.KindNetwork, classify.PhaseNavigation, "connection refused")
	}
	f := newFixture(t, driver, nil)

	runID, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)

	run := waitTerminal(t, f, runID, 5*time.Second)
	require.Equal(t, types.RunFailed, run.Status)
	require.Equal(t, 2, run.RetryCount)
	require.Equal(t, "NETWORK_ERROR", run.FailureCategory)
	require.Equal(t, 3, driver.openCount())
}

func TestObserverNotifiedOnTerminal(t *testing.T) {
	driver := &fakeDriver{}
	f := newFixture(t, driver, nil)

	var mu sync.Mutex
	var seen []types.RunStatus
	f.orch.AddObserver(func(run *types.Run, testName string) {
		mu.Lock()
		seen = append(seen, run.Status)
		mu.Unlock()
	})

	runID, err := f.orch.Submit(f.testID, Options{})
	require.NoError(t, err)
	waitTerminal(t, f, runID, 5*time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == types.RunPassed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetryPolicyOverride(t *testing.T) {
	driver := &fakeDriver{}
	driver.execute = func(attempt int, step types.Step) error {
		return classify.NewFault(classify.KindTimeout, classify.PhaseNavigation, "times out")
	}
	f := newFixture(t, driver, nil)

	override := &config.RetryConfig{Enabled: false, MaxAttempts: 1}
	runID, err := f.orch.Submit(f.testID, Options{RetryPolicy: override})
	require.NoError(t, err)

	run := waitTerminal(t, f, runID, 5*time.Second)
	require.Equal(t, types.RunFailed, run.Status)
	require.Equal(t, 0, run.RetryCount)
	require.Equal(t, 1, driver.openCount())
}
