// Package orchestrator is the execution core: a bounded FIFO job queue
// feeding a fixed worker pool, the run state machine, cooperative
// cancellation, and retry coupling. Workers never call the scheduler
// or agent; outbound coupling is one-way through terminal observers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qanerd/internal/artifact"
	"qanerd/internal/browser"
	"qanerd/internal/config"
	"qanerd/internal/history"
	"qanerd/internal/logging"
	"qanerd/internal/retry"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

var (
	// ErrBackpressure is returned by Submit when the queue is full.
	ErrBackpressure = errors.New("job queue full")
	// ErrInactive is returned when the target test is marked inactive.
	ErrInactive = errors.New("test is inactive")
	// ErrConflict is returned by Cancel on an already-terminal run.
	ErrConflict = errors.New("run is already terminal")
)

// Options adjusts one submitted run.
type Options struct {
	Browser     types.BrowserKind
	Environment string
	TriggeredBy types.TriggerSource
	ScheduleID  string
	// RetryPolicy overrides the configured default when non-nil.
	RetryPolicy *config.RetryConfig
}

// Observer is notified once per run, at its terminal transition.
type Observer func(run *types.Run, testName string)

// job is one queued unit of work.
type job struct {
	run    *types.Run
	test   *types.Test
	policy config.RetryConfig
}

// handle tracks a live (queued or running) run.
type handle struct {
	cancel    context.CancelFunc
	ctx       context.Context
	cancelled bool // set by Cancel; distinguishes user cancel from timeout
}

// Orchestrator owns the queue, the workers, and run lifecycle.
type Orchestrator struct {
	cfg           config.ExecutionConfig
	defaultPolicy config.RetryConfig
	store         *store.Store
	driver        browser.Driver
	artifacts     *artifact.Store
	recorder      *history.Recorder
	engine        *retry.Engine

	queue   chan *job
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	handles   map[string]*handle
	observers []Observer
	draining  bool
}

// New wires the orchestrator and starts its workers.
func New(cfg config.ExecutionConfig, policy config.RetryConfig, st *store.Store,
	driver browser.Driver, artifacts *artifact.Store, recorder *history.Recorder) *Orchestrator {

	baseCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:           cfg,
		defaultPolicy: policy,
		store:         st,
		driver:        driver,
		artifacts:     artifacts,
		recorder:      recorder,
		engine:        retry.New(policy),
		queue:         make(chan *job, cfg.QueueCapacity),
		baseCtx:       baseCtx,
		stop:          stop,
		handles:       make(map[string]*handle),
	}
	for i := 0; i < cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	logging.Orchestrator("started %d workers, queue capacity %d", cfg.Workers, cfg.QueueCapacity)
	return o
}

// AddObserver registers a terminal-transition observer.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Submit enqueues a run for a test. Non-blocking: a full queue fails
// with ErrBackpressure and leaves no trace.
func (o *Orchestrator) Submit(testID string, opts Options) (string, error) {
	test, err := o.store.GetTest(testID)
	if err != nil {
		return "", err
	}
	if !test.Active {
		return "", ErrInactive
	}
	if err := test.Script.Validate(); err != nil {
		return "", fmt.Errorf("invalid script: %w", err)
	}

	if opts.Browser == "" {
		opts.Browser = types.BrowserChrome
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = types.TriggerAPI
	}
	policy := o.defaultPolicy
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}

	run := &types.Run{
		ID:          uuid.NewString(),
		TestID:      test.ID,
		Status:      types.RunQueued,
		Browser:     opts.Browser,
		Environment: opts.Environment,
		TriggeredBy: opts.TriggeredBy,
		ScheduleID:  opts.ScheduleID,
	}

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return "", fmt.Errorf("orchestrator is shutting down")
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.handles[run.ID] = &handle{ctx: ctx, cancel: cancel}
	o.mu.Unlock()

	if err := o.store.CreateRun(run); err != nil {
		o.dropHandle(run.ID)
		return "", err
	}

	select {
	case o.queue <- &job{run: run, test: test, policy: policy}:
	default:
		// Roll back: the run never existed as far as clients can tell.
		o.dropHandle(run.ID)
		if err := o.store.DeleteRun(run.ID); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("backpressure rollback failed for %s: %v", run.ID, err)
		}
		return "", ErrBackpressure
	}

	logging.OrchestratorDebug("queued run %s for test %s (%s)", run.ID, test.Name, opts.TriggeredBy)
	return run.ID, nil
}

// Get returns the current view of a run.
func (o *Orchestrator) Get(runID string) (*types.Run, error) {
	return o.store.GetRun(runID)
}

// List returns runs matching the filter.
func (o *Orchestrator) List(f store.RunFilter) ([]*types.Run, error) {
	return o.store.QueryRuns(f)
}

// Cancel requests cooperative cancellation. Returns nil when the
// request was accepted, ErrConflict when the run is already terminal.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	h, live := o.handles[runID]
	if live {
		h.cancelled = true
		h.cancel()
	}
	o.mu.Unlock()
	if live {
		logging.Orchestrator("cancel accepted for run %s", runID)
		return nil
	}

	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrConflict
	}
	// Known run without a live handle: restart lost the in-memory
	// token. Finalize directly.
	run.Status = types.RunCancelled
	run.EndedAt = time.Now().UTC()
	if err := o.store.FinalizeRun(run); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// Close drains the pool: no new submissions, in-flight runs complete.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	o.mu.Unlock()

	close(o.queue)
	o.wg.Wait()
	o.stop()
	logging.Orchestrator("worker pool drained")
}

// dropHandle removes a run's cancellation token.
func (o *Orchestrator) dropHandle(runID string) {
	o.mu.Lock()
	if h, ok := o.handles[runID]; ok {
		h.cancel()
		delete(o.handles, runID)
	}
	o.mu.Unlock()
}

// userCancelled reports whether Cancel was called for the run.
func (o *Orchestrator) userCancelled(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[runID]
	return ok && h.cancelled
}

// worker executes jobs to a terminal state, one at a time.
func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	for j := range o.queue {
		o.process(j)
	}
	logging.OrchestratorDebug("worker %d exiting", id)
}

// process runs one job to its terminal state. A panic inside a run
// terminates that run as ERROR without taking down the pool.
func (o *Orchestrator) process(j *job) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryOrchestrator).Error("worker panic in run %s: %v", j.run.ID, r)
			j.run.Status = types.RunError
			j.run.FailureCategory = "INTERNAL"
			j.run.ErrorSummary = fmt.Sprintf("internal error: %v", r)
			j.run.EndedAt = time.Now().UTC()
			o.finalize(j)
		}
	}()

	o.mu.Lock()
	h := o.handles[j.run.ID]
	o.mu.Unlock()
	if h == nil {
		// Cancelled and finalized between queue and pick.
		return
	}

	// Cancel before pick.
	if h.ctx.Err() != nil {
		j.run.Status = types.RunCancelled
		j.run.EndedAt = time.Now().UTC()
		o.finalize(j)
		return
	}

	start := time.Now().UTC()
	if err := o.store.MarkRunning(j.run.ID, start); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("failed to mark run %s running: %v", j.run.ID, err)
		return
	}
	j.run.Status = types.RunRunning
	j.run.StartedAt = start

	runCtx, cancelTimeout := context.WithTimeout(h.ctx, o.cfg.RunTimeout())
	defer cancelTimeout()

	exec := newExecution(o, j)
	result := o.engine.RunWithPolicy(runCtx, j.policy, j.run.ID, exec.attempt)

	end := time.Now().UTC()
	j.run.EndedAt = end
	j.run.DurationMs = end.Sub(start).Milliseconds()
	j.run.RetryCount = result.Retries
	j.run.ArtifactRefs = exec.refs

	switch {
	case result.Success:
		j.run.Status = types.RunPassed
	case o.userCancelled(j.run.ID):
		j.run.Status = types.RunCancelled
	case result.Cancelled && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		j.run.Status = types.RunError
		j.run.FailureCategory = "TIMEOUT"
		j.run.ErrorSummary = fmt.Sprintf("run exceeded wall-clock deadline of %v", o.cfg.RunTimeout())
	case result.Cancelled:
		j.run.Status = types.RunCancelled
	default:
		j.run.Status = terminalStatus(result.LastVerdict.Category)
		j.run.FailureCategory = string(result.LastVerdict.Category)
		j.run.ErrorSummary = exec.summary(result)
	}

	exec.flushLog(j.run)
	o.finalize(j)
}

// finalize persists the terminal state, emits history, and notifies
// observers exactly once.
func (o *Orchestrator) finalize(j *job) {
	if err := o.store.FinalizeRun(j.run); err != nil {
		if !errors.Is(err, store.ErrTerminal) {
			logging.Get(logging.CategoryOrchestrator).Error("failed to finalize run %s: %v", j.run.ID, err)
		}
		o.dropHandle(j.run.ID)
		return
	}
	o.dropHandle(j.run.ID)

	logging.Orchestrator("run %s terminal: %s (retries=%d, category=%s)",
		j.run.ID, j.run.Status, j.run.RetryCount, j.run.FailureCategory)

	if o.recorder != nil {
		o.recorder.RecordRun(j.run, j.test.Name)
	}

	o.mu.Lock()
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()
	for _, obs := range observers {
		obs(j.run, j.test.Name)
	}
}
