// Package agent hosts the autonomous fix loop: analyze a flaky test,
// ask a proposer for a candidate change, apply it, verify with N
// sequential runs, and keep or revert. Agents run on their own
// executor so a long loop never occupies orchestrator workers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"qanerd/internal/analyzer"
	"qanerd/internal/config"
	"qanerd/internal/logging"
	"qanerd/internal/orchestrator"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

// ErrNotRunning is returned by Stop when the execution is not live.
var ErrNotRunning = errors.New("agent execution is not running")

// Action-log entry kinds.
const (
	ActionAnalyze = "analyze"
	ActionPropose = "propose"
	ActionApply   = "apply"
	ActionVerify  = "verify"
	ActionRevert  = "revert"
	ActionVerdict = "verdict"
)

// KindStabilize is the only agent kind currently implemented.
const KindStabilize = "stabilize"

// runPollInterval paces terminal-state polling of verification runs.
const runPollInterval = 25 * time.Millisecond

// execution tracks one live agent loop.
type execution struct {
	id string
	// stopped is the monotonic stop flag, honored between iterations
	// and between verification runs.
	stopped atomic.Bool
	mu      sync.Mutex
	// currentRun is the in-flight verification run, cancelled on stop.
	currentRun string
	done       chan struct{}
}

func (ex *execution) setCurrentRun(runID string) {
	ex.mu.Lock()
	ex.currentRun = runID
	ex.mu.Unlock()
}

// Runner owns agent lifecycle and the agent executor.
type Runner struct {
	cfg      config.AgentConfig
	store    *store.Store
	analyzer *analyzer.Analyzer
	orch     *orchestrator.Orchestrator
	proposer Proposer
	sem      *semaphore.Weighted
	// window is swappable for tests.
	window func() analyzer.Window

	mu   sync.Mutex
	live map[string]*execution
	wg   sync.WaitGroup
}

// NewRunner wires the agent executor.
func NewRunner(cfg config.AgentConfig, st *store.Store, an *analyzer.Analyzer,
	orch *orchestrator.Orchestrator, proposer Proposer) *Runner {

	slots := cfg.MaxConcurrent
	if slots < 1 {
		slots = 1
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		analyzer: an,
		orch:     orch,
		proposer: proposer,
		sem:      semaphore.NewWeighted(int64(slots)),
		window:   func() analyzer.Window { return analyzer.LastDays(7) },
		live:     make(map[string]*execution),
	}
}

// Stabilize starts an agent loop toward "stabilize test <name>" and
// returns its execution id.
func (r *Runner) Stabilize(testName string) (string, error) {
	test, err := r.store.GetTestByName(testName)
	if err != nil {
		return "", err
	}

	rec := &types.AgentExecution{
		AgentKind: KindStabilize,
		Goal:      fmt.Sprintf("stabilize test %s", test.Name),
		Status:    types.AgentRunning,
		MaxIter:   r.cfg.MaxIter,
	}
	if err := r.store.CreateAgentExecution(rec); err != nil {
		return "", err
	}

	ex := &execution{id: rec.ID, done: make(chan struct{})}
	r.mu.Lock()
	r.live[rec.ID] = ex
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ex, test)

	logging.Agent("started %s agent %s for test %s", rec.AgentKind, rec.ID, test.Name)
	return rec.ID, nil
}

// Stop raises the stop flag for a live execution and cancels its
// in-flight verification run. The loop exits after the current action
// returns.
func (r *Runner) Stop(id string) error {
	r.mu.Lock()
	ex, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		if _, err := r.store.GetAgentExecution(id); err != nil {
			return err
		}
		return ErrNotRunning
	}

	ex.stopped.Store(true)
	ex.mu.Lock()
	runID := ex.currentRun
	ex.mu.Unlock()
	if runID != "" {
		if err := r.orch.Cancel(runID); err != nil &&
			!errors.Is(err, orchestrator.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			logging.Get(logging.CategoryAgent).Warn("failed to cancel run %s for agent %s: %v", runID, id, err)
		}
	}
	logging.Agent("stop requested for agent %s", id)
	return nil
}

// Get returns an execution with its action log.
func (r *Runner) Get(id string) (*types.AgentExecution, error) {
	return r.store.GetAgentExecution(id)
}

// Wait blocks until the execution's loop has exited.
func (r *Runner) Wait(id string) {
	r.mu.Lock()
	ex, ok := r.live[id]
	r.mu.Unlock()
	if ok {
		<-ex.done
	}
}

// Close stops all live agents and waits for their loops to exit.
func (r *Runner) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
			logging.Get(logging.CategoryAgent).Warn("failed to stop agent %s: %v", id, err)
		}
	}
	r.wg.Wait()
}

// run drives one agent loop to a terminal status.
func (r *Runner) run(ex *execution, test *types.Test) {
	defer func() {
		r.mu.Lock()
		delete(r.live, ex.id)
		r.mu.Unlock()
		close(ex.done)
		r.wg.Done()
	}()

	// The agent executor: bounded slots, independent of the worker pool.
	if err := r.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Deadline())
	defer cancel()

	log := logging.Get(logging.CategoryAgent)
	totalCost := 0.0
	status := types.AgentFailed

loop:
	for iter := 1; iter <= r.cfg.MaxIter; iter++ {
		if ex.stopped.Load() {
			status = types.AgentStopped
			break
		}
		if ctx.Err() != nil {
			status = types.AgentTimeout
			break
		}
		if err := r.store.UpdateAgentProgress(ex.id, iter, totalCost); err != nil {
			log.Warn("failed to update progress for agent %s: %v", ex.id, err)
		}

		view, err := r.analyzer.AnalyzeTest(test.Name, r.window())
		if err != nil {
			r.logAction(ex.id, types.AgentAction{
				Iteration: iter, Kind: ActionAnalyze, Input: test.Name, Error: err.Error()})
			break
		}
		if view == nil || !view.Label.Flaky() {
			label := "insufficient history"
			if view != nil {
				label = string(view.Label)
			}
			r.logAction(ex.id, types.AgentAction{
				Iteration: iter, Kind: ActionAnalyze, Input: test.Name,
				Output: fmt.Sprintf("stability %s, no fix needed", label)})
			status = types.AgentSucceeded
			break
		}
		r.logAction(ex.id, types.AgentAction{
			Iteration: iter, Kind: ActionAnalyze, Input: test.Name,
			Output: fmt.Sprintf("stability %s, pass_rate %.1f, flakiness %.1f",
				view.Label, view.PassRate, view.FlakinessScore)})

		// Budget is enforced before the proposer is consulted, so one
		// call never overshoots the meter.
		estimate := r.proposer.EstimateCost()
		if totalCost+estimate > r.cfg.Budget {
			r.logAction(ex.id, types.AgentAction{
				Iteration: iter, Kind: ActionPropose,
				Error: fmt.Sprintf("budget %.2f would be exceeded (spent %.2f, next call %.2f)",
					r.cfg.Budget, totalCost, estimate)})
			status = types.AgentBudgetExceeded
			break
		}

		proposal, err := r.proposer.Propose(ctx, test, view, iter)
		if err != nil {
			r.logAction(ex.id, types.AgentAction{
				Iteration: iter, Kind: ActionPropose, Input: test.Name, Error: err.Error()})
			break
		}
		totalCost += proposal.Cost
		r.logAction(ex.id, types.AgentAction{
			Iteration: iter, Kind: ActionPropose, Input: test.Name,
			Output: proposal.Rationale, Cost: proposal.Cost})

		snapshot := cloneTest(test)
		if err := r.store.SaveTest(proposal.Test); err != nil {
			r.logAction(ex.id, types.AgentAction{
				Iteration: iter, Kind: ActionApply, Error: err.Error()})
			break
		}
		test = proposal.Test
		r.logAction(ex.id, types.AgentAction{
			Iteration: iter, Kind: ActionApply, Output: proposal.Summary})

		stable, stopped := r.verify(ctx, ex, test, iter)
		if stable {
			r.logAction(ex.id, types.AgentAction{
				Iteration: iter, Kind: ActionVerdict,
				Output: fmt.Sprintf("%d/%d verification runs passed; change recorded",
					r.cfg.VerificationRuns, r.cfg.VerificationRuns)})
			status = types.AgentSucceeded
			break
		}

		// Unverified change: put the previous definition back.
		if err := r.store.SaveTest(snapshot); err != nil {
			log.Error("failed to revert test %s for agent %s: %v", test.Name, ex.id, err)
		}
		test = snapshot
		r.logAction(ex.id, types.AgentAction{
			Iteration: iter, Kind: ActionRevert, Output: "verification failed, change reverted"})

		switch {
		case stopped:
			status = types.AgentStopped
			break loop
		case ctx.Err() != nil:
			status = types.AgentTimeout
			break loop
		}
	}

	if err := r.store.FinalizeAgentExecution(ex.id, status, time.Now().UTC(), totalCost); err != nil {
		log.Error("failed to finalize agent %s: %v", ex.id, err)
	}
	logging.Agent("agent %s terminal: %s (cost %.2f)", ex.id, status, totalCost)
}

// verify runs the test sequentially up to VerificationRuns times. The
// verdict is stable only when every run passes; the first non-PASS run
// short-circuits. The stop flag is honored between runs.
func (r *Runner) verify(ctx context.Context, ex *execution, test *types.Test, iter int) (stable, stopped bool) {
	n := r.cfg.VerificationRuns
	for v := 1; v <= n; v++ {
		if ex.stopped.Load() {
			return false, true
		}
		if ctx.Err() != nil {
			return false, false
		}

		runID, err := r.orch.Submit(test.ID, orchestrator.Options{
			TriggeredBy: types.TriggerAgent,
		})
		if err != nil {
			r.logAction(ex.id, types.AgentAction{
				Iteration: iter, Kind: ActionVerify,
				Input: fmt.Sprintf("run %d/%d", v, n), Error: err.Error()})
			return false, ex.stopped.Load()
		}

		ex.setCurrentRun(runID)
		run := r.waitRun(ctx, runID)
		ex.setCurrentRun("")

		r.logAction(ex.id, types.AgentAction{
			Iteration: iter, Kind: ActionVerify,
			Input:  fmt.Sprintf("run %d/%d", v, n),
			Output: fmt.Sprintf("run %s %s", runID, run.Status)})

		if run.Status != types.RunPassed {
			return false, ex.stopped.Load()
		}
	}
	return true, false
}

// waitRun polls until the run is terminal. On deadline it cancels the
// run through the orchestrator and waits for the cancellation to land.
func (r *Runner) waitRun(ctx context.Context, runID string) *types.Run {
	cancelled := false
	for {
		run, err := r.store.GetRun(runID)
		if err == nil && run.Status.Terminal() {
			return run
		}
		if ctx.Err() != nil && !cancelled {
			cancelled = true
			if err := r.orch.Cancel(runID); err != nil && !errors.Is(err, orchestrator.ErrConflict) {
				logging.Get(logging.CategoryAgent).Warn("failed to cancel run %s on deadline: %v", runID, err)
			}
		}
		time.Sleep(runPollInterval)
	}
}

func (r *Runner) logAction(executionID string, a types.AgentAction) {
	if err := r.store.AppendAgentAction(executionID, a); err != nil {
		logging.Get(logging.CategoryAgent).Warn("failed to append action for agent %s: %v", executionID, err)
	}
}

// cloneTest deep-copies a test so a revert is not aliased to the
// applied change.
func cloneTest(t *types.Test) *types.Test {
	c := *t
	c.Script.Steps = append([]types.Step(nil), t.Script.Steps...)
	if t.Notifications != nil {
		c.Notifications = make(map[string]string, len(t.Notifications))
		for k, v := range t.Notifications {
			c.Notifications[k] = v
		}
	}
	return &c
}
