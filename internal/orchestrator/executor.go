package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qanerd/internal/artifact"
	"qanerd/internal/browser"
	"qanerd/internal/classify"
	"qanerd/internal/logging"
	"qanerd/internal/retry"
	"qanerd/internal/types"
)

// terminalStatus maps an exhausted failure category to the run's
// terminal state. Configuration problems are operator errors, not
// test verdicts.
func terminalStatus(cat classify.Category) types.RunStatus {
	switch cat {
	case classify.CategoryConfiguration:
		return types.RunError
	default:
		return types.RunFailed
	}
}

// execution carries the per-run mutable state across retry attempts:
// the step log and the accumulated artifact keys.
type execution struct {
	o    *Orchestrator
	j    *job
	log  strings.Builder
	refs []string
}

func newExecution(o *Orchestrator, j *job) *execution {
	return &execution{o: o, j: j}
}

// attempt executes the whole script once. The run is the unit of
// retry: any failure restarts from step one on the next attempt.
func (e *execution) attempt(ctx context.Context, attemptNo int) error {
	runLog := logging.Get(logging.CategoryOrchestrator).WithRun(e.j.run.ID)
	e.logf("--- attempt %d (%s) ---", attemptNo, e.j.run.Browser)

	session, err := e.o.driver.Open(ctx, e.j.run.Browser)
	if err != nil {
		e.logf("session open failed: %v", err)
		return err
	}
	defer session.Close()

	steps := e.j.test.Script.Steps
	for i, step := range steps {
		// Cancellation is observed at step boundaries; a driver call
		// in flight finishes (or aborts via its context) first.
		if err := ctx.Err(); err != nil {
			e.logf("step %d/%d: aborted (%v)", i+1, len(steps), err)
			return err
		}

		stepStart := time.Now()
		err := session.Execute(ctx, step)
		elapsed := time.Since(stepStart).Round(time.Millisecond)
		if err != nil {
			e.logf("step %d/%d %s %s: FAIL in %v: %v", i+1, len(steps), step.Action, step.Locator, elapsed, err)
			runLog.Warn("step %d failed on attempt %d: %v", i+1, attemptNo, err)
			e.captureScreenshot(ctx, session, fmt.Sprintf("attempt%d_step%d_failure.png", attemptNo, i+1))
			return err
		}
		e.logf("step %d/%d %s %s: ok in %v", i+1, len(steps), step.Action, step.Locator, elapsed)
	}

	e.captureScreenshot(ctx, session, fmt.Sprintf("attempt%d_final.png", attemptNo))
	return nil
}

// captureScreenshot is best-effort: a failed capture never changes the
// run verdict.
func (e *execution) captureScreenshot(ctx context.Context, session browser.Session, name string) {
	if e.o.artifacts == nil {
		return
	}
	// A cancelled context still allows one bounded capture attempt.
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	data, err := session.Screenshot(shotCtx)
	if err != nil {
		e.logf("screenshot %s failed: %v", name, err)
		return
	}
	key, err := e.o.artifacts.Put(e.j.run.ID, artifact.KindScreenshot, data, name)
	if err != nil {
		e.logf("screenshot %s store failed: %v", name, err)
		return
	}
	e.refs = append(e.refs, key)
	e.logf("screenshot captured: %s", key)
}

// flushLog writes the accumulated step log and records its key.
func (e *execution) flushLog(run *types.Run) {
	if e.o.artifacts == nil || e.log.Len() == 0 {
		return
	}
	key, err := e.o.artifacts.PutLog(run.ID, "run", e.log.String())
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("failed to flush run log for %s: %v", run.ID, err)
		return
	}
	run.LogRef = key
}

// summary extracts the user-facing failure line from a retry result.
func (e *execution) summary(result retry.Result) string {
	if result.LastErr == nil {
		return ""
	}
	return classify.Summary(result.LastErr)
}

func (e *execution) logf(format string, args ...any) {
	fmt.Fprintf(&e.log, "%s %s\n", time.Now().UTC().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))
}
