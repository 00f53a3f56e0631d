// Package retry re-invokes failing operations under a bounded policy
// with truncated exponential backoff. The unit of retry is whatever
// the operation closure covers; for test runs that is the entire run,
// restarted from step one.
package retry

import (
	"context"
	"math"
	"time"

	"qanerd/internal/classify"
	"qanerd/internal/config"
	"qanerd/internal/logging"
)

// AttemptFailure records one failed attempt for the result history.
type AttemptFailure struct {
	Attempt  int               `json:"attempt"`
	Category classify.Category `json:"category"`
	Message  string            `json:"message"`
	At       time.Time         `json:"at"`
}

// Result carries the outcome of a retried operation.
type Result struct {
	Success   bool
	Cancelled bool
	Attempts  int
	// Retries counts committed retry decisions. A retry interrupted
	// during its backoff sleep still counts: the engine had already
	// decided to go again.
	Retries        int
	LastVerdict    classify.Verdict
	LastErr        error
	FailureHistory []AttemptFailure
}

// Engine applies a retry policy to operations.
type Engine struct {
	policy config.RetryConfig
	// sleep is swappable for tests; defaults to a context-aware timer.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a retry engine with the given default policy.
func New(policy config.RetryConfig) *Engine {
	return &Engine{policy: policy, sleep: sleepCtx}
}

// Run invokes op until it succeeds, the policy is exhausted, the
// failure is not retryable, or the context is cancelled. Cancellation
// during backoff returns immediately with Cancelled set.
func (e *Engine) Run(ctx context.Context, label string, op func(ctx context.Context, attempt int) error) Result {
	return e.RunWithPolicy(ctx, e.policy, label, op)
}

// RunWithPolicy is Run with a per-call policy override.
func (e *Engine) RunWithPolicy(ctx context.Context, policy config.RetryConfig, label string, op func(ctx context.Context, attempt int) error) Result {
	log := logging.Get(logging.CategoryRetry)
	res := Result{}

	retryOn := make(map[classify.Category]bool, len(policy.RetryOn))
	for _, c := range policy.RetryOn {
		retryOn[classify.Category(c)] = true
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		if ctx.Err() != nil {
			res.Cancelled = true
			return res
		}

		err := op(ctx, attempt)
		if err == nil {
			res.Success = true
			return res
		}
		if ctx.Err() != nil {
			res.Cancelled = true
			res.LastErr = err
			return res
		}

		verdict := classify.ClassifyError(err, attempt)
		res.LastVerdict = verdict
		res.LastErr = err
		res.FailureHistory = append(res.FailureHistory, AttemptFailure{
			Attempt:  attempt,
			Category: verdict.Category,
			Message:  classify.Summary(err),
			At:       time.Now().UTC(),
		})

		if !policy.Enabled || !verdict.Retryable || !retryOn[verdict.Category] || attempt >= policy.MaxAttempts {
			log.Debug("%s: giving up after attempt %d (category=%s retryable=%v)",
				label, attempt, verdict.Category, verdict.Retryable)
			return res
		}

		res.Retries++
		delay := Backoff(policy, attempt)
		log.Debug("%s: attempt %d failed (%s), retrying in %v", label, attempt, verdict.Category, delay)
		if err := e.sleep(ctx, delay); err != nil {
			res.Cancelled = true
			return res
		}
	}
}

// Backoff returns the delay before attempt+1: min(base·mult^(attempt-1), max).
func Backoff(policy config.RetryConfig, attempt int) time.Duration {
	base := float64(policy.BaseDelayMs)
	if base <= 0 {
		base = 1000
	}
	mult := policy.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := base * math.Pow(mult, float64(attempt-1))
	if max := float64(policy.MaxDelayMs); max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay) * time.Millisecond
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
