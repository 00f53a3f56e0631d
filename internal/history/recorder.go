// Package history is the append-only recording pipeline. Terminal runs
// are emitted into a bounded channel; a background consumer persists
// the row and folds failures into their signature cluster. Recording
// never blocks the worker that finished the run.
package history

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"qanerd/internal/classify"
	"qanerd/internal/logging"
	"qanerd/internal/store"
	"qanerd/internal/types"
)

// DefaultCapacity is the channel bound when none is configured.
const DefaultCapacity = 256

// Recorder consumes terminal-run records on a background goroutine.
type Recorder struct {
	store *store.Store

	ch      chan *types.RunHistory
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewRecorder creates the recorder and starts its consumer.
func NewRecorder(s *store.Store, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Recorder{
		store: s,
		ch:    make(chan *types.RunHistory, capacity),
	}
	r.wg.Add(1)
	go r.consume()
	return r
}

// Record enqueues one history row. If the channel is full the record
// is dropped and counted rather than stalling a worker; history is
// best-effort, run state is not. The read lock holds the channel open
// against a concurrent Close.
func (r *Recorder) Record(h *types.RunHistory) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- h:
	default:
		n := r.dropped.Add(1)
		logging.Get(logging.CategoryHistory).Warn(
			"history channel full, dropped record for run %s (%d dropped total)", h.RunID, n)
	}
}

// RecordRun converts a terminal run into a history row and enqueues it.
func (r *Recorder) RecordRun(run *types.Run, testName string) {
	if !run.Status.Terminal() {
		return
	}
	executed := run.EndedAt
	if executed.IsZero() {
		executed = time.Now().UTC()
	}
	r.Record(&types.RunHistory{
		RunID:        run.ID,
		TestName:     testName,
		Status:       run.Status,
		DurationMs:   run.DurationMs,
		FailureType:  run.FailureCategory,
		ErrorMessage: run.ErrorSummary,
		Browser:      run.Browser,
		Environment:  run.Environment,
		ExecutedAt:   executed,
	})
}

// Dropped returns the count of records lost to backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records, drains the channel, and waits for the
// consumer to finish.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) consume() {
	defer r.wg.Done()
	for h := range r.ch {
		if err := r.persist(h); err != nil {
			logging.Get(logging.CategoryHistory).Error(
				"failed to persist history for run %s: %v", h.RunID, err)
		}
	}
}

func (r *Recorder) persist(h *types.RunHistory) error {
	if err := r.store.InsertHistory(h); err != nil {
		return err
	}
	logging.Get(logging.CategoryHistory).Debug("recorded run %s (%s) for %s", h.RunID, h.Status, h.TestName)

	if h.Status != types.RunFailed && h.Status != types.RunError {
		return nil
	}
	sig := classify.NormalizeSignature(h.ErrorMessage)
	if sig == "" {
		sig = "(no error message)"
	}
	category := h.FailureType
	if category == "" {
		category = string(classify.CategoryUnknown)
	}
	if err := r.store.UpsertFailurePattern(h.TestName, sig, category, h.ExecutedAt); err != nil {
		return fmt.Errorf("pattern upsert: %w", err)
	}
	return nil
}
