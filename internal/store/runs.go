package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qanerd/internal/types"
)

// ErrTerminal is returned when a mutation targets a run already in a
// terminal state. Terminal statuses are write-once.
var ErrTerminal = errors.New("run is already terminal")

// CreateRun inserts a run in QUEUED state.
func (s *Store) CreateRun(r *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status == "" {
		r.Status = types.RunQueued
	}
	refs, err := json.Marshal(r.ArtifactRefs)
	if err != nil {
		return fmt.Errorf("failed to encode artifact refs: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, test_id, status, browser, environment, started_at, ended_at,
			duration_ms, retry_count, failure_category, error_summary, artifact_refs,
			log_ref, triggered_by, schedule_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TestID, r.Status, r.Browser, r.Environment,
		nullableTime(r.StartedAt), nullableTime(r.EndedAt),
		r.DurationMs, r.RetryCount,
		nullableString(r.FailureCategory), nullableString(r.ErrorSummary),
		string(refs), nullableString(r.LogRef), r.TriggeredBy, nullableString(r.ScheduleID))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// MarkRunning transitions a QUEUED run to RUNNING and stamps the start
// time. Transition from any other state is rejected.
func (s *Store) MarkRunning(runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		types.RunRunning, startedAt.UTC(), runID, types.RunQueued)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(runID)
	}
	return nil
}

// FinalizeRun writes the terminal state of a run exactly once. The
// guard clause means a cancel and a worker racing to finish cannot
// both win; the second writer gets ErrTerminal.
func (s *Store) FinalizeRun(r *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !r.Status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", r.Status)
	}
	refs, err := json.Marshal(r.ArtifactRefs)
	if err != nil {
		return fmt.Errorf("failed to encode artifact refs: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, ended_at = ?, duration_ms = ?, retry_count = ?,
			failure_category = ?, error_summary = ?, artifact_refs = ?, log_ref = ?
		WHERE id = ? AND status IN (?, ?)`,
		r.Status, nullableTime(r.EndedAt), r.DurationMs, r.RetryCount,
		nullableString(r.FailureCategory), nullableString(r.ErrorSummary),
		string(refs), nullableString(r.LogRef),
		r.ID, types.RunQueued, types.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(r.ID)
	}
	return nil
}

// transitionError distinguishes a missing run from a terminal one.
func (s *Store) transitionError(runID string) error {
	var status string
	err := s.db.QueryRow(`SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	if types.RunStatus(status).Terminal() {
		return ErrTerminal
	}
	return fmt.Errorf("run %s in unexpected state %s", runID, status)
}

// GetRun loads one run.
func (s *Store) GetRun(id string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, test_id, status, browser, environment, started_at, ended_at,
			duration_ms, retry_count, failure_category, error_summary, artifact_refs,
			log_ref, triggered_by, schedule_id
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs for a test, newest first.
func (s *Store) ListRuns(testID string, limit int) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, test_id, status, browser, environment, started_at, ended_at,
			duration_ms, retry_count, failure_category, error_summary, artifact_refs,
			log_ref, triggered_by, schedule_id
		FROM runs WHERE test_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, testID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRun removes a run row. Used to roll back a submit that could
// not be enqueued.
func (s *Store) DeleteRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// RunFilter narrows QueryRuns. Zero values mean no constraint.
type RunFilter struct {
	TestID string
	Status types.RunStatus
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// QueryRuns returns runs matching the filter, newest first.
func (s *Store) QueryRuns(f RunFilter) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, test_id, status, browser, environment, started_at, ended_at,
			duration_ms, retry_count, failure_category, error_summary, artifact_refs,
			log_ref, triggered_by, schedule_id
		FROM runs WHERE 1=1`
	var args []any
	if f.TestID != "" {
		query += ` AND test_id = ?`
		args = append(args, f.TestID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if !f.From.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		query += ` AND started_at < ?`
		args = append(args, f.To.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountActiveScheduleRuns counts non-terminal runs for a schedule.
func (s *Store) CountActiveScheduleRuns(scheduleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE schedule_id = ? AND status IN (?, ?)`,
		scheduleID, types.RunQueued, types.RunRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count schedule runs: %w", err)
	}
	return n, nil
}

func scanRun(row scanner) (*types.Run, error) {
	var r types.Run
	var started, ended sql.NullTime
	var failureCategory, errorSummary, refs, logRef, scheduleID sql.NullString
	err := row.Scan(&r.ID, &r.TestID, &r.Status, &r.Browser, &r.Environment,
		&started, &ended, &r.DurationMs, &r.RetryCount,
		&failureCategory, &errorSummary, &refs, &logRef, &r.TriggeredBy, &scheduleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if started.Valid {
		r.StartedAt = started.Time.UTC()
	}
	if ended.Valid {
		r.EndedAt = ended.Time.UTC()
	}
	r.FailureCategory = failureCategory.String
	r.ErrorSummary = errorSummary.String
	r.LogRef = logRef.String
	r.ScheduleID = scheduleID.String
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &r.ArtifactRefs); err != nil {
			return nil, fmt.Errorf("failed to decode artifact refs for run %s: %w", r.ID, err)
		}
	}
	return &r, nil
}
