package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qanerd/internal/types"
)

// SaveSchedule inserts or updates a schedule entry.
func (s *Store) SaveSchedule(e *types.ScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timezone == "" {
		e.Timezone = "UTC"
	}

	_, err := s.db.Exec(`
		INSERT INTO schedules (id, test_id, cron_expr, timezone, enabled, running,
			last_run_at, next_run_at, last_run_status, total_runs, success_runs,
			failure_runs, missed_fires)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			test_id = excluded.test_id,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			enabled = excluded.enabled,
			next_run_at = excluded.next_run_at`,
		e.ID, e.TestID, e.CronExpr, e.Timezone, boolInt(e.Enabled), boolInt(e.Running),
		nullableTime(e.LastRunAt), nullableTime(e.NextRunAt),
		nullableString(string(e.LastRunStatus)),
		e.TotalRuns, e.SuccessRuns, e.FailureRuns, e.MissedFires)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// GetSchedule loads one schedule.
func (s *Store) GetSchedule(id string) (*types.ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, test_id, cron_expr, timezone, enabled, running, last_run_at,
			next_run_at, last_run_status, total_runs, success_runs, failure_runs, missed_fires
		FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

// ListSchedules returns all schedules, optionally enabled only.
func (s *Store) ListSchedules(enabledOnly bool) ([]*types.ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, test_id, cron_expr, timezone, enabled, running, last_run_at,
			next_run_at, last_run_status, total_runs, success_runs, failure_runs, missed_fires
		FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []*types.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScheduleEnabled flips the enabled flag.
func (s *Store) SetScheduleEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE schedules SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimSchedule atomically flips running from false to true. Returns
// false when another fire already holds the claim; this is the overlap
// guard.
func (s *Store) ClaimSchedule(id string, firedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE schedules SET running = 1, last_run_at = ?
		WHERE id = ? AND running = 0 AND enabled = 1`,
		firedAt.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseSchedule clears the running flag and records the outcome
// counters after the triggered run reached a terminal state.
func (s *Store) ReleaseSchedule(id string, status types.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	success := 0
	failure := 0
	switch status {
	case types.RunPassed:
		success = 1
	case types.RunFailed, types.RunError:
		failure = 1
	}

	_, err := s.db.Exec(`
		UPDATE schedules SET running = 0,
			last_run_status = ?,
			total_runs = total_runs + 1,
			success_runs = success_runs + ?,
			failure_runs = failure_runs + ?
		WHERE id = ?`, string(status), success, failure, id)
	if err != nil {
		return fmt.Errorf("failed to release schedule: %w", err)
	}
	return nil
}

// UnclaimSchedule clears the running flag without touching counters.
// Used when a claimed fire could not be submitted.
func (s *Store) UnclaimSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE schedules SET running = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to unclaim schedule: %w", err)
	}
	return nil
}

// RecordMissedFire counts one suppressed overlap or skipped catch-up.
func (s *Store) RecordMissedFire(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE schedules SET missed_fires = missed_fires + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to record missed fire: %w", err)
	}
	return nil
}

// SetScheduleNextRun records the precomputed next fire time.
func (s *Store) SetScheduleNextRun(id string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE schedules SET next_run_at = ? WHERE id = ?`, next.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set next run: %w", err)
	}
	return nil
}

// RecordScheduleFire appends one schedule_history row tying a fire to
// the run it submitted.
func (s *Store) RecordScheduleFire(scheduleID, runID string, firedAt time.Time, catchUp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO schedule_history (schedule_id, run_id, fired_at, catch_up)
		VALUES (?, ?, ?, ?)`,
		scheduleID, runID, firedAt.UTC(), boolInt(catchUp))
	if err != nil {
		return fmt.Errorf("failed to record schedule fire: %w", err)
	}
	return nil
}

func scanSchedule(row scanner) (*types.ScheduleEntry, error) {
	var e types.ScheduleEntry
	var enabled, running int
	var lastRun, nextRun sql.NullTime
	var lastStatus sql.NullString
	err := row.Scan(&e.ID, &e.TestID, &e.CronExpr, &e.Timezone, &enabled, &running,
		&lastRun, &nextRun, &lastStatus,
		&e.TotalRuns, &e.SuccessRuns, &e.FailureRuns, &e.MissedFires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	e.Enabled = enabled != 0
	e.Running = running != 0
	if lastRun.Valid {
		e.LastRunAt = lastRun.Time.UTC()
	}
	if nextRun.Valid {
		e.NextRunAt = nextRun.Time.UTC()
	}
	e.LastRunStatus = types.RunStatus(lastStatus.String)
	return &e, nil
}
