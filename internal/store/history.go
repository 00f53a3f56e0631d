package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qanerd/internal/types"
)

// InsertHistory appends one immutable history row.
func (s *Store) InsertHistory(h *types.RunHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO run_history (run_id, test_name, status, duration_ms, failure_type,
			error_message, browser, environment, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.RunID, h.TestName, h.Status, h.DurationMs,
		nullableString(h.FailureType), nullableString(h.ErrorMessage),
		h.Browser, h.Environment, h.ExecutedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

// HistoryForTest returns the most recent history rows for one test
// name, newest first.
func (s *Store) HistoryForTest(testName string, limit int) ([]*types.RunHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT run_id, test_name, status, duration_ms, failure_type, error_message,
			browser, environment, executed_at
		FROM run_history WHERE test_name = ?
		ORDER BY executed_at DESC, id DESC LIMIT ?`, testName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// HistoryBetween returns every history row in [from, to).
func (s *Store) HistoryBetween(from, to time.Time) ([]*types.RunHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT run_id, test_name, status, duration_ms, failure_type, error_message,
			browser, environment, executed_at
		FROM run_history WHERE executed_at >= ? AND executed_at < ?
		ORDER BY executed_at`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query history window: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// HistoryTestNames returns the distinct test names with history in
// [from, to).
func (s *Store) HistoryTestNames(from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT DISTINCT test_name FROM run_history
		WHERE executed_at >= ? AND executed_at < ?`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query history names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func scanHistoryRows(rows *sql.Rows) ([]*types.RunHistory, error) {
	var out []*types.RunHistory
	for rows.Next() {
		var h types.RunHistory
		var failureType, errorMessage sql.NullString
		if err := rows.Scan(&h.RunID, &h.TestName, &h.Status, &h.DurationMs,
			&failureType, &errorMessage, &h.Browser, &h.Environment, &h.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.FailureType = failureType.String
		h.ErrorMessage = errorMessage.String
		h.ExecutedAt = h.ExecutedAt.UTC()
		out = append(out, &h)
	}
	return out, rows.Err()
}

// UpsertFailurePattern merges one failure observation into its
// signature cluster. New signatures start a cluster; repeats bump
// occurrences and last_seen.
func (s *Store) UpsertFailurePattern(testName, signature, category string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seenAt = seenAt.UTC()
	_, err := s.db.Exec(`
		INSERT INTO failure_patterns (test_name, error_signature, category, occurrences, first_seen, last_seen)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(test_name, error_signature) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen,
			category = excluded.category`,
		testName, signature, category, seenAt, seenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert failure pattern: %w", err)
	}
	return nil
}

// FailurePatterns returns unresolved patterns ordered by occurrences.
func (s *Store) FailurePatterns(testName string, limit int) ([]*types.FailurePattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT test_name, error_signature, category, occurrences, first_seen, last_seen, impact_score, resolved
		FROM failure_patterns WHERE resolved = 0`
	args := []any{}
	if testName != "" {
		query += ` AND test_name = ?`
		args = append(args, testName)
	}
	query += ` ORDER BY occurrences DESC, last_seen DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure patterns: %w", err)
	}
	defer rows.Close()

	var out []*types.FailurePattern
	for rows.Next() {
		var p types.FailurePattern
		var resolved int
		if err := rows.Scan(&p.TestName, &p.Signature, &p.Category, &p.Occurrences,
			&p.FirstSeen, &p.LastSeen, &p.ImpactScore, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan failure pattern: %w", err)
		}
		p.Resolved = resolved != 0
		p.FirstSeen = p.FirstSeen.UTC()
		p.LastSeen = p.LastSeen.UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ResolvePattern marks one signature cluster as triaged.
func (s *Store) ResolvePattern(testName, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE failure_patterns SET resolved = 1
		WHERE test_name = ? AND error_signature = ?`, testName, signature)
	if err != nil {
		return fmt.Errorf("failed to resolve pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSnapshot writes the aggregate row for one UTC day. Re-running a
// day replaces its row.
func (s *Store) SaveSnapshot(snap *types.QualitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO quality_snapshots (date, total_tests, active_tests, stable_tests,
			flaky_tests, failing_tests, avg_pass_rate, avg_flakiness, overall_health,
			total_executions, avg_execution_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_tests = excluded.total_tests,
			active_tests = excluded.active_tests,
			stable_tests = excluded.stable_tests,
			flaky_tests = excluded.flaky_tests,
			failing_tests = excluded.failing_tests,
			avg_pass_rate = excluded.avg_pass_rate,
			avg_flakiness = excluded.avg_flakiness,
			overall_health = excluded.overall_health,
			total_executions = excluded.total_executions,
			avg_execution_ms = excluded.avg_execution_ms`,
		snap.Date, snap.TotalTests, snap.ActiveTests, snap.StableTests,
		snap.FlakyTests, snap.FailingTests, snap.AvgPassRate, snap.AvgFlakinessScore,
		snap.OverallHealth, snap.TotalExecutions, snap.AvgExecutionMs)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads the aggregate row for one date (YYYY-MM-DD).
func (s *Store) GetSnapshot(date string) (*types.QualitySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap types.QualitySnapshot
	err := s.db.QueryRow(`
		SELECT date, total_tests, active_tests, stable_tests, flaky_tests, failing_tests,
			avg_pass_rate, avg_flakiness, overall_health, total_executions, avg_execution_ms
		FROM quality_snapshots WHERE date = ?`, date).Scan(
		&snap.Date, &snap.TotalTests, &snap.ActiveTests, &snap.StableTests,
		&snap.FlakyTests, &snap.FailingTests, &snap.AvgPassRate, &snap.AvgFlakinessScore,
		&snap.OverallHealth, &snap.TotalExecutions, &snap.AvgExecutionMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snap, nil
}
