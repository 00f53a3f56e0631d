package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qanerd/internal/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// SaveTest inserts or updates a test definition. A new test without an
// id gets one assigned.
func (s *Store) SaveTest(t *types.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}

	script, err := json.Marshal(t.Script)
	if err != nil {
		return fmt.Errorf("failed to encode script: %w", err)
	}
	var notifications []byte
	if len(t.Notifications) > 0 {
		notifications, err = json.Marshal(t.Notifications)
		if err != nil {
			return fmt.Errorf("failed to encode notifications: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO tests (id, name, framework, script, active, priority, notifications, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			framework = excluded.framework,
			script = excluded.script,
			active = excluded.active,
			priority = excluded.priority,
			notifications = excluded.notifications,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Framework, string(script), boolInt(t.Active), t.Priority,
		nullableString(string(notifications)), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save test: %w", err)
	}
	return nil
}

// GetTest loads one test by id.
func (s *Store) GetTest(id string) (*types.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, name, framework, script, active, priority, notifications, created_at, updated_at
		FROM tests WHERE id = ?`, id)
	return scanTest(row)
}

// GetTestByName loads one test by its unique name.
func (s *Store) GetTestByName(name string) (*types.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, name, framework, script, active, priority, notifications, created_at, updated_at
		FROM tests WHERE name = ?`, name)
	return scanTest(row)
}

// ListTests returns tests, optionally filtered to active only.
func (s *Store) ListTests(activeOnly bool) ([]*types.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, name, framework, script, active, priority, notifications, created_at, updated_at
		FROM tests`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY priority DESC, name`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var out []*types.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTest removes a test definition. Runs and history survive.
func (s *Store) DeleteTest(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTest(row scanner) (*types.Test, error) {
	var t types.Test
	var script string
	var notifications sql.NullString
	var active int
	err := row.Scan(&t.ID, &t.Name, &t.Framework, &script, &active, &t.Priority,
		&notifications, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan test: %w", err)
	}
	t.Active = active != 0
	if err := json.Unmarshal([]byte(script), &t.Script); err != nil {
		return nil, fmt.Errorf("failed to decode script for test %s: %w", t.ID, err)
	}
	if notifications.Valid && notifications.String != "" {
		if err := json.Unmarshal([]byte(notifications.String), &t.Notifications); err != nil {
			return nil, fmt.Errorf("failed to decode notifications for test %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
