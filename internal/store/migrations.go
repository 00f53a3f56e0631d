package store

import (
	"database/sql"
	"fmt"

	"qanerd/internal/logging"
)

// migration adds one column to an existing table. CREATE TABLE IF NOT
// EXISTS handles fresh databases; these handle databases created
// before a column existed.
type migration struct {
	table  string
	column string
	def    string
}

var pendingMigrations = []migration{
	// Raw error line, added when pattern clustering moved to windowed
	// analysis instead of pattern-table lookups.
	{"run_history", "error_message", "TEXT"},
	// Catch-up accounting added after the first schedules release.
	{"schedules", "missed_fires", "INTEGER NOT NULL DEFAULT 0"},
	// Pattern triage flag.
	{"failure_patterns", "resolved", "INTEGER NOT NULL DEFAULT 0"},
	// Per-snapshot average run duration.
	{"quality_snapshots", "avg_execution_ms", "REAL NOT NULL DEFAULT 0"},
}

func (s *Store) runMigrations() error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(s.db, m.table) {
			continue
		}
		if columnExists(s.db, m.table, m.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := s.db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Warn("migration %s.%s failed: %v", m.table, m.column, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		logging.Store("applied %d schema migrations", applied)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table,
	).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
