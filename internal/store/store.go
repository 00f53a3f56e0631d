// Package store is the SQLite persistence adapter. It owns the schema
// and all SQL; other packages pass and receive types values. A single
// connection with WAL keeps writers serialized without table locks.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"qanerd/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New opens (or creates) the database at path and prepares the schema.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("store ready at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tests (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			framework TEXT NOT NULL DEFAULT '',
			script TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			notifications TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_tests_active ON tests(active);`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			test_id TEXT NOT NULL REFERENCES tests(id),
			status TEXT NOT NULL CHECK (status IN
				('QUEUED','RUNNING','PASSED','FAILED','ERROR','CANCELLED')),
			browser TEXT NOT NULL,
			environment TEXT NOT NULL DEFAULT '',
			started_at DATETIME,
			ended_at DATETIME,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			failure_category TEXT,
			error_summary TEXT,
			artifact_refs TEXT,
			log_ref TEXT,
			triggered_by TEXT NOT NULL DEFAULT 'API',
			schedule_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_test ON runs(test_id);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,

		`CREATE TABLE IF NOT EXISTS run_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			test_name TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			failure_type TEXT,
			error_message TEXT,
			browser TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '',
			executed_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_test_name ON run_history(test_name);
		CREATE INDEX IF NOT EXISTS idx_history_executed ON run_history(executed_at);`,

		`CREATE TABLE IF NOT EXISTS failure_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			test_name TEXT NOT NULL,
			error_signature TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'UNKNOWN',
			occurrences INTEGER NOT NULL DEFAULT 1,
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			impact_score REAL NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			UNIQUE(test_name, error_signature)
		);`,

		`CREATE TABLE IF NOT EXISTS quality_snapshots (
			date TEXT PRIMARY KEY,
			total_tests INTEGER NOT NULL DEFAULT 0,
			active_tests INTEGER NOT NULL DEFAULT 0,
			stable_tests INTEGER NOT NULL DEFAULT 0,
			flaky_tests INTEGER NOT NULL DEFAULT 0,
			failing_tests INTEGER NOT NULL DEFAULT 0,
			avg_pass_rate REAL NOT NULL DEFAULT 0,
			avg_flakiness REAL NOT NULL DEFAULT 0,
			overall_health REAL NOT NULL DEFAULT 0,
			total_executions INTEGER NOT NULL DEFAULT 0,
			avg_execution_ms REAL NOT NULL DEFAULT 0
		);`,

		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			test_id TEXT NOT NULL REFERENCES tests(id),
			cron_expr TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			enabled INTEGER NOT NULL DEFAULT 1,
			running INTEGER NOT NULL DEFAULT 0,
			last_run_at DATETIME,
			next_run_at DATETIME,
			last_run_status TEXT,
			total_runs INTEGER NOT NULL DEFAULT 0,
			success_runs INTEGER NOT NULL DEFAULT 0,
			failure_runs INTEGER NOT NULL DEFAULT 0,
			missed_fires INTEGER NOT NULL DEFAULT 0
		);`,

		`CREATE TABLE IF NOT EXISTS schedule_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			fired_at DATETIME NOT NULL,
			catch_up INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_schedule_history ON schedule_history(schedule_id);`,

		`CREATE TABLE IF NOT EXISTS agent_executions (
			id TEXT PRIMARY KEY,
			agent_kind TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN
				('RUNNING','WAITING','SUCCEEDED','FAILED','STOPPED','TIMEOUT','BUDGET_EXCEEDED')),
			goal TEXT NOT NULL DEFAULT '',
			current_iter INTEGER NOT NULL DEFAULT 0,
			max_iter INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			total_cost REAL NOT NULL DEFAULT 0
		);`,

		`CREATE TABLE IF NOT EXISTS agent_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL REFERENCES agent_executions(id),
			iteration INTEGER NOT NULL,
			kind TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			cost REAL NOT NULL DEFAULT 0,
			ts DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agent_actions_exec ON agent_actions(execution_id);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
