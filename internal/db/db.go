package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
	ErrInvalidValue = errors.New("invalid enum value")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Best effort: the file may not exist yet in WAL mode.
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS calendar_sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			ingestion_url TEXT NOT NULL DEFAULT '',
			calendar_identifier TEXT NOT NULL DEFAULT '',
			time_zone TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			auto_sync_enabled INTEGER NOT NULL DEFAULT 1,
			sync_frequency_minutes INTEGER,
			sync_window_start_hour INTEGER,
			sync_window_end_hour INTEGER,
			last_synced_at DATETIME,
			last_change_hash TEXT NOT NULL DEFAULT '',
			sync_token TEXT NOT NULL DEFAULT '',
			ics_etag TEXT NOT NULL DEFAULT '',
			ics_last_modified TEXT NOT NULL DEFAULT '',
			import_start_date DATETIME NOT NULL,
			credentials TEXT NOT NULL DEFAULT '',
			deleted_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_calendar_sources_deleted_at ON calendar_sources(deleted_at)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_calendar_sources_feed ON calendar_sources(ingestion_url, calendar_identifier) WHERE deleted_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS calendar_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calendar_source_id INTEGER NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			time_zone TEXT NOT NULL DEFAULT '',
			starts_at DATETIME NOT NULL,
			ends_at DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'confirmed',
			source_updated_at DATETIME,
			synced_at DATETIME,
			fingerprint TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			sync_exempt INTEGER NOT NULL DEFAULT 0,
			all_day INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(calendar_source_id, external_id),
			CHECK (ends_at >= starts_at),
			FOREIGN KEY (calendar_source_id) REFERENCES calendar_sources(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_calendar_events_source_starts ON calendar_events(calendar_source_id, starts_at)`,

		`CREATE TABLE IF NOT EXISTS sync_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calendar_source_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			total_events INTEGER NOT NULL DEFAULT 0,
			upserts INTEGER NOT NULL DEFAULT 0,
			deletes INTEGER NOT NULL DEFAULT 0,
			errors_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			finished_at DATETIME,
			message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (calendar_source_id) REFERENCES calendar_sources(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_attempts_source_status ON sync_attempts(calendar_source_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_attempts_created_at ON sync_attempts(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS sync_event_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sync_attempt_id INTEGER NOT NULL,
			external_id TEXT NOT NULL,
			action TEXT NOT NULL,
			success INTEGER NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			occurred_at DATETIME NOT NULL,
			FOREIGN KEY (sync_attempt_id) REFERENCES sync_attempts(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_event_results_attempt ON sync_event_results(sync_attempt_id)`,

		`CREATE TABLE IF NOT EXISTS filter_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calendar_source_id INTEGER,
			pattern TEXT NOT NULL,
			field_name TEXT NOT NULL DEFAULT 'title',
			match_type TEXT NOT NULL DEFAULT 'contains',
			case_sensitive INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			position INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (calendar_source_id) REFERENCES calendar_sources(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS event_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calendar_source_id INTEGER,
			pattern TEXT NOT NULL,
			replacement TEXT NOT NULL DEFAULT '',
			match_type TEXT NOT NULL DEFAULT 'contains',
			case_sensitive INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			position INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (calendar_source_id) REFERENCES calendar_sources(id) ON DELETE CASCADE
		)`,

		// Version counters per rule scope; scope 0 is the global scope.
		`CREATE TABLE IF NOT EXISTS rule_versions (
			kind TEXT NOT NULL,
			scope_id INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (kind, scope_id)
		)`,

		`CREATE TABLE IF NOT EXISTS encryption_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key_hex TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// isUniqueViolation checks for SQLite unique constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// withTx runs fn inside a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
