// Package sqlite provides SQLite-based persistent storage for propserve.
// Uses WAL mode for concurrent reads and crash-safe writes.
//
// The task lifecycle itself lives on the filesystem; this database only
// holds the worker queue journal, run history and timing estimates.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// FileName is the database file created under the state directory.
const FileName = "state.db"

// pragmas are applied on every new connection. modernc.org/sqlite reads
// them from repeated _pragma DSN parameters.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// DB is the propserve state database.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens dir/state.db, creating dir and the schema as needed. Opening
// an existing database is a no-op migration.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection: writes are serialized and the pragmas hold for the
	// lifetime of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	d := &DB{db: db, path: path}
	if err := d.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return d, nil
}

// Path returns the database file.
func (d *DB) Path() string { return d.path }

// Close releases the connection.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks that the database answers queries.
func (d *DB) Ping() error {
	var one int
	return d.db.QueryRow(`SELECT 1`).Scan(&one)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Worker queue journal: one row per accepted, unfinished job
		`CREATE TABLE IF NOT EXISTS jobs (
			task_id     TEXT PRIMARY KEY,
			input_path  TEXT NOT NULL,
			options     TEXT NOT NULL DEFAULT '{}',
			enqueued_at INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_enqueued ON jobs(enqueued_at)`,

		// Finished runs, newest last
		`CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			runner      TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			exit_code   INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			input_bytes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at)`,

		// Running average of seconds per kB of input
		`CREATE TABLE IF NOT EXISTS run_timings (
			tracking_name TEXT PRIMARY KEY,
			time_per_kb   REAL NOT NULL,
			total_ops     INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS node_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// ─── Node Info ──────────────────────────────────────────────────────────────

// SetNodeInfo upserts key in the node_info table.
func (d *DB) SetNodeInfo(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetNodeInfo returns the value stored for key, or "" when it was never set.
func (d *DB) GetNodeInfo(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM node_info WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func fromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
