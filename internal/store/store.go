package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the sole source of truth for run, event, artifact, worker, and
// cron ordering. Every exported method is a single transaction; concurrent
// callers are serialized by SQLite's writer lock.
type Store struct {
	conn *sql.DB
}

// Open creates (or reuses) the database file at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("taskhub: create db directory: %w", err)
	}

	dsn := dbPath + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskhub: open database: %w", err)
	}
	// SQLite allows only one writer; a single connection avoids SQLITE_BUSY
	// storms under concurrent Workers and keeps the "hold the writer lock for
	// the full read-and-update" contract of ClaimNext trivial to implement.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("taskhub: migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id             TEXT PRIMARY KEY,
		task_id            TEXT NOT NULL,
		params             TEXT NOT NULL DEFAULT '{}',
		status             TEXT NOT NULL,
		created_at         TEXT NOT NULL,
		started_at         TEXT,
		finished_at        TEXT,
		exit_code          INTEGER,
		error              TEXT,
		lease_owner        TEXT,
		lease_expires_at   TEXT,
		pgid               INTEGER,
		cancel_requested   INTEGER NOT NULL DEFAULT 0,
		cron_id            TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status_task ON runs(status, task_id);
	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_lease_expires ON runs(lease_expires_at);

	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL,
		seq    INTEGER NOT NULL,
		ts     TEXT NOT NULL,
		type   TEXT NOT NULL,
		data   TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		file_id     TEXT NOT NULL,
		title       TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL DEFAULT 'binary',
		mime        TEXT NOT NULL DEFAULT 'application/octet-stream',
		path        TEXT NOT NULL,
		size_bytes  INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id);

	CREATE TABLE IF NOT EXISTS workers (
		worker_id      TEXT PRIMARY KEY,
		hostname       TEXT NOT NULL,
		pid            INTEGER NOT NULL,
		status         TEXT NOT NULL,
		run_id         TEXT,
		last_heartbeat TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cron_entries (
		cron_id         TEXT PRIMARY KEY,
		task_id         TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		params          TEXT NOT NULL DEFAULT '{}',
		name            TEXT NOT NULL DEFAULT '',
		is_enabled      INTEGER NOT NULL DEFAULT 1,
		next_run_at     TEXT NOT NULL,
		last_run_at     TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cron_next_run ON cron_entries(next_run_at) WHERE is_enabled = 1;
	`
	_, err := s.conn.Exec(schema)
	return err
}
