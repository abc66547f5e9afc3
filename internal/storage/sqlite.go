package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the run store and cache tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := EnsureLocalFilesystem(path, "SQLite"); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_run (
  id              TEXT PRIMARY KEY,
  workflow        TEXT NOT NULL,
  event_kind      TEXT NOT NULL,
  event_action    TEXT,
  branch          TEXT NOT NULL,
  head_sha        TEXT,
  status          TEXT NOT NULL,
  reason          TEXT,
  fingerprint     TEXT,
  config_checksum TEXT,
  event           JSON,
  created_at      TEXT NOT NULL,
  completed_at    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_run (
  run_id       TEXT NOT NULL REFERENCES pipeline_run(id) ON DELETE CASCADE,
  job          TEXT NOT NULL,
  seq          INTEGER NOT NULL,
  status       TEXT NOT NULL,
  reason       TEXT,
  exit_code    INTEGER,
  failed_step  INTEGER,
  started_at   TEXT,
  completed_at TEXT,
  output       TEXT,
  events       JSON,
  PRIMARY KEY (run_id, job)
);`,
		`CREATE TABLE IF NOT EXISTS cache_entry (
  key       TEXT PRIMARY KEY,
  data      BLOB NOT NULL,
  size      INTEGER NOT NULL,
  stored_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS pipeline_run_created_at_idx ON pipeline_run(created_at);`,
		`CREATE INDEX IF NOT EXISTS pipeline_run_workflow_branch_idx ON pipeline_run(workflow, branch);`,
		`CREATE INDEX IF NOT EXISTS cache_entry_stored_at_idx ON cache_entry(stored_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
