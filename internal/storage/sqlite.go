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
// ensures the options and script catalog tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps modernc from returning SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
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
		`CREATE TABLE IF NOT EXISTS options (
  key        TEXT PRIMARY KEY,
  value      JSON NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS scripts (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  uri           TEXT NOT NULL UNIQUE,
  position      INTEGER NOT NULL,
  enabled       INTEGER NOT NULL DEFAULT 1,
  update_flag   INTEGER NOT NULL DEFAULT 1,
  meta          JSON NOT NULL,
  custom        JSON NOT NULL DEFAULT '{}',
  code          TEXT NOT NULL,
  code_digest   TEXT NOT NULL,
  last_modified INTEGER NOT NULL,
  last_updated  INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS script_values (
  uri        TEXT PRIMARY KEY,
  vals       JSON NOT NULL DEFAULT '{}',
  updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS requires (
  url        TEXT PRIMARY KEY,
  code       TEXT NOT NULL,
  fetched_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS scripts_position_idx ON scripts(position);`,
		`CREATE INDEX IF NOT EXISTS scripts_update_flag_idx ON scripts(update_flag);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
