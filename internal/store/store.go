// Package store is the single durable source of truth for installed Server
// Records and their environment variables. It uses the pure-Go
// modernc.org/sqlite driver (no cgo) in write-ahead-log mode, following the
// same open/migrate shape as the teacher's registry package.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced by Store operations. The gateway maps these to
// JSON-RPC error codes; callers elsewhere use errors.Is.
var (
	ErrNotFound           = errors.New("server record not found")
	ErrConstraintViolation = errors.New("constraint violation")
)

// DB is the Persistence Store.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and applies
// migrations. Durability is configured per spec: WAL journaling, full
// synchronisation, a 5s busy timeout, and foreign keys enforced.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Single-writer SQLite tolerates only a small pool; bound it and let
	// callers queue on the busy timeout rather than fail immediately.
	sqlDB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return d, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL DEFAULT '',
			description          TEXT NOT NULL DEFAULT '',
			runtime              TEXT NOT NULL,
			enabled              INTEGER NOT NULL DEFAULT 1,
			entry_point          TEXT NOT NULL DEFAULT '',
			command              TEXT NOT NULL DEFAULT '',
			args                 TEXT NOT NULL DEFAULT '[]',
			distribution_type    TEXT NOT NULL DEFAULT '',
			distribution_package TEXT NOT NULL DEFAULT '',
			created_at           TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at           TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS server_env (
			server_id   TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			env_key     TEXT NOT NULL,
			value       TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			required    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (server_id, env_key)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
