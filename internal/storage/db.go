// Package storage keeps the dataset registry and the ingest run journal in
// SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("not found")

// DB wraps SQLite database operations
type DB struct {
	db *sql.DB
}

// Open opens or creates a SQLite database
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	storage := &DB{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return storage, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// initSchema creates tables if they don't exist
func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS datasets (
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		registered_at TIMESTAMP NOT NULL,
		PRIMARY KEY (kind, path)
	);

	CREATE TABLE IF NOT EXISTS ingest_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		sources TEXT NOT NULL,
		status TEXT NOT NULL,
		accepted INTEGER NOT NULL DEFAULT 0,
		rejected INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS ingest_rejections (
		run_id TEXT NOT NULL REFERENCES ingest_runs(id) ON DELETE CASCADE,
		doc_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON ingest_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON ingest_runs(status);
	CREATE INDEX IF NOT EXISTS idx_rejections_run ON ingest_rejections(run_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

// RegisterDataset records source files of a kind. Registering a path
// again refreshes its timestamp.
func (d *DB) RegisterDataset(ctx context.Context, kind string, paths []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, p := range paths {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO datasets (kind, path, registered_at) VALUES (?, ?, ?)
		ON CONFLICT(kind, path) DO UPDATE SET registered_at = excluded.registered_at
		`, kind, p, now)
		if err != nil {
			return fmt.Errorf("register %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// Datasets lists the registered files of a kind, oldest first. Later files
// override earlier ones when mappings are rebuilt.
func (d *DB) Datasets(ctx context.Context, kind string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT path FROM datasets WHERE kind = ? ORDER BY registered_at, rowid", kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ClearDatasets forgets every registered file of a kind.
func (d *DB) ClearDatasets(ctx context.Context, kind string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM datasets WHERE kind = ?", kind)
	return err
}
