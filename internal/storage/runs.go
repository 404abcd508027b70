package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunStatus is the state of an ingest run
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted" // process exited mid-run
)

// Run is one ingest of a set of files
type Run struct {
	ID         string     `json:"id" db:"id"`
	Kind       string     `json:"kind" db:"kind"`
	Sources    []string   `json:"sources" db:"sources"` // JSON array
	Status     RunStatus  `json:"status" db:"status"`
	Accepted   int        `json:"accepted" db:"accepted"`
	Rejected   int        `json:"rejected" db:"rejected"`
	Error      string     `json:"error,omitempty" db:"error"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"` // NULL while running
}

const runColumns = `id, kind, sources, status, accepted, rejected, error, started_at, finished_at`

// CreateRun journals a run as running
func (d *DB) CreateRun(ctx context.Context, run *Run) error {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	if run.Status == "" {
		run.Status = RunRunning
	}

	_, err = d.db.ExecContext(ctx, `
	INSERT INTO ingest_runs (id, kind, sources, status, started_at)
	VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.Kind, string(sources), run.Status, run.StartedAt)
	return err
}

// FinishRun records the outcome of a run along with every rejected
// document id
func (d *DB) FinishRun(ctx context.Context, id string, status RunStatus, accepted int, rejected []string, runErr error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE ingest_runs
	SET status = ?, accepted = ?, rejected = ?, error = ?, finished_at = ?
	WHERE id = ?
	`, status, accepted, len(rejected), msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO ingest_rejections (run_id, doc_id) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare rejections: %w", err)
	}
	defer stmt.Close()
	for _, docID := range rejected {
		if _, err := stmt.ExecContext(ctx, id, docID); err != nil {
			return fmt.Errorf("insert rejection: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run by ID
func (d *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM ingest_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the most recent runs first
func (d *DB) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM ingest_runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Rejections lists up to limit rejected document ids of a run
func (d *DB) Rejections(ctx context.Context, runID string, limit int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT doc_id FROM ingest_rejections WHERE run_id = ? ORDER BY rowid LIMIT ?", runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkInterrupted closes out runs a previous process left running. Runs
// are not resumed.
func (d *DB) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		"UPDATE ingest_runs SET status = ?, finished_at = ? WHERE status = ?",
		RunInterrupted, time.Now().UTC(), RunRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	run := &Run{}
	var (
		sources  string
		finished sql.NullTime
	)
	err := s.Scan(&run.ID, &run.Kind, &sources, &run.Status, &run.Accepted, &run.Rejected,
		&run.Error, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &run.Sources); err != nil {
		return nil, fmt.Errorf("decode sources of run %s: %w", run.ID, err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}
