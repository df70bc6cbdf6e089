package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRun inserts or updates a run summary.
func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has empty ID")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, request, status, error, consumed, overrun, pivots, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request = CASE WHEN excluded.request = '' THEN runs.request ELSE excluded.request END,
			status = excluded.status,
			error = excluded.error,
			consumed = excluded.consumed,
			overrun = excluded.overrun,
			pivots = excluded.pivots,
			finished_at = excluded.finished_at
	`, run.ID, run.Request, run.Status, run.Error, run.Consumed, run.Overrun, run.Pivots, run.StartedAt.UTC(), finished)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request, status, error, consumed, overrun, pivots, started_at, finished_at
		FROM runs
		WHERE id = ?
	`, runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. A non-positive limit returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request, status, error, consumed, overrun, pivots, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var errorStr sql.NullString
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Request, &run.Status, &errorStr, &run.Consumed, &run.Overrun,
		&run.Pivots, &run.StartedAt, &finished)
	if err != nil {
		return Run{}, err
	}
	run.Error = errorStr.String
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return run, nil
}
