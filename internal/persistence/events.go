package persistence

import (
	"context"
	"fmt"
	"time"
)

// AppendEvent adds an event to a run's log. Seq is assigned by the store.
func (s *SQLiteStore) AppendEvent(ctx context.Context, rec EventRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Payload == "" {
		rec.Payload = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (run_id, task_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.RunID, rec.TaskID, rec.Type, rec.Payload, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", rec.Type, err)
	}
	return nil
}

// ListEvents returns a run's events in the order they were appended.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, run_id, COALESCE(task_id, ''), event_type, payload, created_at
		FROM task_events
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.Seq, &rec.RunID, &rec.TaskID, &rec.Type, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}
