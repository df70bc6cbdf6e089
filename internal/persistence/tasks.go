package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/swarm/internal/scheduler"
)

// SaveSnapshot replaces the stored tasks of a run with tasks, including their
// dependencies and review history. The run must already exist.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, runID string, tasks []*scheduler.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}

	// Cascades to dependencies and reviews
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear previous snapshot: %w", err)
	}

	for _, task := range tasks {
		errorStr := ""
		if task.Error != nil {
			errorStr = task.Error.Error()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (run_id, id, name, description, role, criteria, resources, status, tier,
				retry_count, max_retries, result, cost, error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`, runID, task.ID, task.Name, task.Description, task.Role, task.Criteria,
			strings.Join(task.Resources, ","), string(task.Status), string(task.AssignedTier),
			task.RetryCount, task.MaxRetries, task.Result, task.CostAccrued, errorStr)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (run_id, task_id, depends_on_id)
				VALUES (?, ?, ?)
			`, runID, task.ID, depID)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}
		for _, review := range task.Reviews {
			issues, err := json.Marshal(review.Issues)
			if err != nil {
				return fmt.Errorf("failed to encode review issues: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO reviews (run_id, task_id, iteration, score, approved, issues)
				VALUES (?, ?, ?, ?, ?, ?)
			`, runID, task.ID, review.Iteration, review.Score, review.Approved, string(issues))
			if err != nil {
				return fmt.Errorf("failed to insert review for %s: %w", task.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTasks returns the stored snapshot of a run sorted by task ID.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, role, criteria, resources, status, tier,
			retry_count, max_retries, result, cost, error
		FROM tasks
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	byID := make(map[string]*scheduler.Task)
	for rows.Next() {
		task := &scheduler.Task{}
		var criteria, resources, tier, result, errorStr sql.NullString
		var status string
		err := rows.Scan(&task.ID, &task.Name, &task.Description, &task.Role, &criteria, &resources,
			&status, &tier, &task.RetryCount, &task.MaxRetries, &result, &task.CostAccrued, &errorStr)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Status = scheduler.TaskStatus(status)
		task.AssignedTier = scheduler.Tier(tier.String)
		task.Criteria = criteria.String
		task.Result = result.String
		if resources.String != "" {
			task.Resources = strings.Split(resources.String, ",")
		}
		if errorStr.String != "" {
			task.Error = fmt.Errorf("%s", errorStr.String)
		}
		task.DependsOn = []string{}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	if err := s.loadDependencies(ctx, runID, byID); err != nil {
		return nil, err
	}
	if err := s.loadReviews(ctx, runID, byID); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, runID string, byID map[string]*scheduler.Task) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		WHERE run_id = ?
		ORDER BY task_id, depends_on_id
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.DependsOn = append(task.DependsOn, depID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadReviews(ctx context.Context, runID string, byID map[string]*scheduler.Task) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, iteration, score, approved, issues
		FROM reviews
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to query reviews: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID string
		var issues sql.NullString
		var rec scheduler.ReviewRecord
		if err := rows.Scan(&taskID, &rec.Iteration, &rec.Score, &rec.Approved, &issues); err != nil {
			return fmt.Errorf("failed to scan review: %w", err)
		}
		if issues.String != "" && issues.String != "null" {
			if err := json.Unmarshal([]byte(issues.String), &rec.Issues); err != nil {
				return fmt.Errorf("failed to decode review issues: %w", err)
			}
		}
		if task, ok := byID[taskID]; ok {
			task.Reviews = append(task.Reviews, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating reviews: %w", err)
	}
	return nil
}
