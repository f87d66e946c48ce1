package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTasks inserts a batch of worker tasks in one transaction. All
// rows commit or none do; delegation relies on that to keep the task
// table consistent with what was announced on the bus.
func (s *Store) CreateTasks(ctx context.Context, tasks []*WorkerTask) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tasks: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Status == "" {
			t.Status = TaskPending
		}
		if t.MaxRetries == 0 {
			t.MaxRetries = 3
		}
		if t.TimeoutSecs == 0 {
			t.TimeoutSecs = 300
		}
		t.CreatedAt = now

		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO worker_tasks (id, execution_id, agent_id, subject_id, task_type,
				payload, status, result, error, retry_count, max_retries, timeout_secs, created_at)
			VALUES (:id, :execution_id, :agent_id, :subject_id, :task_type,
				:payload, :status, :result, :error, :retry_count, :max_retries, :timeout_secs, :created_at)`, t)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tasks: %w", err)
	}
	s.logger.Info("Tasks created", "count", len(tasks), "execution_id", tasks[0].ExecutionID)
	return nil
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id string) (*WorkerTask, error) {
	var t WorkerTask
	if err := s.db.GetContext(ctx, &t, `SELECT * FROM worker_tasks WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err, "task %s", id)
	}
	return &t, nil
}

// StartTask transitions a pending or assigned task to in-progress. The
// guard makes redelivery a no-op: a task already in progress or beyond
// reports started=false with no row change.
func (s *Store) StartTask(ctx context.Context, id string) (started bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_tasks SET status = $1, started_at = $2
		WHERE id = $3 AND status IN ($4, $5)`,
		TaskInProgress, time.Now().UTC(), id, TaskPending, TaskAssigned)
	if err != nil {
		return false, fmt.Errorf("start task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start task %s: %w", id, err)
	}
	return n == 1, nil
}

// CompleteTask marks a task completed with its result.
func (s *Store) CompleteTask(ctx context.Context, id string, result JSONMap) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_tasks SET status = $1, result = $2, completed_at = $3
		WHERE id = $4 AND status = $5`,
		TaskCompleted, result, time.Now().UTC(), id, TaskInProgress)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete task %s: not in progress", id)
	}
	return nil
}

// FailTask records a failure. When retries remain the task resets to
// pending with a bumped retry count and cleared started-at; otherwise
// it lands in terminal failed.
func (s *Store) FailTask(ctx context.Context, id, errText string) (terminal bool, err error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return false, err
	}

	if t.RetryCount < t.MaxRetries {
		_, err = s.db.ExecContext(ctx, `
			UPDATE worker_tasks SET status = $1, error = $2, retry_count = retry_count + 1,
				started_at = NULL
			WHERE id = $3`,
			TaskPending, errText, id)
		if err != nil {
			return false, fmt.Errorf("retry task %s: %w", id, err)
		}
		s.logger.Warn("Task failed, retrying",
			"task_id", id, "retry", t.RetryCount+1, "max_retries", t.MaxRetries, "error", errText)
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE worker_tasks SET status = $1, error = $2, completed_at = $3
		WHERE id = $4`,
		TaskFailed, errText, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", id, err)
	}
	s.logger.Error("Task failed terminally", "task_id", id, "error", errText)
	return true, nil
}

// StageTasksComplete reports whether every task for a subject within the
// given stage's task type is completed. Drives stage progression.
func (s *Store) StageTasksComplete(ctx context.Context, executionID, subjectID, taskType string) (bool, error) {
	var remaining int
	err := s.db.GetContext(ctx, &remaining, `
		SELECT COUNT(*) FROM worker_tasks
		WHERE execution_id = $1 AND subject_id = $2 AND task_type = $3 AND status <> $4`,
		executionID, subjectID, taskType, TaskCompleted)
	if err != nil {
		return false, fmt.Errorf("check stage completion: %w", err)
	}
	return remaining == 0, nil
}

// ListTasksForExecution returns all tasks of an execution.
func (s *Store) ListTasksForExecution(ctx context.Context, executionID string) ([]WorkerTask, error) {
	var tasks []WorkerTask
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM worker_tasks WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", executionID, err)
	}
	return tasks, nil
}
