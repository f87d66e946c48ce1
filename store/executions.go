package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateExecution persists a new execution pinned to a workflow version.
func (s *Store) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = ExecutionRunning
	}
	if exec.Metrics == nil {
		exec.Metrics = JSONMap{}
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, workflow_version, tenant_id,
			subject_ids, current_stage, status, metrics, decisions, tool_usage,
			missing_tool_attempts, created_at, updated_at)
		VALUES (:id, :workflow_id, :workflow_version, :tenant_id,
			:subject_ids, :current_stage, :status, :metrics, :decisions, :tool_usage,
			:missing_tool_attempts, :created_at, :updated_at)`, exec)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	s.logger.Info("Execution created",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
		"version", exec.WorkflowVersion,
		"subjects", len(exec.SubjectIDs))
	return nil
}

// GetExecution loads an execution, serving from the cache when present.
func (s *Store) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	if s.cache != nil {
		if exec, _ := s.cache.GetExecution(ctx, id); exec != nil {
			return exec, nil
		}
	}

	var exec WorkflowExecution
	if err := s.db.GetContext(ctx, &exec, `SELECT * FROM workflow_executions WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err, "execution %s", id)
	}

	if s.cache != nil {
		s.cache.SetExecution(ctx, &exec)
	}
	return &exec, nil
}

// FlushExecution persists the columns flagged with MarkModified and
// invalidates the cache. A flush with no flagged columns is a no-op.
func (s *Store) FlushExecution(ctx context.Context, exec *WorkflowExecution) error {
	cols := exec.ModifiedColumns()
	if len(cols) == 0 {
		return nil
	}

	sets := make([]string, 0, len(cols)+1)
	args := map[string]any{"id": exec.ID, "updated_at": time.Now().UTC()}
	for _, col := range cols {
		sets = append(sets, col+" = :"+col)
		args[col] = executionColumnValue(exec, col)
	}
	sets = append(sets, "updated_at = :updated_at")

	query := "UPDATE workflow_executions SET " + strings.Join(sets, ", ") + " WHERE id = :id"
	if _, err := s.db.NamedExecContext(ctx, query, args); err != nil {
		return fmt.Errorf("flush execution %s: %w", exec.ID, err)
	}

	exec.ClearModified()
	if s.cache != nil {
		s.cache.InvalidateExecution(ctx, exec.ID)
	}
	return nil
}

func executionColumnValue(exec *WorkflowExecution, col string) any {
	switch col {
	case ColCurrentStage:
		return exec.CurrentStage
	case ColStatus:
		return exec.Status
	case ColMetrics:
		return exec.Metrics
	case ColDecisions:
		return exec.Decisions
	case ColToolUsage:
		return exec.ToolUsage
	case ColMissingToolAttempts:
		return exec.MissingToolAttempts
	}
	return nil
}

// PauseExecution flips a running execution to paused and logs the
// decision.
func (s *Store) PauseExecution(ctx context.Context, id, reason string) error {
	return s.transitionExecution(ctx, id, ExecutionRunning, ExecutionPaused, "pause_workflow", reason)
}

// ResumeExecution flips a paused execution back to running and logs the
// decision.
func (s *Store) ResumeExecution(ctx context.Context, id, reason string) error {
	return s.transitionExecution(ctx, id, ExecutionPaused, ExecutionRunning, "resume_workflow", reason)
}

func (s *Store) transitionExecution(ctx context.Context, id, fromStatus, toStatus, decision, reason string) error {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != fromStatus {
		return fmt.Errorf("execution %s is %s, expected %s", id, exec.Status, fromStatus)
	}

	exec.Status = toStatus
	exec.MarkModified(ColStatus)
	exec.AppendDecision(Decision{
		Decision:  decision,
		Reasoning: reason,
		Stage:     exec.CurrentStage,
	})

	if err := s.FlushExecution(ctx, exec); err != nil {
		return err
	}
	s.logger.Info("Execution status changed",
		"execution_id", id,
		"from", fromStatus,
		"to", toStatus,
		"reason", reason)
	return nil
}

// ListRunningExecutions returns running executions for a tenant.
func (s *Store) ListRunningExecutions(ctx context.Context, tenantID string) ([]WorkflowExecution, error) {
	var execs []WorkflowExecution
	err := s.db.SelectContext(ctx, &execs,
		`SELECT * FROM workflow_executions WHERE tenant_id = $1 AND status = $2 ORDER BY created_at`,
		tenantID, ExecutionRunning)
	if err != nil {
		return nil, fmt.Errorf("list running executions for %s: %w", tenantID, err)
	}
	return execs, nil
}
