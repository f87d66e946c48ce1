package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// CreateWorkflow persists a new workflow at version 1 and appends the
// initial version record in one transaction.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	w.Version = 1
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.WorkflowType == "" {
		w.WorkflowType = WorkflowSequential
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create workflow: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO workflows (id, tenant_id, worker_agent_ids, purpose, workflow_type, goal,
			start_date, end_date, version, stages, metric_thresholds, available_tools,
			missing_tools, created_at, updated_at)
		VALUES (:id, :tenant_id, :worker_agent_ids, :purpose, :workflow_type, :goal,
			:start_date, :end_date, :version, :stages, :metric_thresholds, :available_tools,
			:missing_tools, :created_at, :updated_at)`, w)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	initial := &WorkflowVersion{
		ID:              uuid.New().String(),
		WorkflowID:      w.ID,
		Version:         1,
		PreviousVersion: 0,
		Changes:         JSONMap{"created": true},
		Diff:            JSONMap{},
		Reason:          "initial creation",
		Author:          "supervisor",
		CreatedAt:       now,
	}
	if err := insertVersion(ctx, tx, initial); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create workflow: %w", err)
	}

	s.logger.Info("Workflow created", "workflow_id", w.ID, "tenant_id", w.TenantID, "stages", len(w.Stages))
	return nil
}

// GetWorkflow loads the current-version row.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	err := s.db.GetContext(ctx, &w, `SELECT * FROM workflows WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err, "workflow %s", id)
	}
	return &w, nil
}

// Updatable workflow columns. Anything else in an update map is
// rejected.
var workflowColumns = map[string]bool{
	"purpose":           true,
	"workflow_type":     true,
	"goal":              true,
	"start_date":        true,
	"end_date":          true,
	"worker_agent_ids":  true,
	"stages":            true,
	"metric_thresholds": true,
	"available_tools":   true,
	"missing_tools":     true,
}

// UpdateWorkflow applies a column-keyed change set, bumps the version,
// and appends a version record holding the per-key diff. The changes
// map records the full new value per key so a later rollback restores a
// point-in-time state rather than replaying a delta.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, changes map[string]any, reason, author string) (*Workflow, error) {
	for col := range changes {
		if !workflowColumns[col] {
			return nil, fmt.Errorf("update workflow: column %q is not updatable", col)
		}
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("update workflow: empty change set")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update workflow: %w", err)
	}
	defer tx.Rollback()

	var current Workflow
	if err := tx.GetContext(ctx, &current, `SELECT * FROM workflows WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, wrapNotFound(err, "workflow %s", id)
	}

	diff := make(JSONMap, len(changes))
	snapshot := make(JSONMap, len(changes))
	for col, newVal := range changes {
		oldVal := workflowFieldValue(&current, col)
		if reflect.DeepEqual(normalizeJSON(oldVal), normalizeJSON(newVal)) {
			continue
		}
		diff[col] = map[string]any{"old": oldVal, "new": newVal}
		snapshot[col] = newVal
	}
	if len(snapshot) == 0 {
		// No effective change; version stays put.
		return &current, tx.Commit()
	}

	newVersion := current.Version + 1
	now := time.Now().UTC()

	setClause := ""
	args := map[string]any{"id": id, "version": newVersion, "updated_at": now}
	for col, v := range snapshot {
		setClause += col + " = :" + col + ", "
		args[col] = jsonColumnArg(col, v)
	}

	query := fmt.Sprintf(`UPDATE workflows SET %sversion = :version, updated_at = :updated_at WHERE id = :id`, setClause)
	if _, err := tx.NamedExecContext(ctx, query, args); err != nil {
		return nil, fmt.Errorf("update workflow %s: %w", id, err)
	}

	record := &WorkflowVersion{
		ID:              uuid.New().String(),
		WorkflowID:      id,
		Version:         newVersion,
		PreviousVersion: current.Version,
		Changes:         snapshot,
		Diff:            diff,
		Reason:          reason,
		Author:          author,
		CreatedAt:       now,
	}
	if err := insertVersion(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update workflow: %w", err)
	}

	s.logger.Info("Workflow updated",
		"workflow_id", id,
		"version", newVersion,
		"changed_columns", len(snapshot),
		"reason", reason)
	return s.GetWorkflow(ctx, id)
}

// RollbackWorkflow restores the state captured at version v by applying
// its recorded changes as a fresh update, so history stays append-only.
func (s *Store) RollbackWorkflow(ctx context.Context, id string, v int, author string) (*Workflow, error) {
	var record WorkflowVersion
	err := s.db.GetContext(ctx, &record,
		`SELECT * FROM workflow_versions WHERE workflow_id = $1 AND version = $2`, id, v)
	if err != nil {
		return nil, wrapNotFound(err, "workflow %s version %d", id, v)
	}

	changes := make(map[string]any, len(record.Changes))
	for col, val := range record.Changes {
		if workflowColumns[col] {
			changes[col] = val
		}
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("rollback workflow %s: version %d has no restorable changes", id, v)
	}

	return s.UpdateWorkflow(ctx, id, changes,
		fmt.Sprintf("rollback to version %d", v), author)
}

// ListWorkflowVersions returns the version history, oldest first.
func (s *Store) ListWorkflowVersions(ctx context.Context, workflowID string) ([]WorkflowVersion, error) {
	var versions []WorkflowVersion
	err := s.db.SelectContext(ctx, &versions,
		`SELECT * FROM workflow_versions WHERE workflow_id = $1 ORDER BY version`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list versions for %s: %w", workflowID, err)
	}
	return versions, nil
}

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

func insertVersion(ctx context.Context, tx namedExecer, v *WorkflowVersion) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO workflow_versions (id, workflow_id, version, previous_version, changes,
			diff, reason, author, created_at)
		VALUES (:id, :workflow_id, :version, :previous_version, :changes,
			:diff, :reason, :author, :created_at)`, v)
	if err != nil {
		return fmt.Errorf("insert version record: %w", err)
	}
	return nil
}

// workflowFieldValue reads the current value of an updatable column.
func workflowFieldValue(w *Workflow, col string) any {
	switch col {
	case "purpose":
		return w.Purpose
	case "workflow_type":
		return w.WorkflowType
	case "goal":
		return w.Goal
	case "start_date":
		return w.StartDate
	case "end_date":
		return w.EndDate
	case "worker_agent_ids":
		return w.WorkerAgentIDs
	case "stages":
		return w.Stages
	case "metric_thresholds":
		return w.MetricThresholds
	case "available_tools":
		return w.AvailableTools
	case "missing_tools":
		return w.MissingTools
	}
	return nil
}

// normalizeJSON round-trips a value through JSON so typed and untyped
// forms of the same data compare equal.
func normalizeJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// jsonColumnArg wraps values destined for jsonb columns so the driver
// receives marshaled bytes. Scalar columns pass through.
func jsonColumnArg(col string, v any) any {
	switch col {
	case "worker_agent_ids", "stages", "metric_thresholds", "available_tools", "missing_tools":
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return data
	}
	return v
}

func wrapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
