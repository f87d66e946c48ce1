// Package supervisor is the orchestrating intelligence: it reacts to
// tenant onboarding by synthesizing and persisting a workflow plan,
// delegates per-subject tasks to workers, and drives stage progression
// from task completions and metric updates.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/planner"
	"github.com/outflowhq/outflow/store"
)

var decisionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "outflow_supervisor_decisions_total",
	Help: "Decisions executed by the supervisor, by decision name.",
}, []string{"decision"})

// Store is the slice of the persistence layer the supervisor needs.
type Store interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	CreateWorkflow(ctx context.Context, w *store.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	CreateExecution(ctx context.Context, exec *store.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error)
	FlushExecution(ctx context.Context, exec *store.WorkflowExecution) error
	GetTask(ctx context.Context, id string) (*store.WorkerTask, error)
	CreateTasks(ctx context.Context, tasks []*store.WorkerTask) error
	StageTasksComplete(ctx context.Context, executionID, subjectID, taskType string) (bool, error)
	ListTasksForExecution(ctx context.Context, executionID string) ([]store.WorkerTask, error)
	LogMissingTool(ctx context.Context, toolName, workflowID, priority, notes string) error
}

// Planner is the slice of the planning layer the supervisor needs.
type Planner interface {
	Plan(ctx context.Context, req planner.PlanRequest) (*planner.Plan, error)
	Decide(ctx context.Context, req planner.DecisionRequest) ([]string, error)
}

// Publisher is the slice of the bus publisher the supervisor needs.
type Publisher interface {
	Publish(ctx context.Context, topic bus.Topic, partitionKey string, msg bus.Message) error
	PublishAsync(topic bus.Topic, partitionKey string, msg bus.Message) error
	Flush(ctx context.Context) error
}

// ToolCatalog exposes the tool registry's read surface.
type ToolCatalog interface {
	Available() []string
	Schemas(n int) string
}

// schemasInPrompt bounds how many tool schemas ride along in the
// planner prompt.
const schemasInPrompt = 5

// Supervisor reacts to bus events and drives workflow state.
type Supervisor struct {
	store     Store
	planner   Planner
	catalog   ToolCatalog
	publisher Publisher
	logger    *slog.Logger
}

// New creates a supervisor.
func New(st Store, pl Planner, catalog ToolCatalog, pub Publisher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:     st,
		planner:   pl,
		catalog:   catalog,
		publisher: pub,
		logger:    logger,
	}
}

// HandleDelivery routes a bus delivery to the matching reaction. It is
// the handler for the supervisor's consumer groups; unknown event
// types are ignored.
func (s *Supervisor) HandleDelivery(ctx context.Context, d *bus.Delivery) error {
	switch d.Envelope.EventType {
	case bus.EventTenantOnboarded:
		evt, err := bus.Decode[bus.TenantOnboarded](d.Data)
		if err != nil {
			return err
		}
		return s.handleTenantOnboarded(ctx, evt)
	case bus.EventWorkerTaskCompleted:
		evt, err := bus.Decode[bus.WorkerTaskCompleted](d.Data)
		if err != nil {
			return err
		}
		return s.handleTaskCompleted(ctx, evt)
	case bus.EventWorkflowMetricUpdate:
		evt, err := bus.Decode[bus.WorkflowMetricUpdate](d.Data)
		if err != nil {
			return err
		}
		return s.handleMetricUpdate(ctx, evt)
	default:
		s.logger.Debug("Ignoring event", "event_type", d.Envelope.EventType)
		return nil
	}
}

// publishStateChange announces an execution status transition on the
// workflow events topic. Failures are logged, not propagated: the
// database is the source of truth.
func (s *Supervisor) publishStateChange(ctx context.Context, exec *store.WorkflowExecution, from, to, reason string) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, bus.TopicWorkflowEvents, exec.ID, &bus.WorkflowStateChange{
		Envelope: bus.Envelope{
			EventType: bus.EventWorkflowStateChange,
			Priority:  bus.PriorityNormal,
		},
		WorkflowExecutionID: exec.ID,
		TenantID:            exec.TenantID,
		FromStatus:          from,
		ToStatus:            to,
		Reason:              reason,
	})
	if err != nil {
		s.logger.Error("Failed to publish state change",
			"execution_id", exec.ID, "to_status", to, "error", err)
	}
}

// snapshotMetrics copies the execution metrics for a decision log
// entry.
func snapshotMetrics(exec *store.WorkflowExecution) store.JSONMap {
	snapshot := make(store.JSONMap, len(exec.Metrics))
	for k, v := range exec.Metrics {
		snapshot[k] = v
	}
	return snapshot
}

// workflowOf resolves the workflow for an execution, failing fast
// when either side is missing.
func (s *Supervisor) workflowOf(ctx context.Context, exec *store.WorkflowExecution) (*store.Workflow, error) {
	workflow, err := s.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s for execution %s: %w", exec.WorkflowID, exec.ID, err)
	}
	return workflow, nil
}
