package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/planner"
	"github.com/outflowhq/outflow/store"
)

// handleTenantOnboarded plans and starts a workflow for a freshly
// onboarded cohort: synthesize a plan, persist workflow and execution,
// record missing tools, and delegate the first stage.
func (s *Supervisor) handleTenantOnboarded(ctx context.Context, evt *bus.TenantOnboarded) error {
	profile := s.tenantProfile(ctx, evt)
	available := s.catalog.Available()

	plan, err := s.planner.Plan(ctx, planner.PlanRequest{
		Profile:        profile,
		Purpose:        evt.Purpose,
		Goal:           evt.Goal,
		StartDate:      evt.StartDate,
		EndDate:        evt.EndDate,
		SubjectCount:   len(evt.Subjects),
		AvailableTools: available,
		ToolSchemas:    s.catalog.Schemas(schemasInPrompt),
	})
	if err != nil {
		return fmt.Errorf("plan workflow for tenant %s: %w", evt.TenantID, err)
	}
	if len(plan.Stages) == 0 {
		return fmt.Errorf("plan for tenant %s has no stages", evt.TenantID)
	}

	workflow := &store.Workflow{
		TenantID:         evt.TenantID,
		WorkerAgentIDs:   evt.WorkerAgentIDs,
		Purpose:          evt.Purpose,
		WorkflowType:     plan.WorkflowType,
		Goal:             evt.Goal,
		StartDate:        evt.StartDate,
		EndDate:          evt.EndDate,
		Stages:           plan.Stages,
		MetricThresholds: plan.MetricThresholds,
		AvailableTools:   available,
		MissingTools:     plan.MissingTools,
	}
	if err := s.store.CreateWorkflow(ctx, workflow); err != nil {
		return fmt.Errorf("persist workflow for tenant %s: %w", evt.TenantID, err)
	}

	exec := &store.WorkflowExecution{
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		TenantID:        evt.TenantID,
		SubjectIDs:      evt.Subjects,
		CurrentStage:    plan.Stages[0].Name,
		Status:          store.ExecutionRunning,
		Metrics:         store.JSONMap{},
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution for workflow %s: %w", workflow.ID, err)
	}

	for _, tool := range plan.MissingTools {
		if err := s.store.LogMissingTool(ctx, tool, workflow.ID, "high", "required by workflow plan"); err != nil {
			s.logger.Error("Failed to log missing tool", "tool", tool, "error", err)
		}
	}

	s.logger.Info("Workflow planned and started",
		"tenant_id", evt.TenantID,
		"workflow_id", workflow.ID,
		"execution_id", exec.ID,
		"stages", len(plan.Stages),
		"subjects", len(evt.Subjects),
		"fallback_plan", plan.Fallback)

	return s.delegateStage(ctx, workflow, exec, &plan.Stages[0])
}

// tenantProfile loads the tenant's stored profile, or synthesizes a
// minimal one from the event when the tenant is unknown.
func (s *Supervisor) tenantProfile(ctx context.Context, evt *bus.TenantOnboarded) map[string]any {
	tenant, err := s.store.GetTenant(ctx, evt.TenantID)
	if err == nil && len(tenant.Profile) > 0 {
		return tenant.Profile
	}
	if err != nil {
		s.logger.Warn("Tenant profile unavailable, synthesizing from event",
			"tenant_id", evt.TenantID, "error", err)
	}

	profile := map[string]any{
		"tenant_id": evt.TenantID,
		"purpose":   evt.Purpose,
		"goal":      evt.Goal,
	}
	for k, v := range evt.Config {
		profile[k] = v
	}
	return profile
}

// delegateStage fans one stage out to the worker pool: one pending
// task per subject, worker ids assigned round-robin, persisted in a
// single batch, then announced on the bus. A failed flush leaves a
// logged mismatch between rows and stream; it is not auto-reconciled.
func (s *Supervisor) delegateStage(ctx context.Context, workflow *store.Workflow, exec *store.WorkflowExecution, stage *store.Stage) error {
	taskType := stage.Name + "_task"
	var deadline *time.Time
	if !workflow.EndDate.IsZero() {
		d := workflow.EndDate
		deadline = &d
	}

	tasks := make([]*store.WorkerTask, 0, len(exec.SubjectIDs))
	for i, subjectID := range exec.SubjectIDs {
		var agentID string
		if len(workflow.WorkerAgentIDs) > 0 {
			agentID = workflow.WorkerAgentIDs[i%len(workflow.WorkerAgentIDs)]
		}
		tasks = append(tasks, &store.WorkerTask{
			ID:          uuid.New().String(),
			ExecutionID: exec.ID,
			AgentID:     agentID,
			SubjectID:   subjectID,
			TaskType:    taskType,
			Status:      store.TaskPending,
			TimeoutSecs: stageTimeoutSecs,
			Payload: store.JSONMap{
				"workflow_id":      workflow.ID,
				"stage_name":       stage.Name,
				"actions":          stage.Actions,
				"required_tools":   stage.RequiredTools,
				"fallback_actions": stage.FallbackActions,
				"tenant_id":        workflow.TenantID,
			},
		})
	}
	if len(tasks) == 0 {
		s.logger.Warn("Stage has no subjects to delegate",
			"workflow_id", workflow.ID, "stage", stage.Name)
		return nil
	}

	if err := s.store.CreateTasks(ctx, tasks); err != nil {
		return fmt.Errorf("persist tasks for stage %s: %w", stage.Name, err)
	}

	for _, task := range tasks {
		msg := &bus.WorkerTaskAssigned{
			Envelope: bus.Envelope{
				EventType: bus.EventWorkerTaskAssigned,
				Priority:  bus.PriorityHigh,
			},
			TaskID:              task.ID,
			WorkflowExecutionID: exec.ID,
			AgentID:             task.AgentID,
			SubjectID:           task.SubjectID,
			TaskType:            taskType,
			TaskPayload:         task.Payload,
			Deadline:            deadline,
		}
		if err := s.publisher.PublishAsync(bus.TopicSupervisorTasks, task.SubjectID, msg); err != nil {
			return fmt.Errorf("publish assignment for task %s: %w", task.ID, err)
		}
	}
	if err := s.publisher.Flush(ctx); err != nil {
		s.logger.Error("Task rows committed but publish flush failed",
			"workflow_id", workflow.ID,
			"stage", stage.Name,
			"tasks", len(tasks),
			"error", err)
		return nil
	}

	s.logger.Info("Stage delegated",
		"workflow_id", workflow.ID,
		"execution_id", exec.ID,
		"stage", stage.Name,
		"tasks", len(tasks))
	return nil
}

// stageTimeoutSecs is the per-task execution budget.
const stageTimeoutSecs = 300
