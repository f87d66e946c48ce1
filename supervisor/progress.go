package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/planner"
	"github.com/outflowhq/outflow/store"
)

// handleTaskCompleted is the supervisor's reaction to one worker
// result: merge metrics, log tool usage, evaluate stage completion,
// and execute the analyzer's decisions.
func (s *Supervisor) handleTaskCompleted(ctx context.Context, evt *bus.WorkerTaskCompleted) error {
	task, err := s.store.GetTask(ctx, evt.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", evt.TaskID, err)
	}
	exec, err := s.store.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", task.ExecutionID, err)
	}
	workflow, err := s.workflowOf(ctx, exec)
	if err != nil {
		return err
	}

	exec.MergeMetrics(metricsDelta(task.TaskType, evt))

	exec.AppendToolUsage(store.ToolUsage{
		Timestamp: time.Now().UTC(),
		ToolName:  task.TaskType,
		TaskType:  task.TaskType,
		SubjectID: evt.SubjectID,
		Success:   evt.Success,
		ElapsedMS: evt.ExecutionTimeMS,
	})
	for _, tool := range evt.MissingTools {
		exec.MissingToolAttempts = append(exec.MissingToolAttempts, tool)
		exec.MarkModified(store.ColMissingToolAttempts)
		if err := s.store.LogMissingTool(ctx, tool, exec.WorkflowID, "medium", "reported by worker "+evt.AgentID); err != nil {
			s.logger.Error("Failed to log missing tool", "tool", tool, "error", err)
		}
	}

	subjectDone, err := s.store.StageTasksComplete(ctx, exec.ID, evt.SubjectID, task.TaskType)
	if err != nil {
		return err
	}

	decisions, err := s.planner.Decide(ctx, planner.DecisionRequest{
		Goal:            workflow.Goal,
		Purpose:         workflow.Purpose,
		CurrentStage:    exec.CurrentStage,
		StageComplete:   subjectDone,
		Metrics:         exec.Metrics,
		Thresholds:      workflow.MetricThresholds,
		AvailableStages: stageNames(workflow.Stages),
	})
	if err != nil {
		return fmt.Errorf("decision analysis for execution %s: %w", exec.ID, err)
	}

	if err := s.executeDecisions(ctx, workflow, exec, decisions,
		fmt.Sprintf("task %s completed by %s (success=%t)", evt.TaskID, evt.AgentID, evt.Success)); err != nil {
		return err
	}
	return s.store.FlushExecution(ctx, exec)
}

// handleMetricUpdate merges an external metric delta and reacts to any
// thresholds the new values cross.
func (s *Supervisor) handleMetricUpdate(ctx context.Context, evt *bus.WorkflowMetricUpdate) error {
	exec, err := s.store.GetExecution(ctx, evt.WorkflowExecutionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", evt.WorkflowExecutionID, err)
	}
	workflow, err := s.workflowOf(ctx, exec)
	if err != nil {
		return err
	}

	exec.MergeMetrics(evt.Metrics)

	var fired []string
	for _, threshold := range workflow.MetricThresholds {
		value, ok := exec.Metrics[threshold.Metric].(float64)
		if !ok {
			continue
		}
		if !thresholdCrossed(value, threshold) {
			continue
		}
		decision := normalizeDecision(threshold.Action)
		if decision == "" {
			continue
		}
		s.logger.Info("Metric threshold crossed",
			"execution_id", exec.ID,
			"metric", threshold.Metric,
			"value", value,
			"action", decision)
		fired = append(fired, decision)
	}

	if len(fired) > 0 {
		if err := s.executeDecisions(ctx, workflow, exec, fired,
			"metric threshold crossed"); err != nil {
			return err
		}
	}
	return s.store.FlushExecution(ctx, exec)
}

// executeDecisions applies analyzer decisions to the execution. Each
// decision appends a log entry with the full metrics snapshot.
func (s *Supervisor) executeDecisions(ctx context.Context, workflow *store.Workflow, exec *store.WorkflowExecution, decisions []string, reasoning string) error {
	for _, decision := range decisions {
		decisionsExecuted.WithLabelValues(decision).Inc()

		switch decision {
		case planner.DecisionProgress:
			if err := s.progressStage(ctx, workflow, exec, reasoning); err != nil {
				return err
			}
		case planner.DecisionComplete:
			s.completeExecution(ctx, exec, decision, reasoning)
		case planner.DecisionContinue:
			exec.AppendDecision(store.Decision{
				Timestamp: time.Now().UTC(),
				Decision:  decision,
				Reasoning: reasoning,
				Stage:     exec.CurrentStage,
				Metrics:   snapshotMetrics(exec),
			})
		case planner.DecisionAdjust:
			// Logged and deferred; plan adjustment is a supervised
			// follow-up, not an inline mutation.
			s.logger.Info("Workflow adjustment requested, deferred",
				"execution_id", exec.ID, "reasoning", reasoning)
			exec.AppendDecision(store.Decision{
				Timestamp: time.Now().UTC(),
				Decision:  decision,
				Reasoning: reasoning,
				Stage:     exec.CurrentStage,
				Metrics:   snapshotMetrics(exec),
			})
		default:
			s.logger.Warn("Unknown decision ignored", "decision", decision)
		}
	}
	return nil
}

// progressStage advances the execution to the next stage and delegates
// it. Progression waits until every task of the current stage is
// completed; with no next stage, the execution completes.
func (s *Supervisor) progressStage(ctx context.Context, workflow *store.Workflow, exec *store.WorkflowExecution, reasoning string) error {
	if workflow.Stages.Index(exec.CurrentStage) < 0 {
		s.failExecution(ctx, exec,
			fmt.Sprintf("current stage %q is not in the workflow's stage list", exec.CurrentStage))
		return nil
	}

	done, err := s.stageFullyComplete(ctx, exec)
	if err != nil {
		return err
	}
	if !done {
		exec.AppendDecision(store.Decision{
			Timestamp: time.Now().UTC(),
			Decision:  planner.DecisionContinue,
			Reasoning: "progression requested but stage tasks are still outstanding",
			Stage:     exec.CurrentStage,
			Metrics:   snapshotMetrics(exec),
		})
		return nil
	}

	next := workflow.Stages.Next(exec.CurrentStage)
	if next == nil {
		s.completeExecution(ctx, exec, planner.DecisionProgress, "final stage completed: "+reasoning)
		return nil
	}

	previous := exec.CurrentStage
	exec.CurrentStage = next.Name
	exec.MarkModified(store.ColCurrentStage)
	exec.AppendDecision(store.Decision{
		Timestamp: time.Now().UTC(),
		Decision:  planner.DecisionProgress,
		Reasoning: reasoning,
		Stage:     next.Name,
		Metrics:   snapshotMetrics(exec),
	})
	exec.MergeMetrics(map[string]float64{previous + "_completed": 1})

	s.logger.Info("Stage progressed",
		"execution_id", exec.ID,
		"from", previous,
		"to", next.Name)
	return s.delegateStage(ctx, workflow, exec, next)
}

// stageFullyComplete reports whether every task of the current stage,
// across all subjects, is completed.
func (s *Supervisor) stageFullyComplete(ctx context.Context, exec *store.WorkflowExecution) (bool, error) {
	tasks, err := s.store.ListTasksForExecution(ctx, exec.ID)
	if err != nil {
		return false, err
	}
	taskType := exec.CurrentStage + "_task"
	for _, task := range tasks {
		if task.TaskType == taskType && task.Status != store.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (s *Supervisor) completeExecution(ctx context.Context, exec *store.WorkflowExecution, decision, reasoning string) {
	if exec.Status == store.ExecutionCompleted {
		return
	}
	from := exec.Status
	exec.Status = store.ExecutionCompleted
	exec.MarkModified(store.ColStatus)
	exec.AppendDecision(store.Decision{
		Timestamp: time.Now().UTC(),
		Decision:  decision,
		Reasoning: reasoning,
		Stage:     exec.CurrentStage,
		Metrics:   snapshotMetrics(exec),
	})
	s.publishStateChange(ctx, exec, from, store.ExecutionCompleted, reasoning)
	s.logger.Info("Execution completed", "execution_id", exec.ID)
}

func (s *Supervisor) failExecution(ctx context.Context, exec *store.WorkflowExecution, reason string) {
	from := exec.Status
	exec.Status = store.ExecutionFailed
	exec.MarkModified(store.ColStatus)
	exec.AppendDecision(store.Decision{
		Timestamp: time.Now().UTC(),
		Decision:  "fail_workflow",
		Reasoning: reason,
		Stage:     exec.CurrentStage,
		Metrics:   snapshotMetrics(exec),
	})
	s.publishStateChange(ctx, exec, from, store.ExecutionFailed, reason)
	s.logger.Error("Execution failed", "execution_id", exec.ID, "reason", reason)
}

// metricsDelta derives the counter updates one task completion
// contributes to its execution's metrics.
func metricsDelta(taskType string, evt *bus.WorkerTaskCompleted) map[string]float64 {
	delta := map[string]float64{
		"tasks_completed": 1,
	}
	if evt.Success {
		delta["successful_tasks"] = 1
	} else {
		delta["failed_tasks"] = 1
	}

	if channel, ok := evt.Result["channel"].(string); ok && evt.Success {
		delta["messages_sent"] = 1
		delta[channel+"_sent"] = 1
	}
	if sent, ok := evt.Result["messages_sent"].(float64); ok {
		delta["messages_sent"] += sent
	}
	if score, ok := evt.Result["engagement_score"].(float64); ok {
		delta["engagement_score"] = score
	}
	delta[taskType+"_results"] = 1
	return delta
}

func thresholdCrossed(value float64, t store.MetricThreshold) bool {
	switch t.Comparator {
	case ">=":
		return value >= t.Threshold
	case ">":
		return value > t.Threshold
	case "<=":
		return value <= t.Threshold
	case "<":
		return value < t.Threshold
	case "==", "=":
		return value == t.Threshold
	default:
		return false
	}
}

// normalizeDecision maps a threshold action to a decision constant;
// unknown actions are ignored.
func normalizeDecision(action string) string {
	switch action {
	case planner.DecisionProgress, planner.DecisionContinue,
		planner.DecisionAdjust, planner.DecisionComplete:
		return action
	case "progress-to-next-stage":
		return planner.DecisionProgress
	case "complete-workflow":
		return planner.DecisionComplete
	case "adjust-workflow":
		return planner.DecisionAdjust
	case "continue", "continue-current-stage":
		return planner.DecisionContinue
	default:
		return ""
	}
}

func stageNames(stages store.StageList) []string {
	names := make([]string, len(stages))
	for i, stage := range stages {
		names[i] = stage.Name
	}
	return names
}
