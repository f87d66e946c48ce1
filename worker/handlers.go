package worker

import (
	"context"
	"fmt"

	"github.com/outflowhq/outflow/planner"
	"github.com/outflowhq/outflow/store"
	"github.com/outflowhq/outflow/tools"
)

// channelTools maps a send tool to the content type its channel wants.
var channelTools = map[string]string{
	"send-email":        "email",
	"send-whatsapp":     "whatsapp",
	"send-sms":          "sms",
	"send-payment-link": "payment-link",
}

// stageHandler is the built-in handler for stage tasks: fetch the
// subject context, generate channel content, send it, and advance the
// subject's funnel stage. Required tools missing from the registry are
// reported in the result rather than failing the task.
func (w *Worker) stageHandler(ctx context.Context, tc *TaskContext) (*HandlerResult, error) {
	payload := tc.Assignment.TaskPayload
	stageName, _ := payload["stage_name"].(string)
	tenantID, _ := payload["tenant_id"].(string)

	required := stringSlice(payload["required_tools"])
	var missing []string
	for _, name := range required {
		if !w.catalog.IsAvailable(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		w.logger.Warn("Stage task missing required tools",
			"task_id", tc.Task.ID,
			"stage", stageName,
			"missing", missing)
		return &HandlerResult{
			Result: store.JSONMap{
				"status":        "skipped",
				"stage":         stageName,
				"missing_tools": missing,
			},
			MissingTools: missing,
		}, nil
	}

	call := tools.Call{
		TenantID:    tenantID,
		SubjectID:   tc.Assignment.SubjectID,
		AgentID:     tc.Assignment.AgentID,
		ExecutionID: tc.Task.ExecutionID,
		TaskType:    tc.Task.TaskType,
	}

	contextResult := w.executor.Execute(ctx, "get-subject-context", call)
	if !contextResult.Success {
		return nil, fmt.Errorf("get-subject-context: %s", contextResult.Error)
	}

	sendTool, contentType := pickSendTool(required)
	if sendTool == "" {
		// Nothing to send; the stage only needed the context refresh.
		return &HandlerResult{
			Result: store.JSONMap{
				"status": "completed",
				"stage":  stageName,
			},
		}, nil
	}

	content, err := w.generateContent(ctx, tc, stageName, contentType, contextResult.Data)
	if err != nil {
		return nil, err
	}

	sendCall := call
	sendCall.Params = sendParams(sendTool, stageName, content)
	sendResult := w.executor.Execute(ctx, sendTool, sendCall)
	if !sendResult.Success {
		return nil, fmt.Errorf("%s: %s", sendTool, sendResult.Error)
	}

	result := store.JSONMap{
		"status":  "completed",
		"stage":   stageName,
		"channel": contentType,
	}

	// First contact moves a fresh subject into the funnel.
	if stage, _ := contextResult.Data["stage"].(string); stage == store.StageNew {
		updateCall := call
		updateCall.Params = map[string]any{"stage": store.StageInterested}
		if updateResult := w.executor.Execute(ctx, "update-subject-stage", updateCall); updateResult.Success {
			result["subject_stage"] = store.StageInterested
		} else {
			w.logger.Warn("Failed to update subject stage",
				"subject_id", tc.Assignment.SubjectID,
				"error", updateResult.Error)
		}
	}

	return &HandlerResult{Result: result}, nil
}

func (w *Worker) generateContent(ctx context.Context, tc *TaskContext, stageName, contentType string, subjectData map[string]any) (string, error) {
	var profile map[string]any
	if workflowID, _ := tc.Assignment.TaskPayload["workflow_id"].(string); workflowID != "" {
		if workflow, err := w.store.GetWorkflow(ctx, workflowID); err == nil {
			profile = map[string]any{
				"purpose": workflow.Purpose,
				"goal":    workflow.Goal,
			}
		}
	}

	purpose, _ := profile["purpose"].(string)
	content, err := w.generator.GenerateContent(ctx, planner.ContentRequest{
		Purpose:     purpose,
		Stage:       stageName,
		ContentType: contentType,
		Subject:     subjectData,
		Profile:     profile,
	})
	if err != nil {
		return "", fmt.Errorf("generate %s content: %w", contentType, err)
	}
	return content, nil
}

// pickSendTool returns the first required tool that is a message send,
// with its content type. Payment links need explicit amounts and are
// left to dedicated handlers.
func pickSendTool(required []string) (string, string) {
	for _, name := range required {
		if name == "send-payment-link" {
			continue
		}
		if contentType, ok := channelTools[name]; ok {
			return name, contentType
		}
	}
	return "", ""
}

func sendParams(sendTool, stageName, content string) map[string]any {
	params := map[string]any{"body": content}
	if sendTool == "send-email" {
		params["subject"] = stageName
	}
	return params
}

func stringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
