package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outflowhq/outflow/store"
)

func init() {
	Default().MustRegister(&Definition{
		Name:        "escalate-to-human",
		Description: "Open a conversation thread for human review and pause the workflow.",
		Category:    CategoryEscalation,
		Timeout:     15 * time.Second,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {"type": "string", "minLength": 1},
				"message": {"type": "string"},
				"context": {"type": "object"}
			},
			"required": ["reason"],
			"additionalProperties": false
		}`),
		Run: escalateToHuman,
	})
}

// escalateToHuman opens a waiting-human thread, records the subject
// trigger and the agent's note, and suspends the owning execution
// until a human resolves the thread.
func escalateToHuman(ctx context.Context, rt *Runtime, call Call) (map[string]any, error) {
	reason, _ := call.Params["reason"].(string)
	message, _ := call.Params["message"].(string)

	thread := &store.ConversationThread{
		TenantID:  call.TenantID,
		SubjectID: call.SubjectID,
		AgentID:   call.AgentID,
		Status:    store.ThreadWaitingHuman,
		Reason:    reason,
	}
	if call.ExecutionID != "" {
		id := call.ExecutionID
		thread.ExecutionID = &id
	}
	if threadContext, ok := call.Params["context"].(map[string]any); ok {
		thread.Context = store.JSONMap(threadContext)
	}
	if err := rt.Store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("create escalation thread: %w", err)
	}

	// The trigger is attributed to the subject so later replies key the
	// thread state machine off the right party.
	if err := rt.Store.InsertMessage(ctx, &store.Message{
		ThreadID:   thread.ID,
		SenderType: store.SenderSubject,
		SenderID:   call.SubjectID,
		Content:    reason,
	}); err != nil {
		return nil, fmt.Errorf("record escalation trigger: %w", err)
	}
	if message != "" {
		if err := rt.Store.InsertMessage(ctx, &store.Message{
			ThreadID:   thread.ID,
			SenderType: store.SenderAgent,
			SenderID:   call.AgentID,
			Content:    message,
		}); err != nil {
			return nil, fmt.Errorf("record escalation message: %w", err)
		}
	}

	if call.ExecutionID != "" {
		if err := rt.Store.PauseExecution(ctx, call.ExecutionID, "escalated to human: "+reason); err != nil {
			return nil, fmt.Errorf("pause execution %s: %w", call.ExecutionID, err)
		}
	}

	return map[string]any{
		"thread_id": thread.ID,
		"status":    store.ThreadWaitingHuman,
	}, nil
}
