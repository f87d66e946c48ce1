// Package jobs holds the queue job handlers: agent invocation fan-out
// from ingested events and the periodic scheduled-action sweep.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/policy"
	"github.com/outflowhq/outflow/store"
	"github.com/outflowhq/outflow/tools"
)

// Store is the slice of the persistence layer the job handlers need.
type Store interface {
	ListRunningExecutions(ctx context.Context, tenantID string) ([]store.WorkflowExecution, error)
	ListDueActions(ctx context.Context, before time.Time, limit int) ([]store.Action, error)
	MarkActionExecuted(ctx context.Context, id string) error
	MarkActionFailed(ctx context.Context, id, status string, reasons []string) error
}

// Publisher is the slice of the bus publisher the job handlers need.
type Publisher interface {
	Publish(ctx context.Context, topic bus.Topic, partitionKey string, msg bus.Message) error
}

// PolicyGate re-checks a due action right before dispatch.
type PolicyGate interface {
	Evaluate(ctx context.Context, req policy.Request) (*policy.Decision, error)
}

// ToolExecutor sends a due action over its channel.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, call tools.Call) *tools.Result
}

// InvocationPayload is the agent-invocation job body enqueued by
// ingress for every accepted event.
type InvocationPayload struct {
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

// Invoker fans an ingested event out to the tenant's running
// executions as a metric update, which the supervisor reacts to
// through its thresholds.
type Invoker struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// NewInvoker wires the agent-invocation handler.
func NewInvoker(st Store, pub Publisher, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{store: st, publisher: pub, logger: logger}
}

// HandleJob is the queue handler for agent-invocation jobs.
func (i *Invoker) HandleJob(ctx context.Context, raw json.RawMessage) error {
	var p InvocationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode invocation payload: %w", err)
	}
	if p.TenantID == "" || p.EventType == "" {
		return fmt.Errorf("invocation payload missing tenant or event type")
	}

	executions, err := i.store.ListRunningExecutions(ctx, p.TenantID)
	if err != nil {
		return err
	}
	if len(executions) == 0 {
		i.logger.Debug("No running executions for event",
			"tenant_id", p.TenantID, "event_type", p.EventType)
		return nil
	}

	metric := strings.ReplaceAll(p.EventType, "-", "_") + "_events"
	for _, exec := range executions {
		update := &bus.WorkflowMetricUpdate{
			Envelope: bus.Envelope{
				EventType: bus.EventWorkflowMetricUpdate,
				Priority:  bus.PriorityHigh,
			},
			WorkflowExecutionID: exec.ID,
			TenantID:            p.TenantID,
			Metrics:             map[string]float64{metric: 1},
		}
		if err := i.publisher.Publish(ctx, bus.TopicWorkflowEvents, p.SubjectID, update); err != nil {
			return fmt.Errorf("publish metric update for %s: %w", exec.ID, err)
		}
	}

	i.logger.Info("Event fanned out to executions",
		"event_id", p.EventID,
		"event_type", p.EventType,
		"executions", len(executions))
	return nil
}

// channelSendTools maps an action channel to the tool that sends on it.
var channelSendTools = map[string]string{
	policy.ChannelEmail:       "send-email",
	policy.ChannelWhatsapp:    "send-whatsapp",
	policy.ChannelPaymentLink: "send-payment-link",
}

// ActionSweeper executes due planned actions: re-check policy, send
// over the channel tool, mark the outcome.
type ActionSweeper struct {
	store    Store
	gate     PolicyGate
	executor ToolExecutor
	logger   *slog.Logger
}

// NewActionSweeper wires the scheduled-actions handler.
func NewActionSweeper(st Store, gate PolicyGate, executor ToolExecutor, logger *slog.Logger) *ActionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionSweeper{store: st, gate: gate, executor: executor, logger: logger}
}

// HandleJob is the queue handler for scheduled-actions jobs. One run
// drains up to a bounded batch of due actions; the next sweep picks up
// the rest.
func (a *ActionSweeper) HandleJob(ctx context.Context, _ json.RawMessage) error {
	due, err := a.store.ListDueActions(ctx, time.Now().UTC(), 50)
	if err != nil {
		return err
	}

	for _, action := range due {
		if err := a.dispatch(ctx, action); err != nil {
			a.logger.Error("Failed to dispatch due action",
				"action_id", action.ID, "error", err)
		}
	}
	if len(due) > 0 {
		a.logger.Info("Due actions swept", "count", len(due))
	}
	return nil
}

func (a *ActionSweeper) dispatch(ctx context.Context, action store.Action) error {
	decision, err := a.gate.Evaluate(ctx, policy.Request{
		TenantID:  action.TenantID,
		SubjectID: action.SubjectID,
		Channel:   action.Channel,
		SendAt:    time.Now().UTC(),
		Payload:   action.Payload,
	})
	if err != nil {
		return fmt.Errorf("evaluate action %s: %w", action.ID, err)
	}
	if !decision.Approved {
		return a.store.MarkActionFailed(ctx, action.ID, store.ActionDenied, decision.Violations)
	}

	toolName, ok := channelSendTools[action.Channel]
	if !ok {
		return a.store.MarkActionFailed(ctx, action.ID, store.ActionFailed,
			[]string{"no send tool for channel " + action.Channel})
	}

	result := a.executor.Execute(ctx, toolName, tools.Call{
		TenantID:  action.TenantID,
		SubjectID: action.SubjectID,
		Params:    action.Payload,
	})
	if !result.Success {
		return a.store.MarkActionFailed(ctx, action.ID, store.ActionFailed, []string{result.Error})
	}
	return a.store.MarkActionExecuted(ctx, action.ID)
}
