// Package bus provides the typed, priority-partitioned event bus over
// NATS JetStream: envelope types, topic/stream provisioning, a publisher
// with per-subject partitioning, and the consumer group runtime.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders envelope handling. Consumer groups may filter on it.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityBatch    Priority = "batch"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBatch:
		return true
	}
	return false
}

// Event types carried on the bus.
const (
	EventTenantOnboarded      = "tenant-onboarded"
	EventWorkerTaskAssigned   = "worker-task-assigned"
	EventWorkerTaskCompleted  = "worker-task-completed"
	EventWorkflowMetricUpdate = "workflow-metric-update"
	EventWorkflowStateChange  = "workflow-state-change"
	EventAnalytics            = "analytics-event"
	EventAudit                = "audit-event"
	EventCriticalAlert        = "critical-alert"
	EventScheduledTask        = "scheduled-task"
	EventDomain               = "domain-event"
)

// Envelope carries the fields common to every bus message.
type Envelope struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  Priority       `json:"priority"`
	Source    string         `json:"source"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Base returns the embedded envelope so typed messages satisfy Message.
func (e *Envelope) Base() *Envelope {
	return e
}

// Message is any typed bus payload embedding an Envelope.
type Message interface {
	Base() *Envelope
}

// stamp fills identity fields that the caller left empty.
func (e *Envelope) stamp(source string) {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.Source == "" {
		e.Source = source
	}
}

// TenantOnboarded announces a cohort onboarding and triggers planning.
type TenantOnboarded struct {
	Envelope
	TenantID       string         `json:"tenant_id"`
	WorkerAgentIDs []string       `json:"worker_agent_ids"`
	Subjects       []string       `json:"subjects"`
	Purpose        string         `json:"purpose"`
	Goal           string         `json:"goal"`
	StartDate      time.Time      `json:"start_date"`
	EndDate        time.Time      `json:"end_date"`
	Config         map[string]any `json:"config,omitempty"`
}

// WorkerTaskAssigned delegates one task to a worker agent.
// Partition key is the subject id; priority is high.
type WorkerTaskAssigned struct {
	Envelope
	TaskID              string         `json:"task_id"`
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	AgentID             string         `json:"agent_id"`
	SubjectID           string         `json:"subject_id"`
	TaskType            string         `json:"task_type"`
	TaskPayload         map[string]any `json:"task_payload"`
	Deadline            *time.Time     `json:"deadline,omitempty"`
}

// WorkerTaskCompleted reports a task outcome back to the supervisor.
type WorkerTaskCompleted struct {
	Envelope
	TaskID              string         `json:"task_id"`
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	AgentID             string         `json:"agent_id"`
	SubjectID           string         `json:"subject_id"`
	Result              map[string]any `json:"result"`
	Success             bool           `json:"success"`
	Error               string         `json:"error,omitempty"`
	ExecutionTimeMS     int64          `json:"execution_time_ms"`
	MissingTools        []string       `json:"missing_tools,omitempty"`
}

// WorkflowMetricUpdate carries a metric delta for a running execution.
type WorkflowMetricUpdate struct {
	Envelope
	WorkflowExecutionID string             `json:"workflow_execution_id"`
	TenantID            string             `json:"tenant_id"`
	Metrics             map[string]float64 `json:"metrics"`
}

// WorkflowStateChange records an execution status transition.
type WorkflowStateChange struct {
	Envelope
	WorkflowExecutionID string `json:"workflow_execution_id"`
	TenantID            string `json:"tenant_id"`
	FromStatus          string `json:"from_status"`
	ToStatus            string `json:"to_status"`
	Reason              string `json:"reason,omitempty"`
}

// DomainEvent is the ingress fan-out form of a persisted domain event.
type DomainEvent struct {
	Envelope
	DomainEventID string         `json:"domain_event_id"`
	TenantID      string         `json:"tenant_id"`
	SubjectID     string         `json:"subject_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// ScheduledTask triggers a periodic action by name.
type ScheduledTask struct {
	Envelope
	TaskName string         `json:"task_name"`
	Args     map[string]any `json:"args,omitempty"`
}

// Decode unmarshals raw bus data into a typed message. A payload that
// does not decode is fatal for the delivery (one-shot attempt, then DLQ).
func Decode[T any](data []byte) (*T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &msg, nil
}

// PeekEnvelope extracts only the common envelope fields, used by the
// consumer runtime for routing and priority filtering.
func PeekEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("decode envelope: missing event_type")
	}
	return &env, nil
}
