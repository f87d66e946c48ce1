// Package store is the persistence layer: Postgres via sqlx with
// embedded migrations, a Redis read cache for hot execution rows, and
// repositories for every persisted entity. JSON columns round-trip
// through the Valuer types below; nested mutations must be flagged with
// MarkModified before Flush or they are lost.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a map stored as a jsonb column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("scan JSONMap: unsupported type %T", src)
}

// StringList is a string slice stored as a jsonb array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("scan StringList: unsupported type %T", src)
}

// Tenant owns subjects, workflows, and policies.
type Tenant struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Settings  JSONMap   `db:"settings" json:"settings"`
	Profile   JSONMap   `db:"profile" json:"profile"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Subject is the recipient a campaign targets. Consent maps a channel
// consent key to a boolean and is revocable per channel.
type Subject struct {
	ID             string    `db:"id" json:"id"`
	TenantID       string    `db:"tenant_id" json:"tenant_id"`
	Email          string    `db:"email" json:"email,omitempty"`
	Phone          string    `db:"phone" json:"phone,omitempty"`
	DistinctID     string    `db:"distinct_id" json:"distinct_id,omitempty"`
	Timezone       string    `db:"timezone" json:"timezone,omitempty"`
	Consent        JSONMap   `db:"consent" json:"consent"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Event is an immutable observation. Fingerprint backs dedup: two rows
// never share one.
type Event struct {
	ID          string    `db:"id" json:"id"`
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	SubjectID   string    `db:"subject_id" json:"subject_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	Source      string    `db:"source" json:"source"`
	Payload     JSONMap   `db:"payload" json:"payload"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint,omitempty"`
	OccurredAt  time.Time `db:"occurred_at" json:"occurred_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Subject stages, ordered weakest to strongest. Converted and churned
// are sticky.
const (
	StageNew        = "new"
	StageInterested = "interested"
	StageEngaged    = "engaged"
	StageConverted  = "converted"
	StageChurned    = "churned"
)

// SubjectContext is the materialized rollup keyed by (tenant, subject).
type SubjectContext struct {
	TenantID         string     `db:"tenant_id" json:"tenant_id"`
	SubjectID        string     `db:"subject_id" json:"subject_id"`
	Stage            string     `db:"stage" json:"stage"`
	PageViews        int        `db:"page_views" json:"page_views"`
	EmailsSent       int        `db:"emails_sent" json:"emails_sent"`
	WhatsappSent     int        `db:"whatsapp_sent" json:"whatsapp_sent"`
	SMSSent          int        `db:"sms_sent" json:"sms_sent"`
	EmailsOpened     int        `db:"emails_opened" json:"emails_opened"`
	EmailsClicked    int        `db:"emails_clicked" json:"emails_clicked"`
	EmailsReplied    int        `db:"emails_replied" json:"emails_replied"`
	WhatsappReceived int        `db:"whatsapp_received" json:"whatsapp_received"`
	Revenue          float64    `db:"revenue" json:"revenue"`
	LastSeenAt       *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	LastSendAt       *time.Time `db:"last_send_at" json:"last_send_at,omitempty"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// EngagementScore is views + 2*opens + 3*whatsapp-received.
func (c *SubjectContext) EngagementScore() int {
	return c.PageViews + 2*c.EmailsOpened + 3*c.WhatsappReceived
}

// Action statuses.
const (
	ActionPlanned  = "planned"
	ActionExecuted = "executed"
	ActionDenied   = "denied"
	ActionFailed   = "failed"
)

// Action records a planned or executed communication, the unit the rate
// limiter counts.
type Action struct {
	ID          string     `db:"id" json:"id"`
	TenantID    string     `db:"tenant_id" json:"tenant_id"`
	SubjectID   string     `db:"subject_id" json:"subject_id"`
	Channel     string     `db:"channel" json:"channel"`
	Status      string     `db:"status" json:"status"`
	Payload     JSONMap    `db:"payload" json:"payload"`
	Violations  StringList `db:"violations" json:"violations,omitempty"`
	ScheduledAt time.Time  `db:"scheduled_at" json:"scheduled_at"`
	ExecutedAt  *time.Time `db:"executed_at" json:"executed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// PolicyRule is a per-tenant key-value policy override.
type PolicyRule struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	RuleKey   string    `db:"rule_key" json:"rule_key"`
	RuleValue string    `db:"rule_value" json:"rule_value"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Workflow types.
const (
	WorkflowSequential  = "sequential"
	WorkflowParallel    = "parallel"
	WorkflowConditional = "conditional"
	WorkflowEventDriven = "event-driven"
)

// Stage is one named step of a workflow plan. Stages are stored as an
// ordered array so progression order survives the round trip.
type Stage struct {
	Name            string   `json:"name"`
	Day             int      `json:"day"`
	Actions         []string `json:"actions"`
	EntryConditions []string `json:"entry_conditions,omitempty"`
	ExitConditions  []string `json:"exit_conditions,omitempty"`
	RequiredTools   []string `json:"required_tools,omitempty"`
	FallbackActions []string `json:"fallback_actions,omitempty"`
}

// StageList is an ordered stage array stored as a jsonb column.
type StageList []Stage

// Value implements driver.Valuer.
func (s StageList) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StageList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	}
	return fmt.Errorf("scan StageList: unsupported type %T", src)
}

// Index returns the position of the named stage, or -1.
func (s StageList) Index(name string) int {
	for i, st := range s {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// Next returns the stage following the named one, or nil when it is the
// last stage or unknown.
func (s StageList) Next(name string) *Stage {
	i := s.Index(name)
	if i < 0 || i+1 >= len(s) {
		return nil
	}
	return &s[i+1]
}

// MetricThreshold triggers a supervisor action when a metric crosses a
// bound.
type MetricThreshold struct {
	Metric     string  `json:"metric"`
	Threshold  float64 `json:"threshold"`
	Comparator string  `json:"comparator"`
	Action     string  `json:"action"`
	Priority   string  `json:"priority,omitempty"`
}

// ThresholdList is stored as a jsonb column.
type ThresholdList []MetricThreshold

// Value implements driver.Valuer.
func (t ThresholdList) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner.
func (t *ThresholdList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	}
	return fmt.Errorf("scan ThresholdList: unsupported type %T", src)
}

// Workflow is the current-version row of a versioned plan. History lives
// in WorkflowVersion.
type Workflow struct {
	ID               string        `db:"id" json:"id"`
	TenantID         string        `db:"tenant_id" json:"tenant_id"`
	WorkerAgentIDs   StringList    `db:"worker_agent_ids" json:"worker_agent_ids"`
	Purpose          string        `db:"purpose" json:"purpose"`
	WorkflowType     string        `db:"workflow_type" json:"workflow_type"`
	Goal             string        `db:"goal" json:"goal"`
	StartDate        time.Time     `db:"start_date" json:"start_date"`
	EndDate          time.Time     `db:"end_date" json:"end_date"`
	Version          int           `db:"version" json:"version"`
	Stages           StageList     `db:"stages" json:"stages"`
	MetricThresholds ThresholdList `db:"metric_thresholds" json:"metric_thresholds"`
	AvailableTools   StringList    `db:"available_tools" json:"available_tools"`
	MissingTools     StringList    `db:"missing_tools" json:"missing_tools"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// WorkflowVersion is an immutable history record. Changes holds the
// post-update value per changed key; Diff holds old and new per key.
type WorkflowVersion struct {
	ID              string    `db:"id" json:"id"`
	WorkflowID      string    `db:"workflow_id" json:"workflow_id"`
	Version         int       `db:"version" json:"version"`
	PreviousVersion int       `db:"previous_version" json:"previous_version"`
	Changes         JSONMap   `db:"changes" json:"changes"`
	Diff            JSONMap   `db:"diff" json:"diff"`
	Reason          string    `db:"reason" json:"reason"`
	Author          string    `db:"author" json:"author"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Execution statuses.
const (
	ExecutionRunning   = "running"
	ExecutionPaused    = "paused"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// Decision is one supervisor decision appended to an execution's log.
type Decision struct {
	Timestamp time.Time `json:"timestamp"`
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning"`
	Stage     string    `json:"stage,omitempty"`
	Metrics   JSONMap   `json:"metrics,omitempty"`
}

// DecisionList is stored as a jsonb column.
type DecisionList []Decision

// Value implements driver.Valuer.
func (d DecisionList) Value() (driver.Value, error) {
	if d == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *DecisionList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	}
	return fmt.Errorf("scan DecisionList: unsupported type %T", src)
}

// ToolUsage is one tool-usage log entry on an execution.
type ToolUsage struct {
	Timestamp time.Time `json:"timestamp"`
	ToolName  string    `json:"tool_name"`
	TaskType  string    `json:"task_type,omitempty"`
	SubjectID string    `json:"subject_id,omitempty"`
	Success   bool      `json:"success"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
}

// ToolUsageList is stored as a jsonb column.
type ToolUsageList []ToolUsage

// Value implements driver.Valuer.
func (u ToolUsageList) Value() (driver.Value, error) {
	if u == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(u)
}

// Scan implements sql.Scanner.
func (u *ToolUsageList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*u = nil
		return nil
	case []byte:
		return json.Unmarshal(v, u)
	case string:
		return json.Unmarshal([]byte(v), u)
	}
	return fmt.Errorf("scan ToolUsageList: unsupported type %T", src)
}

// WorkflowExecution is a running instance pinned to a workflow version.
// JSON columns (Metrics, Decisions, ToolUsage, MissingToolAttempts) are
// mutated in place; callers flag each changed column with MarkModified
// and the repository's Flush persists only flagged columns.
type WorkflowExecution struct {
	ID                  string        `db:"id" json:"id"`
	WorkflowID          string        `db:"workflow_id" json:"workflow_id"`
	WorkflowVersion     int           `db:"workflow_version" json:"workflow_version"`
	TenantID            string        `db:"tenant_id" json:"tenant_id"`
	SubjectIDs          StringList    `db:"subject_ids" json:"subject_ids"`
	CurrentStage        string        `db:"current_stage" json:"current_stage"`
	Status              string        `db:"status" json:"status"`
	Metrics             JSONMap       `db:"metrics" json:"metrics"`
	Decisions           DecisionList  `db:"decisions" json:"decisions"`
	ToolUsage           ToolUsageList `db:"tool_usage" json:"tool_usage"`
	MissingToolAttempts StringList    `db:"missing_tool_attempts" json:"missing_tool_attempts"`
	CreatedAt           time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time     `db:"updated_at" json:"updated_at"`

	dirty map[string]bool
}

// Execution columns accepted by MarkModified.
const (
	ColCurrentStage        = "current_stage"
	ColStatus              = "status"
	ColMetrics             = "metrics"
	ColDecisions           = "decisions"
	ColToolUsage           = "tool_usage"
	ColMissingToolAttempts = "missing_tool_attempts"
)

// MarkModified flags a column for the next Flush. In-place edits to JSON
// columns that skip this are silently lost.
func (e *WorkflowExecution) MarkModified(column string) {
	if e.dirty == nil {
		e.dirty = make(map[string]bool)
	}
	e.dirty[column] = true
}

// ModifiedColumns returns the flagged columns in stable order.
func (e *WorkflowExecution) ModifiedColumns() []string {
	ordered := []string{ColCurrentStage, ColStatus, ColMetrics, ColDecisions, ColToolUsage, ColMissingToolAttempts}
	var out []string
	for _, c := range ordered {
		if e.dirty[c] {
			out = append(out, c)
		}
	}
	return out
}

// ClearModified resets the dirty set, called after a successful Flush.
func (e *WorkflowExecution) ClearModified() {
	e.dirty = nil
}

// AppendDecision adds a decision entry and flags the column.
func (e *WorkflowExecution) AppendDecision(d Decision) {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	e.Decisions = append(e.Decisions, d)
	e.MarkModified(ColDecisions)
}

// AppendToolUsage adds a tool-usage entry and flags the column.
func (e *WorkflowExecution) AppendToolUsage(u ToolUsage) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	e.ToolUsage = append(e.ToolUsage, u)
	e.MarkModified(ColToolUsage)
}

// MergeMetrics merges a delta into the metrics map, last writer wins at
// the key level, and flags the column. Numeric values accumulate.
func (e *WorkflowExecution) MergeMetrics(delta map[string]float64) {
	if e.Metrics == nil {
		e.Metrics = make(JSONMap, len(delta))
	}
	for k, v := range delta {
		if prev, ok := e.Metrics[k].(float64); ok {
			e.Metrics[k] = prev + v
		} else {
			e.Metrics[k] = v
		}
	}
	e.MarkModified(ColMetrics)
}

// Task statuses. Completed and terminal failed are absorbing.
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in-progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// WorkerTask is one unit of delegation.
type WorkerTask struct {
	ID          string     `db:"id" json:"id"`
	ExecutionID string     `db:"execution_id" json:"execution_id"`
	AgentID     string     `db:"agent_id" json:"agent_id"`
	SubjectID   string     `db:"subject_id" json:"subject_id"`
	TaskType    string     `db:"task_type" json:"task_type"`
	Payload     JSONMap    `db:"payload" json:"payload"`
	Status      string     `db:"status" json:"status"`
	Result      JSONMap    `db:"result" json:"result,omitempty"`
	Error       string     `db:"error" json:"error,omitempty"`
	RetryCount  int        `db:"retry_count" json:"retry_count"`
	MaxRetries  int        `db:"max_retries" json:"max_retries"`
	TimeoutSecs int        `db:"timeout_secs" json:"timeout_secs"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Thread statuses. Resolved, resumed, and abandoned are terminal for
// message intake.
const (
	ThreadActive         = "active"
	ThreadWaitingHuman   = "waiting-human"
	ThreadWaitingSubject = "waiting-subject"
	ThreadResolved       = "resolved"
	ThreadResumed        = "resumed"
	ThreadAbandoned      = "abandoned"
)

// ConversationThread is a human escalation.
type ConversationThread struct {
	ID          string     `db:"id" json:"id"`
	TenantID    string     `db:"tenant_id" json:"tenant_id"`
	SubjectID   string     `db:"subject_id" json:"subject_id"`
	ExecutionID *string    `db:"execution_id" json:"execution_id,omitempty"`
	AgentID     string     `db:"agent_id" json:"agent_id"`
	Status      string     `db:"status" json:"status"`
	Reason      string     `db:"reason" json:"reason"`
	Context     JSONMap    `db:"context" json:"context,omitempty"`
	Resolution  string     `db:"resolution" json:"resolution,omitempty"`
	ResolvedBy  string     `db:"resolved_by" json:"resolved_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	ResolvedAt  *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Message sender types.
const (
	SenderSubject = "subject"
	SenderAgent   = "agent"
	SenderHuman   = "human"
)

// Message is one immutable thread entry.
type Message struct {
	ID         string    `db:"id" json:"id"`
	ThreadID   string    `db:"thread_id" json:"thread_id"`
	SenderType string    `db:"sender_type" json:"sender_type"`
	SenderID   string    `db:"sender_id" json:"sender_id"`
	Content    string    `db:"content" json:"content"`
	Metadata   JSONMap   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// MissingToolRequest accumulates requests for an absent tool, collapsed
// by name.
type MissingToolRequest struct {
	ID             string    `db:"id" json:"id"`
	ToolName       string    `db:"tool_name" json:"tool_name"`
	WorkflowID     string    `db:"workflow_id" json:"workflow_id,omitempty"`
	RequestCount   int       `db:"request_count" json:"request_count"`
	Priority       string    `db:"priority" json:"priority"`
	Notes          string    `db:"notes" json:"notes,omitempty"`
	Implemented    bool      `db:"implemented" json:"implemented"`
	FirstRequested time.Time `db:"first_requested" json:"first_requested"`
	LastRequested  time.Time `db:"last_requested" json:"last_requested"`
}

// DeadLetterEntry is a terminal failure record.
type DeadLetterEntry struct {
	ID         string    `db:"id" json:"id"`
	QueueName  string    `db:"queue_name" json:"queue_name"`
	JobID      string    `db:"job_id" json:"job_id"`
	TaskName   string    `db:"task_name" json:"task_name"`
	Payload    JSONMap   `db:"payload" json:"payload"`
	RawPayload []byte    `db:"raw_payload" json:"-"`
	Error      string    `db:"error" json:"error"`
	RetryCount int       `db:"retry_count" json:"retry_count"`
	Processed  bool      `db:"processed" json:"processed"`
	FailedAt   time.Time `db:"failed_at" json:"failed_at"`
}
