package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outflowhq/outflow/policy"
	"github.com/outflowhq/outflow/store"
)

var toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "outflow_tool_executions_total",
	Help: "Tool invocations by tool name and outcome.",
}, []string{"tool", "outcome"})

// Result is the outcome of one tool invocation. Tool-level failures
// stay inside the result; they never surface as handler errors.
type Result struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms"`
	ToolName  string         `json:"tool_name"`
	Timestamp time.Time      `json:"timestamp"`
}

// PermanentError marks a failure that retrying cannot fix, such as a
// credential rejection or a policy denial.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error as non-retryable.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// errTimeout marks an attempt cancelled by the tool's timeout.
type errTimeout struct {
	tool    string
	seconds int
}

func (e *errTimeout) Error() string {
	return fmt.Sprintf("tool %s execution exceeded %d seconds", e.tool, e.seconds)
}

// PolicyGate is the slice of the policy engine the executor needs.
type PolicyGate interface {
	EvaluateToolCall(ctx context.Context, tenantID, subjectID, toolName string) (*policy.Decision, error)
}

// Executor runs tools with validation, policy enforcement, timeouts,
// and retry.
type Executor struct {
	registry *Registry
	runtime  *Runtime
	policy   PolicyGate
	logger   *slog.Logger
}

// NewExecutor creates an executor over a registry and runtime. The
// policy gate may be nil when no enforcement is wanted (tests).
func NewExecutor(registry *Registry, rt *Runtime, gate PolicyGate, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, runtime: rt, policy: gate, logger: logger}
}

// Execute invokes a tool by name. The returned result always carries
// the tool name and elapsed time; errors are folded into it.
func (e *Executor) Execute(ctx context.Context, toolName string, call Call) *Result {
	started := time.Now()
	result := e.execute(ctx, toolName, call, started)
	result.ToolName = toolName
	result.Timestamp = started
	result.ElapsedMS = time.Since(started).Milliseconds()

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	toolExecutions.WithLabelValues(toolName, outcome).Inc()

	e.recordUsage(ctx, toolName, call, result)
	return result
}

func (e *Executor) execute(ctx context.Context, toolName string, call Call, started time.Time) *Result {
	def, ok := e.registry.Get(toolName)
	if !ok {
		e.logMissingTool(ctx, toolName, call)
		return &Result{Error: fmt.Sprintf("tool %s is not registered", toolName)}
	}
	if !e.registry.IsAvailable(toolName) {
		return &Result{Error: fmt.Sprintf("tool %s is currently unavailable", toolName)}
	}

	if def.schema != nil {
		params := call.Params
		if params == nil {
			params = map[string]any{}
		}
		if err := def.schema.Validate(normalizeParams(params)); err != nil {
			return &Result{Error: fmt.Sprintf("invalid parameters for %s: %v", toolName, err)}
		}
	}

	if e.policy != nil && def.Category == CategoryCommunication && call.TenantID != "" && call.SubjectID != "" {
		decision, err := e.policy.EvaluateToolCall(ctx, call.TenantID, call.SubjectID, toolName)
		if err != nil {
			return &Result{Error: fmt.Sprintf("policy evaluation failed: %v", err)}
		}
		if !decision.Approved {
			return &Result{Error: "policy denied: " + strings.Join(decision.Violations, "; ")}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= def.MaxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Info("Retrying tool",
				"tool", toolName,
				"attempt", attempt+1,
				"error", lastErr)
		}

		data, err := e.runOnce(ctx, def, call)
		if err == nil {
			return &Result{Success: true, Data: data}
		}
		lastErr = err

		if IsPermanent(err) {
			break
		}
		var te *errTimeout
		if errors.As(err, &te) && !def.RetryOnTimeout {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.logger.Warn("Tool execution failed",
		"tool", toolName,
		"tenant_id", call.TenantID,
		"subject_id", call.SubjectID,
		"error", lastErr)
	return &Result{Error: lastErr.Error()}
}

// runOnce executes one attempt under the tool's timeout. A timeout
// cancels the attempt's context and reports as a retryable failure.
func (e *Executor) runOnce(ctx context.Context, def *Definition, call Call) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	type outcome struct {
		data map[string]any
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", def.Name, r)}
			}
		}()
		data, err := def.Run(attemptCtx, e.runtime, call)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &errTimeout{tool: def.Name, seconds: int(def.Timeout.Seconds())}
		}
		return nil, attemptCtx.Err()
	}
}

func (e *Executor) logMissingTool(ctx context.Context, toolName string, call Call) {
	if e.runtime == nil || e.runtime.Store == nil {
		return
	}
	notes := fmt.Sprintf("requested by agent %s", call.AgentID)
	if err := e.runtime.Store.LogMissingTool(ctx, toolName, call.WorkflowID, "medium", notes); err != nil {
		e.logger.Error("Failed to log missing tool", "tool", toolName, "error", err)
	}
}

// recordUsage appends the call to the owning execution's tool-usage
// log when an execution context is known.
func (e *Executor) recordUsage(ctx context.Context, toolName string, call Call, result *Result) {
	if call.ExecutionID == "" || e.runtime == nil || e.runtime.Store == nil {
		return
	}

	exec, err := e.runtime.Store.GetExecution(ctx, call.ExecutionID)
	if err != nil {
		e.logger.Error("Failed to load execution for tool usage log",
			"execution_id", call.ExecutionID, "error", err)
		return
	}

	exec.AppendToolUsage(store.ToolUsage{
		Timestamp: result.Timestamp,
		ToolName:  toolName,
		TaskType:  call.TaskType,
		SubjectID: call.SubjectID,
		Success:   result.Success,
		ElapsedMS: result.ElapsedMS,
	})
	if err := e.runtime.Store.FlushExecution(ctx, exec); err != nil {
		e.logger.Error("Failed to persist tool usage log",
			"execution_id", call.ExecutionID, "error", err)
	}
}

// normalizeParams converts parameter values to the shapes the schema
// validator expects for JSON documents.
func normalizeParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case map[string]any:
		return normalizeParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
