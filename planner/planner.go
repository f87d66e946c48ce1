// Package planner wraps the LLM client behind the narrow planning
// interface the supervisor and workers use: workflow synthesis,
// decision analysis, and message content generation. Every call has a
// deterministic fallback, so planner unavailability degrades the plan
// quality but never blocks orchestration.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/outflowhq/outflow/llm"
	"github.com/outflowhq/outflow/store"
)

// Decisions the analyzer may return.
const (
	DecisionProgress = "progress_to_next_stage"
	DecisionContinue = "continue_current_stage"
	DecisionAdjust   = "adjust_workflow"
	DecisionComplete = "complete_workflow"
)

// Plan is the parsed planner output.
type Plan struct {
	WorkflowType     string
	Stages           store.StageList
	MetricThresholds store.ThresholdList
	MissingTools     []string
	// Fallback marks a plan synthesized locally after a planner
	// failure or parse error.
	Fallback bool
}

// PlanRequest carries everything the planner needs to synthesize a
// workflow.
type PlanRequest struct {
	Profile        map[string]any
	Purpose        string
	Goal           string
	StartDate      time.Time
	EndDate        time.Time
	SubjectCount   int
	AvailableTools []string
	// ToolSchemas is the JSON-schema summary of the first few tools,
	// pre-rendered by the caller.
	ToolSchemas string
}

// DecisionRequest carries the state for one analyzer call.
type DecisionRequest struct {
	Goal            string
	Purpose         string
	CurrentStage    string
	StageComplete   bool
	Metrics         map[string]any
	Thresholds      store.ThresholdList
	AvailableStages []string
}

// ContentRequest asks for one outbound message body.
type ContentRequest struct {
	Purpose     string
	Stage       string
	ContentType string // e.g. "email", "whatsapp"
	Subject     map[string]any
	Profile     map[string]any
}

// Completer is the slice of the LLM client the planner needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Planner invokes the model behind a circuit breaker.
type Planner struct {
	client  Completer
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a planner around an LLM client.
func New(client Completer, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "planner",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Planner breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Planner{client: client, breaker: breaker, logger: logger}
}

// complete runs one completion through the breaker. An open breaker
// surfaces as a transient error so callers reach for their fallback.
func (p *Planner) complete(ctx context.Context, messages []llm.Message) (string, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		return p.client.Complete(ctx, llm.Request{Messages: messages})
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", llm.NewTransientError(fmt.Errorf("planner circuit open: %w", err))
		}
		return "", err
	}
	return result.(*llm.Response).Content, nil
}

// Plan synthesizes a workflow plan. On any planner failure or parse
// error the fallback plan is returned with a nil error.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	content, err := p.complete(ctx, planMessages(req))
	if err != nil {
		p.logger.Warn("Planner call failed, using fallback plan", "error", err)
		return fallbackPlan(req.AvailableTools), nil
	}

	plan, err := parsePlan(content)
	if err != nil {
		p.logger.Warn("Planner output unparseable, using fallback plan", "error", err)
		return fallbackPlan(req.AvailableTools), nil
	}

	p.logger.Info("Plan synthesized",
		"workflow_type", plan.WorkflowType,
		"stages", len(plan.Stages),
		"missing_tools", len(plan.MissingTools))
	return plan, nil
}

// Decide runs the decision analyzer. Fallback: progress when the stage
// is complete, continue otherwise.
func (p *Planner) Decide(ctx context.Context, req DecisionRequest) ([]string, error) {
	content, err := p.complete(ctx, decisionMessages(req))
	if err != nil {
		p.logger.Warn("Decision analyzer call failed, using fallback", "error", err)
		return fallbackDecisions(req.StageComplete), nil
	}

	decisions, err := parseDecisions(content)
	if err != nil || len(decisions) == 0 {
		p.logger.Warn("Decision analyzer output unparseable, using fallback", "error", err)
		return fallbackDecisions(req.StageComplete), nil
	}
	return decisions, nil
}

// GenerateContent produces one outbound message body. There is no
// structural contract to parse; the raw completion is the content.
func (p *Planner) GenerateContent(ctx context.Context, req ContentRequest) (string, error) {
	content, err := p.complete(ctx, contentMessages(req))
	if err != nil {
		return "", fmt.Errorf("generate %s content: %w", req.ContentType, err)
	}
	return content, nil
}

// fallbackPlan is the deterministic plan used when the model cannot
// produce one: a single intro stage at day 1 with the first three
// available tools and a minimal engagement threshold.
func fallbackPlan(availableTools []string) *Plan {
	tools := availableTools
	if len(tools) > 3 {
		tools = tools[:3]
	}

	return &Plan{
		WorkflowType: store.WorkflowSequential,
		Stages: store.StageList{{
			Name:          "intro",
			Day:           1,
			Actions:       []string{"introduce offering"},
			RequiredTools: append([]string(nil), tools...),
		}},
		MetricThresholds: store.ThresholdList{{
			Metric:     "engagement_rate",
			Threshold:  0.1,
			Comparator: ">=",
			Action:     DecisionContinue,
		}},
		Fallback: true,
	}
}

func fallbackDecisions(stageComplete bool) []string {
	if stageComplete {
		return []string{DecisionProgress}
	}
	return []string{DecisionContinue}
}
