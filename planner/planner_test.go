package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/outflowhq/outflow/llm"
)

type stubCompleter struct {
	content string
	err     error
	calls   int
}

func (s *stubCompleter) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

const planResponse = `Here is the plan:
` + "```json" + `
{
  "workflow_type": "sequential",
  "stages": {
    "follow-up": {"day": 3, "actions": ["check in"], "required_tools": ["send-email"]},
    "intro": {"day": 1, "actions": ["introduce offering"], "required_tools": ["send-whatsapp"]}
  },
  "metric_thresholds": {
    "engagement_rate": {"threshold": 0.1, "comparator": ">=", "action": "continue_current_stage"}
  },
  "missing_tools": ["send-gift"]
}
` + "```"

func TestPlanParsesAndOrdersStages(t *testing.T) {
	p := New(&stubCompleter{content: planResponse}, nil)

	plan, err := p.Plan(context.Background(), PlanRequest{Goal: "book demos"})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Fallback {
		t.Fatal("expected a parsed plan, got fallback")
	}
	if plan.WorkflowType != "sequential" {
		t.Errorf("workflow type = %q", plan.WorkflowType)
	}
	if len(plan.Stages) != 2 || plan.Stages[0].Name != "intro" || plan.Stages[1].Name != "follow-up" {
		t.Errorf("stages out of order: %+v", plan.Stages)
	}
	if len(plan.MetricThresholds) != 1 || plan.MetricThresholds[0].Metric != "engagement_rate" {
		t.Errorf("unexpected thresholds: %+v", plan.MetricThresholds)
	}
	if len(plan.MissingTools) != 1 || plan.MissingTools[0] != "send-gift" {
		t.Errorf("unexpected missing tools: %v", plan.MissingTools)
	}
}

func TestPlanFallsBackOnClientError(t *testing.T) {
	p := New(&stubCompleter{err: fmt.Errorf("model down")}, nil)

	plan, err := p.Plan(context.Background(), PlanRequest{
		AvailableTools: []string{"send-email", "send-whatsapp", "send-sms", "escalate-to-human"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !plan.Fallback {
		t.Fatal("expected fallback plan")
	}
	if len(plan.Stages) != 1 || plan.Stages[0].Name != "intro" || plan.Stages[0].Day != 1 {
		t.Errorf("unexpected fallback stages: %+v", plan.Stages)
	}
	if len(plan.Stages[0].RequiredTools) != 3 {
		t.Errorf("fallback should take first 3 tools, got %v", plan.Stages[0].RequiredTools)
	}
	if len(plan.MetricThresholds) != 1 || plan.MetricThresholds[0].Metric != "engagement_rate" {
		t.Errorf("unexpected fallback thresholds: %+v", plan.MetricThresholds)
	}
}

func TestPlanFallsBackOnUnparseableOutput(t *testing.T) {
	p := New(&stubCompleter{content: "I am unable to produce a plan today."}, nil)

	plan, err := p.Plan(context.Background(), PlanRequest{AvailableTools: []string{"send-email"}})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !plan.Fallback {
		t.Error("expected fallback plan for unparseable output")
	}
}

func TestParsePlanToleratesStringForArray(t *testing.T) {
	plan, err := parsePlan(`{
		"workflow_type": "sequential",
		"stages": {"intro": {"day": 1, "actions": "say hello"}}
	}`)
	if err != nil {
		t.Fatalf("parsePlan() error = %v", err)
	}
	if len(plan.Stages[0].Actions) != 1 || plan.Stages[0].Actions[0] != "say hello" {
		t.Errorf("unexpected actions: %v", plan.Stages[0].Actions)
	}
}

func TestParsePlanToleratesStageArray(t *testing.T) {
	plan, err := parsePlan(`{
		"stages": [
			{"name": "intro", "day": 1, "actions": ["hello"]},
			{"name": "close", "day": 7, "actions": ["ask"]}
		]
	}`)
	if err != nil {
		t.Fatalf("parsePlan() error = %v", err)
	}
	if plan.WorkflowType != "sequential" {
		t.Errorf("expected default workflow type, got %q", plan.WorkflowType)
	}
	if len(plan.Stages) != 2 || plan.Stages[1].Name != "close" {
		t.Errorf("unexpected stages: %+v", plan.Stages)
	}
}

func TestDecideParsesAndNormalizes(t *testing.T) {
	p := New(&stubCompleter{content: "```json\n[\"progress-to-next-stage\", \"made-up-decision\", \"PROGRESS_TO_NEXT_STAGE\"]\n```"}, nil)

	decisions, err := p.Decide(context.Background(), DecisionRequest{})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(decisions) != 1 || decisions[0] != DecisionProgress {
		t.Errorf("unexpected decisions: %v", decisions)
	}
}

func TestDecideParsesObjectList(t *testing.T) {
	p := New(&stubCompleter{content: `[{"decision": "complete_workflow"}, {"decision": "adjust_workflow"}]`}, nil)

	decisions, err := p.Decide(context.Background(), DecisionRequest{})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(decisions) != 2 || decisions[0] != DecisionComplete || decisions[1] != DecisionAdjust {
		t.Errorf("unexpected decisions: %v", decisions)
	}
}

func TestDecideFallback(t *testing.T) {
	tests := []struct {
		name     string
		complete bool
		want     string
	}{
		{"stage complete", true, DecisionProgress},
		{"stage incomplete", false, DecisionContinue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(&stubCompleter{err: fmt.Errorf("model down")}, nil)
			decisions, err := p.Decide(context.Background(), DecisionRequest{StageComplete: tt.complete})
			if err != nil {
				t.Fatalf("Decide() error = %v", err)
			}
			if len(decisions) != 1 || decisions[0] != tt.want {
				t.Errorf("decisions = %v, want [%s]", decisions, tt.want)
			}
		})
	}
}

func TestGenerateContentPropagatesErrors(t *testing.T) {
	p := New(&stubCompleter{err: fmt.Errorf("model down")}, nil)

	if _, err := p.GenerateContent(context.Background(), ContentRequest{ContentType: "email"}); err == nil {
		t.Error("expected error when the model is unavailable")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubCompleter{err: fmt.Errorf("model down")}
	p := New(stub, nil)

	for i := 0; i < 8; i++ {
		if _, err := p.Plan(context.Background(), PlanRequest{}); err != nil {
			t.Fatalf("Plan() should fall back, got error %v", err)
		}
	}
	// After five consecutive failures the breaker stops reaching the
	// client at all.
	if stub.calls >= 8 {
		t.Errorf("breaker never opened: %d client calls", stub.calls)
	}
	if stub.calls < 5 {
		t.Errorf("breaker opened too early: %d client calls", stub.calls)
	}
}
