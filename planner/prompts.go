package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/outflowhq/outflow/llm"
)

const planSystemPrompt = `You are a campaign planning engine. You design multi-stage outreach workflows.
Respond with a single JSON object and nothing else:
{
  "workflow_type": "sequential" | "parallel" | "conditional" | "event-driven",
  "stages": {
    "<stage-name>": {
      "day": <int>,
      "actions": ["..."],
      "entry_conditions": ["..."],
      "exit_conditions": ["..."],
      "required_tools": ["..."],
      "fallback_actions": ["..."]
    }
  },
  "metric_thresholds": {
    "<metric>": {"threshold": <float>, "comparator": ">=", "action": "..."}
  },
  "missing_tools": ["..."]
}
Only list tools that are not in the available set under missing_tools.`

func planMessages(req PlanRequest) []llm.Message {
	profile, _ := json.Marshal(req.Profile)

	var b strings.Builder
	fmt.Fprintf(&b, "Purpose: %s\nGoal: %s\n", req.Purpose, req.Goal)
	if !req.StartDate.IsZero() {
		fmt.Fprintf(&b, "Campaign window: %s to %s\n",
			req.StartDate.Format("2006-01-02"), req.EndDate.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "Subjects: %d\n", req.SubjectCount)
	fmt.Fprintf(&b, "Tenant profile: %s\n", profile)
	fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(req.AvailableTools, ", "))
	if req.ToolSchemas != "" {
		fmt.Fprintf(&b, "Tool schemas:\n%s\n", req.ToolSchemas)
	}
	b.WriteString("Design the workflow now.")

	return []llm.Message{
		{Role: "system", Content: planSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

const decisionSystemPrompt = `You are a workflow decision analyzer. Given the state of a running campaign stage,
respond with a JSON array of decisions, each one of:
"progress_to_next_stage", "continue_current_stage", "adjust_workflow", "complete_workflow".
Respond with the JSON array only.`

func decisionMessages(req DecisionRequest) []llm.Message {
	metrics, _ := json.Marshal(req.Metrics)
	thresholds, _ := json.Marshal(req.Thresholds)

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nPurpose: %s\n", req.Goal, req.Purpose)
	fmt.Fprintf(&b, "Current stage: %s (complete: %t)\n", req.CurrentStage, req.StageComplete)
	fmt.Fprintf(&b, "Stages: %s\n", strings.Join(req.AvailableStages, " -> "))
	fmt.Fprintf(&b, "Metrics: %s\n", metrics)
	fmt.Fprintf(&b, "Thresholds: %s\n", thresholds)
	b.WriteString("What should the workflow do next?")

	return []llm.Message{
		{Role: "system", Content: decisionSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func contentMessages(req ContentRequest) []llm.Message {
	subject, _ := json.Marshal(req.Subject)
	profile, _ := json.Marshal(req.Profile)

	system := fmt.Sprintf(`You write %s outreach messages. Respond with the message body only, no preamble and no signature placeholders.`, req.ContentType)

	user := fmt.Sprintf("Campaign purpose: %s\nCurrent stage: %s\nRecipient: %s\nSender profile: %s\nWrite the message.",
		req.Purpose, req.Stage, subject, profile)

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}
