package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/outflowhq/outflow/llm"
	"github.com/outflowhq/outflow/store"
)

// flexString tolerates models emitting an array where a string was
// asked for. Array elements join with a blank line.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}

	var parts []string
	if err := json.Unmarshal(data, &parts); err == nil {
		*f = flexString(strings.Join(parts, "\n\n"))
		return nil
	}
	return fmt.Errorf("expected string or string array, got %s", data)
}

// flexStrings tolerates a bare string where an array was asked for.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err == nil {
		*f = parts
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*f = nil
		} else {
			*f = []string{s}
		}
		return nil
	}
	return fmt.Errorf("expected string array or string, got %s", data)
}

type rawStage struct {
	Name            string      `json:"name"`
	Day             json.Number `json:"day"`
	Actions         flexStrings `json:"actions"`
	EntryConditions flexStrings `json:"entry_conditions"`
	ExitConditions  flexStrings `json:"exit_conditions"`
	RequiredTools   flexStrings `json:"required_tools"`
	FallbackActions flexStrings `json:"fallback_actions"`
}

type rawThreshold struct {
	Metric     string      `json:"metric"`
	Threshold  json.Number `json:"threshold"`
	Comparator string      `json:"comparator"`
	Action     flexString  `json:"action"`
	Priority   string      `json:"priority"`
}

type rawPlan struct {
	WorkflowType     flexString      `json:"workflow_type"`
	Stages           json.RawMessage `json:"stages"`
	MetricThresholds json.RawMessage `json:"metric_thresholds"`
	MissingTools     flexStrings     `json:"missing_tools"`
}

// parsePlan decodes a planner completion into a Plan. Stages may
// arrive as a name-keyed object or an array; objects are ordered by
// day, then name.
func parsePlan(content string) (*Plan, error) {
	cleaned := llm.ExtractJSON(content)
	if cleaned == "" {
		return nil, fmt.Errorf("no JSON object in planner output")
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	stages, err := parseStages(raw.Stages)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("plan has no stages")
	}

	thresholds, err := parseThresholds(raw.MetricThresholds)
	if err != nil {
		return nil, err
	}

	workflowType := string(raw.WorkflowType)
	if workflowType == "" {
		workflowType = store.WorkflowSequential
	}

	return &Plan{
		WorkflowType:     workflowType,
		Stages:           stages,
		MetricThresholds: thresholds,
		MissingTools:     raw.MissingTools,
	}, nil
}

func parseStages(data json.RawMessage) (store.StageList, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var byName map[string]rawStage
	if err := json.Unmarshal(data, &byName); err == nil {
		stages := make(store.StageList, 0, len(byName))
		for name, rs := range byName {
			if rs.Name == "" {
				rs.Name = name
			}
			stages = append(stages, materializeStage(rs))
		}
		sort.Slice(stages, func(i, j int) bool {
			if stages[i].Day != stages[j].Day {
				return stages[i].Day < stages[j].Day
			}
			return stages[i].Name < stages[j].Name
		})
		return stages, nil
	}

	var asList []rawStage
	if err := json.Unmarshal(data, &asList); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	stages := make(store.StageList, 0, len(asList))
	for _, rs := range asList {
		if rs.Name == "" {
			continue
		}
		stages = append(stages, materializeStage(rs))
	}
	return stages, nil
}

func materializeStage(rs rawStage) store.Stage {
	day, _ := rs.Day.Int64()
	if day <= 0 {
		day = 1
	}
	return store.Stage{
		Name:            rs.Name,
		Day:             int(day),
		Actions:         rs.Actions,
		EntryConditions: rs.EntryConditions,
		ExitConditions:  rs.ExitConditions,
		RequiredTools:   rs.RequiredTools,
		FallbackActions: rs.FallbackActions,
	}
}

func parseThresholds(data json.RawMessage) (store.ThresholdList, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var byMetric map[string]rawThreshold
	if err := json.Unmarshal(data, &byMetric); err == nil {
		names := make([]string, 0, len(byMetric))
		for name := range byMetric {
			names = append(names, name)
		}
		sort.Strings(names)

		out := make(store.ThresholdList, 0, len(names))
		for _, name := range names {
			rt := byMetric[name]
			if rt.Metric == "" {
				rt.Metric = name
			}
			out = append(out, materializeThreshold(rt))
		}
		return out, nil
	}

	var asList []rawThreshold
	if err := json.Unmarshal(data, &asList); err != nil {
		return nil, fmt.Errorf("decode metric thresholds: %w", err)
	}
	out := make(store.ThresholdList, 0, len(asList))
	for _, rt := range asList {
		if rt.Metric == "" {
			continue
		}
		out = append(out, materializeThreshold(rt))
	}
	return out, nil
}

func materializeThreshold(rt rawThreshold) store.MetricThreshold {
	value, _ := rt.Threshold.Float64()
	comparator := rt.Comparator
	if comparator == "" {
		comparator = ">="
	}
	return store.MetricThreshold{
		Metric:     rt.Metric,
		Threshold:  value,
		Comparator: comparator,
		Action:     string(rt.Action),
		Priority:   rt.Priority,
	}
}

// parseDecisions accepts a JSON array of decision strings, an array of
// {"decision": ...} objects, or an object with a "decisions" key.
// Unknown decisions are dropped; hyphens normalize to underscores.
func parseDecisions(content string) ([]string, error) {
	cleaned := llm.ExtractJSONArray(content)
	if cleaned == "" {
		if obj := llm.ExtractJSON(content); obj != "" {
			var wrapper struct {
				Decisions json.RawMessage `json:"decisions"`
			}
			if err := json.Unmarshal([]byte(obj), &wrapper); err == nil && len(wrapper.Decisions) > 0 {
				cleaned = string(wrapper.Decisions)
			}
		}
	}
	if cleaned == "" {
		return nil, fmt.Errorf("no JSON array in analyzer output")
	}

	var names []string
	if err := json.Unmarshal([]byte(cleaned), &names); err != nil {
		var objs []struct {
			Decision string `json:"decision"`
			Action   string `json:"action"`
		}
		if err := json.Unmarshal([]byte(cleaned), &objs); err != nil {
			return nil, fmt.Errorf("decode decisions: %w", err)
		}
		for _, o := range objs {
			if o.Decision != "" {
				names = append(names, o.Decision)
			} else if o.Action != "" {
				names = append(names, o.Action)
			}
		}
	}

	valid := map[string]bool{
		DecisionProgress: true,
		DecisionContinue: true,
		DecisionAdjust:   true,
		DecisionComplete: true,
	}

	var out []string
	seen := map[string]bool{}
	for _, name := range names {
		name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
		if valid[name] && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	return out, nil
}
