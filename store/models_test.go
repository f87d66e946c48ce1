package store

import (
	"testing"
	"time"
)

func TestMergeMetricsAccumulates(t *testing.T) {
	exec := &WorkflowExecution{}

	exec.MergeMetrics(map[string]float64{"tasks_completed": 1, "messages_sent": 2})
	exec.MergeMetrics(map[string]float64{"tasks_completed": 1, "engagement_score": 5})

	if got := exec.Metrics["tasks_completed"]; got != float64(2) {
		t.Errorf("expected tasks_completed 2, got %v", got)
	}
	if got := exec.Metrics["messages_sent"]; got != float64(2) {
		t.Errorf("expected messages_sent 2, got %v", got)
	}
	if got := exec.Metrics["engagement_score"]; got != float64(5) {
		t.Errorf("expected engagement_score 5, got %v", got)
	}

	cols := exec.ModifiedColumns()
	if len(cols) != 1 || cols[0] != ColMetrics {
		t.Errorf("expected only metrics flagged, got %v", cols)
	}
}

func TestModifiedColumnsStableOrder(t *testing.T) {
	exec := &WorkflowExecution{}
	exec.MarkModified(ColStatus)
	exec.MarkModified(ColDecisions)
	exec.MarkModified(ColCurrentStage)

	cols := exec.ModifiedColumns()
	want := []string{ColCurrentStage, ColStatus, ColDecisions}
	if len(cols) != len(want) {
		t.Fatalf("expected %d columns, got %v", len(want), cols)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("column %d: expected %s, got %s", i, want[i], cols[i])
		}
	}

	exec.ClearModified()
	if len(exec.ModifiedColumns()) != 0 {
		t.Error("expected no columns after ClearModified")
	}
}

func TestAppendDecisionStampsTimestamp(t *testing.T) {
	exec := &WorkflowExecution{}
	exec.AppendDecision(Decision{Decision: "progress_to_next_stage", Reasoning: "stage complete"})

	if len(exec.Decisions) != 1 {
		t.Fatalf("expected one decision, got %d", len(exec.Decisions))
	}
	if exec.Decisions[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped")
	}
	if cols := exec.ModifiedColumns(); len(cols) != 1 || cols[0] != ColDecisions {
		t.Errorf("expected decisions flagged, got %v", cols)
	}
}

func TestStageListOrder(t *testing.T) {
	stages := StageList{
		{Name: "intro", Day: 1},
		{Name: "follow_up", Day: 3},
		{Name: "close", Day: 7},
	}

	if got := stages.Index("follow_up"); got != 1 {
		t.Errorf("expected index 1, got %d", got)
	}
	if got := stages.Index("unknown"); got != -1 {
		t.Errorf("expected -1 for unknown stage, got %d", got)
	}

	next := stages.Next("intro")
	if next == nil || next.Name != "follow_up" {
		t.Errorf("expected follow_up after intro, got %v", next)
	}
	if stages.Next("close") != nil {
		t.Error("expected nil after last stage")
	}
	if stages.Next("unknown") != nil {
		t.Error("expected nil for unknown stage")
	}
}

func TestEngagementScore(t *testing.T) {
	sc := &SubjectContext{PageViews: 2, EmailsOpened: 1, WhatsappReceived: 1}
	if got := sc.EngagementScore(); got != 7 {
		t.Errorf("expected score 7 (2 + 2*1 + 3*1), got %d", got)
	}
}

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{"a": "b", "n": float64(3)}
	v, err := m.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	var out JSONMap
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if out["a"] != "b" || out["n"] != float64(3) {
		t.Errorf("round trip mismatch: %v", out)
	}

	var nilMap JSONMap
	v, err = nilMap.Value()
	if err != nil {
		t.Fatalf("Value() on nil error = %v", err)
	}
	if string(v.([]byte)) != "{}" {
		t.Errorf("expected {} for nil map, got %s", v)
	}
}

func TestDecisionListScan(t *testing.T) {
	raw := []byte(`[{"timestamp":"2026-01-01T00:00:00Z","decision":"continue_current_stage","reasoning":"metrics below threshold"}]`)
	var d DecisionList
	if err := d.Scan(raw); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(d) != 1 || d[0].Decision != "continue_current_stage" {
		t.Errorf("unexpected decisions: %v", d)
	}
	if !d[0].Timestamp.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp: %v", d[0].Timestamp)
	}
}
