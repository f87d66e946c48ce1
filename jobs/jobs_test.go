package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/policy"
	"github.com/outflowhq/outflow/store"
	"github.com/outflowhq/outflow/tools"
)

type fakeJobStore struct {
	running  []store.WorkflowExecution
	due      []store.Action
	executed []string
	failed   map[string][]string
	statuses map[string]string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		failed:   map[string][]string{},
		statuses: map[string]string{},
	}
}

func (f *fakeJobStore) ListRunningExecutions(_ context.Context, tenantID string) ([]store.WorkflowExecution, error) {
	var out []store.WorkflowExecution
	for _, e := range f.running {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ListDueActions(_ context.Context, _ time.Time, _ int) ([]store.Action, error) {
	return f.due, nil
}

func (f *fakeJobStore) MarkActionExecuted(_ context.Context, id string) error {
	f.executed = append(f.executed, id)
	f.statuses[id] = store.ActionExecuted
	return nil
}

func (f *fakeJobStore) MarkActionFailed(_ context.Context, id, status string, reasons []string) error {
	f.failed[id] = reasons
	f.statuses[id] = status
	return nil
}

type publishedMsg struct {
	topic bus.Topic
	key   string
	msg   bus.Message
}

type fakePublisher struct {
	published []publishedMsg
}

func (f *fakePublisher) Publish(_ context.Context, topic bus.Topic, key string, msg bus.Message) error {
	f.published = append(f.published, publishedMsg{topic, key, msg})
	return nil
}

type fakeGate struct {
	decision *policy.Decision
}

func (f *fakeGate) Evaluate(_ context.Context, _ policy.Request) (*policy.Decision, error) {
	if f.decision != nil {
		return f.decision, nil
	}
	return &policy.Decision{Approved: true}, nil
}

type fakeExecutor struct {
	results map[string]*tools.Result
	calls   []string
}

func (f *fakeExecutor) Execute(_ context.Context, toolName string, _ tools.Call) *tools.Result {
	f.calls = append(f.calls, toolName)
	if r, ok := f.results[toolName]; ok {
		return r
	}
	return &tools.Result{Success: true}
}

func invocation(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(InvocationPayload{
		TenantID:  "t1",
		SubjectID: "s1",
		EventID:   "e-1",
		EventType: "email-opened",
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestInvokerFansOutToRunningExecutions(t *testing.T) {
	fs := newFakeJobStore()
	fs.running = []store.WorkflowExecution{
		{ID: "ex-1", TenantID: "t1", Status: store.ExecutionRunning},
		{ID: "ex-2", TenantID: "t1", Status: store.ExecutionRunning},
		{ID: "ex-3", TenantID: "t2", Status: store.ExecutionRunning},
	}
	pub := &fakePublisher{}
	inv := NewInvoker(fs, pub, nil)

	if err := inv.HandleJob(context.Background(), invocation(t)); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if len(pub.published) != 2 {
		t.Fatalf("published = %d", len(pub.published))
	}
	for _, p := range pub.published {
		if p.topic != bus.TopicWorkflowEvents || p.key != "s1" {
			t.Errorf("published to %s/%s", p.topic, p.key)
		}
		update := p.msg.(*bus.WorkflowMetricUpdate)
		if update.Metrics["email_opened_events"] != 1 {
			t.Errorf("metrics = %v", update.Metrics)
		}
	}
}

func TestInvokerNoRunningExecutionsIsQuiet(t *testing.T) {
	pub := &fakePublisher{}
	inv := NewInvoker(newFakeJobStore(), pub, nil)

	if err := inv.HandleJob(context.Background(), invocation(t)); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if len(pub.published) != 0 {
		t.Errorf("published = %d", len(pub.published))
	}
}

func TestInvokerRejectsMalformedPayload(t *testing.T) {
	inv := NewInvoker(newFakeJobStore(), &fakePublisher{}, nil)
	if err := inv.HandleJob(context.Background(), json.RawMessage(`{"tenant_id":""}`)); err == nil {
		t.Error("HandleJob() accepted empty payload")
	}
	if err := inv.HandleJob(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Error("HandleJob() accepted garbage")
	}
}

func dueAction(id, channel string) store.Action {
	return store.Action{
		ID:          id,
		TenantID:    "t1",
		SubjectID:   "s1",
		Channel:     channel,
		Status:      store.ActionPlanned,
		Payload:     store.JSONMap{"body": "hello"},
		ScheduledAt: time.Now().UTC().Add(-time.Minute),
	}
}

func TestSweeperExecutesApprovedAction(t *testing.T) {
	fs := newFakeJobStore()
	fs.due = []store.Action{dueAction("a-1", policy.ChannelEmail)}
	exec := &fakeExecutor{}
	sweeper := NewActionSweeper(fs, &fakeGate{}, exec, nil)

	if err := sweeper.HandleJob(context.Background(), nil); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if len(exec.calls) != 1 || exec.calls[0] != "send-email" {
		t.Errorf("calls = %v", exec.calls)
	}
	if len(fs.executed) != 1 || fs.executed[0] != "a-1" {
		t.Errorf("executed = %v", fs.executed)
	}
}

func TestSweeperDeniesOverCapAction(t *testing.T) {
	fs := newFakeJobStore()
	fs.due = []store.Action{dueAction("a-1", policy.ChannelEmail)}
	gate := &fakeGate{decision: &policy.Decision{
		Approved:   false,
		Violations: []string{"Email daily limit (1) exceeded"},
	}}
	exec := &fakeExecutor{}
	sweeper := NewActionSweeper(fs, gate, exec, nil)

	if err := sweeper.HandleJob(context.Background(), nil); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("tool called despite denial: %v", exec.calls)
	}
	if fs.statuses["a-1"] != store.ActionDenied {
		t.Errorf("status = %s", fs.statuses["a-1"])
	}
	if len(fs.failed["a-1"]) != 1 {
		t.Errorf("violations = %v", fs.failed["a-1"])
	}
}

func TestSweeperMarksFailedOnSendError(t *testing.T) {
	fs := newFakeJobStore()
	fs.due = []store.Action{dueAction("a-1", policy.ChannelWhatsapp)}
	exec := &fakeExecutor{results: map[string]*tools.Result{
		"send-whatsapp": {Success: false, Error: "provider unavailable"},
	}}
	sweeper := NewActionSweeper(fs, &fakeGate{}, exec, nil)

	if err := sweeper.HandleJob(context.Background(), nil); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if fs.statuses["a-1"] != store.ActionFailed {
		t.Errorf("status = %s", fs.statuses["a-1"])
	}
}

func TestSweeperUnknownChannelFails(t *testing.T) {
	fs := newFakeJobStore()
	fs.due = []store.Action{dueAction("a-1", "carrier-pigeon")}
	sweeper := NewActionSweeper(fs, &fakeGate{}, &fakeExecutor{}, nil)

	if err := sweeper.HandleJob(context.Background(), nil); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if fs.statuses["a-1"] != store.ActionFailed {
		t.Errorf("status = %s", fs.statuses["a-1"])
	}
}
