package worker

import (
	"context"
	"fmt"
	"testing"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/planner"
	"github.com/outflowhq/outflow/store"
	"github.com/outflowhq/outflow/tools"
)

type fakeWorkerStore struct {
	tasks        map[string]*store.WorkerTask
	workflows    map[string]*store.Workflow
	deadLetters  []bus.DeadLetter
	failTerminal bool
}

func newFakeWorkerStore(tasks ...*store.WorkerTask) *fakeWorkerStore {
	f := &fakeWorkerStore{
		tasks:     map[string]*store.WorkerTask{},
		workflows: map[string]*store.Workflow{},
	}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeWorkerStore) GetTask(_ context.Context, id string) (*store.WorkerTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeWorkerStore) StartTask(_ context.Context, id string) (bool, error) {
	t, ok := f.tasks[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status != store.TaskPending && t.Status != store.TaskAssigned {
		return false, nil
	}
	t.Status = store.TaskInProgress
	return true, nil
}

func (f *fakeWorkerStore) CompleteTask(_ context.Context, id string, result store.JSONMap) error {
	f.tasks[id].Status = store.TaskCompleted
	f.tasks[id].Result = result
	return nil
}

func (f *fakeWorkerStore) FailTask(_ context.Context, id, errText string) (bool, error) {
	t := f.tasks[id]
	t.Error = errText
	if f.failTerminal {
		t.Status = store.TaskFailed
		return true, nil
	}
	t.Status = store.TaskPending
	t.RetryCount++
	return false, nil
}

func (f *fakeWorkerStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	w, ok := f.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

func (f *fakeWorkerStore) RecordDeadLetter(_ context.Context, d bus.DeadLetter) error {
	f.deadLetters = append(f.deadLetters, d)
	return nil
}

type fakeExecutor struct {
	results map[string]*tools.Result
	calls   []string
}

func (f *fakeExecutor) Execute(_ context.Context, toolName string, _ tools.Call) *tools.Result {
	f.calls = append(f.calls, toolName)
	if r, ok := f.results[toolName]; ok {
		r.ToolName = toolName
		return r
	}
	return &tools.Result{Success: true, ToolName: toolName, Data: map[string]any{}}
}

type fakeGenerator struct {
	content string
	err     error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, _ planner.ContentRequest) (string, error) {
	return f.content, f.err
}

type fakeCatalog struct {
	unavailable map[string]bool
}

func (f *fakeCatalog) IsAvailable(name string) bool { return !f.unavailable[name] }

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

func (f *fakePublisher) PublishAsync(topic bus.Topic, key string, msg bus.Message) error {
	f.published = append(f.published, publishedMsg{topic, key, msg})
	return nil
}

func (f *fakePublisher) Flush(_ context.Context) error { return nil }

func (f *fakePublisher) onTopic(topic bus.Topic) []publishedMsg {
	var out []publishedMsg
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func assignment(taskID string) *bus.WorkerTaskAssigned {
	return &bus.WorkerTaskAssigned{
		Envelope:            bus.Envelope{EventType: bus.EventWorkerTaskAssigned, Priority: bus.PriorityHigh},
		TaskID:              taskID,
		WorkflowExecutionID: "e1",
		AgentID:             "w1",
		SubjectID:           "s1",
		TaskType:            "intro_task",
		TaskPayload: map[string]any{
			"workflow_id":    "wf-1",
			"stage_name":     "intro",
			"tenant_id":      "t1",
			"required_tools": []any{"send-email"},
		},
	}
}

func pendingTask(id string) *store.WorkerTask {
	return &store.WorkerTask{
		ID:          id,
		ExecutionID: "e1",
		AgentID:     "w1",
		SubjectID:   "s1",
		TaskType:    "intro_task",
		Status:      store.TaskPending,
		MaxRetries:  3,
		Payload:     store.JSONMap{"stage_name": "intro"},
	}
}

func newTestWorker(fs *fakeWorkerStore, exec *fakeExecutor, pub *fakePublisher) *Worker {
	return New(fs, exec, &fakeGenerator{content: "Hello there"}, &fakeCatalog{}, pub, nil)
}

func TestStageTaskHappyPath(t *testing.T) {
	fs := newFakeWorkerStore(pendingTask("task-1"))
	fs.workflows["wf-1"] = &store.Workflow{ID: "wf-1", Purpose: "sales", Goal: "book demos"}
	exec := &fakeExecutor{results: map[string]*tools.Result{
		"get-subject-context": {Success: true, Data: map[string]any{"stage": store.StageNew}},
	}}
	pub := &fakePublisher{}
	w := newTestWorker(fs, exec, pub)

	if err := w.processAssignment(context.Background(), assignment("task-1")); err != nil {
		t.Fatalf("processAssignment() error = %v", err)
	}

	task := fs.tasks["task-1"]
	if task.Status != store.TaskCompleted {
		t.Errorf("task status = %s", task.Status)
	}
	if task.Result["channel"] != "email" || task.Result["subject_stage"] != store.StageInterested {
		t.Errorf("task result = %v", task.Result)
	}

	wantCalls := []string{"get-subject-context", "send-email", "update-subject-stage"}
	if len(exec.calls) != len(wantCalls) {
		t.Fatalf("tool calls = %v", exec.calls)
	}
	for i, want := range wantCalls {
		if exec.calls[i] != want {
			t.Errorf("call %d = %s, want %s", i, exec.calls[i], want)
		}
	}

	results := pub.onTopic(bus.TopicTaskResults)
	if len(results) != 1 {
		t.Fatalf("results published = %d", len(results))
	}
	msg := results[0].msg.(*bus.WorkerTaskCompleted)
	if !msg.Success || msg.TaskID != "task-1" || msg.WorkflowExecutionID != "e1" {
		t.Errorf("unexpected completion: %+v", msg)
	}
	if results[0].key != "s1" {
		t.Errorf("partition key = %s", results[0].key)
	}
}

func TestRedeliveredAssignmentIsNoOp(t *testing.T) {
	for _, status := range []string{store.TaskInProgress, store.TaskCompleted, store.TaskFailed} {
		task := pendingTask("task-1")
		task.Status = status
		fs := newFakeWorkerStore(task)
		exec := &fakeExecutor{}
		pub := &fakePublisher{}
		w := newTestWorker(fs, exec, pub)

		if err := w.processAssignment(context.Background(), assignment("task-1")); err != nil {
			t.Fatalf("status %s: error = %v", status, err)
		}
		if len(exec.calls) != 0 {
			t.Errorf("status %s: tools invoked on redelivery", status)
		}
		if len(pub.published) != 0 {
			t.Errorf("status %s: result published on redelivery", status)
		}
		if fs.tasks["task-1"].Status != status {
			t.Errorf("status %s: task mutated to %s", status, fs.tasks["task-1"].Status)
		}
	}
}

func TestMissingRequiredToolsReported(t *testing.T) {
	fs := newFakeWorkerStore(pendingTask("task-1"))
	exec := &fakeExecutor{}
	pub := &fakePublisher{}
	w := New(fs, exec, &fakeGenerator{}, &fakeCatalog{unavailable: map[string]bool{"send-email": true}}, pub, nil)

	if err := w.processAssignment(context.Background(), assignment("task-1")); err != nil {
		t.Fatalf("processAssignment() error = %v", err)
	}

	if fs.tasks["task-1"].Status != store.TaskCompleted {
		t.Errorf("task status = %s", fs.tasks["task-1"].Status)
	}
	if len(exec.calls) != 0 {
		t.Errorf("tools invoked despite missing requirement: %v", exec.calls)
	}

	results := pub.onTopic(bus.TopicTaskResults)
	if len(results) != 1 {
		t.Fatalf("results published = %d", len(results))
	}
	msg := results[0].msg.(*bus.WorkerTaskCompleted)
	if len(msg.MissingTools) != 1 || msg.MissingTools[0] != "send-email" {
		t.Errorf("missing tools = %v", msg.MissingTools)
	}
}

func TestHandlerFailureRequeuesWhileRetriesRemain(t *testing.T) {
	fs := newFakeWorkerStore(pendingTask("task-1"))
	exec := &fakeExecutor{results: map[string]*tools.Result{
		"get-subject-context": {Success: false, Error: "store unavailable"},
	}}
	pub := &fakePublisher{}
	w := newTestWorker(fs, exec, pub)

	if err := w.processAssignment(context.Background(), assignment("task-1")); err != nil {
		t.Fatalf("processAssignment() error = %v", err)
	}

	if fs.tasks["task-1"].Status != store.TaskPending {
		t.Errorf("task status = %s, want pending for retry", fs.tasks["task-1"].Status)
	}
	requeued := pub.onTopic(bus.TopicSupervisorTasks)
	if len(requeued) != 1 {
		t.Fatalf("requeued assignments = %d", len(requeued))
	}
	if msg := requeued[0].msg.(*bus.WorkerTaskAssigned); msg.TaskID != "task-1" {
		t.Errorf("requeued task id = %s", msg.TaskID)
	}
	if len(fs.deadLetters) != 0 {
		t.Error("dead letter written before retries exhausted")
	}
}

func TestTerminalFailureDeadLettersAndReports(t *testing.T) {
	fs := newFakeWorkerStore(pendingTask("task-1"))
	fs.failTerminal = true
	exec := &fakeExecutor{results: map[string]*tools.Result{
		"get-subject-context": {Success: false, Error: "tool get-subject-context execution exceeded 1 seconds"},
	}}
	pub := &fakePublisher{}
	w := newTestWorker(fs, exec, pub)

	if err := w.processAssignment(context.Background(), assignment("task-1")); err != nil {
		t.Fatalf("processAssignment() error = %v", err)
	}

	if fs.tasks["task-1"].Status != store.TaskFailed {
		t.Errorf("task status = %s", fs.tasks["task-1"].Status)
	}
	if len(fs.deadLetters) != 1 {
		t.Fatalf("dead letters = %d", len(fs.deadLetters))
	}
	d := fs.deadLetters[0]
	if d.Queue != "worker_tasks" || d.MessageID != "task-1" {
		t.Errorf("unexpected dead letter: %+v", d)
	}

	results := pub.onTopic(bus.TopicTaskResults)
	if len(results) != 1 {
		t.Fatalf("results published = %d", len(results))
	}
	msg := results[0].msg.(*bus.WorkerTaskCompleted)
	if msg.Success || msg.Error == "" {
		t.Errorf("unexpected completion: %+v", msg)
	}
}

func TestRegisteredHandlerTakesPrecedence(t *testing.T) {
	fs := newFakeWorkerStore(pendingTask("task-1"))
	exec := &fakeExecutor{}
	pub := &fakePublisher{}
	w := newTestWorker(fs, exec, pub)

	var called bool
	w.RegisterHandler("intro_task", func(_ context.Context, tc *TaskContext) (*HandlerResult, error) {
		called = true
		return &HandlerResult{Result: store.JSONMap{"status": "custom"}}, nil
	})

	if err := w.processAssignment(context.Background(), assignment("task-1")); err != nil {
		t.Fatalf("processAssignment() error = %v", err)
	}
	if !called {
		t.Fatal("registered handler not invoked")
	}
	if len(exec.calls) != 0 {
		t.Errorf("stage handler tools invoked: %v", exec.calls)
	}
	if fs.tasks["task-1"].Result["status"] != "custom" {
		t.Errorf("result = %v", fs.tasks["task-1"].Result)
	}
}

func TestGenerateContentErrorFailsTask(t *testing.T) {
	fs := newFakeWorkerStore(pendingTask("task-1"))
	exec := &fakeExecutor{results: map[string]*tools.Result{
		"get-subject-context": {Success: true, Data: map[string]any{"stage": store.StageEngaged}},
	}}
	pub := &fakePublisher{}
	w := New(fs, exec, &fakeGenerator{err: fmt.Errorf("model down")}, &fakeCatalog{}, pub, nil)

	if err := w.processAssignment(context.Background(), assignment("task-1")); err != nil {
		t.Fatalf("processAssignment() error = %v", err)
	}
	if fs.tasks["task-1"].Status != store.TaskPending {
		t.Errorf("task status = %s, want pending for retry", fs.tasks["task-1"].Status)
	}
}
