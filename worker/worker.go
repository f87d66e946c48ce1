// Package worker consumes task assignments, runs the matching handler
// with tool calls, and reports results back to the supervisor over the
// bus. Task ids make redelivered assignments no-ops.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/planner"
	"github.com/outflowhq/outflow/store"
	"github.com/outflowhq/outflow/tools"
)

var tasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "outflow_worker_tasks_total",
	Help: "Worker task executions by outcome.",
}, []string{"outcome"})

// Store is the slice of the persistence layer the worker needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*store.WorkerTask, error)
	StartTask(ctx context.Context, id string) (bool, error)
	CompleteTask(ctx context.Context, id string, result store.JSONMap) error
	FailTask(ctx context.Context, id, errText string) (bool, error)
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	RecordDeadLetter(ctx context.Context, d bus.DeadLetter) error
}

// ToolExecutor is the slice of the tool layer the worker needs.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, call tools.Call) *tools.Result
}

// ContentGenerator produces outbound message bodies.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, req planner.ContentRequest) (string, error)
}

// Catalog answers tool availability for the generic handler.
type Catalog interface {
	IsAvailable(name string) bool
}

// Publisher is the slice of the bus publisher the worker needs.
type Publisher interface {
	Publish(ctx context.Context, topic bus.Topic, partitionKey string, msg bus.Message) error
	PublishAsync(topic bus.Topic, partitionKey string, msg bus.Message) error
	Flush(ctx context.Context) error
}

// TaskContext is what a handler sees for one assignment.
type TaskContext struct {
	Task       *store.WorkerTask
	Assignment *bus.WorkerTaskAssigned
}

// HandlerResult is a handler's structured outcome.
type HandlerResult struct {
	Result       store.JSONMap
	MissingTools []string
}

// Handler executes one task type. Returning an error fails the task;
// missing tools are reported, not errors.
type Handler func(ctx context.Context, tc *TaskContext) (*HandlerResult, error)

// Worker processes assigned tasks.
type Worker struct {
	store     Store
	executor  ToolExecutor
	generator ContentGenerator
	catalog   Catalog
	publisher Publisher
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a worker runtime.
func New(st Store, executor ToolExecutor, generator ContentGenerator, catalog Catalog, pub Publisher, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     st,
		executor:  executor,
		generator: generator,
		catalog:   catalog,
		publisher: pub,
		logger:    logger,
		handlers:  make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a task type. Task types without a
// registered handler run the built-in stage handler.
func (w *Worker) RegisterHandler(taskType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = h
}

func (w *Worker) handlerFor(taskType string) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if h, ok := w.handlers[taskType]; ok {
		return h
	}
	return w.stageHandler
}

// HandleDelivery is the bus handler for the supervisor_tasks topic.
func (w *Worker) HandleDelivery(ctx context.Context, d *bus.Delivery) error {
	if d.Envelope.EventType != bus.EventWorkerTaskAssigned {
		w.logger.Debug("Ignoring event", "event_type", d.Envelope.EventType)
		return nil
	}
	evt, err := bus.Decode[bus.WorkerTaskAssigned](d.Data)
	if err != nil {
		return err
	}
	return w.processAssignment(ctx, evt)
}

// processAssignment runs one task end to end: claim, execute, persist
// the outcome, and report on the results topic.
func (w *Worker) processAssignment(ctx context.Context, evt *bus.WorkerTaskAssigned) error {
	started, err := w.store.StartTask(ctx, evt.TaskID)
	if err != nil {
		return fmt.Errorf("start task %s: %w", evt.TaskID, err)
	}
	if !started {
		// Redelivery of a task already claimed or finished.
		w.logger.Info("Task already started, ignoring redelivery", "task_id", evt.TaskID)
		return nil
	}

	task, err := w.store.GetTask(ctx, evt.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", evt.TaskID, err)
	}

	begin := time.Now()
	result, handlerErr := w.handlerFor(evt.TaskType)(ctx, &TaskContext{Task: task, Assignment: evt})
	elapsed := time.Since(begin).Milliseconds()

	if handlerErr != nil {
		return w.reportFailure(ctx, task, evt, handlerErr, elapsed)
	}
	return w.reportSuccess(ctx, task, evt, result, elapsed)
}

func (w *Worker) reportSuccess(ctx context.Context, task *store.WorkerTask, evt *bus.WorkerTaskAssigned, result *HandlerResult, elapsedMS int64) error {
	if result == nil {
		result = &HandlerResult{Result: store.JSONMap{}}
	}
	if err := w.store.CompleteTask(ctx, task.ID, result.Result); err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	tasksExecuted.WithLabelValues("completed").Inc()

	w.publishCompleted(ctx, task, evt, &bus.WorkerTaskCompleted{
		Success:         true,
		Result:          result.Result,
		ExecutionTimeMS: elapsedMS,
		MissingTools:    result.MissingTools,
	})
	return nil
}

// reportFailure fails the task, retrying while attempts remain. A
// terminal failure writes a DLQ entry keyed by the task and reports
// success=false to the supervisor.
func (w *Worker) reportFailure(ctx context.Context, task *store.WorkerTask, evt *bus.WorkerTaskAssigned, handlerErr error, elapsedMS int64) error {
	terminal, err := w.store.FailTask(ctx, task.ID, handlerErr.Error())
	if err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}

	if !terminal {
		// The task row is back in pending; requeue the assignment so a
		// worker picks it up again.
		tasksExecuted.WithLabelValues("retried").Inc()
		w.logger.Warn("Task attempt failed, requeueing",
			"task_id", task.ID,
			"retry_count", task.RetryCount+1,
			"error", handlerErr)
		if err := w.publisher.Publish(ctx, bus.TopicSupervisorTasks, evt.SubjectID, &bus.WorkerTaskAssigned{
			Envelope: bus.Envelope{
				EventType: bus.EventWorkerTaskAssigned,
				Priority:  bus.PriorityHigh,
			},
			TaskID:              evt.TaskID,
			WorkflowExecutionID: evt.WorkflowExecutionID,
			AgentID:             evt.AgentID,
			SubjectID:           evt.SubjectID,
			TaskType:            evt.TaskType,
			TaskPayload:         evt.TaskPayload,
			Deadline:            evt.Deadline,
		}); err != nil {
			return fmt.Errorf("requeue task %s: %w", task.ID, err)
		}
		return nil
	}

	tasksExecuted.WithLabelValues("failed").Inc()
	w.logger.Error("Task failed terminally",
		"task_id", task.ID,
		"task_type", task.TaskType,
		"error", handlerErr)

	raw, _ := json.Marshal(task.Payload)
	if err := w.store.RecordDeadLetter(ctx, bus.DeadLetter{
		Queue:      "worker_tasks",
		MessageID:  task.ID,
		TaskName:   task.TaskType,
		Payload:    raw,
		Error:      handlerErr.Error(),
		RetryCount: task.MaxRetries,
	}); err != nil {
		w.logger.Error("Failed to record task dead letter", "task_id", task.ID, "error", err)
	}

	w.publishCompleted(ctx, task, evt, &bus.WorkerTaskCompleted{
		Success:         false,
		Error:           handlerErr.Error(),
		ExecutionTimeMS: elapsedMS,
	})
	return nil
}

// publishCompleted emits the worker-task-completed envelope on the
// task results topic, partitioned by subject.
func (w *Worker) publishCompleted(ctx context.Context, task *store.WorkerTask, evt *bus.WorkerTaskAssigned, msg *bus.WorkerTaskCompleted) {
	msg.Envelope = bus.Envelope{
		EventType: bus.EventWorkerTaskCompleted,
		Priority:  bus.PriorityNormal,
	}
	msg.TaskID = task.ID
	msg.WorkflowExecutionID = task.ExecutionID
	msg.AgentID = evt.AgentID
	msg.SubjectID = evt.SubjectID

	if err := w.publisher.Publish(ctx, bus.TopicTaskResults, evt.SubjectID, msg); err != nil {
		w.logger.Error("Failed to publish task result",
			"task_id", task.ID, "error", err)
	}
}
