// Package queue is the durable in-process job queue: named task
// descriptors ride a JetStream work-queue stream, a worker pool
// invokes registered handlers, and terminal failures land in the DLQ
// table. It complements the bus, which carries cross-service events.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/store"
)

const (
	// StreamName is the work-queue stream jobs ride on.
	StreamName = "JOBS"

	subjectPrefix = "jobs."
	dlqQueueName  = "jobs"

	// DefaultMaxRetries is the attempt budget after the first try.
	DefaultMaxRetries = 3

	defaultWorkers     = 8
	defaultBackoffBase = 2 * time.Second
)

// Job is one queued task descriptor.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one job's payload. A nil return consumes the job;
// an error triggers retry and eventually the DLQ.
type Handler func(ctx context.Context, payload json.RawMessage) error

// DeadLetterStore is the slice of the store the queue needs.
type DeadLetterStore interface {
	RecordDeadLetter(ctx context.Context, d bus.DeadLetter) error
	ListUnprocessedDeadLetters(ctx context.Context, n int) ([]store.DeadLetterEntry, error)
	MarkDeadLetterProcessed(ctx context.Context, id string) error
}

// jetStream is the slice of the JetStream client the queue needs.
type jetStream interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

// Queue enqueues jobs and runs the worker pool.
type Queue struct {
	js     jetStream
	sink   DeadLetterStore
	logger *slog.Logger

	workers     int
	backoffBase time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option tunes queue construction.
type Option func(*Queue)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(q *Queue) { q.workers = n }
}

// WithBackoffBase sets the base retry delay.
func WithBackoffBase(d time.Duration) Option {
	return func(q *Queue) { q.backoffBase = d }
}

// New creates a queue over a JetStream client and a DLQ sink.
func New(js jetstream.JetStream, sink DeadLetterStore, logger *slog.Logger, opts ...Option) *Queue {
	return newQueue(js, sink, logger, opts...)
}

func newQueue(js jetStream, sink DeadLetterStore, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		js:          js,
		sink:        sink,
		logger:      logger,
		workers:     defaultWorkers,
		backoffBase: defaultBackoffBase,
		handlers:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnsureStream creates or updates the work-queue stream.
func (q *Queue) EnsureStream(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return nil
}

// Register binds a handler to a job name. Registration must finish
// before Start.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *Queue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue publishes a named job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for job %s: %w", name, err)
	}

	job := &Job{
		ID:         uuid.New().String(),
		Name:       name,
		Payload:    data,
		MaxRetries: DefaultMaxRetries,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.publish(ctx, job); err != nil {
		return "", err
	}

	q.logger.Debug("Job enqueued", "job_id", job.ID, "name", name)
	return job.ID, nil
}

// publish writes a job message. The message id carries the retry count
// so requeues survive the stream's duplicate window.
func (q *Queue) publish(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	msgID := fmt.Sprintf("%s:%d", job.ID, job.RetryCount)
	if _, err := q.js.Publish(ctx, subjectPrefix+job.Name, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}
