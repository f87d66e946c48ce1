// Package ingress is the intake edge: it resolves the (tenant, subject)
// identity of an incoming event, persists it with fingerprint dedup,
// materializes the subject context, and fans the event out to the job
// queue and the bus.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outflowhq/outflow/bus"
	"github.com/outflowhq/outflow/store"
)

var eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "outflow_ingress_events_total",
	Help: "Ingested events by outcome.",
}, []string{"outcome"})

// JobAgentInvocation is the queue job enqueued for every accepted event.
const JobAgentInvocation = "agent-invocation"

// Store is the slice of the persistence layer ingress needs.
type Store interface {
	ResolveSubject(ctx context.Context, tenantID, distinctID, email, phone string) (*store.Subject, error)
	InsertEvent(ctx context.Context, e *store.Event) (duplicate bool, err error)
}

// Materializer folds an accepted event into the subject's context.
type Materializer interface {
	Apply(ctx context.Context, e *store.Event) (*store.SubjectContext, error)
}

// Enqueuer is the slice of the job queue ingress needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

// Publisher is the slice of the bus publisher ingress needs.
type Publisher interface {
	Publish(ctx context.Context, topic bus.Topic, partitionKey string, msg bus.Message) error
}

// Intake is one incoming event before identity resolution. At least one
// of DistinctID, Email, or Phone must be set.
type Intake struct {
	TenantID   string
	DistinctID string
	Email      string
	Phone      string
	EventType  string
	Source     string
	Payload    map[string]any
	OccurredAt time.Time
}

// Result reports what one intake produced. Duplicate intakes carry the
// previously persisted event and no job id.
type Result struct {
	Event     *store.Event
	Context   *store.SubjectContext
	Duplicate bool
	JobID     string
}

// ValidationError rejects a malformed intake before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intake: %s %s", e.Field, e.Reason)
}

// Ingestor runs the intake pipeline.
type Ingestor struct {
	store        Store
	materializer Materializer
	queue        Enqueuer
	publisher    Publisher
	logger       *slog.Logger
}

// New wires the intake pipeline. Queue and publisher may be nil in
// admin-only deployments; the corresponding fan-out steps are skipped.
func New(st Store, mat Materializer, queue Enqueuer, pub Publisher, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:        st,
		materializer: mat,
		queue:        queue,
		publisher:    pub,
		logger:       logger,
	}
}

// Ingest runs one event through the pipeline: resolve, persist (dedup),
// materialize, enqueue, publish. A duplicate fingerprint short-circuits
// after persistence with the existing row and no further side effects.
func (i *Ingestor) Ingest(ctx context.Context, in Intake) (*Result, error) {
	if err := validate(in); err != nil {
		eventsIngested.WithLabelValues("rejected").Inc()
		return nil, err
	}

	subject, err := i.store.ResolveSubject(ctx, in.TenantID, in.DistinctID, in.Email, in.Phone)
	if err != nil {
		eventsIngested.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("resolve subject: %w", err)
	}

	event := &store.Event{
		TenantID:   in.TenantID,
		SubjectID:  subject.ID,
		EventType:  in.EventType,
		Source:     in.Source,
		Payload:    in.Payload,
		OccurredAt: in.OccurredAt,
	}
	duplicate, err := i.store.InsertEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	if duplicate {
		eventsIngested.WithLabelValues("duplicate").Inc()
		i.logger.Debug("Duplicate event ignored",
			"event_id", event.ID,
			"event_type", event.EventType,
			"subject_id", event.SubjectID)
		return &Result{Event: event, Duplicate: true}, nil
	}

	sc, err := i.materializer.Apply(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("materialize context: %w", err)
	}

	result := &Result{Event: event, Context: sc}

	if i.queue != nil {
		jobID, err := i.queue.Enqueue(ctx, JobAgentInvocation, map[string]any{
			"tenant_id":  event.TenantID,
			"subject_id": event.SubjectID,
			"event_id":   event.ID,
			"event_type": event.EventType,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue agent invocation: %w", err)
		}
		result.JobID = jobID
	}

	if i.publisher != nil {
		// The event row and the job are already committed; a publish
		// failure only costs downstream stream processors this event.
		if err := i.publisher.Publish(ctx, bus.TopicEvents, event.SubjectID, &bus.DomainEvent{
			Envelope: bus.Envelope{
				EventType: event.EventType,
				Priority:  bus.PriorityNormal,
				Source:    event.Source,
			},
			DomainEventID: event.ID,
			TenantID:      event.TenantID,
			SubjectID:     event.SubjectID,
			Payload:       event.Payload,
		}); err != nil {
			i.logger.Error("Failed to publish domain event",
				"event_id", event.ID, "error", err)
		}
	}

	eventsIngested.WithLabelValues("accepted").Inc()
	i.logger.Info("Event ingested",
		"event_id", event.ID,
		"event_type", event.EventType,
		"tenant_id", event.TenantID,
		"subject_id", event.SubjectID)
	return result, nil
}

func validate(in Intake) error {
	if in.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	if in.EventType == "" {
		return &ValidationError{Field: "event_type", Reason: "is required"}
	}
	if in.DistinctID == "" && in.Email == "" && in.Phone == "" {
		return &ValidationError{Field: "identity", Reason: "needs distinct_id, email, or phone"}
	}
	return nil
}
