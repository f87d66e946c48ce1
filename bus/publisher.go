package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher writes typed envelopes to the bus. It stamps missing identity
// fields and sets the JetStream message id to the event id so broker-side
// deduplication applies within the stream's duplicate window.
type Publisher struct {
	js     jetstream.JetStream
	source string
	trace  bool
	logger *slog.Logger
}

// NewPublisher creates a publisher tagged with a source name.
func NewPublisher(js jetstream.JetStream, source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{js: js, source: source, logger: logger}
}

// EnableTracing logs every published envelope at debug level.
func (p *Publisher) EnableTracing() {
	p.trace = true
}

// Publish synchronously publishes an envelope to a topic partition and
// waits for the broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, topic Topic, partitionKey string, msg Message) error {
	data, env, err := p.prepare(msg)
	if err != nil {
		return err
	}

	subject := subjectFor(topic, partitionKey)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.EventID)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.EventType, subject, err)
	}

	if p.trace {
		p.logger.Debug("Published envelope",
			"topic", topic,
			"partition_key", partitionKey,
			"event_type", env.EventType,
			"event_id", env.EventID,
			"priority", env.Priority)
	}
	return nil
}

// PublishAsync enqueues an envelope without waiting for the broker
// acknowledgement. Callers batching publishes must Flush afterwards.
func (p *Publisher) PublishAsync(topic Topic, partitionKey string, msg Message) error {
	data, env, err := p.prepare(msg)
	if err != nil {
		return err
	}

	subject := subjectFor(topic, partitionKey)
	if _, err := p.js.PublishAsync(subject, data, jetstream.WithMsgID(env.EventID)); err != nil {
		return fmt.Errorf("publish async %s to %s: %w", env.EventType, subject, err)
	}
	return nil
}

// Flush waits until all outstanding async publishes are acknowledged or
// the context expires. A flush failure means the broker may not hold
// everything that was enqueued.
func (p *Publisher) Flush(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush publishes: %w", ctx.Err())
	}
}

func (p *Publisher) prepare(msg Message) ([]byte, *Envelope, error) {
	env := msg.Base()
	env.stamp(p.source)
	if !env.Priority.Valid() {
		return nil, nil, fmt.Errorf("invalid priority %q", env.Priority)
	}
	if env.EventType == "" {
		return nil, nil, fmt.Errorf("event_type is required")
	}
	if env.Timestamp.Location() != time.UTC {
		env.Timestamp = env.Timestamp.UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s envelope: %w", env.EventType, err)
	}
	return data, env, nil
}
