package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outflow_bus_messages_processed_total",
		Help: "Bus messages handled successfully, by consumer group.",
	}, []string{"group"})
	messagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outflow_bus_messages_failed_total",
		Help: "Bus messages whose handler failed, by consumer group.",
	}, []string{"group"})
	messagesDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outflow_bus_messages_dead_lettered_total",
		Help: "Bus messages routed to the DLQ, by consumer group.",
	}, []string{"group"})
)

// Delivery is one message handed to a group handler.
type Delivery struct {
	Topic        Topic
	Subject      string
	PartitionKey string
	Envelope     *Envelope
	Data         []byte
}

// Handler processes one delivery. An error routes the message to the DLQ;
// the rest of the batch still commits.
type Handler func(ctx context.Context, d *Delivery) error

// DeadLetter is the record handed to the sink when a message is dropped.
type DeadLetter struct {
	Queue      string
	MessageID  string
	TaskName   string
	Payload    []byte
	Error      string
	RetryCount int
}

// DeadLetterSink records terminally failed messages.
type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, d DeadLetter) error
}

// GroupConfig describes a named consumer group.
type GroupConfig struct {
	// Name is the durable consumer name, shared across processes.
	Name string
	// Topics lists the streams the group pulls from.
	Topics []Topic
	// Workers is the target concurrency. Messages sharing a partition
	// key always land on the same worker and run serially.
	Workers int
	// MaxBatch caps messages per fetch.
	MaxBatch int
	// SessionTimeout is both the ack wait and the drain deadline.
	SessionTimeout time.Duration
	// Heartbeat bounds the fetch wait when the stream is idle.
	Heartbeat time.Duration
	// Priorities optionally filters deliveries; others are skipped
	// (acknowledged without handling).
	Priorities []Priority
}

func (c *GroupConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 16
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = time.Second
	}
}

// Validate checks the group configuration.
func (c *GroupConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("group name is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("group %s: at least one topic is required", c.Name)
	}
	for _, p := range c.Priorities {
		if !p.Valid() {
			return fmt.Errorf("group %s: invalid priority filter %q", c.Name, p)
		}
	}
	return nil
}

// Group is a long-lived consumer group over one or more topics.
type Group struct {
	config  GroupConfig
	js      jetstream.JetStream
	handler Handler
	dlq     DeadLetterSink
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	allowed map[Priority]bool
}

// NewGroup creates a consumer group. The DLQ sink may be nil, in which
// case dropped messages are only logged.
func NewGroup(config GroupConfig, js jetstream.JetStream, handler Handler, dlq DeadLetterSink, logger *slog.Logger) (*Group, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("group %s: handler is required", config.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var allowed map[Priority]bool
	if len(config.Priorities) > 0 {
		allowed = make(map[Priority]bool, len(config.Priorities))
		for _, p := range config.Priorities {
			allowed[p] = true
		}
	}

	return &Group{
		config:  config,
		js:      js,
		handler: handler,
		dlq:     dlq,
		logger:  logger.With("group", config.Name),
		allowed: allowed,
	}, nil
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.config.Name
}

// Start creates the durable consumers and begins the fetch loops, one
// per topic. It returns once the loops are running.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("group %s already running", g.config.Name)
	}
	g.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	g.mu.Unlock()

	consumers := make([]jetstream.Consumer, 0, len(g.config.Topics))
	for _, topic := range g.config.Topics {
		stream, err := g.js.Stream(ctx, StreamName(topic))
		if err != nil {
			cancel()
			return fmt.Errorf("get stream %s: %w", StreamName(topic), err)
		}

		consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       g.config.Name + "-" + string(topic),
			FilterSubject: string(topic) + ".>",
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       g.config.SessionTimeout + time.Minute,
			MaxDeliver:    3,
		})
		if err != nil {
			cancel()
			return fmt.Errorf("create consumer for %s: %w", topic, err)
		}
		consumers = append(consumers, consumer)
	}

	var wg sync.WaitGroup
	for i, topic := range g.config.Topics {
		wg.Add(1)
		go func(topic Topic, consumer jetstream.Consumer) {
			defer wg.Done()
			g.fetchLoop(loopCtx, topic, consumer)
		}(topic, consumers[i])
	}
	go func() {
		wg.Wait()
		close(g.done)
	}()

	g.logger.Info("Consumer group started",
		"topics", g.config.Topics,
		"workers", g.config.Workers,
		"max_batch", g.config.MaxBatch)
	return nil
}

// Stop signals the fetch loops and waits for in-flight handlers to drain
// up to the session timeout, then returns.
func (g *Group) Stop(timeout time.Duration) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()

	cancel()
	if timeout <= 0 {
		timeout = g.config.SessionTimeout
	}

	select {
	case <-done:
		g.logger.Info("Consumer group drained")
		return nil
	case <-time.After(timeout):
		g.logger.Warn("Consumer group drain deadline exceeded", "timeout", timeout)
		return fmt.Errorf("group %s: drain deadline exceeded", g.config.Name)
	}
}

// fetchLoop polls one topic's consumer with a bounded wait and dispatches
// each batch. No new fetch is issued after cancellation.
func (g *Group) fetchLoop(ctx context.Context, topic Topic, consumer jetstream.Consumer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(g.config.MaxBatch, jetstream.FetchMaxWait(g.config.Heartbeat))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Debug("Fetch timeout or error", "topic", topic, "error", err)
			continue
		}

		batch := make([]jetstream.Msg, 0, g.config.MaxBatch)
		for msg := range msgs.Messages() {
			batch = append(batch, msg)
		}
		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			g.logger.Warn("Message fetch error", "topic", topic, "error", msgs.Error())
		}
		if len(batch) == 0 {
			continue
		}

		g.dispatchBatch(ctx, topic, batch)
	}
}

// dispatchBatch processes a fetched batch. Messages are bucketed onto
// workers by partition-key hash, so per-partition FIFO holds; buckets run
// in parallel. Offsets commit (acks fire) at batch end: a failing message
// is dead-lettered and the rest of the batch still commits.
func (g *Group) dispatchBatch(ctx context.Context, topic Topic, batch []jetstream.Msg) {
	buckets := make([][]jetstream.Msg, g.config.Workers)
	for _, msg := range batch {
		idx := partitionWorker(PartitionKeyFromSubject(msg.Subject()), g.config.Workers)
		buckets[idx] = append(buckets[idx], msg)
	}

	type outcome struct {
		msg  jetstream.Msg
		drop bool // undecodable payload, terminate instead of ack
	}
	results := make(chan outcome, len(batch))

	var wg sync.WaitGroup
	for _, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		wg.Add(1)
		go func(bucket []jetstream.Msg) {
			defer wg.Done()
			for _, msg := range bucket {
				results <- outcome{msg: msg, drop: g.handleMessage(ctx, topic, msg)}
			}
		}(bucket)
	}
	wg.Wait()
	close(results)

	// Batch-end commit.
	for r := range results {
		if r.drop {
			if err := r.msg.Term(); err != nil {
				g.logger.Warn("Failed to terminate message", "error", err)
			}
			continue
		}
		if err := r.msg.Ack(); err != nil {
			g.logger.Warn("Failed to ACK message", "error", err)
		}
	}
}

// handleMessage runs one delivery through the handler. The returned flag
// is true when the payload could not be decoded and the message must be
// terminated rather than acknowledged.
func (g *Group) handleMessage(ctx context.Context, topic Topic, msg jetstream.Msg) (drop bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Handler panic", "topic", topic, "subject", msg.Subject(), "panic", r)
			g.deadLetter(ctx, topic, msg, fmt.Sprintf("handler panic: %v", r))
			messagesFailed.WithLabelValues(g.config.Name).Inc()
		}
	}()

	env, err := PeekEnvelope(msg.Data())
	if err != nil {
		// One-shot deserialization: unparseable envelopes are fatal.
		g.logger.Error("Unparseable envelope", "topic", topic, "subject", msg.Subject(), "error", err)
		g.deadLetter(ctx, topic, msg, err.Error())
		return true
	}

	if g.allowed != nil && !g.allowed[env.Priority] {
		return false
	}

	d := &Delivery{
		Topic:        topic,
		Subject:      msg.Subject(),
		PartitionKey: PartitionKeyFromSubject(msg.Subject()),
		Envelope:     env,
		Data:         msg.Data(),
	}

	if err := g.handler(ctx, d); err != nil {
		g.logger.Error("Handler failed",
			"topic", topic,
			"event_type", env.EventType,
			"event_id", env.EventID,
			"partition_key", d.PartitionKey,
			"error", err)
		g.deadLetter(ctx, topic, msg, err.Error())
		messagesFailed.WithLabelValues(g.config.Name).Inc()
		return false
	}

	messagesProcessed.WithLabelValues(g.config.Name).Inc()
	return false
}

func (g *Group) deadLetter(ctx context.Context, topic Topic, msg jetstream.Msg, errText string) {
	messagesDeadLettered.WithLabelValues(g.config.Name).Inc()
	if g.dlq == nil {
		return
	}

	var messageID string
	if env, err := PeekEnvelope(msg.Data()); err == nil {
		messageID = env.EventID
	}

	entry := DeadLetter{
		Queue:     string(topic),
		MessageID: messageID,
		TaskName:  g.config.Name,
		Payload:   msg.Data(),
		Error:     errText,
	}
	if err := g.dlq.RecordDeadLetter(ctx, entry); err != nil {
		g.logger.Error("Failed to record dead letter", "topic", topic, "error", err)
	}
}

// partitionWorker maps a partition key to a worker index.
func partitionWorker(key string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(workers))
}
