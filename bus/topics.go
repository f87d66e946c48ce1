package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Topic names the fixed set of bus streams.
type Topic string

const (
	TopicEvents          Topic = "events"
	TopicSupervisorTasks Topic = "supervisor_tasks"
	TopicTaskResults     Topic = "task_results"
	TopicWorkflowEvents  Topic = "workflow_events"
	TopicAnalyticsEvents Topic = "analytics_events"
	TopicAuditEvents     Topic = "audit_events"
	TopicCriticalAlerts  Topic = "critical_alerts"
	TopicScheduledTasks  Topic = "scheduled_tasks"
)

// AllTopics returns the fixed topic set in provisioning order.
func AllTopics() []Topic {
	return []Topic{
		TopicEvents,
		TopicSupervisorTasks,
		TopicTaskResults,
		TopicWorkflowEvents,
		TopicAnalyticsEvents,
		TopicAuditEvents,
		TopicCriticalAlerts,
		TopicScheduledTasks,
	}
}

// StreamName maps a topic to its JetStream stream name.
func StreamName(t Topic) string {
	return strings.ToUpper(string(t))
}

// subjectFor builds the partitioned subject for a topic. The partition
// key (usually the subject id) becomes the final token, so per-key FIFO
// holds within a stream.
func subjectFor(t Topic, partitionKey string) string {
	return string(t) + "." + sanitizeToken(partitionKey)
}

// PartitionKeyFromSubject recovers the partition key from a delivered
// subject.
func PartitionKeyFromSubject(subject string) string {
	if i := strings.IndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// sanitizeToken strips characters that are structural in NATS subjects.
func sanitizeToken(key string) string {
	if key == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, key)
}

// EnsureStreams idempotently provisions one file-backed stream per topic.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	for _, topic := range AllTopics() {
		cfg := jetstream.StreamConfig{
			Name:      StreamName(topic),
			Subjects:  []string{string(topic) + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
			// Duplicate window backs the Nats-Msg-Id publish dedup.
			Duplicates: 2 * time.Minute,
		}

		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
		logger.Debug("Stream ready", "stream", cfg.Name)
	}
	return nil
}
