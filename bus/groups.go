package bus

import (
	"time"

	"github.com/outflowhq/outflow/config"
)

// Named consumer groups. Each process typically runs one of these as its
// main loop; the durable names are stable across deploys.
const (
	GroupHighPriority = "high-priority"
	GroupWorkerTasks  = "worker-tasks"
	GroupAnalytics    = "analytics"
	GroupBatch        = "batch"
	GroupScheduled    = "scheduled"
	GroupAudit        = "audit"
)

// HighPriorityGroup handles critical and high priority traffic: the
// main event topic, workflow events (metric updates), and alerts.
// Small batches, fast heartbeat.
func HighPriorityGroup(cfg config.ConsumersConfig) GroupConfig {
	return GroupConfig{
		Name:           GroupHighPriority,
		Topics:         []Topic{TopicEvents, TopicWorkflowEvents, TopicCriticalAlerts},
		Workers:        cfg.Workers,
		MaxBatch:       8,
		SessionTimeout: cfg.SessionTimeout,
		Heartbeat:      500 * time.Millisecond,
		Priorities:     []Priority{PriorityCritical, PriorityHigh},
	}
}

// WorkerTasksGroup carries the bi-directional supervisor/worker traffic:
// task assignments outbound and completions inbound.
func WorkerTasksGroup(cfg config.ConsumersConfig) GroupConfig {
	return GroupConfig{
		Name:           GroupWorkerTasks,
		Topics:         []Topic{TopicSupervisorTasks, TopicTaskResults},
		Workers:        cfg.Workers,
		MaxBatch:       cfg.MaxBatch,
		SessionTimeout: cfg.SessionTimeout,
		Heartbeat:      cfg.Heartbeat,
	}
}

// AnalyticsGroup drains metric updates and analytics events. Latency is
// not a concern here so batches are large.
func AnalyticsGroup(cfg config.ConsumersConfig) GroupConfig {
	return GroupConfig{
		Name:           GroupAnalytics,
		Topics:         []Topic{TopicAnalyticsEvents, TopicWorkflowEvents},
		Workers:        2,
		MaxBatch:       64,
		SessionTimeout: cfg.SessionTimeout,
		Heartbeat:      2 * time.Second,
	}
}

// BatchGroup picks up low and batch priority work on the main topic.
func BatchGroup(cfg config.ConsumersConfig) GroupConfig {
	return GroupConfig{
		Name:           GroupBatch,
		Topics:         []Topic{TopicEvents},
		Workers:        2,
		MaxBatch:       64,
		SessionTimeout: cfg.SessionTimeout,
		Heartbeat:      2 * time.Second,
		Priorities:     []Priority{PriorityLow, PriorityBatch},
	}
}

// ScheduledGroup consumes cron-originated task triggers.
func ScheduledGroup(cfg config.ConsumersConfig) GroupConfig {
	return GroupConfig{
		Name:           GroupScheduled,
		Topics:         []Topic{TopicScheduledTasks},
		Workers:        2,
		MaxBatch:       cfg.MaxBatch,
		SessionTimeout: cfg.SessionTimeout,
		Heartbeat:      cfg.Heartbeat,
	}
}

// AuditGroup drains the audit topic into durable storage.
func AuditGroup(cfg config.ConsumersConfig) GroupConfig {
	return GroupConfig{
		Name:           GroupAudit,
		Topics:         []Topic{TopicAuditEvents},
		Workers:        1,
		MaxBatch:       64,
		SessionTimeout: cfg.SessionTimeout,
		Heartbeat:      2 * time.Second,
	}
}
