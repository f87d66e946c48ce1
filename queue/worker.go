package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outflowhq/outflow/bus"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outflow_queue_jobs_processed_total",
		Help: "Jobs handled successfully, by job name.",
	}, []string{"job"})
	jobsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outflow_queue_jobs_requeued_total",
		Help: "Jobs requeued after a failed attempt, by job name.",
	}, []string{"job"})
	jobsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outflow_queue_jobs_dead_lettered_total",
		Help: "Jobs moved to the DLQ after exhausting retries, by job name.",
	}, []string{"job"})
)

// Start creates the durable worker consumer and launches the pool. It
// returns once the workers are running.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("queue already running")
	}
	q.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.mu.Unlock()

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       "jobs-workers",
		FilterSubject: subjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute,
		MaxDeliver:    2,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("create jobs consumer: %w", err)
	}

	work := make(chan jetstream.Msg)
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range work {
				q.handleMessage(loopCtx, msg)
			}
		}()
	}

	go func() {
		q.fetchLoop(loopCtx, consumer, work)
		close(work)
		wg.Wait()
		close(q.done)
	}()

	q.logger.Info("Job queue started", "workers", q.workers)
	return nil
}

// Stop signals the pool and waits for in-flight jobs up to the timeout.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()

	cancel()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		q.logger.Info("Job queue drained")
		return nil
	case <-time.After(timeout):
		q.logger.Warn("Job queue drain deadline exceeded", "timeout", timeout)
		return fmt.Errorf("job queue: drain deadline exceeded")
	}
}

func (q *Queue) fetchLoop(ctx context.Context, consumer jetstream.Consumer, work chan<- jetstream.Msg) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(q.workers*2, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Debug("Job fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case work <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleMessage decodes and processes one job message. The message is
// always acknowledged; retry is via republish, terminal failure via the
// DLQ table.
func (q *Queue) handleMessage(ctx context.Context, msg jetstream.Msg) {
	defer func() {
		if err := msg.Ack(); err != nil {
			q.logger.Warn("Failed to ACK job message", "error", err)
		}
	}()

	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error("Undecodable job payload", "subject", msg.Subject(), "error", err)
		q.deadLetter(ctx, &Job{ID: "unknown", Name: msg.Subject(), Payload: msg.Data()},
			fmt.Sprintf("undecodable job payload: %v", err))
		return
	}

	q.processJob(ctx, &job)
}

// processJob runs a job through its handler and applies the retry and
// dead-letter policy.
func (q *Queue) processJob(ctx context.Context, job *Job) {
	handler, ok := q.handler(job.Name)
	if !ok {
		q.logger.Error("No handler registered for job", "job_id", job.ID, "name", job.Name)
		q.deadLetter(ctx, job, fmt.Sprintf("no handler registered for job %s", job.Name))
		return
	}

	err := q.runHandler(ctx, handler, job)
	if err == nil {
		jobsProcessed.WithLabelValues(job.Name).Inc()
		return
	}

	if job.RetryCount < job.MaxRetries {
		q.requeue(ctx, job, err)
		return
	}

	q.logger.Error("Job failed terminally",
		"job_id", job.ID,
		"name", job.Name,
		"retries", job.RetryCount,
		"error", err)
	q.deadLetter(ctx, job, err.Error())
}

func (q *Queue) runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job.Payload)
}

// requeue republishes a failed job with a bumped retry count after an
// exponential delay.
func (q *Queue) requeue(ctx context.Context, job *Job, cause error) {
	retried := *job
	retried.RetryCount++

	delay := q.backoffBase * time.Duration(1<<uint(job.RetryCount))
	q.logger.Warn("Job attempt failed, requeueing",
		"job_id", job.ID,
		"name", job.Name,
		"attempt", retried.RetryCount,
		"delay", delay,
		"error", cause)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}

	if err := q.publish(ctx, &retried); err != nil {
		q.logger.Error("Failed to requeue job, dead-lettering", "job_id", job.ID, "error", err)
		q.deadLetter(ctx, &retried, cause.Error())
		return
	}
	jobsRequeued.WithLabelValues(job.Name).Inc()
}

// deadLetter writes a terminal failure to the DLQ table, keyed by the
// original job id.
func (q *Queue) deadLetter(ctx context.Context, job *Job, errText string) {
	jobsDeadLettered.WithLabelValues(job.Name).Inc()
	if q.sink == nil {
		return
	}

	entry := bus.DeadLetter{
		Queue:      dlqQueueName,
		MessageID:  job.ID,
		TaskName:   job.Name,
		Payload:    job.Payload,
		Error:      errText,
		RetryCount: job.RetryCount,
	}
	if err := q.sink.RecordDeadLetter(ctx, entry); err != nil {
		q.logger.Error("Failed to record job dead letter", "job_id", job.ID, "error", err)
	}
}
