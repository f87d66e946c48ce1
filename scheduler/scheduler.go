// Package scheduler drives the periodic work: enqueueing scheduled
// action sweeps and abandoning stale conversation threads.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/outflowhq/outflow/config"
)

// JobScheduledActions is the queue job that executes due actions.
const JobScheduledActions = "scheduled-actions"

const (
	actionSweepInterval = time.Minute
	threadSweepInterval = time.Hour
	threadMaxAge        = 24 * time.Hour
)

// Enqueuer is the slice of the job queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

// ThreadSweeper abandons threads that waited too long.
type ThreadSweeper interface {
	AbandonStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// Scheduler owns the cron runtime.
type Scheduler struct {
	cron    *cron.Cron
	queue   Enqueuer
	threads ThreadSweeper
	flags   config.FeatureFlags
	logger  *slog.Logger
}

// New wires the scheduler. Time compression shortens the sweep
// intervals and the thread age cutoff together, so compressed runs
// exercise the same relative timing.
func New(queue Enqueuer, threads ThreadSweeper, flags config.FeatureFlags, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		queue:   queue,
		threads: threads,
		flags:   flags,
		logger:  logger,
	}
}

// Start registers the periodic jobs and begins the cron loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Schedule(cron.Every(s.flags.Compress(actionSweepInterval)), cron.FuncJob(s.sweepActions))
	s.cron.Schedule(cron.Every(s.flags.Compress(threadSweepInterval)), cron.FuncJob(s.sweepThreads))
	s.cron.Start()
	s.logger.Info("Scheduler started",
		"action_sweep", s.flags.Compress(actionSweepInterval),
		"thread_sweep", s.flags.Compress(threadSweepInterval))
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish, up to
// the timeout.
func (s *Scheduler) Stop(timeout time.Duration) error {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

// sweepActions enqueues one scheduled-actions job. The job handler
// scans for due actions; the scheduler only supplies the heartbeat.
func (s *Scheduler) sweepActions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobID, err := s.queue.Enqueue(ctx, JobScheduledActions, map[string]any{
		"triggered_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error("Failed to enqueue action sweep", "error", err)
		return
	}
	s.logger.Debug("Action sweep enqueued", "job_id", jobID)
}

// sweepThreads abandons threads that have waited past the age cutoff.
func (s *Scheduler) sweepThreads() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	closed, err := s.threads.AbandonStale(ctx, s.flags.Compress(threadMaxAge))
	if err != nil {
		s.logger.Error("Thread sweep failed", "error", err)
		return
	}
	if closed > 0 {
		s.logger.Info("Stale threads abandoned", "count", closed)
	}
}
