// Package threads manages human-in-the-loop conversation threads as a
// finite state machine. Escalations open a thread and pause the owning
// execution; resolution closes the thread and can resume it.
package threads

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/outflowhq/outflow/store"
)

// transitions lists the legal status moves. Message intake moves the
// thread between the waiting states; resolve and timeout exit the
// machine.
var transitions = map[string]map[string]bool{
	store.ThreadActive: {
		store.ThreadWaitingHuman:   true,
		store.ThreadWaitingSubject: true,
		store.ThreadResolved:       true,
		store.ThreadAbandoned:      true,
	},
	store.ThreadWaitingHuman: {
		store.ThreadWaitingSubject: true,
		store.ThreadResolved:       true,
		store.ThreadAbandoned:      true,
	},
	store.ThreadWaitingSubject: {
		store.ThreadWaitingHuman: true,
		store.ThreadResolved:     true,
		store.ThreadAbandoned:    true,
	},
	store.ThreadResolved: {
		store.ThreadResumed: true,
	},
}

// terminal states refuse message intake.
var terminal = map[string]bool{
	store.ThreadResolved:  true,
	store.ThreadResumed:   true,
	store.ThreadAbandoned: true,
}

// CanTransition reports whether a status move is legal.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

// IsTerminal reports whether a thread status accepts no more messages.
func IsTerminal(status string) bool {
	return terminal[status]
}

// ThreadStore is the slice of the store the service needs.
type ThreadStore interface {
	GetThread(ctx context.Context, id string) (*store.ConversationThread, error)
	UpdateThreadStatus(ctx context.Context, id, status string) error
	ResolveThread(ctx context.Context, id, status, resolution, resolvedBy string) error
	ListStaleThreads(ctx context.Context, cutoff time.Time) ([]store.ConversationThread, error)
	InsertMessage(ctx context.Context, m *store.Message) error
	ResumeExecution(ctx context.Context, id, reason string) error
}

// Service drives thread state.
type Service struct {
	store  ThreadStore
	logger *slog.Logger
}

// NewService creates a thread service.
func NewService(st ThreadStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// Resolution is the payload a human submits to close a thread.
type Resolution struct {
	Resolution     string `json:"resolution"`
	ResolvedBy     string `json:"resolved_by"`
	ResumeWorkflow bool   `json:"resume_workflow"`
}

// AddMessage records a message on a thread and advances the waiting
// state toward the other party. Terminal threads refuse intake.
func (s *Service) AddMessage(ctx context.Context, threadID string, m *store.Message) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if IsTerminal(thread.Status) {
		return fmt.Errorf("thread %s is %s and accepts no more messages", threadID, thread.Status)
	}

	m.ThreadID = threadID
	if err := s.store.InsertMessage(ctx, m); err != nil {
		return err
	}

	next := nextStatusAfterMessage(thread.Status, m.SenderType)
	if next == "" || next == thread.Status {
		return nil
	}
	if !CanTransition(thread.Status, next) {
		return fmt.Errorf("thread %s: illegal transition %s -> %s", threadID, thread.Status, next)
	}
	if err := s.store.UpdateThreadStatus(ctx, threadID, next); err != nil {
		return err
	}

	s.logger.Info("Thread advanced",
		"thread_id", threadID,
		"from", thread.Status,
		"to", next,
		"sender", m.SenderType)
	return nil
}

// nextStatusAfterMessage maps a sender to the state waiting on the
// other party. Agent messages do not move the machine.
func nextStatusAfterMessage(current, senderType string) string {
	switch senderType {
	case store.SenderHuman:
		return store.ThreadWaitingSubject
	case store.SenderSubject:
		return store.ThreadWaitingHuman
	default:
		return ""
	}
}

// Resolve closes a thread. Requires resolution text and a resolver id.
// When resume is requested and an execution is linked, the execution
// returns to running with a decision log entry naming the resolution.
func (s *Service) Resolve(ctx context.Context, threadID string, res Resolution) (*store.ConversationThread, error) {
	if res.Resolution == "" {
		return nil, fmt.Errorf("resolution text is required")
	}
	if res.ResolvedBy == "" {
		return nil, fmt.Errorf("resolved_by is required")
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(thread.Status, store.ThreadResolved) {
		return nil, fmt.Errorf("thread %s cannot resolve from %s", threadID, thread.Status)
	}

	status := store.ThreadResolved
	if res.ResumeWorkflow {
		status = store.ThreadResumed
	}
	if err := s.store.ResolveThread(ctx, threadID, status, res.Resolution, res.ResolvedBy); err != nil {
		return nil, err
	}

	if res.ResumeWorkflow && thread.ExecutionID != nil {
		reason := fmt.Sprintf("thread %s resolved by %s: %s", threadID, res.ResolvedBy, res.Resolution)
		if err := s.store.ResumeExecution(ctx, *thread.ExecutionID, reason); err != nil {
			return nil, fmt.Errorf("resume execution %s: %w", *thread.ExecutionID, err)
		}
		s.logger.Info("Execution resumed by thread resolution",
			"thread_id", threadID,
			"execution_id", *thread.ExecutionID)
	}

	thread.Status = status
	thread.Resolution = res.Resolution
	thread.ResolvedBy = res.ResolvedBy
	return thread, nil
}

// AbandonStale moves threads older than maxAge with no terminal status
// to abandoned. Returns how many were closed.
func (s *Service) AbandonStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	stale, err := s.store.ListStaleThreads(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, thread := range stale {
		if !CanTransition(thread.Status, store.ThreadAbandoned) {
			continue
		}
		if err := s.store.UpdateThreadStatus(ctx, thread.ID, store.ThreadAbandoned); err != nil {
			return closed, err
		}
		s.logger.Info("Thread abandoned", "thread_id", thread.ID, "age_cutoff", cutoff)
		closed++
	}
	return closed, nil
}
