package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateThread inserts a conversation thread.
func (s *Store) CreateThread(ctx context.Context, t *ConversationThread) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = ThreadActive
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO conversation_threads (id, tenant_id, subject_id, execution_id, agent_id,
			status, reason, context, resolution, resolved_by, created_at, updated_at)
		VALUES (:id, :tenant_id, :subject_id, :execution_id, :agent_id,
			:status, :reason, :context, :resolution, :resolved_by, :created_at, :updated_at)`, t)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// GetThread loads a thread.
func (s *Store) GetThread(ctx context.Context, id string) (*ConversationThread, error) {
	var t ConversationThread
	if err := s.db.GetContext(ctx, &t, `SELECT * FROM conversation_threads WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err, "thread %s", id)
	}
	return &t, nil
}

// UpdateThreadStatus transitions a thread. The caller (the threads FSM)
// validates the transition; this only persists it.
func (s *Store) UpdateThreadStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_threads SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update thread status %s: %w", id, err)
	}
	return nil
}

// ResolveThread stamps the resolution fields alongside the status
// change.
func (s *Store) ResolveThread(ctx context.Context, id, status, resolution, resolvedBy string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_threads
		SET status = $1, resolution = $2, resolved_by = $3, resolved_at = $4, updated_at = $4
		WHERE id = $5`,
		status, resolution, resolvedBy, now, id)
	if err != nil {
		return fmt.Errorf("resolve thread %s: %w", id, err)
	}
	return nil
}

// ListStaleThreads returns non-terminal threads untouched since the
// cutoff, candidates for the abandonment sweep.
func (s *Store) ListStaleThreads(ctx context.Context, cutoff time.Time) ([]ConversationThread, error) {
	var threads []ConversationThread
	err := s.db.SelectContext(ctx, &threads, `
		SELECT * FROM conversation_threads
		WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		ThreadActive, ThreadWaitingHuman, ThreadWaitingSubject, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale threads: %w", err)
	}
	return threads, nil
}

// InsertMessage appends an immutable message to a thread.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (id, thread_id, sender_type, sender_id, content, metadata, created_at)
		VALUES (:id, :thread_id, :sender_type, :sender_id, :content, :metadata, :created_at)`, m)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a thread's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT * FROM messages WHERE thread_id = $1 ORDER BY created_at`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", threadID, err)
	}
	return msgs, nil
}
