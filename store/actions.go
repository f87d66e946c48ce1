package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertAction records a planned, denied, or executed communication.
func (s *Store) InsertAction(ctx context.Context, a *Action) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO actions (id, tenant_id, subject_id, channel, status, payload,
			violations, scheduled_at, executed_at, created_at)
		VALUES (:id, :tenant_id, :subject_id, :channel, :status, :payload,
			:violations, :scheduled_at, :executed_at, :created_at)`, a)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// MarkActionExecuted flips an action to executed and stamps the time,
// which is what the rate limiter counts.
func (s *Store) MarkActionExecuted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = $1, executed_at = $2 WHERE id = $3`,
		ActionExecuted, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark action executed %s: %w", id, err)
	}
	return nil
}

// MarkActionFailed flips an action to failed with the violations or
// error text that stopped it.
func (s *Store) MarkActionFailed(ctx context.Context, id, status string, reasons []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = $1, violations = $2 WHERE id = $3`,
		status, StringList(reasons), id)
	if err != nil {
		return fmt.Errorf("mark action %s %s: %w", id, status, err)
	}
	return nil
}

// ListDueActions returns planned actions whose scheduled time has
// passed, oldest first.
func (s *Store) ListDueActions(ctx context.Context, before time.Time, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 100
	}
	var actions []Action
	err := s.db.SelectContext(ctx, &actions, `
		SELECT * FROM actions WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC LIMIT $3`,
		ActionPlanned, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list due actions: %w", err)
	}
	return actions, nil
}

// CountExecutedActions counts executed actions for a subject on one
// channel since the window start. Backs the policy rate caps.
func (s *Store) CountExecutedActions(ctx context.Context, tenantID, subjectID, channel string, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM actions
		WHERE tenant_id = $1 AND subject_id = $2 AND channel = $3
			AND status = $4 AND executed_at >= $5`,
		tenantID, subjectID, channel, ActionExecuted, since)
	if err != nil {
		return 0, fmt.Errorf("count executed actions: %w", err)
	}
	return count, nil
}
