package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outflowhq/outflow/bus"
)

// RecordDeadLetter persists a terminally failed message. It satisfies
// bus.DeadLetterSink so consumer groups can hand failures straight to
// the store.
func (s *Store) RecordDeadLetter(ctx context.Context, d bus.DeadLetter) error {
	entry := &DeadLetterEntry{
		ID:         uuid.New().String(),
		QueueName:  d.Queue,
		JobID:      d.MessageID,
		TaskName:   d.TaskName,
		RawPayload: d.Payload,
		Error:      d.Error,
		RetryCount: d.RetryCount,
		FailedAt:   time.Now().UTC(),
	}

	// Keep a structured copy when the payload happens to be JSON.
	var payload JSONMap
	if err := json.Unmarshal(d.Payload, &payload); err == nil {
		entry.Payload = payload
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO dead_letter_queue_entries (id, queue_name, job_id, task_name, payload,
			raw_payload, error, retry_count, processed, failed_at)
		VALUES (:id, :queue_name, :job_id, :task_name, :payload,
			:raw_payload, :error, :retry_count, :processed, :failed_at)`, entry)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	s.logger.Warn("Dead letter recorded",
		"queue", d.Queue, "job_id", d.MessageID, "error", d.Error)
	return nil
}

// ListUnprocessedDeadLetters returns up to n unprocessed entries, oldest
// first.
func (s *Store) ListUnprocessedDeadLetters(ctx context.Context, n int) ([]DeadLetterEntry, error) {
	if n <= 0 {
		n = 50
	}
	var entries []DeadLetterEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM dead_letter_queue_entries WHERE processed = FALSE
		ORDER BY failed_at LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return entries, nil
}

// MarkDeadLetterProcessed flips the processed flag.
func (s *Store) MarkDeadLetterProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue_entries SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark dead letter processed %s: %w", id, err)
	}
	return nil
}
