package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// reprocessMaxRetries is the reduced retry cap for re-enqueued DLQ
// entries, so a poisoned job cannot loop back indefinitely.
const reprocessMaxRetries = 1

// ReprocessDLQ re-enqueues up to n unprocessed dead-letter entries and
// marks each processed once it is back on the stream. Entries that
// have already spent the normal retry cap are marked processed without
// another attempt. Returns the number re-enqueued.
func (q *Queue) ReprocessDLQ(ctx context.Context, n int) (int, error) {
	entries, err := q.sink.ListUnprocessedDeadLetters(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	requeued := 0
	for _, entry := range entries {
		if entry.RetryCount >= DefaultMaxRetries {
			q.logger.Warn("Dead letter exceeded retry budget, marking processed",
				"entry_id", entry.ID,
				"job_id", entry.JobID,
				"retry_count", entry.RetryCount)
			if err := q.sink.MarkDeadLetterProcessed(ctx, entry.ID); err != nil {
				return requeued, fmt.Errorf("mark dead letter %s processed: %w", entry.ID, err)
			}
			continue
		}

		job := &Job{
			ID:         entry.JobID,
			Name:       entry.TaskName,
			Payload:    json.RawMessage(entry.RawPayload),
			RetryCount: entry.RetryCount + 1,
			MaxRetries: entry.RetryCount + reprocessMaxRetries,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := q.publish(ctx, job); err != nil {
			return requeued, fmt.Errorf("re-enqueue dead letter %s: %w", entry.ID, err)
		}
		if err := q.sink.MarkDeadLetterProcessed(ctx, entry.ID); err != nil {
			return requeued, fmt.Errorf("mark dead letter %s processed: %w", entry.ID, err)
		}

		q.logger.Info("Dead letter re-enqueued",
			"entry_id", entry.ID,
			"job_id", entry.JobID,
			"name", entry.TaskName)
		requeued++
	}
	return requeued, nil
}
