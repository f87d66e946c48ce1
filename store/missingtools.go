package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// priorityRank orders missing-tool priorities; the highest observed
// priority wins on repeat requests.
var priorityRank = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

// LogMissingTool records a request for an absent tool, collapsing by
// name: the first request inserts, repeats bump the counter, refresh the
// last-requested stamp, concatenate notes, and upgrade priority when
// the new one ranks higher.
func (s *Store) LogMissingTool(ctx context.Context, toolName, workflowID, priority, notes string) error {
	if priorityRank[priority] == 0 {
		priority = "low"
	}
	now := time.Now().UTC()

	var existing MissingToolRequest
	err := s.db.GetContext(ctx, &existing,
		`SELECT * FROM missing_tool_requests WHERE tool_name = $1`, toolName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("look up missing tool %s: %w", toolName, err)
	}
	if err != nil {
		req := &MissingToolRequest{
			ID:             uuid.New().String(),
			ToolName:       toolName,
			WorkflowID:     workflowID,
			RequestCount:   1,
			Priority:       priority,
			Notes:          notes,
			FirstRequested: now,
			LastRequested:  now,
		}
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO missing_tool_requests (id, tool_name, workflow_id, request_count,
				priority, notes, implemented, first_requested, last_requested)
			VALUES (:id, :tool_name, :workflow_id, :request_count,
				:priority, :notes, :implemented, :first_requested, :last_requested)`, req)
		if err != nil {
			return fmt.Errorf("insert missing tool %s: %w", toolName, err)
		}
		s.logger.Info("Missing tool logged", "tool", toolName, "priority", priority)
		return nil
	}

	newPriority := existing.Priority
	if priorityRank[priority] > priorityRank[existing.Priority] {
		newPriority = priority
	}
	newNotes := existing.Notes
	if notes != "" {
		if newNotes != "" {
			newNotes += "; "
		}
		newNotes += notes
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE missing_tool_requests
		SET request_count = request_count + 1, priority = $1, notes = $2,
			last_requested = $3, implemented = FALSE
		WHERE tool_name = $4`,
		newPriority, newNotes, now, toolName)
	if err != nil {
		return fmt.Errorf("bump missing tool %s: %w", toolName, err)
	}
	return nil
}

// MarkToolsImplemented bulk-clears missing-tool rows when the named
// tools become available.
func (s *Store) MarkToolsImplemented(ctx context.Context, toolNames []string) error {
	if len(toolNames) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE missing_tool_requests SET implemented = TRUE
		WHERE tool_name = ANY($1)`, pq.Array(toolNames))
	if err != nil {
		return fmt.Errorf("mark tools implemented: %w", err)
	}
	s.logger.Info("Missing tools marked implemented", "count", len(toolNames))
	return nil
}

// ListMissingTools returns unimplemented requests, highest count first.
func (s *Store) ListMissingTools(ctx context.Context) ([]MissingToolRequest, error) {
	var reqs []MissingToolRequest
	err := s.db.SelectContext(ctx, &reqs, `
		SELECT * FROM missing_tool_requests WHERE implemented = FALSE
		ORDER BY request_count DESC`)
	if err != nil {
		return nil, fmt.Errorf("list missing tools: %w", err)
	}
	return reqs, nil
}
