package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Fingerprint computes the dedup hash over the identifying fields of an
// event. Map keys sort during JSON marshaling, so equal payloads hash
// equal regardless of insertion order.
func Fingerprint(tenantID, subjectID, eventType string, payload map[string]any) string {
	identity := map[string]any{
		"tenant":     tenantID,
		"subject":    subjectID,
		"event_type": eventType,
		"payload":    payload,
	}
	data, err := json.Marshal(identity)
	if err != nil {
		// Marshal of map[string]any only fails on non-JSON values;
		// fall back to the scalar identity so dedup still narrows.
		data = []byte(tenantID + "|" + subjectID + "|" + eventType)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// InsertEvent persists an event unless its fingerprint already exists.
// The duplicate flag is true when an existing row was returned instead
// of inserting; callers must skip side effects in that case.
func (s *Store) InsertEvent(ctx context.Context, e *Event) (duplicate bool, err error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Fingerprint == "" {
		e.Fingerprint = Fingerprint(e.TenantID, e.SubjectID, e.EventType, e.Payload)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	e.CreatedAt = time.Now().UTC()

	var existing Event
	err = s.db.GetContext(ctx, &existing,
		`SELECT * FROM events WHERE fingerprint = $1`, e.Fingerprint)
	if err == nil {
		*e = existing
		s.logger.Debug("Duplicate event suppressed",
			"event_id", existing.ID, "fingerprint", e.Fingerprint)
		return true, nil
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO events (id, tenant_id, subject_id, event_type, source, payload,
			fingerprint, occurred_at, created_at)
		VALUES (:id, :tenant_id, :subject_id, :event_type, :source, :payload,
			:fingerprint, :occurred_at, :created_at)`, e)
	if err != nil {
		// A concurrent insert of the same fingerprint loses the race;
		// treat the unique violation as a duplicate.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if gerr := s.db.GetContext(ctx, &existing,
				`SELECT * FROM events WHERE fingerprint = $1`, e.Fingerprint); gerr == nil {
				*e = existing
				return true, nil
			}
		}
		return false, fmt.Errorf("insert event: %w", err)
	}
	return false, nil
}

// ListSubjectEvents returns a subject's events in occurrence order.
func (s *Store) ListSubjectEvents(ctx context.Context, tenantID, subjectID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM events WHERE tenant_id = $1 AND subject_id = $2
		ORDER BY occurred_at DESC LIMIT $3`,
		tenantID, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for %s/%s: %w", tenantID, subjectID, err)
	}
	return events, nil
}
