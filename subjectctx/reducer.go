// Package subjectctx materializes the per-(tenant, subject) rollup from
// the event stream. The reducer is pure; persistence happens in Apply.
package subjectctx

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/outflowhq/outflow/store"
)

// Domain event types the reducer understands. Unknown types leave the
// context untouched.
const (
	EventPageView         = "page-view"
	EventEmailSent        = "email-sent"
	EventWhatsappSent     = "whatsapp-sent"
	EventSMSSent          = "sms-sent"
	EventEmailOpened      = "email-opened"
	EventEmailClicked     = "email-clicked"
	EventEmailReplied     = "email-replied"
	EventWhatsappReceived = "whatsapp-received"
	EventBookingCreated   = "booking-created"
	EventPaymentSuccess   = "payment-success"
)

// stageRank orders the lattice. Transitions never decrease rank;
// converted and churned are sticky.
var stageRank = map[string]int{
	store.StageNew:        0,
	store.StageInterested: 1,
	store.StageEngaged:    2,
	store.StageConverted:  3,
	store.StageChurned:    3,
}

// Reduce applies one event to a copy of the context and returns the
// result. The input is not mutated.
func Reduce(sc store.SubjectContext, e *store.Event) store.SubjectContext {
	switch e.EventType {
	case EventPageView:
		sc.PageViews++
		t := e.OccurredAt
		sc.LastSeenAt = &t
	case EventEmailSent:
		sc.EmailsSent++
		t := e.OccurredAt
		sc.LastSendAt = &t
	case EventWhatsappSent:
		sc.WhatsappSent++
		t := e.OccurredAt
		sc.LastSendAt = &t
	case EventSMSSent:
		sc.SMSSent++
		t := e.OccurredAt
		sc.LastSendAt = &t
	case EventEmailOpened:
		sc.EmailsOpened++
	case EventEmailClicked:
		sc.EmailsClicked++
	case EventEmailReplied:
		sc.EmailsReplied++
	case EventWhatsappReceived:
		sc.WhatsappReceived++
	case EventBookingCreated:
		sc.Stage = RaiseStage(sc.Stage, store.StageEngaged)
	case EventPaymentSuccess:
		if amount, ok := e.Payload["amount"].(float64); ok {
			sc.Revenue += amount
		}
		sc.Stage = RaiseStage(sc.Stage, store.StageConverted)
	}

	sc.Stage = applyLattice(sc)
	return sc
}

// applyLattice recomputes the stage from the engagement score, never
// lowering it.
func applyLattice(sc store.SubjectContext) string {
	current := sc.Stage
	if current == "" {
		current = store.StageNew
	}
	if current == store.StageConverted || current == store.StageChurned {
		return current
	}

	score := sc.EngagementScore()
	switch {
	case score >= 5:
		return RaiseStage(current, store.StageEngaged)
	case score >= 2:
		return RaiseStage(current, store.StageInterested)
	}
	return current
}

// RaiseStage returns the candidate only when it outranks the current
// stage. Converted and churned are sticky; a lower-ranked candidate
// leaves the stage where it is.
func RaiseStage(current, candidate string) string {
	if current == store.StageConverted || current == store.StageChurned {
		return current
	}
	if stageRank[candidate] > stageRank[current] {
		return candidate
	}
	return current
}

// Materializer applies events against the store.
type Materializer struct {
	store  *store.Store
	logger *slog.Logger
}

// NewMaterializer wires the store-backed materializer.
func NewMaterializer(s *store.Store, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{store: s, logger: logger}
}

// Apply loads the current context, reduces the event into it, and
// upserts the result.
func (m *Materializer) Apply(ctx context.Context, e *store.Event) (*store.SubjectContext, error) {
	current, err := m.store.GetSubjectContext(ctx, e.TenantID, e.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("load context for %s/%s: %w", e.TenantID, e.SubjectID, err)
	}

	next := Reduce(*current, e)
	if err := m.store.UpsertSubjectContext(ctx, &next); err != nil {
		return nil, err
	}

	if next.Stage != current.Stage {
		m.logger.Info("Subject stage changed",
			"tenant_id", e.TenantID,
			"subject_id", e.SubjectID,
			"from", current.Stage,
			"to", next.Stage,
			"score", next.EngagementScore())
	}
	return &next, nil
}
