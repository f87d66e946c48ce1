package tools

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/outflowhq/outflow/store"
)

func TestEscalateRecordsSubjectTriggerAndAgentNote(t *testing.T) {
	rt, mock := newMockRuntime(t)

	mock.ExpectExec(`INSERT INTO conversation_threads`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Trigger from the subject, note from the agent, in that order.
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), store.SenderSubject, "S1",
			"asked for a custom quote", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), store.SenderAgent, "A1",
			"needs pricing approval", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := escalateToHuman(context.Background(), rt, Call{
		TenantID:  "T1",
		SubjectID: "S1",
		AgentID:   "A1",
		Params: map[string]any{
			"reason":  "asked for a custom quote",
			"message": "needs pricing approval",
		},
	})
	if err != nil {
		t.Fatalf("escalateToHuman() error = %v", err)
	}
	if result["status"] != store.ThreadWaitingHuman {
		t.Errorf("status = %v", result["status"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
