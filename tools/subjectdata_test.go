package tools

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/outflowhq/outflow/store"
)

var contextColumns = []string{
	"tenant_id", "subject_id", "stage", "page_views", "emails_sent",
	"whatsapp_sent", "sms_sent", "emails_opened", "emails_clicked",
	"emails_replied", "whatsapp_received", "revenue",
	"last_seen_at", "last_send_at", "updated_at",
}

func contextRow(stage string) *sqlmock.Rows {
	return sqlmock.NewRows(contextColumns).
		AddRow("T1", "S1", stage, 0, 0, 0, 0, 0, 0, 0, 0, 0.0, nil, nil, time.Now().UTC())
}

func updateStage(t *testing.T, rt *Runtime, stage string) map[string]any {
	t.Helper()
	def, ok := Default().Get("update-subject-stage")
	if !ok {
		t.Fatal("update-subject-stage not registered")
	}
	result, err := def.Run(context.Background(), rt, Call{
		TenantID:  "T1",
		SubjectID: "S1",
		Params:    map[string]any{"stage": stage},
	})
	if err != nil {
		t.Fatalf("update-subject-stage error = %v", err)
	}
	return result
}

func TestUpdateSubjectStageRaises(t *testing.T) {
	rt, mock := newMockRuntime(t)

	mock.ExpectQuery(`SELECT \* FROM subject_contexts`).
		WithArgs("T1", "S1").
		WillReturnRows(contextRow(store.StageNew))
	mock.ExpectExec(`INSERT INTO subject_contexts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result := updateStage(t, rt, store.StageInterested)
	if result["stage"] != store.StageInterested || result["previous_stage"] != store.StageNew {
		t.Errorf("unexpected result: %v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateSubjectStageRefusesDowngrade(t *testing.T) {
	rt, mock := newMockRuntime(t)

	// Converted is sticky: a mis-planned downgrade leaves the stored
	// stage untouched and no write happens.
	mock.ExpectQuery(`SELECT \* FROM subject_contexts`).
		WithArgs("T1", "S1").
		WillReturnRows(contextRow(store.StageConverted))

	result := updateStage(t, rt, store.StageInterested)
	if result["stage"] != store.StageConverted {
		t.Errorf("stage = %v, want converted kept", result["stage"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("downgrade should not write: %v", err)
	}
}
