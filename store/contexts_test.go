package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var contextColumns = []string{
	"tenant_id", "subject_id", "stage", "page_views", "emails_sent",
	"whatsapp_sent", "sms_sent", "emails_opened", "emails_clicked",
	"emails_replied", "whatsapp_received", "revenue",
	"last_seen_at", "last_send_at", "updated_at",
}

func TestGetSubjectContextReturnsRow(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows(contextColumns).
		AddRow("T1", "S1", StageEngaged, 7, 3, 0, 0, 2, 1, 0, 0, 0.0, nil, nil, time.Now().UTC())
	mock.ExpectQuery(`SELECT \* FROM subject_contexts`).
		WithArgs("T1", "S1").
		WillReturnRows(rows)

	sc, err := s.GetSubjectContext(context.Background(), "T1", "S1")
	if err != nil {
		t.Fatalf("GetSubjectContext() error = %v", err)
	}
	if sc.Stage != StageEngaged || sc.PageViews != 7 {
		t.Errorf("unexpected context: %+v", sc)
	}
}

func TestGetSubjectContextFreshWhenAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM subject_contexts`).
		WithArgs("T1", "S1").
		WillReturnError(sql.ErrNoRows)

	sc, err := s.GetSubjectContext(context.Background(), "T1", "S1")
	if err != nil {
		t.Fatalf("GetSubjectContext() error = %v", err)
	}
	if sc.Stage != StageNew || sc.TenantID != "T1" || sc.SubjectID != "S1" {
		t.Errorf("unexpected fresh context: %+v", sc)
	}
}

func TestGetSubjectContextSurfacesQueryFailure(t *testing.T) {
	s, mock := newMockStore(t)

	// A transient failure must not look like an empty history, or the
	// next upsert would wipe the accumulated rollup.
	mock.ExpectQuery(`SELECT \* FROM subject_contexts`).
		WithArgs("T1", "S1").
		WillReturnError(fmt.Errorf("connection refused"))

	sc, err := s.GetSubjectContext(context.Background(), "T1", "S1")
	if err == nil {
		t.Fatalf("expected error, got context %+v", sc)
	}
	if sc != nil {
		t.Errorf("expected nil context on failure, got %+v", sc)
	}
}
