package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres"), nil, nil), mock
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("T1", "S1", "page-view", map[string]any{"url": "/p", "ref": "x"})
	b := Fingerprint("T1", "S1", "page-view", map[string]any{"ref": "x", "url": "/p"})
	if a != b {
		t.Errorf("expected equal fingerprints for reordered payload keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}

	c := Fingerprint("T1", "S1", "page-view", map[string]any{"url": "/q"})
	if a == c {
		t.Error("expected different fingerprints for different payloads")
	}
	d := Fingerprint("T2", "S1", "page-view", map[string]any{"url": "/p", "ref": "x"})
	if a == d {
		t.Error("expected different fingerprints for different tenants")
	}
}

var eventColumns = []string{
	"id", "tenant_id", "subject_id", "event_type", "source",
	"payload", "fingerprint", "occurred_at", "created_at",
}

func TestInsertEventDedup(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	fp := Fingerprint("T1", "S1", "page-view", map[string]any{"url": "/p"})

	// First submission: no existing row, insert proceeds.
	mock.ExpectQuery(`SELECT \* FROM events WHERE fingerprint`).
		WithArgs(fp).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	first := &Event{TenantID: "T1", SubjectID: "S1", EventType: "page-view", Payload: JSONMap{"url": "/p"}}
	dup, err := s.InsertEvent(ctx, first)
	if err != nil {
		t.Fatalf("InsertEvent() error = %v", err)
	}
	if dup {
		t.Error("expected first insert not to be a duplicate")
	}

	// Second submission: existing row returned, no insert.
	rows := sqlmock.NewRows(eventColumns).
		AddRow(first.ID, "T1", "S1", "page-view", "", []byte(`{"url":"/p"}`), fp, first.OccurredAt, first.CreatedAt)
	mock.ExpectQuery(`SELECT \* FROM events WHERE fingerprint`).
		WithArgs(fp).
		WillReturnRows(rows)

	second := &Event{TenantID: "T1", SubjectID: "S1", EventType: "page-view", Payload: JSONMap{"url": "/p"}}
	dup, err = s.InsertEvent(ctx, second)
	if err != nil {
		t.Fatalf("InsertEvent() second error = %v", err)
	}
	if !dup {
		t.Error("expected second insert to report duplicate")
	}
	if second.ID != first.ID {
		t.Errorf("expected existing event id %s returned, got %s", first.ID, second.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
