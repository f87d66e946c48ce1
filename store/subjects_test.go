package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var subjectColumns = []string{
	"id", "tenant_id", "email", "phone", "distinct_id", "timezone", "consent", "created_at",
}

func subjectRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows(subjectColumns).
		AddRow(id, "T1", "s@example.com", "", "d1", "", []byte(`{}`), time.Now().UTC())
}

func TestResolveSubjectFallsThroughIdentifiers(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM subjects WHERE tenant_id = \$1 AND distinct_id`).
		WithArgs("T1", "d1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT \* FROM subjects WHERE tenant_id = \$1 AND email`).
		WithArgs("T1", "s@example.com").
		WillReturnRows(subjectRow("S1"))

	sub, err := s.ResolveSubject(context.Background(), "T1", "d1", "s@example.com", "")
	if err != nil {
		t.Fatalf("ResolveSubject() error = %v", err)
	}
	if sub.ID != "S1" {
		t.Errorf("resolved subject = %s", sub.ID)
	}
}

func TestResolveSubjectNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM subjects WHERE tenant_id = \$1 AND email`).
		WithArgs("T1", "s@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := s.ResolveSubject(context.Background(), "T1", "", "s@example.com", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveSubjectSurfacesQueryFailure(t *testing.T) {
	s, mock := newMockStore(t)

	// A database failure is not a miss: falling through would resolve
	// nothing and reject an event for a subject that exists.
	mock.ExpectQuery(`SELECT \* FROM subjects WHERE tenant_id = \$1 AND distinct_id`).
		WithArgs("T1", "d1").
		WillReturnError(fmt.Errorf("connection refused"))

	_, err := s.ResolveSubject(context.Background(), "T1", "d1", "s@example.com", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("query failure misreported as not-found: %v", err)
	}
}

func TestLogMissingToolSurfacesLookupFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM missing_tool_requests`).
		WithArgs("send-carrier-pigeon").
		WillReturnError(fmt.Errorf("connection refused"))

	err := s.LogMissingTool(context.Background(), "send-carrier-pigeon", "wf-1", "low", "")
	if err == nil {
		t.Fatal("expected error, not a fresh insert")
	}
}
