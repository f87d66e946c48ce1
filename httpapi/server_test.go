package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/outflowhq/outflow/config"
	"github.com/outflowhq/outflow/ingress"
	"github.com/outflowhq/outflow/store"
	"github.com/outflowhq/outflow/threads"
)

type fakeIngestor struct {
	result *ingress.Result
	err    error
	last   ingress.Intake
}

func (f *fakeIngestor) Ingest(_ context.Context, in ingress.Intake) (*ingress.Result, error) {
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeThreads struct {
	thread   *store.ConversationThread
	err      error
	messages []*store.Message
}

func (f *fakeThreads) Resolve(_ context.Context, threadID string, res threads.Resolution) (*store.ConversationThread, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.thread, nil
}

func (f *fakeThreads) AddMessage(_ context.Context, threadID string, m *store.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, m)
	return nil
}

type fakeDLQ struct {
	requeued int
	err      error
}

func (f *fakeDLQ) ReprocessDLQ(_ context.Context, n int) (int, error) {
	return f.requeued, f.err
}

type fakePinger struct {
	dbErr    error
	cacheErr error
}

func (f *fakePinger) Ping(context.Context) error      { return f.dbErr }
func (f *fakePinger) PingCache(context.Context) error { return f.cacheErr }

func newTestServer(ing Ingestor, tr ThreadResolver, dlq DLQReprocessor, p Pinger) *Server {
	return New(config.HTTPConfig{Addr: ":0"}, ing, tr, dlq, p, nil)
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsChecks(t *testing.T) {
	srv := newTestServer(nil, nil, nil, &fakePinger{})
	rec := doJSON(t, srv.Routes(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Status string                 `json:"status"`
		Checks map[string]healthCheck `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %s", body.Status)
	}
	for _, name := range []string{"database", "cache"} {
		if body.Checks[name].Status != "ok" {
			t.Errorf("check %s = %+v", name, body.Checks[name])
		}
	}
}

func TestHealthDegradedOnDatabaseFailure(t *testing.T) {
	srv := newTestServer(nil, nil, nil, &fakePinger{dbErr: errors.New("connection refused")})
	rec := doJSON(t, srv.Routes(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCreateEvent(t *testing.T) {
	ing := &fakeIngestor{result: &ingress.Result{
		Event: &store.Event{ID: "e-1"},
		JobID: "j-1",
	}}
	srv := newTestServer(ing, nil, nil, nil)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/events",
		`{"tenant_id":"t1","distinct_id":"d-1","event_type":"page-view","payload":{"url":"/p"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ing.last.TenantID != "t1" || ing.last.EventType != "page-view" || ing.last.Source != "admin" {
		t.Errorf("intake = %+v", ing.last)
	}
	if !strings.Contains(rec.Body.String(), `"event_id":"e-1"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCreateEventDuplicateAnswers200(t *testing.T) {
	ing := &fakeIngestor{result: &ingress.Result{
		Event:     &store.Event{ID: "e-1"},
		Duplicate: true,
	}}
	srv := newTestServer(ing, nil, nil, nil)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/events",
		`{"tenant_id":"t1","distinct_id":"d-1","event_type":"page-view"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"duplicate":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCreateEventValidationAnswers400(t *testing.T) {
	ing := &fakeIngestor{err: &ingress.ValidationError{Field: "tenant_id", Reason: "is required"}}
	srv := newTestServer(ing, nil, nil, nil)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/events", `{"event_type":"page-view"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookMapsChannelStatus(t *testing.T) {
	ing := &fakeIngestor{result: &ingress.Result{Event: &store.Event{ID: "e-2"}}}
	srv := newTestServer(ing, nil, nil, nil)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/webhooks/email",
		`{"tenant_id":"t1","status":"opened","email":"s1@example.com"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ing.last.EventType != "email-opened" || ing.last.Source != "webhook:email" {
		t.Errorf("intake = %+v", ing.last)
	}
}

func TestWebhookUnmappedStatusAnswers400(t *testing.T) {
	srv := newTestServer(&fakeIngestor{}, nil, nil, nil)
	rec := doJSON(t, srv.Routes(), http.MethodPost, "/webhooks/email",
		`{"tenant_id":"t1","status":"bounced","email":"s1@example.com"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestResolveThread(t *testing.T) {
	tr := &fakeThreads{thread: &store.ConversationThread{ID: "th-1", Status: store.ThreadResumed}}
	srv := newTestServer(nil, tr, nil, nil)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/threads/th-1/resolve",
		`{"resolution":"answered the question","resolved_by":"ops-1","resume_workflow":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"resumed"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestResolveThreadNotFound(t *testing.T) {
	tr := &fakeThreads{err: fmt.Errorf("thread th-9: %w", store.ErrNotFound)}
	srv := newTestServer(nil, tr, nil, nil)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/threads/th-9/resolve",
		`{"resolution":"x","resolved_by":"ops-1"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestResolveThreadConflict(t *testing.T) {
	tr := &fakeThreads{err: errors.New("thread th-1 cannot resolve from abandoned")}
	srv := newTestServer(nil, tr, nil, nil)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/threads/th-1/resolve",
		`{"resolution":"x","resolved_by":"ops-1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestThreadMessage(t *testing.T) {
	tr := &fakeThreads{}
	srv := newTestServer(nil, tr, nil, nil)

	rec := doJSON(t, srv.Routes(), http.MethodPost, "/threads/th-1/messages",
		`{"sender_type":"human","sender_id":"ops-1","content":"looking into it"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(tr.messages) != 1 || tr.messages[0].Content != "looking into it" {
		t.Errorf("messages = %+v", tr.messages)
	}
}

func TestThreadMessageRequiresContent(t *testing.T) {
	srv := newTestServer(nil, &fakeThreads{}, nil, nil)
	rec := doJSON(t, srv.Routes(), http.MethodPost, "/threads/th-1/messages",
		`{"sender_type":"human","sender_id":"ops-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReprocessDLQ(t *testing.T) {
	srv := newTestServer(nil, nil, &fakeDLQ{requeued: 4}, nil)
	rec := doJSON(t, srv.Routes(), http.MethodPost, "/dlq/reprocess", `{"limit":10}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"requeued":4`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestUnwiredRoutesAnswer503(t *testing.T) {
	srv := newTestServer(nil, nil, nil, nil)
	for _, tt := range []struct{ method, path, body string }{
		{http.MethodPost, "/events", `{}`},
		{http.MethodPost, "/threads/th-1/resolve", `{}`},
		{http.MethodPost, "/dlq/reprocess", `{}`},
	} {
		rec := doJSON(t, srv.Routes(), tt.method, tt.path, tt.body)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %d", tt.method, tt.path, rec.Code)
		}
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	srv := newTestServer(nil, nil, nil, nil)
	rec := doJSON(t, srv.Routes(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
