package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/outflowhq/outflow/config"
)

type stubProvider struct{}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) BuildURL(baseURL string) string { return baseURL }

func (s *stubProvider) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

func (s *stubProvider) BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error) {
	return []byte(`{"model":"` + model + `"}`), nil
}

func (s *stubProvider) ParseResponse(body []byte, model string) (*Response, error) {
	return &Response{Content: string(body), Model: model}, nil
}

func init() {
	RegisterProvider(&stubProvider{})
}

func testClient(url string) *Client {
	return NewClient(config.PlannerConfig{
		Provider: "stub",
		Endpoint: url,
		Model:    "test-model",
	}, WithRetryConfig(RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Millisecond,
	}))
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	resp, err := testClient(server.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "plan"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("unexpected content %q", resp.Content)
	}
}

func TestCompleteFailsFastOnFatalError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(server.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "plan"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no retries on fatal error, got %d attempts", calls.Load())
	}
}

func TestCompleteExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := testClient(server.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "plan"}},
	})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestCompleteRequiresMessages(t *testing.T) {
	if _, err := testClient("http://unused").Complete(context.Background(), Request{}); err == nil {
		t.Error("expected error for empty messages")
	}
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		err := classifyHTTPError(tt.status, []byte("body"))
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d: transient = %v, want %v", tt.status, IsTransient(err), tt.transient)
		}
	}
}
