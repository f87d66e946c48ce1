package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/outflowhq/outflow/ingress"
	"github.com/outflowhq/outflow/store"
	"github.com/outflowhq/outflow/threads"
)

// healthCheck is one subsystem's probe outcome.
type healthCheck struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]healthCheck{}
	healthy := true
	if s.pinger != nil {
		checks["database"] = probe(ctx, s.pinger.Ping)
		checks["cache"] = probe(ctx, s.pinger.PingCache)
		for _, c := range checks {
			if c.Status != "ok" {
				healthy = false
			}
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func probe(ctx context.Context, ping func(context.Context) error) healthCheck {
	begin := time.Now()
	err := ping(ctx)
	check := healthCheck{
		Status:    "ok",
		LatencyMS: time.Since(begin).Milliseconds(),
	}
	if err != nil {
		check.Status = "error"
		check.Error = err.Error()
	}
	return check
}

// eventRequest is the admin intake body.
type eventRequest struct {
	TenantID   string         `json:"tenant_id"`
	DistinctID string         `json:"distinct_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	EventType  string         `json:"event_type"`
	Source     string         `json:"source,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at,omitempty"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("event intake is not wired"))
		return
	}
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	source := req.Source
	if source == "" {
		source = "admin"
	}
	result, err := s.ingestor.Ingest(r.Context(), ingress.Intake{
		TenantID:   req.TenantID,
		DistinctID: req.DistinctID,
		Email:      req.Email,
		Phone:      req.Phone,
		EventType:  req.EventType,
		Source:     source,
		Payload:    req.Payload,
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	s.writeEventResult(w, result)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("event intake is not wired"))
		return
	}
	var hook ingress.Webhook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	hook.Channel = chi.URLParam(r, "channel")

	in, err := ingress.IntakeFromWebhook(hook)
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	result, err := s.ingestor.Ingest(r.Context(), in)
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	s.writeEventResult(w, result)
}

// writeEventResult answers 200 for a deduplicated event and 201 for a
// new row; both carry the persisted event id.
func (s *Server) writeEventResult(w http.ResponseWriter, result *ingress.Result) {
	code := http.StatusCreated
	if result.Duplicate {
		code = http.StatusOK
	}
	s.writeJSON(w, code, map[string]any{
		"event_id":  result.Event.ID,
		"duplicate": result.Duplicate,
		"job_id":    result.JobID,
	})
}

func (s *Server) handleResolveThread(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("threads are not wired"))
		return
	}
	var res threads.Resolution
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	thread, err := s.threads.Resolve(r.Context(), chi.URLParam(r, "id"), res)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, thread)
}

// messageRequest is a thread message body.
type messageRequest struct {
	SenderType string         `json:"sender_type"`
	SenderID   string         `json:"sender_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleThreadMessage(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("threads are not wired"))
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	msg := &store.Message{
		SenderType: req.SenderType,
		SenderID:   req.SenderID,
		Content:    req.Content,
		Metadata:   req.Metadata,
	}
	if err := s.threads.AddMessage(r.Context(), chi.URLParam(r, "id"), msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

// reprocessRequest bounds one DLQ drain pass.
type reprocessRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleReprocessDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("queue is not wired"))
		return
	}
	var req reprocessRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	requeued, err := s.dlq.ReprocessDLQ(r.Context(), req.Limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"requeued": requeued})
}
