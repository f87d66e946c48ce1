// Package httpapi is the admin HTTP surface: event intake, webhook
// intake, health and metrics, thread resolution, and DLQ reprocessing.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outflowhq/outflow/config"
	"github.com/outflowhq/outflow/ingress"
	"github.com/outflowhq/outflow/store"
	"github.com/outflowhq/outflow/threads"
)

// Ingestor is the slice of the intake pipeline the API needs.
type Ingestor interface {
	Ingest(ctx context.Context, in ingress.Intake) (*ingress.Result, error)
}

// ThreadResolver resolves conversation threads and accepts messages.
type ThreadResolver interface {
	Resolve(ctx context.Context, threadID string, res threads.Resolution) (*store.ConversationThread, error)
	AddMessage(ctx context.Context, threadID string, m *store.Message) error
}

// DLQReprocessor drains unprocessed dead letters back into the queue.
type DLQReprocessor interface {
	ReprocessDLQ(ctx context.Context, n int) (int, error)
}

// Pinger answers connectivity probes for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
	PingCache(ctx context.Context) error
}

// Server is the admin API.
type Server struct {
	cfg      config.HTTPConfig
	ingestor Ingestor
	threads  ThreadResolver
	dlq      DLQReprocessor
	pinger   Pinger
	logger   *slog.Logger

	http *http.Server
}

// New builds the server. Any collaborator may be nil; its routes then
// answer 503.
func New(cfg config.HTTPConfig, ing Ingestor, tr ThreadResolver, dlq DLQReprocessor, pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		ingestor: ing,
		threads:  tr,
		dlq:      dlq,
		pinger:   pinger,
		logger:   logger,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/events", s.handleCreateEvent)
	r.Post("/webhooks/{channel}", s.handleWebhook)
	r.Post("/threads/{id}/resolve", s.handleResolveThread)
	r.Post("/threads/{id}/messages", s.handleThreadMessage)
	r.Post("/dlq/reprocess", s.handleReprocessDLQ)

	return r
}

// Start begins serving. It blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("Admin API listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusOf maps a handler error to an HTTP status.
func statusOf(err error) int {
	var verr *ingress.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
