package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/mnemos/internal/observability"
)

// Backend is the storage dependency the readiness probe checks.
type Backend interface {
	Ping(ctx context.Context) error
	Name() string
}

// QueueStats exposes the consolidation backlog.
type QueueStats interface {
	Pending() int
}

// ConversationStats exposes the number of active conversations.
type ConversationStats interface {
	ActiveCount() int
}

type Server struct {
	backend       Backend
	queue         QueueStats
	conversations ConversationStats
	metrics       *observability.Metrics
	gatherer      prometheus.Gatherer
	memory        *MemoryAPI
	readyTimeout  time.Duration
}

type Options struct {
	Backend       Backend
	Queue         QueueStats
	Conversations ConversationStats
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	// Memory mounts the /memory routes when set.
	Memory *MemoryAPI
}

func New(opts Options) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		backend:       opts.Backend,
		queue:         opts.Queue,
		conversations: opts.Conversations,
		metrics:       opts.Metrics,
		gatherer:      gatherer,
		memory:        opts.Memory,
		readyTimeout:  2 * time.Second,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler(s.gatherer))
	r.Get("/v1/perf/consolidation", s.handlePerfConsolidation)
	if s.memory != nil {
		r.Route("/memory", s.memory.routes)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"backend": s.backendName(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		respondError(w, http.StatusServiceUnavailable, "backend_unavailable", "no storage backend configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
	defer cancel()
	if err := s.backend.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
		return
	}

	body := map[string]any{
		"status":  "ready",
		"backend": s.backend.Name(),
	}
	if s.queue != nil {
		body["consolidation_pending"] = s.queue.Pending()
	}
	if s.conversations != nil {
		body["active_conversations"] = s.conversations.ActiveCount()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) backendName() string {
	if s.backend == nil {
		return "none"
	}
	return s.backend.Name()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
