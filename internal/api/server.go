// Package api exposes the HTTP interface for the harvest engine.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"forumharvest/internal/batch"
	"forumharvest/internal/config"
	"forumharvest/internal/manager"
	"forumharvest/internal/store"
)

// Server wires HTTP handlers to the session manager and batch processor.
type Server struct {
	router    chi.Router
	mgr       *manager.Manager
	repo      store.SessionRepository
	processor *batch.Processor
	reports   *batch.ReportWriter
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The repository
// and report writer may be nil; the affected endpoints degrade gracefully.
func NewServer(
	mgr *manager.Manager,
	repo store.SessionRepository,
	processor *batch.Processor,
	reports *batch.ReportWriter,
	gatherer prometheus.Gatherer,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mgr:       mgr,
		repo:      repo,
		processor: processor,
		reports:   reports,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	sessions := newSessionHandler(mgr, repo, logger)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessions.List)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", sessions.Get)
				r.Get("/progress", sessions.Progress)
				r.Get("/milestones", sessions.Milestones)
				r.Post("/pause", sessions.Pause)
				r.Post("/resume", sessions.Resume)
				r.Post("/cancel", sessions.Cancel)
			})
		})
		r.Post("/batches", s.submitBatch)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.repo != nil {
		if _, err := s.repo.ListActiveSessions(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "session store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type batchRequest struct {
	Config     batch.Config      `json:"config"`
	Operations []batch.Operation `json:"operations"`
}

// submitBatch handles POST /v1/batches. The batch runs synchronously; the
// response carries the full report plus the artifact URI when a report
// writer is configured.
func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, http.StatusBadRequest, "at least one operation required")
		return
	}
	if req.Config.MaxConcurrency <= 0 {
		req.Config.MaxConcurrency = s.cfg.Batch.MaxConcurrency
	}

	report := s.processor.Execute(r.Context(), req.Config, req.Operations)

	response := map[string]any{"report": report}
	if s.reports != nil {
		uri, err := s.reports.Write(r.Context(), report)
		if err != nil {
			s.logger.Warn("batch report write failed", zap.Error(err))
		} else {
			response["report_uri"] = uri
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
