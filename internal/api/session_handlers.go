package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"forumharvest/internal/manager"
	"forumharvest/internal/session"
	"forumharvest/internal/store"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
	sessionTimeout      = 3 * time.Second
)

// sessionHandler exposes session lifecycle and progress endpoints.
type sessionHandler struct {
	mgr     *manager.Manager
	repo    store.SessionRepository
	timeout time.Duration
	logger  *zap.Logger
}

func newSessionHandler(mgr *manager.Manager, repo store.SessionRepository, logger *zap.Logger) *sessionHandler {
	return &sessionHandler{
		mgr:     mgr,
		repo:    repo,
		timeout: sessionTimeout,
		logger:  logger,
	}
}

// List handles GET /v1/sessions?status=&limit=&offset=. It reads from the
// repository when one is configured and falls back to live manager state
// otherwise.
func (h *sessionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *session.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}

	if h.repo == nil {
		records := make([]session.Record, 0)
		for _, s := range h.mgr.List() {
			if status != nil && s.Status != *status {
				continue
			}
			records = append(records, session.ToRecord(s))
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	records, err := h.repo.ListSessions(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

// Get handles GET /v1/sessions/{session_id}. Live sessions come from the
// manager; finished sessions that were already evicted come from the
// repository.
func (h *sessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if s, err := h.mgr.Get(id); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session": session.ToRecord(s)})
		return
	}
	if h.repo != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		rec, err := h.repo.GetSession(ctx, id)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"session": rec})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("get session failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
	}
	writeError(w, http.StatusNotFound, "session not found")
}

// Progress handles GET /v1/sessions/{session_id}/progress. The stored
// progress always appears; a live tracker snapshot is attached while the
// session is being tracked.
func (h *sessionHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	s, err := h.mgr.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	response := map[string]any{
		"session_id": id,
		"status":     s.Status,
		"progress":   s.Progress,
	}
	if snap, snapErr := h.mgr.Progress(id); snapErr == nil {
		response["live"] = snap
	}
	writeJSON(w, http.StatusOK, response)
}

// Milestones handles GET /v1/sessions/{session_id}/milestones.
func (h *sessionHandler) Milestones(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	milestones, err := h.mgr.Milestones(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "milestones": milestones})
}

// Pause handles POST /v1/sessions/{session_id}/pause.
func (h *sessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.mgr.Pause)
}

// Resume handles POST /v1/sessions/{session_id}/resume.
func (h *sessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.mgr.Resume)
}

// Cancel handles POST /v1/sessions/{session_id}/cancel.
func (h *sessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.mgr.Cancel)
}

func (h *sessionHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(context.Context, string) (session.Session, error),
) {
	id := chi.URLParam(r, "session_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	s, err := fn(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"session": session.ToRecord(s)})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNotResumable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("session transition failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session transition failed")
	}
}

func parseLimitOffset(r *http.Request, def, max int) (int, int, error) {
	limit := def
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", raw)
		}
		if parsed > max {
			parsed = max
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", raw)
		}
		offset = parsed
	}
	return limit, offset, nil
}

func parseStatus(raw string) (session.Status, error) {
	status := session.Status(strings.ToLower(raw))
	switch status {
	case session.StatusPending, session.StatusRunning, session.StatusPaused,
		session.StatusCompleted, session.StatusFailed, session.StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("invalid status %q", raw)
	}
}
