package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"forumharvest/internal/batch"
	"forumharvest/internal/config"
	"forumharvest/internal/manager"
	"forumharvest/internal/progress"
	"forumharvest/internal/session"
	storagememory "forumharvest/internal/storage/memory"
	storememory "forumharvest/internal/store/memory"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("session-%d", g.n), nil
}

type serverFixture struct {
	server *Server
	mgr    *manager.Manager
	repo   *storememory.SessionStore
	blobs  *storagememory.Provider
}

func newServerFixture(t *testing.T, cfg config.Config) *serverFixture {
	t.Helper()
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	logger := zaptest.NewLogger(t)

	state := session.NewStateManager(clock, logger)
	tracker := progress.NewTracker(progress.TrackerConfig{
		HeartbeatInterval: -1,
		Logger:            logger,
	}, clock, progress.NopEmitter{})
	t.Cleanup(tracker.Close)

	repo := storememory.NewSessionStore()
	mgr := manager.New(state, tracker, progress.NopEmitter{}, repo, &seqIDs{}, clock, logger, manager.Config{})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	processor := batch.NewProcessor(clock, logger)
	processor.Register(batch.KindPurge, batch.HandlerFunc(
		func(context.Context, batch.Operation) (string, map[string]any, error) {
			return "purged nothing", map[string]any{"removed": int64(0)}, nil
		}))

	blobs := storagememory.New()
	if cfg.Batch.MaxConcurrency == 0 {
		cfg.Batch.MaxConcurrency = 4
	}
	server := NewServer(mgr, repo, processor, batch.NewReportWriter(blobs), prometheus.NewRegistry(), cfg, logger)
	return &serverFixture{server: server, mgr: mgr, repo: repo, blobs: blobs}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// TestHealthEndpoints covers the liveness, readiness, and metrics routes.
func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

// TestSessionListAndGet verifies listing with a status filter and fetching a
// single session.
func TestSessionListAndGet(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, session.SourceMemory, session.Config{Target: "mem://forum"})
	require.NoError(t, err)
	_, err = f.mgr.Start(ctx, s.ID)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/sessions?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+s.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	got, ok := body["session"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, s.ID, got["id"])
	require.Equal(t, "running", got["status"])

	rec = f.do(t, http.MethodGet, "/v1/sessions?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/sessions/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// TestSessionLifecycleEndpoints drives pause, resume, and cancel over HTTP.
func TestSessionLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, session.SourceMemory, session.Config{Target: "mem://forum"})
	require.NoError(t, err)

	// Pausing a pending session is rejected by the state machine.
	rec := f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	_, err = f.mgr.Start(ctx, s.ID)
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "paused", body["session"].(map[string]any)["status"])

	rec = f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Equal(t, "cancelled", body["session"].(map[string]any)["status"])

	// A cancelled session cannot resume.
	rec = f.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

// TestSessionProgressEndpoint returns stored progress plus a live snapshot
// for running sessions.
func TestSessionProgressEndpoint(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, session.SourceMemory, session.Config{Target: "mem://forum", MaxItems: 10})
	require.NoError(t, err)
	_, err = f.mgr.Start(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.mgr.UpdateProgress(ctx, s.ID, session.ProgressDelta{
		TotalItems:     session.Int64(10),
		ProcessedItems: session.Int64(4),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/sessions/"+s.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "running", body["status"])
	require.Contains(t, body, "live")
	prog := body["progress"].(map[string]any)
	require.Equal(t, float64(4), prog["processed_items"])

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+s.ID+"/milestones", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

// TestSubmitBatch runs a batch synchronously and stores the report.
func TestSubmitBatch(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})
	req := batchRequest{
		Config:     batch.Config{ContinueOnError: true},
		Operations: []batch.Operation{{Kind: batch.KindPurge}},
	}

	rec := f.do(t, http.MethodPost, "/v1/batches", req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	report := body["report"].(map[string]any)
	summary := report["summary"].(map[string]any)
	require.Equal(t, float64(1), summary["success"])
	require.Contains(t, body, "report_uri")
	require.Equal(t, 1, f.blobs.Len())
}

// TestSubmitBatchValidation rejects malformed and empty requests.
func TestSubmitBatchValidation(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/batches", batchRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestAPIKeyMiddleware enforces the configured key on every route.
func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"}}
	f := newServerFixture(t, cfg)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
