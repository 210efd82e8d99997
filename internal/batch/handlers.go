package batch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"forumharvest/internal/export"
	"forumharvest/internal/manager"
	"forumharvest/internal/session"
	"forumharvest/internal/source"
	"forumharvest/internal/store"
)

// defaultFetchLimit bounds one adapter call during scrape operations.
const defaultFetchLimit = 50

// Handlers bundles the collaborators the built-in operation kinds need.
type Handlers struct {
	Manager  *manager.Manager
	Registry *source.Registry
	Content  store.ContentRepository
	Sessions store.SessionRepository
	Exporter *export.Exporter
	Clock    Clock
	Logger   *zap.Logger
}

// RegisterAll installs the built-in handlers on the processor.
func (h *Handlers) RegisterAll(p *Processor) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	p.Register(KindScrape, HandlerFunc(h.scrape))
	p.Register(KindExport, HandlerFunc(h.export))
	p.Register(KindPurge, HandlerFunc(h.purge))
	p.Register(KindAdmin, HandlerFunc(h.admin))
}

// scrape harvests a forum behind a tracked session: it creates and starts a
// session, walks the source cursor by cursor, stores posts, and reports
// progress until the source is exhausted, the item cap is reached, or the
// session's cancellation context fires.
func (h *Handlers) scrape(ctx context.Context, op Operation) (string, map[string]any, error) {
	kind := session.SourceKind(op.Options["source_kind"])
	if kind == "" {
		kind = session.SourceDiscourse
	}
	adapter, err := h.Registry.Get(kind)
	if err != nil {
		return "", nil, err
	}
	if op.Target == "" {
		return "", nil, fmt.Errorf("scrape operation requires a target")
	}
	maxItems := optionInt64(op.Options, "max_items", 0)
	limit := int(optionInt64(op.Options, "limit", defaultFetchLimit))

	s, err := h.Manager.CreateSession(ctx, kind, session.Config{
		Target:            op.Target,
		MaxItems:          maxItems,
		ResumeFromSession: op.Options["resume_from"],
	})
	if err != nil {
		return "", nil, err
	}
	if _, err := h.Manager.Start(ctx, s.ID); err != nil {
		return "", nil, err
	}

	cursor := ""
	if s.ResumeData != nil {
		cursor = s.ResumeData.NextCursor
	}
	var processed int64
	start := h.Clock.Now()

	for {
		sessionCtx, ok := h.Manager.SessionContext(s.ID)
		if !ok {
			break
		}
		fetched, fetchErr := adapter.FetchBatch(sessionCtx, op.Target, cursor, limit)
		if fetchErr != nil {
			if sessionCtx.Err() != nil {
				// Pause or cancel fired mid-fetch; the status below
				// tells the caller which.
				break
			}
			_, _ = h.Manager.Fail(ctx, s.ID, fetchErr.Error(), &session.ResumeData{
				Token:      "cursor:" + cursor,
				Checkpoint: cursor,
				NextCursor: cursor,
			})
			return "", nil, fmt.Errorf("scrape session %s: %w", s.ID, fetchErr)
		}

		if len(fetched.Posts) > 0 {
			if _, storeErr := h.Content.UpsertPosts(ctx, s.ID, fetched.Posts); storeErr != nil {
				_, _ = h.Manager.Fail(ctx, s.ID, storeErr.Error(), &session.ResumeData{
					Token:      "cursor:" + cursor,
					Checkpoint: cursor,
					NextCursor: cursor,
				})
				return "", nil, fmt.Errorf("store posts for session %s: %w", s.ID, storeErr)
			}
			processed += int64(len(fetched.Posts))
		}

		delta := session.ProgressDelta{
			ProcessedItems: session.Int64(processed),
			TotalTimeMs:    session.Int64(h.Clock.Now().Sub(start).Milliseconds()),
			AddRequests:    fetched.Requests,
			AddRateLimit:   fetched.RateLimited,
		}
		if maxItems > 0 {
			delta.TotalItems = session.Int64(maxItems)
		}
		if len(fetched.Posts) > 0 {
			delta.LastItemID = session.String(fetched.Posts[len(fetched.Posts)-1].RemoteID)
		}
		if _, err := h.Manager.UpdateProgress(ctx, s.ID, delta); err != nil {
			return "", nil, err
		}

		cursor = fetched.NextCursor
		if cursor == "" {
			break
		}
		if maxItems > 0 && processed >= maxItems {
			break
		}
		if _, err := h.Manager.SetResumeData(ctx, s.ID, &session.ResumeData{
			Token:      "cursor:" + cursor,
			Checkpoint: cursor,
			NextCursor: cursor,
		}); err != nil {
			return "", nil, err
		}
	}

	final, err := h.Manager.Get(s.ID)
	if err != nil {
		return "", nil, err
	}
	if final.Status == session.StatusRunning {
		if _, err := h.Manager.Complete(ctx, s.ID); err != nil {
			return "", nil, err
		}
		final.Status = session.StatusCompleted
	}

	payload := map[string]any{
		"session_id": s.ID,
		"status":     string(final.Status),
		"processed":  processed,
	}
	return fmt.Sprintf("harvested %d items into session %s (%s)", processed, s.ID, final.Status), payload, nil
}

// export renders a session's stored posts in the requested format and
// writes the artifact through the blob provider.
func (h *Handlers) export(ctx context.Context, op Operation) (string, map[string]any, error) {
	if op.Target == "" {
		return "", nil, fmt.Errorf("export operation requires a session id target")
	}
	format, err := export.ParseFormat(optionString(op.Options, "format", string(export.FormatJSON)))
	if err != nil {
		return "", nil, err
	}
	limit := int(optionInt64(op.Options, "limit", 10000))

	posts, err := h.Content.ListPosts(ctx, op.Target, limit, 0)
	if err != nil {
		return "", nil, fmt.Errorf("list posts for session %s: %w", op.Target, err)
	}
	uri, err := h.Exporter.Export(ctx, op.Target, posts, format, h.Clock.Now())
	if err != nil {
		return "", nil, err
	}
	payload := map[string]any{
		"uri":    uri,
		"count":  len(posts),
		"format": string(format),
	}
	return fmt.Sprintf("exported %d posts as %s", len(posts), format), payload, nil
}

// purge deletes stored posts older than the configured age.
func (h *Handlers) purge(ctx context.Context, op Operation) (string, map[string]any, error) {
	age, err := optionDuration(op.Options, "older_than", 30*24*time.Hour)
	if err != nil {
		return "", nil, err
	}
	cutoff := h.Clock.Now().Add(-age)
	removed, err := h.Content.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return "", nil, err
	}
	payload := map[string]any{"removed": removed}
	return fmt.Sprintf("purged %d posts older than %s", removed, age), payload, nil
}

// admin runs maintenance actions against the session store.
func (h *Handlers) admin(ctx context.Context, op Operation) (string, map[string]any, error) {
	action := optionString(op.Options, "action", "")
	switch action {
	case "persist":
		if err := h.Manager.PersistAll(ctx); err != nil {
			return "", nil, err
		}
		return "persisted all tracked sessions", nil, nil
	case "cleanup_sessions":
		age, err := optionDuration(op.Options, "older_than", 7*24*time.Hour)
		if err != nil {
			return "", nil, err
		}
		if h.Sessions == nil {
			return "", nil, fmt.Errorf("session repository is not configured")
		}
		removed, err := h.Sessions.DeleteSessionsOlderThan(ctx, h.Clock.Now().Add(-age))
		if err != nil {
			return "", nil, err
		}
		payload := map[string]any{"removed": removed}
		return fmt.Sprintf("removed %d terminal sessions older than %s", removed, age), payload, nil
	default:
		return "", nil, fmt.Errorf("unknown admin action %q", action)
	}
}

func optionString(options map[string]string, key, fallback string) string {
	if v, ok := options[key]; ok && v != "" {
		return v
	}
	return fallback
}

func optionInt64(options map[string]string, key string, fallback int64) int64 {
	v, ok := options[key]
	if !ok || v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func optionDuration(options map[string]string, key string, fallback time.Duration) (time.Duration, error) {
	v, ok := options[key]
	if !ok || v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", key, v, err)
	}
	return parsed, nil
}
