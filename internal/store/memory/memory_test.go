package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forumharvest/internal/session"
	"forumharvest/internal/source"
	"forumharvest/internal/store"
)

var _ store.SessionRepository = (*SessionStore)(nil)
var _ store.ContentRepository = (*ContentStore)(nil)

func record(id string, status session.Status, started time.Time) session.Record {
	rec := session.Record{
		ID:         id,
		SourceKind: session.SourceMemory,
		Status:     status,
		StartedAt:  started,
		UpdatedAt:  started,
		Config:     session.Config{Target: "mem://test"},
	}
	if status == session.StatusFailed {
		rec.ResumeData = &session.ResumeData{Token: "tok-" + id}
	}
	return rec
}

func TestSessionStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSessionStore()
	ctx := context.Background()
	started := time.Unix(1700000000, 0).UTC()

	rec := record("s1", session.StatusRunning, started)
	require.NoError(t, s.UpsertSession(ctx, rec))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionStoreListFilters(t *testing.T) {
	t.Parallel()

	s := NewSessionStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.UpsertSession(ctx, record("s1", session.StatusRunning, base)))
	require.NoError(t, s.UpsertSession(ctx, record("s2", session.StatusCompleted, base.Add(time.Minute))))
	require.NoError(t, s.UpsertSession(ctx, record("s3", session.StatusFailed, base.Add(2*time.Minute))))
	require.NoError(t, s.UpsertSession(ctx, record("s4", session.StatusPaused, base.Add(3*time.Minute))))

	active, err := s.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "s4", active[0].ID)
	require.Equal(t, "s1", active[1].ID)

	// Paused sessions and failed-with-token sessions are both resumable.
	resumable, err := s.ListResumableSessions(ctx, nil)
	require.NoError(t, err)
	require.Len(t, resumable, 2)
	require.Equal(t, "s4", resumable[0].ID)
	require.Equal(t, "s3", resumable[1].ID)

	kind := session.SourceDiscourse
	resumable, err = s.ListResumableSessions(ctx, &kind)
	require.NoError(t, err)
	require.Empty(t, resumable)

	// Newest first.
	all, err := s.ListSessions(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, []string{"s4", "s3", "s2", "s1"}, []string{all[0].ID, all[1].ID, all[2].ID, all[3].ID})

	status := session.StatusCompleted
	completed, err := s.ListSessions(ctx, &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, "s2", completed[0].ID)
}

func TestSessionStoreDeleteOlderThan(t *testing.T) {
	t.Parallel()

	s := NewSessionStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.UpsertSession(ctx, record("old-done", session.StatusCompleted, base)))
	require.NoError(t, s.UpsertSession(ctx, record("old-running", session.StatusRunning, base)))
	require.NoError(t, s.UpsertSession(ctx, record("fresh-done", session.StatusCompleted, base.Add(time.Hour))))

	removed, err := s.DeleteSessionsOlderThan(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	// Active sessions survive regardless of age.
	_, err = s.GetSession(ctx, "old-running")
	require.NoError(t, err)
	_, err = s.GetSession(ctx, "old-done")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestContentStoreUpsertAndPurge(t *testing.T) {
	t.Parallel()

	s := NewContentStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	posts := []source.Post{
		{RemoteID: "1", Kind: session.SourceMemory, PostedAt: base, FetchedAt: base},
		{RemoteID: "2", Kind: session.SourceMemory, PostedAt: base.Add(time.Minute), FetchedAt: base.Add(time.Hour)},
	}
	written, err := s.UpsertPosts(ctx, "s1", posts)
	require.NoError(t, err)
	require.Equal(t, int64(2), written)

	// Re-harvesting the same remote id replaces instead of duplicating.
	_, err = s.UpsertPosts(ctx, "s1", posts[:1])
	require.NoError(t, err)

	count, err := s.CountPosts(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	listed, err := s.ListPosts(ctx, "s1", 10, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, []string{listed[0].RemoteID, listed[1].RemoteID})

	removed, err := s.PurgeOlderThan(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	count, err = s.CountPosts(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
