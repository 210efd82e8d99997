// Package memory provides in-memory store implementations for
// development/testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"forumharvest/internal/session"
	"forumharvest/internal/source"
	"forumharvest/internal/store"
)

// SessionStore implements store.SessionRepository in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]session.Record
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]session.Record)}
}

// UpsertSession stores the snapshot, replacing any existing one.
func (s *SessionStore) UpsertSession(_ context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec
	return nil
}

// GetSession fetches a snapshot by id.
func (s *SessionStore) GetSession(_ context.Context, id string) (session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return session.Record{}, store.ErrNotFound
	}
	return rec, nil
}

// ListSessions returns snapshots ordered by started_at descending.
func (s *SessionStore) ListSessions(_ context.Context, status *session.Status, limit, offset int) ([]session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []session.Record
	for _, rec := range s.sessions {
		if status != nil && rec.Status != *status {
			continue
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return window(records, limit, offset), nil
}

// ListActiveSessions returns sessions whose status is not terminal.
func (s *SessionStore) ListActiveSessions(_ context.Context) ([]session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []session.Record
	for _, rec := range s.sessions {
		if !rec.Status.Terminal() {
			records = append(records, rec)
		}
	}
	sortRecords(records)
	return records, nil
}

// ListResumableSessions returns paused sessions and failed sessions
// carrying a resume token.
func (s *SessionStore) ListResumableSessions(_ context.Context, kind *session.SourceKind) ([]session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []session.Record
	for _, rec := range s.sessions {
		switch rec.Status {
		case session.StatusPaused:
		case session.StatusFailed:
			if rec.ResumeData == nil || rec.ResumeData.Token == "" {
				continue
			}
		default:
			continue
		}
		if kind != nil && rec.SourceKind != *kind {
			continue
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

// DeleteSession removes one snapshot.
func (s *SessionStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteSessionsOlderThan removes terminal sessions last touched before the
// cutoff.
func (s *SessionStore) DeleteSessionsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, rec := range s.sessions {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Close implements store.SessionRepository; it performs no action.
func (s *SessionStore) Close() {}

func sortRecords(records []session.Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].StartedAt.After(records[j].StartedAt)
		}
		return records[i].ID < records[j].ID
	})
}

func window(records []session.Record, limit, offset int) []session.Record {
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

// ContentStore implements store.ContentRepository in memory.
type ContentStore struct {
	mu    sync.RWMutex
	posts map[string]storedPost
}

type storedPost struct {
	sessionID string
	post      source.Post
}

// NewContentStore constructs a ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{posts: make(map[string]storedPost)}
}

func postKey(kind session.SourceKind, remoteID string) string {
	return string(kind) + "\x00" + remoteID
}

// UpsertPosts stores the batch keyed by source kind and remote id.
func (s *ContentStore) UpsertPosts(_ context.Context, sessionID string, posts []source.Post) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, post := range posts {
		s.posts[postKey(post.Kind, post.RemoteID)] = storedPost{sessionID: sessionID, post: post}
	}
	return int64(len(posts)), nil
}

// CountPosts returns the number of stored posts for one session.
func (s *ContentStore) CountPosts(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, sp := range s.posts {
		if sp.sessionID == sessionID {
			count++
		}
	}
	return count, nil
}

// ListPosts returns stored posts for one session ordered by posted_at.
func (s *ContentStore) ListPosts(_ context.Context, sessionID string, limit, offset int) ([]source.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var posts []source.Post
	for _, sp := range s.posts {
		if sp.sessionID == sessionID {
			posts = append(posts, sp.post)
		}
	}
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].PostedAt.Equal(posts[j].PostedAt) {
			return posts[i].PostedAt.Before(posts[j].PostedAt)
		}
		return posts[i].RemoteID < posts[j].RemoteID
	})
	if offset >= len(posts) {
		return nil, nil
	}
	posts = posts[offset:]
	if limit > 0 && limit < len(posts) {
		posts = posts[:limit]
	}
	return posts, nil
}

// PurgeOlderThan removes posts fetched before the cutoff.
func (s *ContentStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, sp := range s.posts {
		if sp.post.FetchedAt.Before(cutoff) {
			delete(s.posts, key)
			removed++
		}
	}
	return removed, nil
}
