// Package store defines interfaces for persistence dependencies (session
// records and harvested posts). Implementations live in other packages; this
// package must not import database drivers or concrete clients.
package store

import (
	"context"
	"errors"
	"time"

	"forumharvest/internal/session"
	"forumharvest/internal/source"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionRepository persists session snapshots so the engine can survive
// restarts and resume interrupted work.
type SessionRepository interface {
	// UpsertSession writes the full snapshot, replacing any existing row.
	UpsertSession(ctx context.Context, rec session.Record) error
	// GetSession loads one session snapshot or returns ErrNotFound.
	GetSession(ctx context.Context, id string) (session.Record, error)
	// ListSessions returns snapshots ordered by started_at descending. An
	// empty status filter returns every session.
	ListSessions(ctx context.Context, status *session.Status, limit, offset int) ([]session.Record, error)
	// ListActiveSessions returns sessions whose status is not terminal,
	// used for crash recovery on startup.
	ListActiveSessions(ctx context.Context) ([]session.Record, error)
	// ListResumableSessions returns sessions eligible to re-enter running
	// (paused, or failed with a resume token), optionally filtered by
	// source kind.
	ListResumableSessions(ctx context.Context, kind *session.SourceKind) ([]session.Record, error)
	// DeleteSession removes one snapshot. Missing rows are not an error.
	DeleteSession(ctx context.Context, id string) error
	// DeleteSessionsOlderThan removes terminal sessions whose updated_at is
	// before the cutoff and reports how many rows went away.
	DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// Close releases the underlying connections.
	Close()
}

// ContentRepository persists harvested forum posts.
type ContentRepository interface {
	// UpsertPosts writes the batch, replacing rows with the same source
	// kind and remote id, and reports how many rows were written.
	UpsertPosts(ctx context.Context, sessionID string, posts []source.Post) (int64, error)
	// CountPosts returns the number of stored posts for one session.
	CountPosts(ctx context.Context, sessionID string) (int64, error)
	// ListPosts returns stored posts for one session ordered by posted_at.
	ListPosts(ctx context.Context, sessionID string, limit, offset int) ([]source.Post, error)
	// PurgeOlderThan removes posts fetched before the cutoff and reports
	// how many rows went away.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
