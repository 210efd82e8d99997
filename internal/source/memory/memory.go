// Package memory provides an in-memory source.Adapter for tests and dry
// runs.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"forumharvest/internal/session"
	"forumharvest/internal/source"
)

// Adapter serves a fixed slice of posts with offset-based cursors. It is
// safe for concurrent use.
type Adapter struct {
	mu    sync.RWMutex
	posts []source.Post
	// FailAt, when non-negative, makes the fetch covering that offset fail.
	failAt int
	err    error
}

// New builds an Adapter over the provided posts.
func New(posts []source.Post) *Adapter {
	return &Adapter{posts: append([]source.Post(nil), posts...), failAt: -1}
}

// Kind reports the source kind served by this adapter.
func (a *Adapter) Kind() session.SourceKind {
	return session.SourceMemory
}

// FailAt makes any fetch whose window covers the offset return err.
func (a *Adapter) FailAt(offset int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAt = offset
	a.err = err
}

// SetPosts replaces the served posts.
func (a *Adapter) SetPosts(posts []source.Post) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.posts = append([]source.Post(nil), posts...)
}

// FetchBatch returns up to limit posts starting at the cursor offset.
func (a *Adapter) FetchBatch(ctx context.Context, _ string, cursor string, limit int) (source.Batch, error) {
	if err := ctx.Err(); err != nil {
		return source.Batch{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return source.Batch{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = parsed
	}
	if offset >= len(a.posts) {
		return source.Batch{Requests: 1}, nil
	}
	end := len(a.posts)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	if a.failAt >= offset && a.failAt < end {
		return source.Batch{Requests: 1}, a.err
	}

	batch := source.Batch{
		Posts:    append([]source.Post(nil), a.posts[offset:end]...),
		Requests: 1,
	}
	if end < len(a.posts) {
		batch.NextCursor = strconv.Itoa(end)
	}
	return batch, nil
}
