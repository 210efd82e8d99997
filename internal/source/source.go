// Package source defines the adapter contract for fetching forum content.
// Concrete adapters live in subpackages and register themselves in a
// Registry keyed by source kind.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"forumharvest/internal/session"
)

// ErrUnknownKind signals that no adapter is registered for a source kind.
var ErrUnknownKind = errors.New("unknown source kind")

// Post is one harvested forum post in normalized form.
type Post struct {
	// RemoteID is the post identifier on the origin forum. Together with
	// the source kind it uniquely identifies a post.
	RemoteID string `json:"remote_id"`
	// Kind names the adapter that produced the post.
	Kind session.SourceKind `json:"kind"`
	// Topic is the thread or category title the post belongs to.
	Topic string `json:"topic"`
	// Author is the display name of the poster.
	Author string `json:"author"`
	// Content holds the post body, HTML or plain text as served.
	Content string `json:"content"`
	// URL points back at the origin post.
	URL string `json:"url"`
	// PostedAt is the origin timestamp.
	PostedAt time.Time `json:"posted_at"`
	// FetchedAt records when the adapter retrieved the post.
	FetchedAt time.Time `json:"fetched_at"`
	// Replies counts direct responses where the origin exposes them.
	Replies int64 `json:"replies,omitempty"`
}

// Batch is the result of one adapter fetch.
type Batch struct {
	// Posts holds the fetched items in origin order.
	Posts []Post
	// NextCursor resumes the walk after this batch; empty means the source
	// is exhausted.
	NextCursor string
	// Requests counts HTTP round trips spent on this batch.
	Requests int64
	// RateLimited counts 429 responses encountered while fetching.
	RateLimited int64
}

// Adapter fetches paginated content from one forum type. Implementations
// must treat an empty cursor as "start from the beginning" and return an
// empty NextCursor when there is nothing left.
type Adapter interface {
	// Kind reports which source kind the adapter serves.
	Kind() session.SourceKind
	// FetchBatch retrieves up to limit posts at the cursor position.
	FetchBatch(ctx context.Context, target, cursor string, limit int) (Batch, error)
}

// Registry maps source kinds to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[session.SourceKind]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[session.SourceKind]Adapter)}
}

// Register adds an adapter, replacing any previous one for the same kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for a kind or ErrUnknownKind.
func (r *Registry) Get(kind session.SourceKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return a, nil
}

// Kinds lists the registered source kinds in stable order.
func (r *Registry) Kinds() []session.SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]session.SourceKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
