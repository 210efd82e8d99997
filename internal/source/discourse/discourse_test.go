package discourse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"forumharvest/internal/session"
)

const pageZero = `{
	"users": [
		{"id": 7, "username": "ada"},
		{"id": 9, "username": "grace"}
	],
	"topic_list": {
		"more_topics_url": "/latest?page=1",
		"topics": [
			{
				"id": 101,
				"title": "Welcome thread",
				"slug": "welcome-thread",
				"posts_count": 4,
				"created_at": "2026-08-01T10:00:00Z",
				"posters": [{"user_id": 7}]
			},
			{
				"id": 102,
				"title": "Release notes",
				"slug": "release-notes",
				"posts_count": 1,
				"created_at": "2026-08-02T11:30:00Z",
				"posters": [{"user_id": 9}]
			}
		]
	}
}`

const pageOne = `{
	"users": [{"id": 7, "username": "ada"}],
	"topic_list": {
		"more_topics_url": "",
		"topics": [
			{
				"id": 103,
				"title": "Archived thread",
				"slug": "archived-thread",
				"posts_count": 2,
				"created_at": "2026-07-15T09:00:00Z",
				"posters": [{"user_id": 7}]
			}
		]
	}
}`

func newListingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/latest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "", "0":
			fmt.Fprint(w, pageZero)
		case "1":
			fmt.Fprint(w, pageOne)
		default:
			fmt.Fprint(w, `{"users":[],"topic_list":{"topics":[]}}`)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestFetchBatchWalksPages verifies topic mapping, author resolution, and
// page-based cursor advancement.
func TestFetchBatchWalksPages(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	adapter := New(Config{UserAgent: "forumharvest-test"})
	ctx := context.Background()

	batch, err := adapter.FetchBatch(ctx, srv.URL, "", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), batch.Requests)
	require.Equal(t, "1", batch.NextCursor)
	require.Len(t, batch.Posts, 2)

	first := batch.Posts[0]
	require.Equal(t, "101", first.RemoteID)
	require.Equal(t, session.SourceDiscourse, first.Kind)
	require.Equal(t, "Welcome thread", first.Topic)
	require.Equal(t, "ada", first.Author)
	require.Equal(t, srv.URL+"/t/welcome-thread/101", first.URL)
	require.Equal(t, int64(3), first.Replies)
	require.False(t, first.FetchedAt.IsZero())

	batch, err = adapter.FetchBatch(ctx, srv.URL, batch.NextCursor, 0)
	require.NoError(t, err)
	require.Empty(t, batch.NextCursor)
	require.Len(t, batch.Posts, 1)
	require.Equal(t, "103", batch.Posts[0].RemoteID)
}

// TestFetchBatchEmptyPage verifies an empty listing ends the walk without
// error.
func TestFetchBatchEmptyPage(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	adapter := New(Config{})

	batch, err := adapter.FetchBatch(context.Background(), srv.URL, "5", 0)
	require.NoError(t, err)
	require.Empty(t, batch.Posts)
	require.Empty(t, batch.NextCursor)
}

// TestFetchBatchInvalidCursor verifies malformed cursors are rejected before
// any request is made.
func TestFetchBatchInvalidCursor(t *testing.T) {
	t.Parallel()

	adapter := New(Config{})
	_, err := adapter.FetchBatch(context.Background(), "http://unused.invalid", "page-two", 0)
	require.Error(t, err)
}

// TestFetchBatchServerError verifies a failing origin surfaces as an error
// with the request counted.
func TestFetchBatchServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	adapter := New(Config{})
	batch, err := adapter.FetchBatch(context.Background(), srv.URL, "", 0)
	require.Error(t, err)
	require.Equal(t, int64(1), batch.Requests)
}
