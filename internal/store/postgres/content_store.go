package postgres

import (
	"context"
	"fmt"
	"time"

	"forumharvest/internal/session"
	"forumharvest/internal/source"
)

// ContentStore implements store.ContentRepository on Postgres.
type ContentStore struct {
	pool PgxIface
}

// NewContentStore constructs a ContentStore over an existing pool. The
// SessionStore owns the pool lifecycle; content access shares it.
func NewContentStore(pool PgxIface) (*ContentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ContentStore{pool: pool}, nil
}

// UpsertPosts writes the batch, replacing rows with the same source kind and
// remote id. The most recent harvest wins.
func (s *ContentStore) UpsertPosts(ctx context.Context, sessionID string, posts []source.Post) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	query := `
		INSERT INTO posts (source_kind, remote_id, session_id, topic, author, content, url, posted_at, fetched_at, replies)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_kind, remote_id) DO UPDATE
		SET session_id = EXCLUDED.session_id,
			topic = EXCLUDED.topic,
			author = EXCLUDED.author,
			content = EXCLUDED.content,
			url = EXCLUDED.url,
			posted_at = EXCLUDED.posted_at,
			fetched_at = EXCLUDED.fetched_at,
			replies = EXCLUDED.replies;
	`
	var written int64
	for _, post := range posts {
		if post.RemoteID == "" {
			return written, fmt.Errorf("post remote id is required")
		}
		args := []any{
			string(post.Kind),
			post.RemoteID,
			sessionID,
			post.Topic,
			post.Author,
			post.Content,
			post.URL,
			post.PostedAt,
			post.FetchedAt,
			post.Replies,
		}
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return written, fmt.Errorf("upsert post %q: %w", post.RemoteID, err)
		}
		written += tag.RowsAffected()
	}
	return written, nil
}

// CountPosts returns the number of stored posts for one session.
func (s *ContentStore) CountPosts(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM posts WHERE session_id = $1;`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return count, nil
}

// ListPosts returns stored posts for one session ordered by posted_at.
func (s *ContentStore) ListPosts(ctx context.Context, sessionID string, limit, offset int) ([]source.Post, error) {
	query := `
		SELECT source_kind, remote_id, topic, author, content, url, posted_at, fetched_at, replies
		FROM posts
		WHERE session_id = $1
		ORDER BY posted_at ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var posts []source.Post
	for rows.Next() {
		var post source.Post
		var kind string
		err := rows.Scan(
			&kind,
			&post.RemoteID,
			&post.Topic,
			&post.Author,
			&post.Content,
			&post.URL,
			&post.PostedAt,
			&post.FetchedAt,
			&post.Replies,
		)
		if err != nil {
			return nil, fmt.Errorf("scan post row: %w", err)
		}
		post.Kind = session.SourceKind(kind)
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate post rows: %w", err)
	}
	return posts, nil
}

// PurgeOlderThan removes posts fetched before the cutoff.
func (s *ContentStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE fetched_at < $1;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge posts: %w", err)
	}
	return tag.RowsAffected(), nil
}
