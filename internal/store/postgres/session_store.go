// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"forumharvest/internal/session"
	"forumharvest/internal/store"
)

// PgxIface is the pool surface the stores need. pgxpool.Pool satisfies it in
// production and pgxmock satisfies it in tests.
type PgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// terminalStatuses lists the statuses a session can never leave without a
// resume token; cleanup queries match against it.
var terminalStatuses = []string{
	string(session.StatusCompleted),
	string(session.StatusFailed),
	string(session.StatusCancelled),
}

// SessionStore implements store.SessionRepository on Postgres. The full
// snapshot lives in a JSONB column; the columns queries filter on are
// denormalized alongside it.
type SessionStore struct {
	pool PgxIface
}

// NewSessionStore creates a Postgres-backed SessionStore using the provided
// config.
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SessionStore{pool: pool}, nil
}

// Pool exposes the underlying pool so sibling stores can share it.
func (s *SessionStore) Pool() PgxIface {
	return s.pool
}

// NewSessionStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewSessionStoreWithPool(pool PgxIface) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{pool: pool}, nil
}

// EnsureSchema creates the sessions and posts tables when they do not exist.
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	source_kind TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	resume_token TEXT,
	snapshot JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS posts (
	source_kind TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	posted_at TIMESTAMPTZ,
	fetched_at TIMESTAMPTZ NOT NULL,
	replies BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (source_kind, remote_id)
);
CREATE INDEX IF NOT EXISTS posts_session_idx ON posts (session_id, posted_at);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *SessionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertSession writes the full snapshot, replacing any existing row.
func (s *SessionStore) UpsertSession(ctx context.Context, rec session.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("session id is required")
	}
	snapshot, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}
	var resumeToken *string
	if rec.ResumeData != nil && rec.ResumeData.Token != "" {
		resumeToken = &rec.ResumeData.Token
	}
	query := `
		INSERT INTO sessions (id, source_kind, status, started_at, updated_at, resume_token, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET source_kind = EXCLUDED.source_kind,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at,
			resume_token = EXCLUDED.resume_token,
			snapshot = EXCLUDED.snapshot;
	`
	args := []any{
		rec.ID,
		string(rec.SourceKind),
		string(rec.Status),
		rec.StartedAt,
		rec.UpdatedAt,
		resumeToken,
		snapshot,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession loads one session snapshot or returns store.ErrNotFound.
func (s *SessionStore) GetSession(ctx context.Context, id string) (session.Record, error) {
	query := `SELECT snapshot FROM sessions WHERE id = $1;`
	var snapshot []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&snapshot); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Record{}, store.ErrNotFound
		}
		return session.Record{}, fmt.Errorf("get session: %w", err)
	}
	return decodeSnapshot(snapshot)
}

// ListSessions returns snapshots ordered by started_at descending, filtered
// by optional status.
func (s *SessionStore) ListSessions(ctx context.Context, status *session.Status, limit, offset int) ([]session.Record, error) {
	query := `
		SELECT snapshot FROM sessions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var statusArg *string
	if status != nil {
		str := string(*status)
		statusArg = &str
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSnapshots(rows)
}

// ListActiveSessions returns every session whose status is not terminal.
func (s *SessionStore) ListActiveSessions(ctx context.Context) ([]session.Record, error) {
	query := `
		SELECT snapshot FROM sessions
		WHERE status <> ALL($1)
		ORDER BY started_at DESC;
	`
	rows, err := s.pool.Query(ctx, query, terminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return collectSnapshots(rows)
}

// ListResumableSessions returns sessions eligible to re-enter running:
// paused ones, and failed ones that carry a resume token. Optionally
// filtered by source kind.
func (s *SessionStore) ListResumableSessions(ctx context.Context, kind *session.SourceKind) ([]session.Record, error) {
	query := `
		SELECT snapshot FROM sessions
		WHERE (status = $1 OR (status = $2 AND resume_token IS NOT NULL))
		AND ($3::text IS NULL OR source_kind = $3)
		ORDER BY started_at DESC;
	`
	var kindArg *string
	if kind != nil {
		str := string(*kind)
		kindArg = &str
	}
	rows, err := s.pool.Query(ctx, query, string(session.StatusPaused), string(session.StatusFailed), kindArg)
	if err != nil {
		return nil, fmt.Errorf("list resumable sessions: %w", err)
	}
	return collectSnapshots(rows)
}

// DeleteSession removes one snapshot. Missing rows are not an error.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1;`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteSessionsOlderThan removes terminal sessions last touched before the
// cutoff.
func (s *SessionStore) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE updated_at < $1 AND status = ANY($2);`
	tag, err := s.pool.Exec(ctx, query, cutoff, terminalStatuses)
	if err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func decodeSnapshot(snapshot []byte) (session.Record, error) {
	var rec session.Record
	if err := json.Unmarshal(snapshot, &rec); err != nil {
		return session.Record{}, fmt.Errorf("decode session snapshot: %w", err)
	}
	return rec, nil
}

func collectSnapshots(rows pgx.Rows) ([]session.Record, error) {
	defer rows.Close()
	var records []session.Record
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		rec, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return records, nil
}
