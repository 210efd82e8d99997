package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"forumharvest/internal/session"
	"forumharvest/internal/store"
)

var _ store.SessionRepository = (*SessionStore)(nil)
var _ store.ContentRepository = (*ContentStore)(nil)

func sampleRecord(t *testing.T) (session.Record, []byte) {
	t.Helper()
	started := time.Unix(1700000000, 0).UTC()
	rec := session.Record{
		ID:         "s1",
		SourceKind: session.SourceDiscourse,
		Status:     session.StatusRunning,
		StartedAt:  started,
		UpdatedAt:  started.Add(time.Minute),
		Progress:   session.Progress{TotalItems: 100, ProcessedItems: 40},
		Config:     session.Config{Target: "https://forum.example.com"},
	}
	snapshot, err := json.Marshal(rec)
	require.NoError(t, err)
	return rec, snapshot
}

func TestUpsertSessionWritesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	rec, snapshot := sampleRecord(t)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(
			rec.ID,
			string(rec.SourceKind),
			string(rec.Status),
			rec.StartedAt,
			rec.UpdatedAt,
			(*string)(nil),
			snapshot,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertSession(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSessionCarriesResumeToken(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	rec, _ := sampleRecord(t)
	rec.Status = session.StatusFailed
	rec.ResumeData = &session.ResumeData{Token: "tok1", Checkpoint: "page-3"}
	snapshot, err := json.Marshal(rec)
	require.NoError(t, err)
	token := "tok1"

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(
			rec.ID,
			string(rec.SourceKind),
			string(rec.Status),
			rec.StartedAt,
			rec.UpdatedAt,
			&token,
			snapshot,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertSession(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionDecodesSnapshot(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	rec, snapshot := sampleRecord(t)
	mock.ExpectQuery("SELECT snapshot FROM sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(snapshot))

	got, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT snapshot FROM sessions WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}))

	_, err = s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveSessionsFiltersTerminal(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	rec, snapshot := sampleRecord(t)
	mock.ExpectQuery("SELECT snapshot FROM sessions").
		WithArgs(terminalStatuses).
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(snapshot))

	records, err := s.ListActiveSessions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []session.Record{rec}, records)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSessionsOlderThanReportsCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs(cutoff, terminalStatuses).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	removed, err := s.DeleteSessionsOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
