// Package manager coordinates the session state machine, the progress
// tracker, cancellation handles, and persistence into one engine facade.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"forumharvest/internal/progress"
	"forumharvest/internal/session"
	"forumharvest/internal/store"
)

// IDGenerator produces session ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Config tunes the manager.
type Config struct {
	// PersistInterval is the auto-persist cadence; zero disables the loop.
	PersistInterval time.Duration
	// RetentionAge bounds how long terminal sessions stay queryable; zero
	// disables cleanup.
	RetentionAge time.Duration
}

// Manager owns the full session lifecycle. All status changes flow through
// it so cancellation handles, progress tracking, lifecycle events, and
// persistence stay consistent with the state machine.
type Manager struct {
	state   *session.StateManager
	tracker *progress.Tracker
	emitter progress.Emitter
	repo    store.SessionRepository
	ids     IDGenerator
	clock   Clock
	logger  *zap.Logger
	cfg     Config

	mu      sync.Mutex
	handles map[string]*handle

	loopOnce sync.Once
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// handle is the cancellation pair for one running interval.
type handle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a Manager. The repository may be nil for purely in-memory use;
// every other dependency is required.
func New(
	state *session.StateManager,
	tracker *progress.Tracker,
	emitter progress.Emitter,
	repo store.SessionRepository,
	ids IDGenerator,
	clock Clock,
	logger *zap.Logger,
	cfg Config,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	return &Manager{
		state:   state,
		tracker: tracker,
		emitter: emitter,
		repo:    repo,
		ids:     ids,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		handles: make(map[string]*handle),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// CreateSession registers a new pending session. When the config names a
// session to resume from, its resume data is carried over if that session is
// still resumable; otherwise the new session starts fresh and the request
// degrades to a warning rather than an error.
func (m *Manager) CreateSession(ctx context.Context, kind session.SourceKind, cfg session.Config) (session.Session, error) {
	if !session.KnownSourceKind(kind) {
		return session.Session{}, fmt.Errorf("create session: unknown source kind %q", kind)
	}
	id, err := m.ids.NewID()
	if err != nil {
		return session.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	s, err := m.state.Create(id, kind, cfg)
	if err != nil {
		return session.Session{}, err
	}

	if cfg.ResumeFromSession != "" {
		if rd := m.inheritResumeData(ctx, cfg.ResumeFromSession); rd != nil {
			s, err = m.state.SetResumeData(id, rd)
			if err != nil {
				return session.Session{}, err
			}
		}
	}

	m.persist(ctx, s)
	m.emitLifecycle(s)
	m.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("source_kind", string(s.SourceKind)),
		zap.String("target", cfg.Target))
	return s, nil
}

// inheritResumeData fetches the predecessor's resume data when it is still
// resumable. Predecessors no longer tracked in memory, such as sessions
// that failed before a restart, are looked up in the repository. Missing or
// non-resumable predecessors degrade to nil.
func (m *Manager) inheritResumeData(ctx context.Context, fromID string) *session.ResumeData {
	prev, err := m.state.Get(fromID)
	if err != nil {
		prev, err = m.loadStoredSession(ctx, fromID)
	}
	if err != nil {
		m.logger.Warn("resume-from session not found, starting fresh",
			zap.String("resume_from", fromID), zap.Error(err))
		return nil
	}
	if !prev.CanResume() || prev.ResumeData == nil {
		m.logger.Warn("resume-from session is not resumable, starting fresh",
			zap.String("resume_from", fromID),
			zap.String("status", string(prev.Status)))
		return nil
	}
	rd := *prev.ResumeData
	return &rd
}

// loadStoredSession rehydrates a session straight from the repository,
// validating the record first.
func (m *Manager) loadStoredSession(ctx context.Context, id string) (session.Session, error) {
	if m.repo == nil {
		return session.Session{}, session.ErrNotFound
	}
	rec, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	return session.FromRecord(rec)
}

// Start moves a pending session to running, opens its cancellation handle,
// and begins progress tracking.
func (m *Manager) Start(ctx context.Context, id string) (session.Session, error) {
	s, err := m.state.Transition(id, session.StatusRunning)
	if err != nil {
		return session.Session{}, err
	}
	m.openHandle(id)
	m.tracker.StartTracking(id, s.Config.MaxItems)
	if s.Progress.ProcessedItems > 0 {
		if _, trackErr := m.tracker.Update(id, s.Progress.ProcessedItems, s.Progress.TotalItems); trackErr != nil {
			m.logger.Warn("seed tracker state", zap.String("session_id", id), zap.Error(trackErr))
		}
	}
	m.persist(ctx, s)
	m.emitLifecycle(s)
	return s, nil
}

// Pause suspends a running session, preserving its checkpoint, releasing
// the cancellation handle, and stopping progress tracking until resume.
// Pausing a session that is not running fails with ErrInvalidTransition.
func (m *Manager) Pause(ctx context.Context, id string) (session.Session, error) {
	s, err := m.state.Transition(id, session.StatusPaused)
	if err != nil {
		return session.Session{}, err
	}
	m.closeHandle(id)
	if _, trackErr := m.tracker.StopTracking(id); trackErr != nil && !errors.Is(trackErr, progress.ErrUntracked) {
		m.logger.Warn("stop tracking", zap.String("session_id", id), zap.Error(trackErr))
	}
	m.persist(ctx, s)
	m.emitLifecycle(s)
	return s, nil
}

// Resume moves a paused session, or a failed session holding a resume
// token, back to running. Non-resumable sessions fail with ErrNotResumable.
func (m *Manager) Resume(ctx context.Context, id string) (session.Session, error) {
	current, err := m.state.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if !current.CanResume() {
		return session.Session{}, fmt.Errorf("session %q in status %s: %w", id, current.Status, session.ErrNotResumable)
	}
	s, err := m.state.Transition(id, session.StatusRunning)
	if err != nil {
		return session.Session{}, err
	}
	m.openHandle(id)
	total := s.Config.MaxItems
	if total <= 0 {
		total = s.Progress.TotalItems
	}
	m.tracker.StartTracking(id, total)
	if s.Progress.ProcessedItems > 0 {
		if _, trackErr := m.tracker.Update(id, s.Progress.ProcessedItems, s.Progress.TotalItems); trackErr != nil {
			m.logger.Warn("seed tracker state", zap.String("session_id", id), zap.Error(trackErr))
		}
	}
	m.persist(ctx, s)
	m.emitLifecycle(s)
	return s, nil
}

// Complete marks a running session as successfully finished, discarding its
// checkpoint and closing tracking.
func (m *Manager) Complete(ctx context.Context, id string) (session.Session, error) {
	s, err := m.state.Transition(id, session.StatusCompleted)
	if err != nil {
		return session.Session{}, err
	}
	m.closeHandle(id)
	if _, trackErr := m.tracker.StopTracking(id); trackErr != nil && !errors.Is(trackErr, progress.ErrUntracked) {
		m.logger.Warn("stop tracking", zap.String("session_id", id), zap.Error(trackErr))
	}
	m.persist(ctx, s)
	m.emitLifecycle(s)
	return s, nil
}

// Fail marks a running session as failed, recording the error and, when
// resume data is provided, preserving it so the session can be resumed.
func (m *Manager) Fail(ctx context.Context, id, message string, rd *session.ResumeData) (session.Session, error) {
	if rd != nil {
		if _, err := m.state.SetResumeData(id, rd); err != nil {
			return session.Session{}, err
		}
	}
	if message != "" {
		if _, err := m.state.AppendError(id, message, ""); err != nil {
			return session.Session{}, err
		}
	}
	s, err := m.state.Transition(id, session.StatusFailed)
	if err != nil {
		return session.Session{}, err
	}
	m.closeHandle(id)
	if _, trackErr := m.tracker.StopTracking(id); trackErr != nil && !errors.Is(trackErr, progress.ErrUntracked) {
		m.logger.Warn("stop tracking", zap.String("session_id", id), zap.Error(trackErr))
	}
	m.persist(ctx, s)
	m.emitLifecycle(s)
	return s, nil
}

// Cancel aborts a session from any non-terminal state and fires its
// cancellation handle so in-flight work stops.
func (m *Manager) Cancel(ctx context.Context, id string) (session.Session, error) {
	s, err := m.state.Transition(id, session.StatusCancelled)
	if err != nil {
		return session.Session{}, err
	}
	m.closeHandle(id)
	if _, trackErr := m.tracker.StopTracking(id); trackErr != nil && !errors.Is(trackErr, progress.ErrUntracked) {
		m.logger.Warn("stop tracking", zap.String("session_id", id), zap.Error(trackErr))
	}
	m.persist(ctx, s)
	m.emitLifecycle(s)
	return s, nil
}

// UpdateProgress merges a partial progress delta and forwards the new
// counters to the tracker, which emits progress and milestone events.
func (m *Manager) UpdateProgress(ctx context.Context, id string, delta session.ProgressDelta) (session.Session, error) {
	s, err := m.state.UpdateProgress(id, delta)
	if err != nil {
		return session.Session{}, err
	}
	if s.Status == session.StatusRunning {
		if _, trackErr := m.tracker.Update(id, s.Progress.ProcessedItems, s.Progress.TotalItems); trackErr != nil {
			m.logger.Warn("tracker update", zap.String("session_id", id), zap.Error(trackErr))
		}
	}
	m.persist(ctx, s)
	return s, nil
}

// SetResumeData attaches checkpoint data to a session mid-flight.
func (m *Manager) SetResumeData(ctx context.Context, id string, rd *session.ResumeData) (session.Session, error) {
	s, err := m.state.SetResumeData(id, rd)
	if err != nil {
		return session.Session{}, err
	}
	m.persist(ctx, s)
	return s, nil
}

// RecordError appends an error observation without changing status.
func (m *Manager) RecordError(ctx context.Context, id, message, itemID string) (session.Session, error) {
	s, err := m.state.AppendError(id, message, itemID)
	if err != nil {
		return session.Session{}, err
	}
	m.persist(ctx, s)
	return s, nil
}

// Get returns a copy of one session.
func (m *Manager) Get(id string) (session.Session, error) {
	return m.state.Get(id)
}

// List returns copies of all tracked sessions.
func (m *Manager) List() []session.Session {
	return m.state.List()
}

// Progress returns the live tracker snapshot for a session.
func (m *Manager) Progress(id string) (progress.Snapshot, error) {
	return m.tracker.Snapshot(id)
}

// Milestones returns the milestone table for a session.
func (m *Manager) Milestones(id string) ([]progress.Milestone, error) {
	return m.tracker.Milestones(id)
}

// SessionContext exposes the cancellation context for a running session.
// Collaborators doing work on the session's behalf must derive from it so
// Cancel and Pause stop them.
func (m *Manager) SessionContext(id string) (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok {
		return nil, false
	}
	return h.ctx, true
}

// Recover rehydrates sessions from the repository after a restart. Sessions
// persisted as pending or running are demoted to paused since their work
// stopped with the process; records failing validation are logged and
// skipped.
func (m *Manager) Recover(ctx context.Context) (restored, skipped int, err error) {
	if m.repo == nil {
		return 0, 0, nil
	}
	records, err := m.repo.ListActiveSessions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list active sessions: %w", err)
	}
	for _, rec := range records {
		if rec.Status == session.StatusPending || rec.Status == session.StatusRunning {
			rec.Status = session.StatusPaused
		}
		s, convErr := session.FromRecord(rec)
		if convErr != nil {
			skipped++
			m.logger.Warn("skipping corrupt session record during recovery",
				zap.String("session_id", rec.ID), zap.Error(convErr))
			continue
		}
		m.state.ImportAll([]session.Record{session.ToRecord(s)})
		m.persist(ctx, s)
		restored++
	}
	if restored > 0 || skipped > 0 {
		m.logger.Info("session recovery finished",
			zap.Int("restored", restored), zap.Int("skipped", skipped))
	}
	return restored, skipped, nil
}

// PersistAll snapshots every tracked session into the repository.
func (m *Manager) PersistAll(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	var firstErr error
	for _, rec := range m.state.ExportAll() {
		if err := m.repo.UpsertSession(ctx, rec); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("persist session", zap.String("session_id", rec.ID), zap.Error(err))
		}
	}
	return firstErr
}

// Cleanup evicts terminal sessions older than the retention age from memory
// and the repository.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	if m.cfg.RetentionAge <= 0 {
		return 0, nil
	}
	removed := m.state.RemoveTerminalOlderThan(m.cfg.RetentionAge)
	if m.repo != nil {
		cutoff := m.clock.Now().Add(-m.cfg.RetentionAge)
		if _, err := m.repo.DeleteSessionsOlderThan(ctx, cutoff); err != nil {
			return len(removed), fmt.Errorf("delete old sessions: %w", err)
		}
	}
	if len(removed) > 0 {
		m.logger.Info("evicted old terminal sessions", zap.Strings("session_ids", removed))
	}
	return len(removed), nil
}

// Run starts the auto-persist loop and blocks until Close or ctx
// cancellation.
func (m *Manager) Run(ctx context.Context) {
	m.loopOnce.Do(func() {
		defer close(m.done)
		if m.cfg.PersistInterval <= 0 {
			<-m.stopOrDone(ctx)
			return
		}
		ticker := time.NewTicker(m.cfg.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if err := m.PersistAll(ctx); err != nil {
					m.logger.Warn("periodic persist", zap.Error(err))
				}
				if _, err := m.Cleanup(ctx); err != nil {
					m.logger.Warn("periodic cleanup", zap.Error(err))
				}
			}
		}
	})
}

func (m *Manager) stopOrDone(ctx context.Context) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-m.stop:
		}
		close(out)
	}()
	return out
}

// Close stops the auto-persist loop, fires every open cancellation handle,
// and takes a final snapshot.
func (m *Manager) Close(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	for id, h := range m.handles {
		h.cancel()
		delete(m.handles, id)
	}
	m.mu.Unlock()

	return m.PersistAll(ctx)
}

// openHandle replaces the session's cancellation handle with a fresh one.
func (m *Manager) openHandle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.handles[id]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.handles[id] = &handle{ctx: ctx, cancel: cancel}
}

// closeHandle fires and removes the session's cancellation handle.
func (m *Manager) closeHandle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[id]; ok {
		h.cancel()
		delete(m.handles, id)
	}
}

// persist writes one session snapshot. Persistence failures are logged and
// do not roll back the in-memory state change.
func (m *Manager) persist(ctx context.Context, s session.Session) {
	if m.repo == nil {
		return
	}
	if err := m.repo.UpsertSession(ctx, session.ToRecord(s)); err != nil {
		m.logger.Warn("persist session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// emitLifecycle publishes a status-change event for observers.
func (m *Manager) emitLifecycle(s session.Session) {
	m.emitter.Emit(progress.Event{
		SessionID: s.ID,
		TS:        m.clock.Now(),
		Stage:     progress.StageLifecycle,
		Status:    string(s.Status),
		Processed: s.Progress.ProcessedItems,
		Total:     s.Progress.TotalItems,
	})
}
