package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// StateManager owns the in-memory session index and is the only writer of
// session records. Every accessor returns a deep copy; no caller ever holds
// a pointer into the index.
type StateManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    Clock
	logger   *zap.Logger
}

// NewStateManager builds an empty StateManager.
func NewStateManager(clock Clock, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		sessions: make(map[string]*Session),
		clock:    clock,
		logger:   logger,
	}
}

// Create registers a new session in pending state. It fails with ErrExists
// when the id is already tracked.
func (m *StateManager) Create(id string, kind SourceKind, cfg Config) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("create session: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return Session{}, fmt.Errorf("create session %q: %w", id, ErrExists)
	}
	now := m.clock.Now()
	s := &Session{
		ID:         id,
		SourceKind: kind,
		Status:     StatusPending,
		StartedAt:  now,
		UpdatedAt:  now,
		Config:     cfg,
	}
	m.sessions[id] = s
	return s.Clone(), nil
}

// Get returns a copy of the session or ErrNotFound.
func (m *StateManager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

// List returns copies of every tracked session ordered by start time, then id.
func (m *StateManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Transition applies a validated status change. Illegal edges leave the
// session untouched and return ErrInvalidTransition. Entering a terminal
// status stamps CompletedAt; entering completed also discards any retained
// checkpoint since there is nothing left to resume.
func (m *StateManager) Transition(id string, to Status) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if !CanTransition(s.Status, to) {
		return Session{}, fmt.Errorf("session %q: %s -> %s: %w", id, s.Status, to, ErrInvalidTransition)
	}
	if s.Status == StatusFailed && to == StatusRunning {
		if s.ResumeData == nil || s.ResumeData.Token == "" {
			return Session{}, fmt.Errorf("session %q: failed without resume token: %w", id, ErrInvalidTransition)
		}
	}
	now := m.clock.Now()
	s.Status = to
	s.UpdatedAt = now
	if to.Terminal() {
		ts := now
		s.CompletedAt = &ts
	} else {
		s.CompletedAt = nil
	}
	if to == StatusCompleted && s.ResumeData != nil {
		s.ResumeData.Checkpoint = ""
		s.ResumeData.NextCursor = ""
	}
	return s.Clone(), nil
}

// UpdateProgress merges a partial progress delta. Processed and failed
// counters never move backwards; a smaller reported total is accepted as
// authoritative (the source revised its estimate) but never resets counts.
// Metrics are recomputed on every call.
func (m *StateManager) UpdateProgress(id string, delta ProgressDelta) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if delta.TotalItems != nil && *delta.TotalItems >= 0 {
		s.Progress.TotalItems = *delta.TotalItems
	}
	if delta.ProcessedItems != nil && *delta.ProcessedItems > s.Progress.ProcessedItems {
		s.Progress.ProcessedItems = *delta.ProcessedItems
	}
	if delta.FailedItems != nil && *delta.FailedItems > s.Progress.FailedItems {
		s.Progress.FailedItems = *delta.FailedItems
	}
	if delta.LastItemID != nil {
		s.Progress.LastItemID = *delta.LastItemID
	}
	if delta.TotalTimeMs != nil && *delta.TotalTimeMs >= 0 {
		s.Metrics.TotalTimeMs = *delta.TotalTimeMs
	}
	s.Metrics.RequestCount += delta.AddRequests
	s.Metrics.RateLimitHits += delta.AddRateLimit
	s.recomputeMetrics()
	s.UpdatedAt = m.clock.Now()
	return s.Clone(), nil
}

func (s *Session) recomputeMetrics() {
	processed := s.Progress.ProcessedItems
	if processed < 1 {
		processed = 1
	}
	s.Metrics.AverageItemTimeMs = float64(s.Metrics.TotalTimeMs) / float64(processed)
}

// AppendError records an error observation and counts one failed item. It
// never changes the session status; escalation is the coordinator's call.
func (m *StateManager) AppendError(id, message, itemID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	now := m.clock.Now()
	s.Errors = append(s.Errors, ErrorEntry{Timestamp: now, Message: message, ItemID: itemID})
	s.Progress.FailedItems++
	s.UpdatedAt = now
	return s.Clone(), nil
}

// SetResumeData replaces the session's checkpoint data. Passing nil clears it.
func (m *StateManager) SetResumeData(id string, rd *ResumeData) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if rd == nil {
		s.ResumeData = nil
	} else {
		copyRD := *rd
		s.ResumeData = &copyRD
	}
	s.UpdatedAt = m.clock.Now()
	return s.Clone(), nil
}

// CanResume reports whether the session may be resumed. Unknown ids are not
// resumable.
func (m *StateManager) CanResume(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	return s.CanResume()
}

// Remove drops a session from the index. Unknown ids are a no-op.
func (m *StateManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// RemoveTerminalOlderThan evicts terminal sessions whose completion timestamp
// is older than maxAge and returns the evicted ids. The persisted copies are
// untouched; this only bounds in-memory growth.
func (m *StateManager) RemoveTerminalOlderThan(maxAge time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock.Now().Add(-maxAge)
	var removed []string
	for id, s := range m.sessions {
		if !s.Status.Terminal() || s.CompletedAt == nil {
			continue
		}
		if s.CompletedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Len returns the number of tracked sessions.
func (m *StateManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
