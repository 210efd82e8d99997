// Package session implements the state machine for long-running harvest
// sessions: the authoritative record of one interruptible unit of work.
package session

import (
	"errors"
	"time"
)

// SourceKind identifies which external source a session targets.
type SourceKind string

// Supported source kinds.
const (
	SourceDiscourse SourceKind = "discourse"
	SourceRSS       SourceKind = "rss"
	SourceMemory    SourceKind = "memory"
)

// KnownSourceKind reports whether the kind is one this build can serve.
func KnownSourceKind(k SourceKind) bool {
	switch k {
	case SourceDiscourse, SourceRSS, SourceMemory:
		return true
	}
	return false
}

// Status is the lifecycle state of a session.
type Status string

// Session lifecycle states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the session lifecycle. A failed
// session is nominally terminal but may still be resumed when a resume token
// survives; see Session.CanResume.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Known reports whether the status is a member of the lifecycle set.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the edge table of the session state machine. Absent edges
// are rejected; failed -> running carries the extra resume-token requirement
// enforced by StateManager.Transition.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
	StatusFailed:  {StatusRunning},
}

// CanTransition reports whether the edge from -> to exists in the state
// machine table. It does not check the resume-token rule for failed sessions.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sentinel errors mirroring the engine's failure taxonomy.
var (
	// ErrNotFound signals an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrExists signals a create call with an id that is already tracked.
	ErrExists = errors.New("session already exists")
	// ErrInvalidTransition signals a status change outside the state machine.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrNotResumable signals a resume attempt on a session without a
	// preserved checkpoint.
	ErrNotResumable = errors.New("session is not resumable")
	// ErrDataIntegrity signals a persisted record that failed validation.
	ErrDataIntegrity = errors.New("session record failed integrity check")
)

// Progress holds the monotonic item counters for a session. TotalItems may
// stay zero until the source reports a count.
type Progress struct {
	TotalItems     int64  `json:"total_items"`
	ProcessedItems int64  `json:"processed_items"`
	FailedItems    int64  `json:"failed_items"`
	LastItemID     string `json:"last_item_id,omitempty"`
}

// ResumeData is everything required to continue a session without
// re-processing already-processed items. Checkpoint is opaque to the engine.
type ResumeData struct {
	Token              string `json:"token,omitempty"`
	Checkpoint         string `json:"checkpoint,omitempty"`
	LastSuccessfulItem string `json:"last_successful_item,omitempty"`
	NextCursor         string `json:"next_cursor,omitempty"`
}

// ErrorEntry is one append-only error observation.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	ItemID    string    `json:"item_id,omitempty"`
}

// Metrics are derived counters recomputed on every progress update.
type Metrics struct {
	AverageItemTimeMs float64 `json:"average_item_time_ms"`
	TotalTimeMs       int64   `json:"total_time_ms"`
	RequestCount      int64   `json:"request_count"`
	RateLimitHits     int64   `json:"rate_limit_hits"`
}

// Config is the immutable snapshot of the parameters a session was created
// with. It is never mutated after creation.
type Config struct {
	Target            string          `json:"target"`
	MaxItems          int64           `json:"max_items"`
	Flags             map[string]bool `json:"flags,omitempty"`
	ResumeFromSession string          `json:"resume_from_session,omitempty"`
}

// Session is one tracked, potentially interruptible unit of long-running
// work. All mutation goes through StateManager; callers only ever see copies.
type Session struct {
	ID          string
	SourceKind  SourceKind
	Status      Status
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Progress    Progress
	ResumeData  *ResumeData
	Errors      []ErrorEntry
	Metrics     Metrics
	Config      Config
}

// CanResume reports whether the session may legally transition back to
// running: paused sessions always can, failed sessions only when a resume
// token was preserved.
func (s Session) CanResume() bool {
	if s.Status == StatusPaused {
		return true
	}
	return s.Status == StatusFailed && s.ResumeData != nil && s.ResumeData.Token != ""
}

// Validate checks the structural invariants a session record must satisfy.
// It is applied to every record loaded from persistence; violations are
// reported as ErrDataIntegrity and the record is dropped, never trusted.
func (s Session) Validate() error {
	if s.ID == "" {
		return errors.New("missing session id")
	}
	if s.SourceKind == "" {
		return errors.New("missing source kind")
	}
	if !s.Status.Known() {
		return errors.New("unknown status " + string(s.Status))
	}
	if s.StartedAt.IsZero() {
		return errors.New("missing start timestamp")
	}
	if s.Progress.ProcessedItems < 0 || s.Progress.FailedItems < 0 || s.Progress.TotalItems < 0 {
		return errors.New("negative progress counter")
	}
	if s.Progress.TotalItems > 0 &&
		s.Progress.ProcessedItems+s.Progress.FailedItems > s.Progress.TotalItems {
		return errors.New("processed+failed exceeds total")
	}
	if s.Status.Terminal() && s.CompletedAt == nil {
		return errors.New("terminal session without completion timestamp")
	}
	if !s.Status.Terminal() && s.CompletedAt != nil {
		return errors.New("active session with completion timestamp")
	}
	return nil
}

// Clone returns a deep copy so callers cannot alias the manager-owned record.
func (s Session) Clone() Session {
	out := s
	if s.CompletedAt != nil {
		ts := *s.CompletedAt
		out.CompletedAt = &ts
	}
	if s.ResumeData != nil {
		rd := *s.ResumeData
		out.ResumeData = &rd
	}
	if s.Errors != nil {
		out.Errors = append([]ErrorEntry(nil), s.Errors...)
	}
	if s.Config.Flags != nil {
		flags := make(map[string]bool, len(s.Config.Flags))
		for k, v := range s.Config.Flags {
			flags[k] = v
		}
		out.Config.Flags = flags
	}
	return out
}

// ProgressDelta is a partial progress update. Nil pointer fields mean "leave
// unchanged". Counter fields named Add* are additive.
type ProgressDelta struct {
	TotalItems     *int64
	ProcessedItems *int64
	FailedItems    *int64
	LastItemID     *string
	TotalTimeMs    *int64
	AddRequests    int64
	AddRateLimit   int64
}

// Int64 is a convenience for building deltas in call sites and tests.
func Int64(v int64) *int64 { return &v }

// String is a convenience for building deltas in call sites and tests.
func String(v string) *string { return &v }
