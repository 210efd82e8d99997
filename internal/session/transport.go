package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Record is the persistence-friendly form of a Session. It round-trips every
// durable field; transient runtime handles (cancellation contexts, tracker
// state) intentionally have no representation here.
type Record struct {
	ID          string       `json:"id"`
	SourceKind  SourceKind   `json:"source_kind"`
	Status      Status       `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Progress    Progress     `json:"progress"`
	ResumeData  *ResumeData  `json:"resume_data,omitempty"`
	Errors      []ErrorEntry `json:"errors,omitempty"`
	Metrics     Metrics      `json:"metrics"`
	Config      Config       `json:"config"`
}

// ToRecord converts a session into its transport form.
func ToRecord(s Session) Record {
	c := s.Clone()
	return Record{
		ID:          c.ID,
		SourceKind:  c.SourceKind,
		Status:      c.Status,
		StartedAt:   c.StartedAt,
		UpdatedAt:   c.UpdatedAt,
		CompletedAt: c.CompletedAt,
		Progress:    c.Progress,
		ResumeData:  c.ResumeData,
		Errors:      c.Errors,
		Metrics:     c.Metrics,
		Config:      c.Config,
	}
}

// FromRecord converts a transport record back into a Session, validating the
// structural invariants first. Invalid records are rejected with
// ErrDataIntegrity so loaders can drop them instead of trusting them.
func FromRecord(r Record) (Session, error) {
	s := Session{
		ID:          r.ID,
		SourceKind:  r.SourceKind,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
		Progress:    r.Progress,
		ResumeData:  r.ResumeData,
		Errors:      r.Errors,
		Metrics:     r.Metrics,
		Config:      r.Config,
	}
	if err := s.Validate(); err != nil {
		return Session{}, fmt.Errorf("record %q: %v: %w", r.ID, err, ErrDataIntegrity)
	}
	return s.Clone(), nil
}

// ExportAll snapshots every tracked session as an ordered record list, the
// disaster-recovery backup format.
func (m *StateManager) ExportAll() []Record {
	sessions := m.List()
	records := make([]Record, 0, len(sessions))
	for _, s := range sessions {
		records = append(records, ToRecord(s))
	}
	return records
}

// ImportAll upserts sessions from a backup, overwriting tracked sessions in
// place by id. Records failing validation are logged and skipped. It returns
// the number restored and the number dropped.
func (m *StateManager) ImportAll(records []Record) (restored, dropped int) {
	for _, r := range records {
		s, err := FromRecord(r)
		if err != nil {
			dropped++
			m.logger.Warn("dropping invalid session record on import",
				zap.String("session_id", r.ID), zap.Error(err))
			continue
		}
		m.mu.Lock()
		stored := s.Clone()
		m.sessions[s.ID] = &stored
		m.mu.Unlock()
		restored++
	}
	return restored, dropped
}
