// Package progress tracks throughput, percentage, ETA, and milestones for
// harvest sessions and fans the resulting events out to registered sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the kind of observation carried by an Event.
type Stage string

// Supported progress stages.
const (
	StageTrackStart Stage = "TRACK_START"
	StageProgress   Stage = "PROGRESS"
	StageMilestone  Stage = "MILESTONE"
	StageHeartbeat  Stage = "HEARTBEAT"
	StageTrackDone  Stage = "TRACK_DONE"
	StageLifecycle  Stage = "SESSION_STATE"
)

// Event captures a single progress or lifecycle observation for one session.
// Events for the same session are delivered to sinks in emission order.
type Event struct {
	// SessionID identifies the tracked session.
	SessionID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which observation occurred.
	Stage Stage
	// Status carries the new session status for lifecycle events.
	Status string
	// Processed and Total mirror the counter pair at emission time.
	Processed int64
	Total     int64
	// Percentage is Processed/Total*100, zero when Total is unknown. It is
	// not clamped; display layers clamp to [0,100].
	Percentage float64
	// ItemsPerSecond is the average rate since tracking started.
	ItemsPerSecond float64
	// ETASeconds estimates remaining time; zero when not computable.
	ETASeconds float64
	// Milestone is the threshold percent for milestone events.
	Milestone float64
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTrackStart, StageProgress, StageHeartbeat, StageTrackDone:
	case StageMilestone:
		if e.Milestone <= 0 {
			return errors.New("milestone event requires a threshold")
		}
	case StageLifecycle:
		if e.Status == "" {
			return errors.New("lifecycle event requires a status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
