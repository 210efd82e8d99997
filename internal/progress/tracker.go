package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUntracked signals an operation against an identifier that is not being
// tracked.
var ErrUntracked = errors.New("identifier is not tracked")

// DefaultMilestones are the thresholds configured when the caller supplies
// none.
var DefaultMilestones = []float64{25, 50, 75, 90, 100}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Milestone is a percentage threshold that fires a one-time notification
// when crossed.
type Milestone struct {
	ThresholdPercent float64    `json:"threshold_percent"`
	Reached          bool       `json:"reached"`
	ReachedAt        *time.Time `json:"reached_at,omitempty"`
}

// Snapshot is an ephemeral progress reading recomputed on demand. It is not
// persisted; sessions rebuild equivalent state from their own counters.
type Snapshot struct {
	SessionID      string
	Current        int64
	Total          int64
	Percentage     float64
	ItemsPerSecond float64
	ETASeconds     float64
	At             time.Time
}

// HasTotal reports whether the total (and therefore percentage and ETA) is
// meaningful.
func (s Snapshot) HasTotal() bool { return s.Total > 0 }

// DisplayPercentage clamps the raw percentage to [0,100] for presentation.
// The raw value is left unclamped because a source may revise its total
// estimate downward mid-flight.
func (s Snapshot) DisplayPercentage() float64 {
	switch {
	case s.Percentage < 0:
		return 0
	case s.Percentage > 100:
		return 100
	}
	return s.Percentage
}

// TrackerConfig controls tracker behavior.
type TrackerConfig struct {
	// Milestones lists threshold percents, fired at most once per tracked
	// id. Defaults to DefaultMilestones.
	Milestones []float64
	// HistorySize bounds the per-id snapshot ring buffer; 0 disables
	// history retention.
	HistorySize int
	// HeartbeatInterval, when positive, emits a snapshot for every actively
	// tracked id on each tick, independent of explicit updates.
	HeartbeatInterval time.Duration
	// Logger is optional.
	Logger *zap.Logger
}

type trackEntry struct {
	startedAt  time.Time
	updatedAt  time.Time
	processed  int64
	total      int64
	milestones []Milestone
	history    *snapshotRing
}

// Tracker follows zero or more independent identifiers concurrently,
// computing throughput, percentage, and ETA from a simple average since
// tracking start. It owns its index exclusively; all access is through
// methods.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackEntry
	cfg     TrackerConfig
	clock   Clock
	emitter Emitter
	logger  *zap.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewTracker builds a Tracker. The emitter receives start, progress,
// milestone, heartbeat, and done events; pass NopEmitter to discard them.
func NewTracker(cfg TrackerConfig, clock Clock, emitter Emitter) *Tracker {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if len(cfg.Milestones) == 0 {
		cfg.Milestones = DefaultMilestones
	}
	t := &Tracker{
		entries: make(map[string]*trackEntry),
		cfg:     cfg,
		clock:   clock,
		emitter: emitter,
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if cfg.HeartbeatInterval > 0 {
		go t.heartbeatLoop()
	} else {
		close(t.doneCh)
	}
	return t
}

// StartTracking initializes (or restarts) tracking state for id. Re-calling
// with a live id restarts the clock and milestone list, which is exactly the
// behavior resume wants. Pass total <= 0 when the source cannot predict a
// count.
func (t *Tracker) StartTracking(id string, total int64) {
	now := t.clock.Now()
	milestones := make([]Milestone, len(t.cfg.Milestones))
	for i, threshold := range t.cfg.Milestones {
		milestones[i] = Milestone{ThresholdPercent: threshold}
	}
	var history *snapshotRing
	if t.cfg.HistorySize > 0 {
		history = newSnapshotRing(t.cfg.HistorySize)
	}
	t.mu.Lock()
	t.entries[id] = &trackEntry{
		startedAt:  now,
		updatedAt:  now,
		total:      max64(total, 0),
		milestones: milestones,
		history:    history,
	}
	t.mu.Unlock()

	t.emitter.Emit(Event{
		SessionID: id,
		TS:        now,
		Stage:     StageTrackStart,
		Total:     max64(total, 0),
	})
}

// Update records cumulative processed progress for id and returns the fresh
// snapshot. Processed never moves backwards within one tracking interval;
// total <= 0 leaves the known total unchanged, otherwise the latest value is
// authoritative. Newly crossed milestones fire exactly once each.
func (t *Tracker) Update(id string, processed, total int64) (Snapshot, error) {
	now := t.clock.Now()

	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return Snapshot{}, fmt.Errorf("update %q: %w", id, ErrUntracked)
	}
	if processed > e.processed {
		e.processed = processed
	}
	if total > 0 {
		e.total = total
	}
	e.updatedAt = now
	snap := e.snapshot(id, now)
	crossed := e.crossMilestones(snap.Percentage, now)
	if e.history != nil {
		e.history.push(snap)
	}
	t.mu.Unlock()

	t.emitter.Emit(progressEvent(snap, StageProgress))
	for _, m := range crossed {
		t.emitter.Emit(Event{
			SessionID:      id,
			TS:             now,
			Stage:          StageMilestone,
			Processed:      snap.Current,
			Total:          snap.Total,
			Percentage:     snap.Percentage,
			ItemsPerSecond: snap.ItemsPerSecond,
			Milestone:      m,
		})
	}
	return snap, nil
}

// StopTracking emits a final snapshot and discards all live state for id,
// history included. Callers needing durable history must persist snapshots
// before stopping.
func (t *Tracker) StopTracking(id string) (Snapshot, error) {
	now := t.clock.Now()

	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return Snapshot{}, fmt.Errorf("stop %q: %w", id, ErrUntracked)
	}
	snap := e.snapshot(id, now)
	delete(t.entries, id)
	t.mu.Unlock()

	t.emitter.Emit(progressEvent(snap, StageTrackDone))
	return snap, nil
}

// Snapshot computes the current reading for id without mutating state.
func (t *Tracker) Snapshot(id string) (Snapshot, error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("snapshot %q: %w", id, ErrUntracked)
	}
	return e.snapshot(id, now), nil
}

// EstimatedCompletion returns now + ETA. The second result is false when the
// id is untracked, the total is unknown, or the rate is zero.
func (t *Tracker) EstimatedCompletion(id string) (time.Time, bool) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return time.Time{}, false
	}
	snap := e.snapshot(id, now)
	if !snap.HasTotal() || snap.ItemsPerSecond <= 0 {
		return time.Time{}, false
	}
	return now.Add(time.Duration(snap.ETASeconds * float64(time.Second))), true
}

// Milestones returns a copy of the milestone list for id.
func (t *Tracker) Milestones(id string) ([]Milestone, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("milestones %q: %w", id, ErrUntracked)
	}
	return append([]Milestone(nil), e.milestones...), nil
}

// History returns retained snapshots for id, oldest first. Empty when
// history retention is disabled.
func (t *Tracker) History(id string) ([]Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("history %q: %w", id, ErrUntracked)
	}
	if e.history == nil {
		return nil, nil
	}
	return e.history.list(), nil
}

// Tracked returns the ids currently being tracked.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}

// Close stops the heartbeat goroutine. It does not emit final snapshots.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	<-t.doneCh
}

func (t *Tracker) heartbeatLoop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.emitHeartbeats()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) emitHeartbeats() {
	now := t.clock.Now()
	t.mu.Lock()
	snaps := make([]Snapshot, 0, len(t.entries))
	for id, e := range t.entries {
		snaps = append(snaps, e.snapshot(id, now))
	}
	t.mu.Unlock()
	for _, snap := range snaps {
		t.emitter.Emit(progressEvent(snap, StageHeartbeat))
	}
}

// snapshot computes the reading under the tracker lock.
func (e *trackEntry) snapshot(id string, now time.Time) Snapshot {
	elapsed := now.Sub(e.startedAt).Seconds()
	snap := Snapshot{
		SessionID: id,
		Current:   e.processed,
		Total:     e.total,
		At:        now,
	}
	if elapsed > 0 {
		snap.ItemsPerSecond = float64(e.processed) / elapsed
	}
	if e.total > 0 {
		snap.Percentage = float64(e.processed) / float64(e.total) * 100
		if snap.ItemsPerSecond > 0 {
			snap.ETASeconds = float64(e.total-e.processed) / snap.ItemsPerSecond
		}
	}
	return snap
}

// crossMilestones marks every unreached milestone at or below pct and
// returns the thresholds that fired.
func (e *trackEntry) crossMilestones(pct float64, now time.Time) []float64 {
	if pct <= 0 {
		return nil
	}
	var crossed []float64
	for i := range e.milestones {
		m := &e.milestones[i]
		if m.Reached || m.ThresholdPercent > pct {
			continue
		}
		m.Reached = true
		ts := now
		m.ReachedAt = &ts
		crossed = append(crossed, m.ThresholdPercent)
	}
	return crossed
}

func progressEvent(snap Snapshot, stage Stage) Event {
	return Event{
		SessionID:      snap.SessionID,
		TS:             snap.At,
		Stage:          stage,
		Processed:      snap.Current,
		Total:          snap.Total,
		Percentage:     snap.Percentage,
		ItemsPerSecond: snap.ItemsPerSecond,
		ETASeconds:     snap.ETASeconds,
	}
}

// snapshotRing is a fixed-capacity ring buffer; the oldest snapshots are
// evicted first.
type snapshotRing struct {
	buf   []Snapshot
	head  int
	count int
}

func newSnapshotRing(capacity int) *snapshotRing {
	return &snapshotRing{buf: make([]Snapshot, capacity)}
}

func (r *snapshotRing) push(s Snapshot) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

func (r *snapshotRing) list() []Snapshot {
	out := make([]Snapshot, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
