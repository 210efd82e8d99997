package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually stepped clock for deterministic rate math.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// captureEmitter records every emitted event in order.
type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEmitter) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) byStage(stage Stage) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, evt := range c.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

// TestTrackerSnapshotMath verifies rate, percentage, and ETA computation.
func TestTrackerSnapshotMath(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(TrackerConfig{}, clock, nil)
	defer tr.Close()

	tr.StartTracking("s1", 100)
	clock.Advance(10 * time.Second)

	snap, err := tr.Update("s1", 20, 0)
	require.NoError(t, err)
	require.EqualValues(t, 20, snap.Current)
	require.EqualValues(t, 100, snap.Total)
	require.InDelta(t, 2.0, snap.ItemsPerSecond, 0.001)
	require.InDelta(t, 20.0, snap.Percentage, 0.001)
	require.InDelta(t, 40.0, snap.ETASeconds, 0.001)

	eta, ok := tr.EstimatedCompletion("s1")
	require.True(t, ok)
	require.Equal(t, clock.Now().Add(40*time.Second), eta)
}

// TestTrackerZeroElapsedRate confirms the rate is zero before any time passes.
func TestTrackerZeroElapsedRate(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(TrackerConfig{}, clock, nil)
	defer tr.Close()

	tr.StartTracking("s1", 10)
	snap, err := tr.Update("s1", 5, 0)
	require.NoError(t, err)
	require.Zero(t, snap.ItemsPerSecond)
	require.Zero(t, snap.ETASeconds)

	_, ok := tr.EstimatedCompletion("s1")
	require.False(t, ok)
}

// TestTrackerUnknownTotal confirms percentage and ETA stay zero without a total.
func TestTrackerUnknownTotal(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(TrackerConfig{}, clock, nil)
	defer tr.Close()

	tr.StartTracking("s1", 0)
	clock.Advance(time.Second)
	snap, err := tr.Update("s1", 7, 0)
	require.NoError(t, err)
	require.False(t, snap.HasTotal())
	require.Zero(t, snap.Percentage)
	require.Zero(t, snap.ETASeconds)
	require.InDelta(t, 7.0, snap.ItemsPerSecond, 0.001)
}

// TestTrackerMilestonesFireOnce is the single-fire property: update to 50%
// fires 25 and 50 exactly once, and a later lower reading re-fires nothing.
func TestTrackerMilestonesFireOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	emitter := &captureEmitter{}
	tr := NewTracker(TrackerConfig{}, clock, emitter)
	defer tr.Close()

	tr.StartTracking("s1", 100)
	clock.Advance(time.Second)

	_, err := tr.Update("s1", 50, 100)
	require.NoError(t, err)

	fired := emitter.byStage(StageMilestone)
	require.Len(t, fired, 2)
	require.Equal(t, 25.0, fired[0].Milestone)
	require.Equal(t, 50.0, fired[1].Milestone)

	// Processed is monotonic, so 40 leaves the counter at 50 and nothing re-fires.
	snap, err := tr.Update("s1", 40, 100)
	require.NoError(t, err)
	require.EqualValues(t, 50, snap.Current)
	require.Len(t, emitter.byStage(StageMilestone), 2)

	_, err = tr.Update("s1", 100, 100)
	require.NoError(t, err)
	fired = emitter.byStage(StageMilestone)
	require.Len(t, fired, 5)
	require.Equal(t, 100.0, fired[4].Milestone)

	ms, err := tr.Milestones("s1")
	require.NoError(t, err)
	for _, m := range ms {
		require.True(t, m.Reached)
		require.NotNil(t, m.ReachedAt)
	}
}

// TestTrackerShrinkingTotal verifies the latest reported total wins without
// resetting the processed counter.
func TestTrackerShrinkingTotal(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(TrackerConfig{}, clock, nil)
	defer tr.Close()

	tr.StartTracking("s1", 200)
	clock.Advance(time.Second)
	_, err := tr.Update("s1", 90, 0)
	require.NoError(t, err)

	snap, err := tr.Update("s1", 90, 80)
	require.NoError(t, err)
	require.EqualValues(t, 80, snap.Total)
	require.EqualValues(t, 90, snap.Current)
	require.Greater(t, snap.Percentage, 100.0)
	require.Equal(t, 100.0, snap.DisplayPercentage())
}

// TestTrackerRestartResetsClock covers re-calling StartTracking on resume.
func TestTrackerRestartResetsClock(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(TrackerConfig{}, clock, nil)
	defer tr.Close()

	tr.StartTracking("s1", 100)
	clock.Advance(time.Minute)
	_, err := tr.Update("s1", 60, 0)
	require.NoError(t, err)

	tr.StartTracking("s1", 100)
	clock.Advance(time.Second)
	snap, err := tr.Update("s1", 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 10, snap.Current, "restart resets the counter baseline")
	require.InDelta(t, 10.0, snap.ItemsPerSecond, 0.001, "rate derives from the new interval")
}

// TestTrackerStopDiscardsState verifies stop emits a final snapshot and
// forgets the id, history included.
func TestTrackerStopDiscardsState(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	emitter := &captureEmitter{}
	tr := NewTracker(TrackerConfig{HistorySize: 4}, clock, emitter)
	defer tr.Close()

	tr.StartTracking("s1", 10)
	clock.Advance(time.Second)
	_, err := tr.Update("s1", 4, 0)
	require.NoError(t, err)

	final, err := tr.StopTracking("s1")
	require.NoError(t, err)
	require.EqualValues(t, 4, final.Current)
	require.Len(t, emitter.byStage(StageTrackDone), 1)

	_, err = tr.Update("s1", 5, 0)
	require.ErrorIs(t, err, ErrUntracked)
	_, err = tr.History("s1")
	require.ErrorIs(t, err, ErrUntracked)
	require.Empty(t, tr.Tracked())
}

// TestTrackerHistoryRing verifies bounded history evicts oldest entries first.
func TestTrackerHistoryRing(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(TrackerConfig{HistorySize: 3}, clock, nil)
	defer tr.Close()

	tr.StartTracking("s1", 100)
	for i := int64(1); i <= 5; i++ {
		clock.Advance(time.Second)
		_, err := tr.Update("s1", i*10, 0)
		require.NoError(t, err)
	}

	history, err := tr.History("s1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.EqualValues(t, 30, history[0].Current)
	require.EqualValues(t, 50, history[2].Current)
}

// TestTrackerHeartbeat verifies periodic emission happens without updates.
func TestTrackerHeartbeat(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{}
	tr := NewTracker(TrackerConfig{HeartbeatInterval: 10 * time.Millisecond}, realClock{}, emitter)
	defer tr.Close()

	tr.StartTracking("s1", 100)
	require.Eventually(t, func() bool {
		return len(emitter.byStage(StageHeartbeat)) >= 2
	}, time.Second, 5*time.Millisecond)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }
