package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubSink records consumed batches for assertions.
type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(stage Stage) Event {
	return Event{SessionID: "s1", TS: time.Now().UTC(), Stage: stage}
}

// TestHubFlushBySize verifies the hub flushes once the batch limit is hit.
func TestHubFlushBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageTrackStart))
	hub.Emit(sampleEvent(StageProgress))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubFlushByTimer verifies small batches flush on the wait timer.
func TestHubFlushByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{BufferSize: 8, MaxBatchEvents: 100, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageProgress))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubPreservesPerSessionOrder asserts events for one session reach sinks
// in emission order.
func TestHubPreservesPerSessionOrder(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{BufferSize: 64, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	stages := []Stage{StageTrackStart, StageProgress, StageMilestone, StageProgress, StageTrackDone}
	for i, stage := range stages {
		evt := sampleEvent(stage)
		evt.Processed = int64(i)
		evt.Milestone = 25 // satisfies milestone validation; ignored elsewhere
		hub.Emit(evt)
	}
	require.NoError(t, hub.Close(context.Background()))

	var seen []Event
	for _, batch := range sink.Batches() {
		seen = append(seen, batch...)
	}
	require.Len(t, seen, len(stages))
	for i, evt := range seen {
		require.Equal(t, stages[i], evt.Stage)
		require.EqualValues(t, i, evt.Processed)
	}
}

// TestHubDropsInvalidEvents checks validation happens at the emit boundary.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Stage: StageProgress}) // missing session id and timestamp
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubCloseFlushesAndClosesSinks ensures buffered events drain on close.
func TestHubCloseFlushesAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{BufferSize: 16, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(sampleEvent(StageProgress))
	}
	require.NoError(t, hub.Close(context.Background()))

	total := 0
	for _, batch := range sink.Batches() {
		total += len(batch)
	}
	require.Equal(t, 5, total)
	require.True(t, sink.Closed())

	// Emissions after close are ignored, and closing twice is fine.
	hub.Emit(sampleEvent(StageProgress))
	require.NoError(t, hub.Close(context.Background()))
}
