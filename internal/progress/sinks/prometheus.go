package sinks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"forumharvest/internal/progress"
	"forumharvest/internal/session"
)

// PrometheusSink exports session progress metrics. It owns all collectors
// for session lifecycle counts, per-session item gauges, and milestones.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsFinished  *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	itemsProcessed    *prometheus.GaugeVec
	itemsPerSecond    *prometheus.GaugeVec
	milestonesReached *prometheus.CounterVec

	tracker *runStateTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_sessions_started_total",
			Help: "Total sessions that have entered the running state.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_sessions_finished_total",
			Help: "Total sessions that reached a terminal status, partitioned by status.",
		}, []string{"status"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_sessions_running",
			Help: "Current number of running sessions.",
		}),
		itemsProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_session_items_processed",
			Help: "Cumulative processed items per tracked session.",
		}, []string{"session_id"}),
		itemsPerSecond: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_session_items_per_second",
			Help: "Average processing rate per tracked session.",
		}, []string{"session_id"}),
		milestonesReached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_milestones_reached_total",
			Help: "Milestone notifications fired, partitioned by threshold percent.",
		}, []string{"threshold"}),
		tracker: newRunStateTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsFinished,
		s.sessionsRunning,
		s.itemsProcessed,
		s.itemsPerSecond,
		s.milestonesReached,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageLifecycle:
		s.consumeLifecycle(evt)
	case progress.StageProgress, progress.StageHeartbeat:
		s.itemsProcessed.WithLabelValues(evt.SessionID).Set(float64(evt.Processed))
		s.itemsPerSecond.WithLabelValues(evt.SessionID).Set(evt.ItemsPerSecond)
	case progress.StageMilestone:
		threshold := strconv.FormatFloat(evt.Milestone, 'f', -1, 64)
		s.milestonesReached.WithLabelValues(threshold).Inc()
	case progress.StageTrackDone:
		s.itemsProcessed.DeleteLabelValues(evt.SessionID)
		s.itemsPerSecond.DeleteLabelValues(evt.SessionID)
	}
}

func (s *PrometheusSink) consumeLifecycle(evt progress.Event) {
	status := session.Status(evt.Status)
	wasRunning := s.tracker.setRunning(evt.SessionID, status == session.StatusRunning)
	switch {
	case status == session.StatusRunning && !wasRunning:
		s.sessionsStarted.Inc()
		s.sessionsRunning.Inc()
	case status != session.StatusRunning && wasRunning:
		s.sessionsRunning.Dec()
	}
	if status.Terminal() {
		s.sessionsFinished.WithLabelValues(string(status)).Inc()
		s.tracker.forget(evt.SessionID)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// runStateTracker remembers which sessions are currently counted as running
// so gauge increments and decrements stay paired across resume cycles.
type runStateTracker struct {
	mu      sync.Mutex
	running map[string]bool
}

func newRunStateTracker() *runStateTracker {
	return &runStateTracker{running: make(map[string]bool)}
}

// setRunning records the new state and returns the previous one.
func (t *runStateTracker) setRunning(id string, running bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.running[id]
	t.running[id] = running
	return prev
}

func (t *runStateTracker) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, id)
}
