// Package sinks provides progress.Sink implementations for logging, metrics,
// and event publication.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"forumharvest/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable sink is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("session_id", evt.SessionID),
			zap.String("stage", string(evt.Stage)),
			zap.String("status", evt.Status),
			zap.Int64("processed", evt.Processed),
			zap.Int64("total", evt.Total),
			zap.Float64("percentage", evt.Percentage),
			zap.Float64("items_per_second", evt.ItemsPerSecond),
			zap.Float64("milestone", evt.Milestone),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
