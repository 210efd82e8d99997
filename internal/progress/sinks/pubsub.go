package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"forumharvest/internal/progress"
)

// EventPublisher abstracts the message transport so the sink can be tested
// without a live Pub/Sub project.
type EventPublisher interface {
	Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error)
	Close() error
}

// PubSubSink publishes progress events so downstream consumers (dashboards,
// alerting) can follow harvest sessions without polling the store.
type PubSubSink struct {
	publisher EventPublisher
	logger    *zap.Logger
}

// NewPubSubSink constructs a PubSubSink around the provided publisher.
func NewPubSubSink(publisher EventPublisher, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{publisher: publisher, logger: logger}
}

// wireEvent is the published JSON shape; field names are part of the
// external contract and must stay stable.
type wireEvent struct {
	SessionID      string    `json:"session_id"`
	Timestamp      time.Time `json:"timestamp"`
	Stage          string    `json:"stage"`
	Status         string    `json:"status,omitempty"`
	Processed      int64     `json:"processed"`
	Total          int64     `json:"total,omitempty"`
	Percentage     float64   `json:"percentage,omitempty"`
	ItemsPerSecond float64   `json:"items_per_second,omitempty"`
	ETASeconds     float64   `json:"eta_seconds,omitempty"`
	Milestone      float64   `json:"milestone,omitempty"`
	Note           string    `json:"note,omitempty"`
}

// Consume publishes each event in order. Publish failures abort the batch so
// the hub can log them; already-published events are not retried (observers
// must tolerate at-least-once delivery).
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		data, err := json.Marshal(wireEvent{
			SessionID:      evt.SessionID,
			Timestamp:      evt.TS,
			Stage:          string(evt.Stage),
			Status:         evt.Status,
			Processed:      evt.Processed,
			Total:          evt.Total,
			Percentage:     evt.Percentage,
			ItemsPerSecond: evt.ItemsPerSecond,
			ETASeconds:     evt.ETASeconds,
			Milestone:      evt.Milestone,
			Note:           evt.Note,
		})
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		attrs := map[string]string{
			"session_id": evt.SessionID,
			"stage":      string(evt.Stage),
		}
		if _, err := s.publisher.Publish(ctx, data, attrs); err != nil {
			return fmt.Errorf("publish progress event: %w", err)
		}
	}
	return nil
}

// Close releases the underlying publisher.
func (s *PubSubSink) Close(context.Context) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	if err := s.publisher.Close(); err != nil {
		return fmt.Errorf("close event publisher: %w", err)
	}
	return nil
}

// TopicPublisher adapts a Google Cloud Pub/Sub topic to EventPublisher. It
// authenticates via Application Default Credentials.
type TopicPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewTopicPublisher creates a Pub/Sub client and verifies the topic exists.
func NewTopicPublisher(ctx context.Context, projectID, topicID string) (*TopicPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &TopicPublisher{client: client, topic: topic}, nil
}

// Publish sends one message and waits for the server ack.
func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error) {
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close stops the topic's publish goroutines and closes the client.
func (p *TopicPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
