package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

const defaultPublishTimeout = 10 * time.Second

// PubSubEmitter publishes events as JSON messages to a Pub/Sub topic.
// Message attributes carry the event type and tenant for subscription
// filters.
type PubSubEmitter struct {
	topic   *pubsub.Topic
	timeout time.Duration
}

// NewPubSubEmitter returns an emitter publishing to topicID through client.
func NewPubSubEmitter(client *pubsub.Client, topicID string) (*PubSubEmitter, error) {
	if client == nil {
		return nil, fmt.Errorf("notify: pubsub client is nil")
	}
	if topicID == "" {
		return nil, fmt.Errorf("notify: pubsub topic is empty")
	}
	return &PubSubEmitter{topic: client.Topic(topicID), timeout: defaultPublishTimeout}, nil
}

// Emit publishes e and waits for the server acknowledgement.
func (p *PubSubEmitter) Emit(ctx context.Context, e Event) {
	if err := p.Publish(ctx, e); err != nil {
		slog.Error("notify: pubsub publish failed", "type", e.Type, "tenant", e.Tenant, "err", err)
	}
}

// Publish is Emit with the delivery error returned.
func (p *PubSubEmitter) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: b,
		Attributes: map[string]string{
			"type":   e.Type,
			"tenant": e.Tenant,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	slog.Debug("notify: pubsub event published", "type", e.Type, "tenant", e.Tenant)
	return nil
}

// Stop flushes pending messages and releases the topic's goroutines.
func (p *PubSubEmitter) Stop() { p.topic.Stop() }
