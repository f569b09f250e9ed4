// Package events provides the in-process change-event bus. Providers
// subscribe to topics; the admin API's webhook endpoint publishes
// inbound directory events onto the bus.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"keysync.io/keysync/internal/engine"
	"keysync.io/keysync/internal/pkg/logger"
)

type subscription struct {
	id      string
	topics  map[string]struct{}
	handler func(ctx context.Context, env engine.EventEnvelope) error
}

// Bus fans out published events to every subscriber registered for the
// event's topic. Delivery is synchronous and best-effort: a handler
// error is logged, counted against no one, and does not block other
// subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for the given topics. A second
// subscription with the same id replaces the first.
func (b *Bus) Subscribe(ctx context.Context, id string, topics []string, handler func(ctx context.Context, env engine.EventEnvelope) error) error {
	topicSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs[i] = subscription{id: id, topics: topicSet, handler: handler}
			return nil
		}
	}
	b.subs = append(b.subs, subscription{id: id, topics: topicSet, handler: handler})
	return nil
}

// Publish delivers the envelope to every subscriber of its topic.
func (b *Bus) Publish(ctx context.Context, env engine.EventEnvelope) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if _, ok := sub.topics[env.Topic]; !ok {
			continue
		}
		if err := sub.handler(ctx, env); err != nil {
			logger.Warn("event handler failed",
				zap.String("subscriber", sub.id),
				zap.String("topic", env.Topic),
				zap.String("event_type", env.Payload.Type),
				zap.Error(err),
			)
		}
	}
}
