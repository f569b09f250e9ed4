package engine

import (
	"context"

	"go.uber.org/zap"
)

// Task is one recurring unit of scheduled work.
type Task struct {
	ID string
	Fn func(ctx context.Context)
}

// TaskRunner invokes a registered task on an external cadence. Retry
// and overlap policy belong to the runner, not the engine.
type TaskRunner interface {
	Run(ctx context.Context, task Task) error
}

// Event is one directory change notification.
type Event struct {
	Type           string `json:"type"`
	ResourcePath   string `json:"resourcePath"`
	Representation string `json:"representation,omitempty"`
}

// EventEnvelope wraps an event with the channel topic it arrived on.
type EventEnvelope struct {
	Topic   string `json:"topic"`
	Payload Event  `json:"eventPayload"`
}

// EventSource delivers change events on named topics. Delivery is
// at-least-once with no ordering guarantee.
type EventSource interface {
	Subscribe(ctx context.Context, id string, topics []string, handler func(ctx context.Context, env EventEnvelope) error) error
}

// EventTopic is the channel this engine subscribes to.
const EventTopic = "keycloak"

// Subscribe registers the provider's event handler on the source. A
// handler failure is logged and the event dropped rather than
// redelivered; the periodic full sync repairs anything missed.
func (p *Provider) Subscribe(ctx context.Context, src EventSource) error {
	return src.Subscribe(ctx, p.Name(), []string{EventTopic},
		func(ctx context.Context, env EventEnvelope) error {
			if err := p.HandleEvent(ctx, env.Payload); err != nil {
				p.log.Error("dropping directory event",
					zap.String("event_type", env.Payload.Type),
					zap.Error(err),
				)
			}
			return nil
		})
}
