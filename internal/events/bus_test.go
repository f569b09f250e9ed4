package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keysync.io/keysync/internal/engine"
	"keysync.io/keysync/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "console")
}

func TestBus_DeliversToMatchingTopic(t *testing.T) {
	bus := NewBus()
	var got []engine.EventEnvelope
	require.NoError(t, bus.Subscribe(context.Background(), "sub-1", []string{"keycloak"},
		func(ctx context.Context, env engine.EventEnvelope) error {
			got = append(got, env)
			return nil
		}))

	bus.Publish(context.Background(), engine.EventEnvelope{
		Topic:   "keycloak",
		Payload: engine.Event{Type: "admin.USER-CREATE", ResourcePath: "users/u1"},
	})
	bus.Publish(context.Background(), engine.EventEnvelope{Topic: "other"})

	require.Len(t, got, 1)
	assert.Equal(t, "admin.USER-CREATE", got[0].Payload.Type)
}

func TestBus_ResubscribeReplacesHandler(t *testing.T) {
	bus := NewBus()
	var first, second int
	require.NoError(t, bus.Subscribe(context.Background(), "sub-1", []string{"keycloak"},
		func(ctx context.Context, env engine.EventEnvelope) error { first++; return nil }))
	require.NoError(t, bus.Subscribe(context.Background(), "sub-1", []string{"keycloak"},
		func(ctx context.Context, env engine.EventEnvelope) error { second++; return nil }))

	bus.Publish(context.Background(), engine.EventEnvelope{Topic: "keycloak"})
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestBus_HandlerErrorDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	var delivered int
	require.NoError(t, bus.Subscribe(context.Background(), "failing", []string{"keycloak"},
		func(ctx context.Context, env engine.EventEnvelope) error { return errors.New("boom") }))
	require.NoError(t, bus.Subscribe(context.Background(), "healthy", []string{"keycloak"},
		func(ctx context.Context, env engine.EventEnvelope) error { delivered++; return nil }))

	bus.Publish(context.Background(), engine.EventEnvelope{Topic: "keycloak"})
	assert.Equal(t, 1, delivered)
}
