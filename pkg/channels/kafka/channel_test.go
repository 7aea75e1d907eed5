package kafka_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/channels/kafka"
	"github.com/dukex/orquestra/pkg/eventbus"
	"github.com/dukex/orquestra/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, kafka.Brokers("a:9092, b:9092,"))

	t.Setenv("KAFKA_BROKERS", "env:9092")
	assert.Equal(t, []string{"env:9092"}, kafka.Brokers(""))

	t.Setenv("KAFKA_BROKERS", "")
	assert.Empty(t, kafka.Brokers(""))
}

func TestCreateChannel_NoBrokers(t *testing.T) {
	_, _, err := kafka.CreateChannel(watermill.NopLogger{}, "orquestra", nil)
	require.Error(t, err)
}

func TestCreateChannel_RoundTrip(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "orquestra-test", brokers)
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		require.NoError(t, bus.Close())
	})

	received := make(chan *events.ActionExecutionUpdated, 1)

	require.NoError(t, bus.Handle(events.ActionExecutionUpdatedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.ActionExecutionUpdated)

		return nil
	}))

	event := events.NewActionExecutionUpdated(&action.Execution{ID: "acex-1", Status: action.StatusSucceeded})
	require.NoError(t, bus.Publish(ctx, event.Key(), event))
	require.NoError(t, bus.Subscribe(ctx))

	select {
	case got := <-received:
		assert.Equal(t, "acex-1", got.Execution.ID)
	case <-ctx.Done():
		t.Fatal("event was not consumed")
	}
}
