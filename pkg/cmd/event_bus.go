package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/orquestra/pkg/channels/gochannel"
	"github.com/dukex/orquestra/pkg/channels/kafka"
	"github.com/dukex/orquestra/pkg/eventbus"
)

// ServiceName names the kafka consumer group shared by every engine.
const ServiceName = "orquestra"

// NewEventBus creates the event bus of the provider: gochannel for a single process,
// kafka for engines sharing a cluster.
func NewEventBus(provider, brokers string, logger *slog.Logger) (eventbus.EventBus, error) {
	watermillLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermillLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, eventbus.WithLogger(logger)), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermillLogger, ServiceName, kafka.Brokers(brokers))
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, eventbus.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %q", provider)
	}
}
