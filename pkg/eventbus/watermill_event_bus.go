package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/orquestra/pkg/events"
)

// WatermillEventBus publishes every engine event on one topic. The event type travels
// in the message metadata and the key partitions the messages of one workflow.
type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	logger        *slog.Logger
	subscriptions map[events.EventType]EventHandler
	mu            sync.RWMutex
	wg            sync.WaitGroup
}

type Option func(*WatermillEventBus)

func WithLogger(logger *slog.Logger) Option {
	return func(eb *WatermillEventBus) { eb.logger = logger.With("module", "event_bus") }
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, opts ...Option) EventBus {
	eb := &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		logger:        slog.New(slog.DiscardHandler),
		subscriptions: make(map[events.EventType]EventHandler),
	}

	for _, opt := range opts {
		opt(eb)
	}

	return eb
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

// Subscribe consumes the topic. Each message is handled on its own goroutine; the
// transports hold back the next message of a partition until the current one is acked,
// so partitions proceed in parallel while the events of one key stay ordered.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	eb.wg.Add(1)

	go func() {
		defer eb.wg.Done()

		for msg := range messages {
			eb.wg.Add(1)

			go func() {
				defer eb.wg.Done()

				eb.process(ctx, msg)
			}()
		}
	}()

	return nil
}

// process acks messages nobody handles and messages that can never decode. Handler
// errors nack the message for redelivery.
func (eb *WatermillEventBus) process(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))
	logger := eb.logger.With("message_id", msg.UUID, "event_type", eventType)

	eb.mu.RLock()
	handler, exists := eb.subscriptions[eventType]
	eb.mu.RUnlock()

	if !exists {
		msg.Ack()

		return
	}

	event, ok := decode(eventType)
	if !ok {
		logger.WarnContext(ctx, "dropping event of unknown type")
		msg.Ack()

		return
	}

	if err := json.Unmarshal(msg.Payload, event); err != nil {
		logger.ErrorContext(ctx, "dropping malformed event", "error", err)
		msg.Ack()

		return
	}

	if err := handler(ctx, event); err != nil {
		logger.WarnContext(ctx, "event handler failed, requesting redelivery", "error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

func decode(eventType events.EventType) (any, bool) {
	switch eventType {
	case events.ActionExecutionUpdatedEvent:
		return &events.ActionExecutionUpdated{}, true
	case events.WorkflowExecutionStatusEvent:
		return &events.WorkflowExecutionStatusChanged{}, true
	case events.TaskExecutionStatusEvent:
		return &events.TaskExecutionStatusChanged{}, true
	default:
		return nil, false
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

// Close closes the transport and waits for the handler in flight.
func (eb *WatermillEventBus) Close() error {
	pubErr := eb.publisher.Close()
	subErr := eb.subscriber.Close()

	eb.wg.Wait()

	if pubErr != nil {
		return fmt.Errorf("failed to close publisher: %w", pubErr)
	}

	if subErr != nil {
		return fmt.Errorf("failed to close subscriber: %w", subErr)
	}

	return nil
}
