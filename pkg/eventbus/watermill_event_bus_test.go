package eventbus_test

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/channels/gochannel"
	"github.com/dukex/orquestra/pkg/eventbus"
	"github.com/dukex/orquestra/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		require.NoError(t, bus.Close())
	})

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newBus(t)
	received := make(chan *events.ActionExecutionUpdated, 1)

	require.NoError(t, bus.Handle(events.ActionExecutionUpdatedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.ActionExecutionUpdated)

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	published := events.NewActionExecutionUpdated(&action.Execution{
		ID:     "acex-1",
		Status: action.StatusSucceeded,
		Result: "xyz",
		Context: &action.Context{Workflow: &action.WorkflowContext{
			WorkflowExecutionID: "wfex-1",
			TaskID:              "task1",
		}},
	})
	require.NoError(t, bus.Publish(t.Context(), published.Key(), published))

	select {
	case event := <-received:
		assert.Equal(t, "acex-1", event.Execution.ID)
		assert.Equal(t, "xyz", event.Execution.Result)
		assert.Equal(t, "task1", event.Execution.WorkflowContext().TaskID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_RedeliversOnError(t *testing.T) {
	bus := newBus(t)

	var attempts atomic.Int32

	done := make(chan struct{})

	require.NoError(t, bus.Handle(events.TaskExecutionStatusEvent, func(_ context.Context, _ any) error {
		if attempts.Add(1) == 1 {
			return assert.AnError
		}

		close(done)

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	event := &events.TaskExecutionStatusChanged{BaseEvent: events.NewBaseEvent(events.TaskExecutionStatusEvent), TaskID: "task1"}
	require.NoError(t, bus.Publish(t.Context(), "wfex-1", event))

	select {
	case <-done:
		assert.Equal(t, int32(2), attempts.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("event was not redelivered")
	}
}

func TestWatermillEventBus_AcksUnhandledTypes(t *testing.T) {
	bus := newBus(t)
	received := make(chan struct{}, 1)

	require.NoError(t, bus.Handle(events.TaskExecutionStatusEvent, func(_ context.Context, _ any) error {
		received <- struct{}{}

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	ignored := &events.WorkflowExecutionStatusChanged{BaseEvent: events.NewBaseEvent(events.WorkflowExecutionStatusEvent)}
	require.NoError(t, bus.Publish(t.Context(), "wfex", ignored))

	handled := &events.TaskExecutionStatusChanged{BaseEvent: events.NewBaseEvent(events.TaskExecutionStatusEvent)}
	require.NoError(t, bus.Publish(t.Context(), "wfex", handled))

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("handled event was blocked by the unhandled one")
	}
}

func TestWatermillEventBus_DropsMalformedEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, eventbus.WithLogger(logger))
	t.Cleanup(func() { require.NoError(t, bus.Close()) })

	received := make(chan string, 2)

	require.NoError(t, bus.Handle(events.TaskExecutionStatusEvent, func(_ context.Context, event any) error {
		received <- event.(*events.TaskExecutionStatusChanged).TaskID

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	malformed := message.NewMessage(watermill.NewUUID(), []byte("{not json"))
	malformed.Metadata.Set(events.EventTypeMetadataKey, string(events.TaskExecutionStatusEvent))
	require.NoError(t, pub.Publish(events.Topic, malformed))

	valid := &events.TaskExecutionStatusChanged{BaseEvent: events.NewBaseEvent(events.TaskExecutionStatusEvent), TaskID: "task2"}
	require.NoError(t, bus.Publish(t.Context(), "wfex", valid))

	select {
	case taskID := <-received:
		assert.Equal(t, "task2", taskID)
	case <-time.After(5 * time.Second):
		t.Fatal("valid event was blocked by the malformed one")
	}
}
