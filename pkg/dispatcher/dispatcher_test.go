package dispatcher_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/dispatcher"
	"github.com/dukex/orquestra/pkg/eventbus"
	"github.com/dukex/orquestra/pkg/events"
	"github.com/dukex/orquestra/pkg/metrics"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/dukex/orquestra/pkg/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	handler string
	id      string
}

type stubHandler struct {
	mu     sync.Mutex
	calls  []call
	failed map[string]error

	handle func(name string, execution *action.Execution) error
}

func newStubHandler() *stubHandler {
	return &stubHandler{failed: map[string]error{}}
}

func (h *stubHandler) record(name string, execution *action.Execution) error {
	h.mu.Lock()
	h.calls = append(h.calls, call{handler: name, id: execution.ID})
	handle := h.handle
	h.mu.Unlock()

	if handle == nil {
		return nil
	}

	return handle(name, execution)
}

func (h *stubHandler) HandleActionExecutionCompletion(_ context.Context, execution *action.Execution) error {
	return h.record("completion", execution)
}

func (h *stubHandler) HandleActionExecutionPause(_ context.Context, execution *action.Execution) error {
	return h.record("pause", execution)
}

func (h *stubHandler) HandleActionExecutionResume(_ context.Context, execution *action.Execution) error {
	return h.record("resume", execution)
}

func (h *stubHandler) FailWorkflowExecution(_ context.Context, wfExID string, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failed[wfExID] = cause

	return nil
}

func (h *stubHandler) snapshot() ([]call, map[string]error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	failed := make(map[string]error, len(h.failed))
	for id, err := range h.failed {
		failed[id] = err
	}

	return append([]call(nil), h.calls...), failed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastRetries() dispatcher.Option {
	return dispatcher.WithRetryPolicy(workflow.RetryPolicy{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
}

func update(id string, status action.Status) *action.Execution {
	return &action.Execution{
		ID:     id,
		Status: status,
		Context: &action.Context{Workflow: &action.WorkflowContext{
			WorkflowExecutionID: "wfex-" + id,
			TaskExecutionID:     "tkex-" + id,
			TaskID:              "task1",
		}},
	}
}

func start(t *testing.T, handler dispatcher.Handler, opts ...dispatcher.Option) *dispatcher.Dispatcher {
	t.Helper()

	d := dispatcher.New(handler, testLogger(), append([]dispatcher.Option{fastRetries()}, opts...)...)
	d.Start(t.Context())

	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	return d
}

func TestDispatcher_Routes(t *testing.T) {
	handler := newStubHandler()
	d := start(t, handler, dispatcher.WithWorkers(1))
	ctx := t.Context()

	require.NoError(t, d.Submit(ctx, update("a", action.StatusSucceeded)))
	require.NoError(t, d.Submit(ctx, update("b", action.StatusTimedOut)))
	require.NoError(t, d.Submit(ctx, update("c", action.StatusPaused)))
	require.NoError(t, d.Submit(ctx, update("d", action.StatusRunning)))
	require.NoError(t, d.Submit(ctx, update("e", action.StatusCanceling)))
	require.NoError(t, d.Submit(ctx, &action.Execution{ID: "f", Status: action.StatusSucceeded}))

	require.NoError(t, d.Stop(ctx))

	calls, failed := handler.snapshot()
	assert.Equal(t, []call{
		{handler: "completion", id: "a"},
		{handler: "completion", id: "b"},
		{handler: "pause", id: "c"},
		{handler: "resume", id: "d"},
	}, calls)
	assert.Empty(t, failed)
}

func TestDispatcher_HandleEvent(t *testing.T) {
	handler := newStubHandler()
	d := start(t, handler)

	bus := &subscriber{}
	require.NoError(t, d.Register(bus))
	require.Equal(t, events.ActionExecutionUpdatedEvent, bus.eventType)

	require.NoError(t, bus.handler(t.Context(), events.NewActionExecutionUpdated(update("a", action.StatusFailed))))
	require.NoError(t, bus.handler(t.Context(), &events.WorkflowExecutionStatusChanged{}))

	require.NoError(t, d.Stop(t.Context()))

	calls, _ := handler.snapshot()
	assert.Equal(t, []call{{handler: "completion", id: "a"}}, calls)

	assert.ErrorIs(t, bus.handler(t.Context(), events.NewActionExecutionUpdated(update("b", action.StatusFailed))), dispatcher.ErrStopped)
}

func TestDispatcher_RetriesWriteConflicts(t *testing.T) {
	handler := newStubHandler()

	var attempts atomic.Int32

	handler.handle = func(string, *action.Execution) error {
		if attempts.Add(1) < 3 {
			return persistence.NewWorkflowExecutionError("Update", "wfex-a", persistence.ErrWriteConflict)
		}

		return nil
	}

	d := start(t, handler)
	require.NoError(t, d.Submit(t.Context(), update("a", action.StatusSucceeded)))
	require.NoError(t, d.Stop(t.Context()))

	_, failed := handler.snapshot()
	assert.Equal(t, int32(3), attempts.Load())
	assert.Empty(t, failed)
}

func TestDispatcher_RedeliversWhenRetriesRunOut(t *testing.T) {
	handler := newStubHandler()

	var conflicting atomic.Bool

	conflicting.Store(true)

	handler.handle = func(string, *action.Execution) error {
		if conflicting.Load() {
			return persistence.NewWorkflowExecutionError("Update", "wfex-a", persistence.ErrWriteConflict)
		}

		return nil
	}

	d := start(t, handler)

	bus := &subscriber{}
	require.NoError(t, d.Register(bus))

	event := events.NewActionExecutionUpdated(update("a", action.StatusSucceeded))

	err := bus.handler(t.Context(), event)
	require.Error(t, err)
	assert.True(t, workflow.IsRetryable(err))

	calls, failed := handler.snapshot()
	assert.Len(t, calls, 4)
	assert.Empty(t, failed)

	conflicting.Store(false)

	require.NoError(t, bus.handler(t.Context(), event))

	calls, failed = handler.snapshot()
	assert.Len(t, calls, 5)
	assert.Empty(t, failed)
}

func TestDispatcher_RedeliversInterruptedUpdates(t *testing.T) {
	handler := newStubHandler()
	started := make(chan struct{})

	var once sync.Once

	handler.handle = func(string, *action.Execution) error {
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)

		return persistence.NewWorkflowExecutionError("Update", "wfex-a", persistence.ErrWriteConflict)
	}

	d := dispatcher.New(handler, testLogger(), fastRetries())
	d.Start(t.Context())

	result := make(chan error, 1)

	go func() { result <- d.Dispatch(t.Context(), update("a", action.StatusSucceeded)) }()

	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)

	select {
	case err := <-result:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled) || workflow.IsRetryable(err))
	case <-time.After(5 * time.Second):
		t.Fatal("interrupted update was not returned")
	}

	_, failed := handler.snapshot()
	assert.Empty(t, failed)
}

func TestDispatcher_FailsWorkflowOnUnexpectedError(t *testing.T) {
	handler := newStubHandler()
	handler.handle = func(string, *action.Execution) error {
		return errors.New("boom")
	}

	d := start(t, handler)
	require.NoError(t, d.Submit(t.Context(), update("a", action.StatusSucceeded)))
	require.NoError(t, d.Stop(t.Context()))

	calls, failed := handler.snapshot()
	assert.Len(t, calls, 1)
	require.Contains(t, failed, "wfex-a")
	assert.EqualError(t, failed["wfex-a"], "boom")
}

func TestDispatcher_DispatchReportsOutcome(t *testing.T) {
	handler := newStubHandler()
	handler.handle = func(_ string, execution *action.Execution) error {
		if execution.ID == "b" {
			return errors.New("boom")
		}

		return nil
	}

	d := start(t, handler)

	require.NoError(t, d.Dispatch(t.Context(), update("a", action.StatusSucceeded)))
	require.NoError(t, d.Dispatch(t.Context(), update("b", action.StatusSucceeded)))
	require.NoError(t, d.Dispatch(t.Context(), &action.Execution{ID: "c", Status: action.StatusSucceeded}))

	calls, failed := handler.snapshot()
	assert.Len(t, calls, 2)
	require.Contains(t, failed, "wfex-b")
	assert.NotContains(t, failed, "wfex-a")
}

func TestDispatcher_DropsSettledWorkflows(t *testing.T) {
	handler := newStubHandler()
	handler.handle = func(_ string, execution *action.Execution) error {
		if execution.ID == "a" {
			return &workflow.WorkflowExecutionAlreadyCompletedError{WorkflowExecutionID: "wfex-a", Status: statuses.Succeeded}
		}

		return persistence.NewTaskExecutionError("GetByID", "tkex-b", persistence.ErrTaskExecutionNotFound)
	}

	d := start(t, handler)
	require.NoError(t, d.Submit(t.Context(), update("a", action.StatusSucceeded)))
	require.NoError(t, d.Submit(t.Context(), update("b", action.StatusSucceeded)))
	require.NoError(t, d.Stop(t.Context()))

	calls, failed := handler.snapshot()
	assert.Len(t, calls, 2)
	assert.Empty(t, failed)
}

func TestDispatcher_Backpressure(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	handler := newStubHandler()
	handler.handle = func(string, *action.Execution) error {
		started <- struct{}{}
		<-release

		return nil
	}

	t.Run("non blocking", func(t *testing.T) {
		d := start(t, handler, dispatcher.WithWorkers(1), dispatcher.WithQueueSize(1), dispatcher.WithNonBlocking())

		require.NoError(t, d.Submit(t.Context(), update("a", action.StatusSucceeded)))
		<-started

		require.NoError(t, d.Submit(t.Context(), update("b", action.StatusSucceeded)))
		assert.Equal(t, 1, d.Pending())
		assert.ErrorIs(t, d.Submit(t.Context(), update("c", action.StatusSucceeded)), dispatcher.ErrQueueFull)

		release <- struct{}{}
		<-started
		release <- struct{}{}

		require.NoError(t, d.Stop(t.Context()))
	})

	t.Run("blocking", func(t *testing.T) {
		d := start(t, handler, dispatcher.WithWorkers(1), dispatcher.WithQueueSize(1))

		require.NoError(t, d.Submit(t.Context(), update("a", action.StatusSucceeded)))
		<-started
		require.NoError(t, d.Submit(t.Context(), update("b", action.StatusSucceeded)))

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, d.Submit(ctx, update("c", action.StatusSucceeded)), context.DeadlineExceeded)

		release <- struct{}{}
		<-started
		release <- struct{}{}

		require.NoError(t, d.Stop(t.Context()))
	})
}

func TestDispatcher_HandlesConcurrently(t *testing.T) {
	var (
		active  atomic.Int32
		peak    atomic.Int32
		barrier sync.WaitGroup
	)

	barrier.Add(4)

	handler := newStubHandler()
	handler.handle = func(string, *action.Execution) error {
		current := active.Add(1)
		defer active.Add(-1)

		for {
			seen := peak.Load()
			if current <= seen || peak.CompareAndSwap(seen, current) {
				break
			}
		}

		barrier.Done()
		barrier.Wait()

		return nil
	}

	d := start(t, handler, dispatcher.WithWorkers(4))

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Submit(t.Context(), update(id, action.StatusSucceeded)))
	}

	require.NoError(t, d.Stop(t.Context()))
	assert.Equal(t, int32(4), peak.Load())
}

func TestDispatcher_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := metrics.New(reg)

	handler := newStubHandler()
	d := start(t, handler, dispatcher.WithMetrics(recorder))

	require.NoError(t, d.Submit(t.Context(), update("a", action.StatusSucceeded)))
	require.NoError(t, d.Stop(t.Context()))

	count, err := testutil.GatherAndCount(reg, "orquestra_completion_handler_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

type subscriber struct {
	eventType events.EventType
	handler   eventbus.EventHandler
}

func (s *subscriber) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	s.eventType = eventType
	s.handler = handler

	return nil
}

func (s *subscriber) Subscribe(context.Context) error { return nil }
