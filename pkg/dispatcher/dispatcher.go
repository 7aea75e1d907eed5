// Package dispatcher routes action execution updates from the event bus into the
// workflow service through a bounded pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/eventbus"
	"github.com/dukex/orquestra/pkg/events"
	"github.com/dukex/orquestra/pkg/metrics"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/workflow"
)

var (
	// ErrQueueFull is returned by Submit on a non-blocking dispatcher with no room left.
	ErrQueueFull = errors.New("completion queue is full")

	// ErrStopped is returned by Submit once the dispatcher stopped accepting updates.
	ErrStopped = errors.New("completion dispatcher is stopped")
)

// Handler applies action execution updates to the workflows that requested them.
type Handler interface {
	HandleActionExecutionCompletion(ctx context.Context, execution *action.Execution) error
	HandleActionExecutionPause(ctx context.Context, execution *action.Execution) error
	HandleActionExecutionResume(ctx context.Context, execution *action.Execution) error
	FailWorkflowExecution(ctx context.Context, wfExID string, cause error) error
}

type Option func(*Dispatcher)

// WithWorkers sets the number of updates handled concurrently.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets how many updates wait for a free worker.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.queueSize = n
		}
	}
}

// WithNonBlocking makes Submit fail with ErrQueueFull instead of waiting for room.
func WithNonBlocking() Option {
	return func(d *Dispatcher) { d.nonBlocking = true }
}

// WithRetryPolicy sets how handler errors caused by concurrent writers are retried.
func WithRetryPolicy(policy workflow.RetryPolicy) Option {
	return func(d *Dispatcher) { d.retryPolicy = policy }
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = recorder }
}

type Dispatcher struct {
	handler     Handler
	logger      *slog.Logger
	metrics     *metrics.Recorder
	workers     int
	queueSize   int
	nonBlocking bool
	retryPolicy workflow.RetryPolicy

	queue   chan *job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

func New(handler Handler, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler:     handler,
		logger:      logger.With("module", "completion_dispatcher"),
		workers:     10,
		queueSize:   100,
		retryPolicy: workflow.DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start launches the workers. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}

	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.queue = make(chan *job, d.queueSize)
	d.running = true

	d.logger.Info("completion dispatcher starting",
		"workers", d.workers,
		"queue_size", d.queueSize)

	for range d.workers {
		d.wg.Add(1)

		go d.work()
	}
}

// Stop stops accepting updates and waits for the queued ones. When ctx ends first the
// updates in flight are canceled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()

		return nil
	}

	d.running = false
	close(d.queue)
	d.mu.Unlock()

	d.logger.Info("completion dispatcher stopping")

	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()

		return nil
	case <-ctx.Done():
		d.logger.Warn("completion dispatcher shutdown timed out, canceling updates in flight")
		d.cancel()
		<-done

		return ctx.Err()
	}
}

// Register subscribes the dispatcher to action execution updates.
func (d *Dispatcher) Register(subscriber eventbus.EventSubscriber) error {
	return subscriber.Handle(events.ActionExecutionUpdatedEvent, d.handleEvent)
}

// job is one queued update. When done is set the worker reports the outcome on it.
type job struct {
	execution *action.Execution
	done      chan error
}

// handleEvent hands the update to the pool and waits for its outcome, so the transport
// only acknowledges updates that were applied or can never apply. Updates that could not
// be queued, ran out of retries or were interrupted are returned for redelivery.
func (d *Dispatcher) handleEvent(ctx context.Context, event any) error {
	updated, ok := event.(*events.ActionExecutionUpdated)
	if !ok || updated.Execution == nil {
		d.logger.WarnContext(ctx, "ignoring unexpected event", "event", event)

		return nil
	}

	return d.Dispatch(ctx, updated.Execution)
}

// Dispatch queues an update and blocks until a worker handled it. It returns an error
// only when the update should be delivered again.
func (d *Dispatcher) Dispatch(ctx context.Context, execution *action.Execution) error {
	done := make(chan error, 1)

	queued, err := d.enqueue(ctx, &job{execution: execution, done: done})
	if err != nil || !queued {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues an update without waiting for it. Updates that do not belong to a
// workflow task, or whose status the workflow does not react to, are dropped.
func (d *Dispatcher) Submit(ctx context.Context, execution *action.Execution) error {
	_, err := d.enqueue(ctx, &job{execution: execution})

	return err
}

func (d *Dispatcher) enqueue(ctx context.Context, next *job) (bool, error) {
	if !routable(next.execution) {
		d.logger.DebugContext(ctx, "ignoring action execution update",
			"action_execution_id", next.execution.ID,
			"status", next.execution.Status)

		return false, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return false, ErrStopped
	}

	if d.nonBlocking {
		select {
		case d.queue <- next:
		default:
			return false, ErrQueueFull
		}
	} else {
		select {
		case d.queue <- next:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	d.metrics.QueueDepth(len(d.queue))

	return true, nil
}

// Pending is the number of updates waiting for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.queue)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()

	for next := range d.queue {
		d.metrics.QueueDepth(len(d.queue))

		err := d.process(d.ctx, next.execution)
		if next.done != nil {
			next.done <- err
		}
	}
}

func routable(execution *action.Execution) bool {
	if execution.WorkflowContext() == nil {
		return false
	}

	switch {
	case execution.Status.IsCompleted(),
		execution.Status == action.StatusPaused,
		execution.Status == action.StatusRunning:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) route(execution *action.Execution) (string, func(context.Context, *action.Execution) error) {
	switch {
	case execution.Status.IsCompleted():
		return "completion", d.handler.HandleActionExecutionCompletion
	case execution.Status == action.StatusPaused:
		return "pause", d.handler.HandleActionExecutionPause
	default:
		return "resume", d.handler.HandleActionExecutionResume
	}
}

// process runs the handler of one update. Conflicts with other writers are retried
// with backoff; when the retries run out, or the dispatcher is stopping, the error is
// returned so the update is delivered again. Any other failure fails the workflow the
// update belongs to.
func (d *Dispatcher) process(ctx context.Context, execution *action.Execution) error {
	started := time.Now()
	wfCtx := execution.WorkflowContext()
	name, handle := d.route(execution)

	logger := d.logger.With(
		"handler", name,
		"workflow_execution_id", wfCtx.WorkflowExecutionID,
		"task_execution_id", wfCtx.TaskExecutionID,
		"action_execution_id", execution.ID,
		"status", execution.Status)

	attempts := 0

	err := backoff.Retry(func() error {
		attempts++

		err := handle(ctx, execution)
		if err == nil || workflow.IsRetryable(err) {
			return err
		}

		return backoff.Permanent(err)
	}, d.retryPolicy.BackOff(ctx))

	d.metrics.ObserveHandler(name, started, err)

	switch {
	case err == nil:
		logger.DebugContext(ctx, "action execution update handled", "attempts", attempts)

		return nil
	case workflow.IsAlreadyCompleted(err),
		persistence.IsWorkflowExecutionNotFound(err),
		persistence.IsTaskExecutionNotFound(err):
		logger.WarnContext(ctx, "dropping action execution update", "error", err)

		return nil
	case workflow.IsRetryable(err):
		logger.WarnContext(ctx, "action execution update still conflicting, requesting redelivery",
			"attempts", attempts, "error", err)

		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.WarnContext(ctx, "action execution update interrupted, requesting redelivery", "error", err)

		return err
	default:
		logger.ErrorContext(ctx, "failed to handle action execution update", "attempts", attempts, "error", err)

		if err := d.handler.FailWorkflowExecution(ctx, wfCtx.WorkflowExecutionID, err); err != nil {
			logger.ErrorContext(ctx, "failed to fail workflow execution", "error", err)

			return err
		}

		return nil
	}
}
