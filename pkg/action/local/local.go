// Package local runs actions inside the engine process and publishes their updates on the
// event bus.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/eventbus"
	"github.com/dukex/orquestra/pkg/events"
	"github.com/google/uuid"
)

// Runner executes an action. A runner returning action.StatusRunning keeps the execution
// open and reports its final state through Dispatcher.Report.
type Runner interface {
	Run(ctx context.Context, act *action.Action, execution *action.Execution) (action.Status, any, error)
}

type RunnerFunc func(ctx context.Context, act *action.Action, execution *action.Execution) (action.Status, any, error)

func (f RunnerFunc) Run(ctx context.Context, act *action.Action, execution *action.Execution) (action.Status, any, error) {
	return f(ctx, act, execution)
}

// UnknownRunnerError is returned when an action names a runner that was not registered.
type UnknownRunnerError struct {
	Ref    string
	Runner string
}

func (e *UnknownRunnerError) Error() string {
	return fmt.Sprintf("action %q uses unknown runner %q", e.Ref, e.Runner)
}

// Dispatcher implements action.Dispatcher on top of in-process runners.
type Dispatcher struct {
	registry   *action.Registry
	publisher  eventbus.EventPublisher
	logger     *slog.Logger
	runners    map[string]Runner
	executions map[string]*action.Execution
	mu         sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// New returns a dispatcher with the noop, echo and local-shell-cmd runners registered.
func New(registry *action.Registry, publisher eventbus.EventPublisher, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		registry:   registry,
		publisher:  publisher,
		logger:     logger.With("module", "local_dispatcher"),
		runners:    make(map[string]Runner),
		executions: make(map[string]*action.Execution),
		ctx:        ctx,
		cancel:     cancel,
	}

	d.RegisterRunner(action.RunnerNoop, RunnerFunc(noop))
	d.RegisterRunner(action.RunnerEcho, RunnerFunc(echo))
	d.RegisterRunner(action.RunnerLocalShell, &ShellRunner{})

	return d
}

func (d *Dispatcher) RegisterRunner(name string, runner Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.runners[name] = runner
}

// Request validates the execution and starts it in the background. Unknown actions,
// unknown runners and invalid parameters are returned without starting anything.
func (d *Dispatcher) Request(ctx context.Context, execution *action.Execution) error {
	act, err := d.registry.Get(execution.ActionRef)
	if err != nil {
		return err
	}

	d.mu.RLock()
	runner, ok := d.runners[act.Runner]
	d.mu.RUnlock()

	if !ok {
		return &UnknownRunnerError{Ref: act.Ref, Runner: act.Runner}
	}

	params, err := d.registry.ValidateParameters(act.Ref, execution.Parameters)
	if err != nil {
		return err
	}

	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}

	execution.Parameters = params
	execution.Status = action.StatusRunning
	execution.StartedAt = time.Now().UTC()

	d.store(execution)

	d.logger.DebugContext(ctx, "action execution requested",
		"action_execution_id", execution.ID,
		"action", act.Ref,
		"runner", act.Runner)

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		d.run(runner, act, snapshot(execution))
	}()

	return nil
}

func (d *Dispatcher) run(runner Runner, act *action.Action, execution *action.Execution) {
	ctx := d.ctx

	if execution.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(execution.Timeout)*time.Second)
		defer cancel()
	}

	status, result, err := runner.Run(ctx, act, execution)

	// A final status returned by the runner wins over a deadline that passed meanwhile.
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(err == nil && status == "" && errors.Is(ctx.Err(), context.DeadlineExceeded))

	switch {
	case timedOut:
		status = action.StatusTimedOut
		result = map[string]any{"error": fmt.Sprintf("action timed out after %d seconds", execution.Timeout), "result": result}
	case err != nil:
		status = action.StatusFailed
		result = map[string]any{"error": err.Error()}
	case status == action.StatusRunning:
		return
	case status == "":
		status = action.StatusSucceeded
	}

	execution.Status = status
	execution.Result = result

	if err := d.Report(d.ctx, execution); err != nil {
		d.logger.Error("failed to report action execution",
			"action_execution_id", execution.ID,
			"error", err)
	}
}

// Report records the state of an execution and publishes it. Completed executions are
// never reopened.
func (d *Dispatcher) Report(ctx context.Context, execution *action.Execution) error {
	d.mu.Lock()

	stored, ok := d.executions[execution.ID]
	if ok && stored.Status.IsCompleted() {
		d.mu.Unlock()

		d.logger.DebugContext(ctx, "ignoring update of completed action execution",
			"action_execution_id", execution.ID,
			"status", execution.Status)

		return nil
	}

	update := snapshot(execution)
	if update.Status.IsCompleted() && update.EndedAt == nil {
		now := time.Now().UTC()
		update.EndedAt = &now
	}

	if ok {
		if update.Context == nil {
			update.Context = stored.Context
		}

		if update.ActionRef == "" {
			update.ActionRef = stored.ActionRef
		}

		if update.StartedAt.IsZero() {
			update.StartedAt = stored.StartedAt
		}
	}

	d.executions[update.ID] = update
	d.mu.Unlock()

	event := events.NewActionExecutionUpdated(snapshot(update))

	if err := d.publisher.Publish(ctx, event.Key(), event); err != nil {
		return fmt.Errorf("failed to publish action execution update: %w", err)
	}

	return nil
}

// Get returns a copy of a known execution.
func (d *Dispatcher) Get(id string) (*action.Execution, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	execution, ok := d.executions[id]
	if !ok {
		return nil, false
	}

	return snapshot(execution), true
}

// Wait blocks until every started runner returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels the runners in flight and waits for them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) store(execution *action.Execution) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.executions[execution.ID] = snapshot(execution)
}

func snapshot(execution *action.Execution) *action.Execution {
	copied := *execution
	copied.Parameters = maps.Clone(execution.Parameters)

	return &copied
}
