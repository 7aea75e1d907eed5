package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/action/local"
	"github.com/dukex/orquestra/pkg/collector"
	"github.com/dukex/orquestra/pkg/config"
	"github.com/dukex/orquestra/pkg/dispatcher"
	"github.com/dukex/orquestra/pkg/eventbus"
	"github.com/dukex/orquestra/pkg/metrics"
	"github.com/dukex/orquestra/pkg/otelhelper"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const pollInterval = 50 * time.Millisecond

// Engine is a fully wired engine process.
type Engine struct {
	Registry    *action.Registry
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Actions     *local.Dispatcher
	Service     *workflow.Service
	Completions *dispatcher.Dispatcher
	Collector   *collector.Collector
	Metrics     *prometheus.Registry

	logger         *slog.Logger
	shutdownTracer otelhelper.ShutdownFunc
}

// NewEngine connects the store and the event bus named by cfg and wires the services
// on top of them. Nothing runs until Start.
func NewEngine(ctx context.Context, cfg *config.Engine, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := NewRegistry(cfg.ActionsFile)
	if err != nil {
		return nil, err
	}

	tracer, shutdownTracer, err := otelhelper.NewTracer(ctx, ServiceName, cfg.TracingEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	store, err := NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		_ = shutdownTracer(ctx)

		return nil, err
	}

	bus, err := NewEventBus(cfg.EventBus, cfg.KafkaBrokers, logger)
	if err != nil {
		_ = store.Close(ctx)
		_ = shutdownTracer(ctx)

		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	recorder := metrics.New(reg)

	retryPolicy := workflow.DefaultRetryPolicy()
	retryPolicy.MaxRetries = uint64(cfg.RetryAttempts)

	actions := local.New(registry, bus, logger)

	service := workflow.NewService(store, actions, registry, bus, logger,
		workflow.WithRetryPolicy(retryPolicy),
		workflow.WithTracer(tracer),
		workflow.WithMetrics(recorder))

	actions.RegisterRunner(action.RunnerWorkflow, workflow.NewRunner(service))

	return &Engine{
		Registry:    registry,
		Persistence: store,
		EventBus:    bus,
		Actions:     actions,
		Service:     service,
		Completions: dispatcher.New(service, logger,
			dispatcher.WithWorkers(cfg.Workers),
			dispatcher.WithQueueSize(cfg.QueueSize),
			dispatcher.WithRetryPolicy(retryPolicy),
			dispatcher.WithMetrics(recorder)),
		Collector: collector.New(service, logger,
			collector.WithSchedule(cfg.GCSchedule),
			collector.WithMaxIdle(cfg.GCMaxIdle),
			collector.WithMetrics(recorder)),
		Metrics:        reg,
		logger:         logger.With("module", "engine"),
		shutdownTracer: shutdownTracer,
	}, nil
}

// Start runs the completion workers, subscribes them to the event bus and schedules the
// garbage collector.
func (e *Engine) Start(ctx context.Context) error {
	e.Completions.Start(ctx)

	if err := e.Completions.Register(e.EventBus); err != nil {
		return fmt.Errorf("failed to register completion handler: %w", err)
	}

	if err := e.EventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	if err := e.Collector.Start(ctx); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "engine started", "actions", len(e.Registry.Refs()))

	return nil
}

// Run requests an action and waits until it completes or ctx ends.
func (e *Engine) Run(ctx context.Context, ref string, parameters map[string]any) (*action.Execution, error) {
	execution := &action.Execution{ActionRef: ref, Parameters: parameters}

	if err := e.Actions.Request(ctx, execution); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if current, ok := e.Actions.Get(execution.ID); ok && current.Status.IsCompleted() {
			return current, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting work, drains the completion queue and releases the store, the
// bus and the tracer.
func (e *Engine) Close(ctx context.Context) error {
	e.Collector.Stop()
	e.Actions.Close()

	errs := []error{e.Completions.Stop(ctx)}

	if err := e.EventBus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
	}

	if err := e.Persistence.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close persistence: %w", err))
	}

	if err := e.shutdownTracer(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
	}

	return errors.Join(errs...)
}
