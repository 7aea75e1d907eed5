// Package collector periodically cancels workflow executions that stopped making progress.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/orquestra/pkg/metrics"
	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "@every 5m"
	DefaultMaxIdle  = time.Hour
)

// Service is the part of the workflow service the collector drives.
type Service interface {
	IdentifyOrphanedWorkflows(ctx context.Context, maxIdle time.Duration) ([]*models.WorkflowExecution, error)
	RequestCancellation(ctx context.Context, acExID string) (*models.WorkflowExecution, error)
	ReplayCompletedTasks(ctx context.Context, wfExID string) error
}

type Option func(*Collector)

// WithSchedule sets the cron expression of the collection runs.
func WithSchedule(schedule string) Option {
	return func(c *Collector) { c.schedule = schedule }
}

// WithMaxIdle sets how long a running workflow may go without progress.
func WithMaxIdle(maxIdle time.Duration) Option {
	return func(c *Collector) { c.maxIdle = maxIdle }
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(c *Collector) { c.metrics = recorder }
}

// Collector cancels orphaned workflows: running workflows whose tasks all settled long
// ago, usually because the engine lost an update. They are canceled rather than failed
// so they cannot be rerun from records that may be incomplete.
type Collector struct {
	service  Service
	logger   *slog.Logger
	metrics  *metrics.Recorder
	schedule string
	maxIdle  time.Duration

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

func New(service Service, logger *slog.Logger, opts ...Option) *Collector {
	c := &Collector{
		service:  service,
		logger:   logger.With("module", "garbage_collector"),
		schedule: DefaultSchedule,
		maxIdle:  DefaultMaxIdle,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start schedules the collection runs. It returns an error for an invalid schedule.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cron != nil {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := c.cron.AddFunc(c.schedule, func() {
		if _, err := c.Collect(c.ctx); err != nil {
			c.logger.ErrorContext(c.ctx, "garbage collection failed", "error", err)
		}
	})
	if err != nil {
		c.cancel()
		c.cron = nil

		return fmt.Errorf("invalid garbage collection schedule %q: %w", c.schedule, err)
	}

	c.cron.Start()

	c.logger.Info("garbage collector started",
		"schedule", c.schedule,
		"max_idle", c.maxIdle,
		"entry_id", entryID)

	return nil
}

// Stop waits for a run in progress and stops scheduling new ones.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cron == nil {
		return
	}

	<-c.cron.Stop().Done()
	c.cancel()
	c.cron = nil

	c.logger.Info("garbage collector stopped")
}

// Collect runs one collection and returns the workflows it canceled.
func (c *Collector) Collect(ctx context.Context) ([]*models.WorkflowExecution, error) {
	orphaned, err := c.service.IdentifyOrphanedWorkflows(ctx, c.maxIdle)
	if err != nil {
		return nil, fmt.Errorf("failed to identify orphaned workflows: %w", err)
	}

	canceled := make([]*models.WorkflowExecution, 0, len(orphaned))

	for _, wfEx := range orphaned {
		logger := c.logger.With(
			"workflow_execution_id", wfEx.ID,
			"action_execution_id", wfEx.ActionExecutionID,
			"updated_at", wfEx.UpdatedAt)

		updated, err := c.service.RequestCancellation(ctx, wfEx.ActionExecutionID)
		if err != nil {
			logger.WarnContext(ctx, "failed to cancel orphaned workflow execution", "error", err)

			continue
		}

		if updated.Status == statuses.Canceling {
			if err := c.service.ReplayCompletedTasks(ctx, updated.ID); err != nil {
				logger.WarnContext(ctx, "failed to replay completed tasks of orphaned workflow execution", "error", err)
			}
		}

		logger.InfoContext(ctx, "canceled orphaned workflow execution", "status", updated.Status)

		canceled = append(canceled, updated)
	}

	c.metrics.Orphaned(len(canceled))

	return canceled, nil
}
