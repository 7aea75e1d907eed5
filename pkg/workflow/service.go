// Package workflow drives workflow executions. It applies the conductor decisions to the
// persisted records, requests actions for runnable tasks and reports workflow progress
// to the action execution that owns each workflow.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/conductor"
	"github.com/dukex/orquestra/pkg/eventbus"
	"github.com/dukex/orquestra/pkg/events"
	"github.com/dukex/orquestra/pkg/expression"
	"github.com/dukex/orquestra/pkg/metrics"
	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/otelhelper"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/spec"
	"github.com/dukex/orquestra/pkg/statuses"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Option func(*Service)

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *Service) {
		s.retryPolicy = policy
	}
}

// WithFailurePolicy overrides the failure policy of every workflow run by the service.
func WithFailurePolicy(policy spec.FailurePolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Service) {
		s.metrics = recorder
	}
}

func WithEvaluator(evaluator *expression.Evaluator) Option {
	return func(s *Service) {
		s.evaluator = evaluator
	}
}

// Service owns every side effect of running workflows. It is safe for concurrent use:
// concurrent writers of one workflow execution are serialized by the revision check of
// the store.
type Service struct {
	persistence persistence.Persistence
	dispatcher  action.Dispatcher
	registry    *action.Registry
	publisher   eventbus.EventPublisher
	evaluator   *expression.Evaluator
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics.Recorder
	policy      spec.FailurePolicy
	retryPolicy RetryPolicy
}

// NewService wires the service. publisher may be nil when nobody listens to status events.
func NewService(
	store persistence.Persistence,
	dispatcher action.Dispatcher,
	registry *action.Registry,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		persistence: store,
		dispatcher:  dispatcher,
		registry:    registry,
		publisher:   publisher,
		logger:      logger.With("module", "workflow_service"),
		retryPolicy: DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.evaluator == nil {
		s.evaluator = expression.NewEvaluator()
	}

	if s.tracer == nil {
		s.tracer = otel.Tracer("orquestra/workflow")
	}

	if s.registry == nil {
		s.registry = action.NewDefaultRegistry()
	}

	return s
}

func (s *Service) workflows() persistence.WorkflowExecutionRepository {
	return s.persistence.WorkflowExecutionRepository()
}

func (s *Service) tasks() persistence.TaskExecutionRepository {
	return s.persistence.TaskExecutionRepository()
}

func (s *Service) conductor(wfEx *models.WorkflowExecution) *conductor.Conductor {
	return conductor.New(wfEx.Spec, wfEx.Graph, s.conductorOptions()...)
}

func (s *Service) conductorOptions() []conductor.Option {
	return []conductor.Option{
		conductor.WithEvaluator(s.evaluator),
		conductor.WithFailurePolicy(s.policy),
	}
}

// RequestWorkflowExecution inspects the definition, persists a new workflow execution
// owned by the action execution and starts it. Inspection failures return a
// *WorkflowInspectionError listing every problem.
func (s *Service) RequestWorkflowExecution(ctx context.Context, definition *spec.Workflow, execution *action.Execution) (_ *models.WorkflowExecution, err error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "workflow.request",
		attribute.String(otelhelper.ActionExecutionIDKey, execution.ID),
		attribute.String(otelhelper.ActionRefKey, execution.ActionRef))
	defer func() { otelhelper.End(span, err) }()

	if err := definition.Inspect(s.registry, s.evaluator); err != nil {
		return nil, err
	}

	if _, err := s.registry.Get(execution.ActionRef); err != nil {
		return nil, &InvalidActionReferencedError{Ref: execution.ActionRef}
	}

	c, flow, err := conductor.Initialize(definition, execution.Parameters, s.conductorOptions()...)
	if err != nil {
		return nil, err
	}

	wfEx := models.NewWorkflowExecution(execution.ID, definition, c.Graph(), flow, execution.Parameters)
	wfEx.ActionContext = execution.Context

	if err := s.workflows().Create(ctx, wfEx); err != nil {
		return nil, fmt.Errorf("failed to create workflow execution: %w", err)
	}

	span.SetAttributes(attribute.String(otelhelper.WorkflowExecutionIDKey, wfEx.ID))

	s.logger.InfoContext(ctx, "workflow execution requested",
		"workflow_execution_id", wfEx.ID,
		"action_execution_id", execution.ID,
		"action", execution.ActionRef)

	s.afterSave(ctx, &change{execution: wfEx})

	return s.start(ctx, wfEx.ID)
}

// start moves a requested workflow to running and requests its root tasks. Errors
// raised while binding the inputs fail the workflow instead.
func (s *Service) start(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var (
		changed *change
		next    []*conductor.NextTask
	)

	err := s.retry(ctx, "start_workflow_execution", func() error {
		changed, next = nil, nil

		wfEx, err := s.workflows().GetByID(ctx, id)
		if err != nil {
			return err
		}

		c := s.conductor(wfEx)
		if c.GetWorkflowState(wfEx.Flow) != statuses.Requested {
			return nil
		}

		flow, err := c.SetWorkflowState(wfEx.Flow, statuses.Running)
		if err != nil {
			return err
		}

		if len(flow.Errors) > 0 {
			if flow, err = c.SetWorkflowState(flow, statuses.Failed); err != nil {
				return err
			}
		}

		next = c.Dispatchable(flow)
		changed, err = s.saveWorkflow(ctx, wfEx, c, flow)

		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterSave(ctx, changed)
	s.dispatch(ctx, id, next)

	return s.workflows().GetByID(ctx, id)
}

// change is a persisted write of a workflow execution.
type change struct {
	execution *models.WorkflowExecution
	previous  statuses.Status
}

// saveWorkflow stores the flow on the execution, derives the status from it and writes
// the record. The outputs are rendered once, when the workflow completes; a rendering
// error is recorded and fails the workflow.
func (s *Service) saveWorkflow(ctx context.Context, wfEx *models.WorkflowExecution, c *conductor.Conductor, flow *conductor.Flow) (*change, error) {
	previous := wfEx.Status
	status := c.GetWorkflowState(flow)

	if status.IsCompleted() && !previous.IsCompleted() {
		output, err := c.GetWorkflowOutput(flow)
		if err != nil {
			flow = c.RecordError(flow, conductor.ErrorEntry{Message: err.Error()})
			status = c.GetWorkflowState(flow)
		}

		wfEx.Output = output
	}

	wfEx.Flow = flow
	wfEx.Errors = flow.Errors
	wfEx.SetStatus(status)

	if err := s.workflows().Update(ctx, wfEx); err != nil {
		return nil, err
	}

	return &change{execution: wfEx, previous: previous}, nil
}

// afterSave runs the side effects of a persisted status change: events, the report to
// the owning action execution and the cascade of operator requests to sub-workflows.
func (s *Service) afterSave(ctx context.Context, changed *change) {
	if changed == nil || changed.execution.Status == changed.previous {
		return
	}

	wfEx := changed.execution

	s.logger.InfoContext(ctx, "workflow execution status changed",
		"workflow_execution_id", wfEx.ID,
		"previous_status", changed.previous,
		"status", wfEx.Status)

	s.metrics.WorkflowStatus(string(wfEx.Status))

	s.publish(ctx, wfEx.ID, &events.WorkflowExecutionStatusChanged{
		BaseEvent:           events.NewBaseEvent(events.WorkflowExecutionStatusEvent),
		WorkflowExecutionID: wfEx.ID,
		ActionExecutionID:   wfEx.ActionExecutionID,
		PreviousStatus:      changed.previous,
		Status:              wfEx.Status,
	})

	if wfEx.Status != statuses.Requested {
		s.report(ctx, wfEx)
	}

	switch {
	case wfEx.Status == statuses.Canceling && changed.previous != statuses.Canceling:
		s.cascade(ctx, wfEx, "cancel", s.RequestCancellation, func(*conductor.StagedTask) bool { return true })
	case wfEx.Status == statuses.Pausing && changed.previous != statuses.Pausing && changed.previous != statuses.Paused:
		s.cascade(ctx, wfEx, "pause", s.RequestPause, func(staged *conductor.StagedTask) bool {
			return staged.Status == statuses.Running
		})
	}
}

// report publishes the state of the workflow as the state of its owning action execution.
func (s *Service) report(ctx context.Context, wfEx *models.WorkflowExecution) {
	update := &action.Execution{
		ID:      wfEx.ActionExecutionID,
		Status:  action.FromWorkflowStatus(wfEx.Status),
		Context: wfEx.ActionContext,
	}

	if wfEx.IsCompleted() {
		update.Result = wfEx.Result()
	}

	if err := s.dispatcher.Report(ctx, update); err != nil {
		s.logger.ErrorContext(ctx, "failed to report workflow execution",
			"workflow_execution_id", wfEx.ID,
			"action_execution_id", wfEx.ActionExecutionID,
			"error", err)
	}
}

// cascade sends an operator request to the sub-workflows run by the staged tasks that
// match. Failures are logged, the parent does not wait for its children.
func (s *Service) cascade(
	ctx context.Context,
	wfEx *models.WorkflowExecution,
	name string,
	request func(context.Context, string) (*models.WorkflowExecution, error),
	match func(*conductor.StagedTask) bool,
) {
	for _, staged := range wfEx.Flow.Staged {
		if staged.TaskExecutionID == "" || !match(staged) {
			continue
		}

		tkEx, err := s.tasks().GetByID(ctx, staged.TaskExecutionID)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to load task execution for cascade",
				"workflow_execution_id", wfEx.ID,
				"task_execution_id", staged.TaskExecutionID,
				"error", err)

			continue
		}

		if tkEx.ActionExecutionID == "" {
			continue
		}

		children, err := s.workflows().GetByActionExecution(ctx, tkEx.ActionExecutionID)
		if err != nil || len(children) == 0 {
			continue
		}

		if _, err := request(ctx, tkEx.ActionExecutionID); err != nil && !IsAlreadyCompleted(err) {
			s.logger.WarnContext(ctx, "failed to cascade request to sub-workflow",
				"request", name,
				"workflow_execution_id", wfEx.ID,
				"task_id", staged.ID,
				"action_execution_id", tkEx.ActionExecutionID,
				"error", err)
		}
	}
}

// dispatch requests the action of each runnable task. A task that cannot be requested
// fails the workflow.
func (s *Service) dispatch(ctx context.Context, wfExID string, next []*conductor.NextTask) {
	for _, task := range next {
		if task.Delay > 0 {
			s.dispatchLater(ctx, wfExID, task)

			continue
		}

		if _, err := s.RequestTaskExecution(ctx, wfExID, task); err != nil {
			s.failOnError(ctx, wfExID, err)
		}
	}
}

func (s *Service) dispatchLater(ctx context.Context, wfExID string, task *conductor.NextTask) {
	ctx = context.WithoutCancel(ctx)

	s.logger.DebugContext(ctx, "delaying task execution",
		"workflow_execution_id", wfExID,
		"task_id", task.ID,
		"delay", task.Delay)

	time.AfterFunc(time.Duration(task.Delay)*time.Second, func() {
		if _, err := s.RequestTaskExecution(ctx, wfExID, task); err != nil {
			s.failOnError(ctx, wfExID, err)
		}
	})
}

func (s *Service) failOnError(ctx context.Context, wfExID string, cause error) {
	s.logger.ErrorContext(ctx, "failed to request task execution",
		"workflow_execution_id", wfExID,
		"error", cause)

	if err := s.FailWorkflowExecution(ctx, wfExID, cause); err != nil {
		s.logger.ErrorContext(ctx, "failed to fail workflow execution",
			"workflow_execution_id", wfExID,
			"error", err)
	}
}

func (s *Service) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event",
			"event_type", event.GetType(),
			"error", err)
	}
}
