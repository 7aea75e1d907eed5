package workflow

import (
	"context"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/conductor"
	"github.com/dukex/orquestra/pkg/events"
	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/otelhelper"
	"github.com/dukex/orquestra/pkg/spec"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// RequestTaskExecution creates the task execution of a staged instance, binds it to the
// flow and requests its action. It returns nil when the instance is no longer runnable.
// Tasks without an action succeed at once; tasks whose input cannot be rendered or
// whose action request is rejected fail with an error entry.
func (s *Service) RequestTaskExecution(ctx context.Context, wfExID string, next *conductor.NextTask) (_ *models.TaskExecution, err error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "workflow.request_task",
		attribute.String(otelhelper.WorkflowExecutionIDKey, wfExID),
		attribute.String(otelhelper.TaskIDKey, next.ID))
	defer func() { otelhelper.End(span, err) }()

	logger := s.logger.With("workflow_execution_id", wfExID, "task_id", next.ID, "ordinal", next.Ordinal)

	wfEx, err := s.workflows().GetByID(ctx, wfExID)
	if err != nil {
		return nil, err
	}

	if !s.runnable(s.conductor(wfEx), wfEx.Flow, next) {
		logger.DebugContext(ctx, "task is not runnable, skipping")

		return nil, nil
	}

	tkEx, err := s.taskExecutionFor(ctx, wfEx, next)
	if err != nil || tkEx == nil {
		return nil, err
	}

	var (
		changed *change
		c       *conductor.Conductor
	)

	err = s.retry(ctx, "bind_task_execution", func() error {
		changed = nil

		current, err := s.workflows().GetByID(ctx, wfExID)
		if err != nil {
			return err
		}

		wfEx, c = current, s.conductor(current)
		if !s.runnable(c, wfEx.Flow, next) {
			return nil
		}

		flow, err := c.UpdateTaskState(wfEx.Flow, next.ID, tkEx.ID, statuses.Running)
		if err != nil {
			return err
		}

		changed, err = s.saveWorkflow(ctx, wfEx, c, flow)

		return err
	})
	if err != nil {
		return nil, err
	}

	if changed == nil {
		logger.DebugContext(ctx, "task stopped being runnable before dispatch, abandoning task execution")
		s.abandon(ctx, tkEx)

		return nil, nil
	}

	s.afterSave(ctx, changed)

	span.SetAttributes(attribute.String(otelhelper.TaskExecutionIDKey, tkEx.ID))

	ref, err := c.RenderAction(wfEx.Flow, next)
	if err != nil {
		return tkEx, s.failTask(ctx, tkEx, err)
	}

	input, err := c.RenderInput(wfEx.Flow, next)
	if err != nil {
		return tkEx, s.failTask(ctx, tkEx, err)
	}

	if ref == "" {
		s.markRunning(ctx, tkEx.ID)

		return tkEx, s.completeTask(ctx, tkEx.ID, statuses.Succeeded, nil)
	}

	execution := &action.Execution{
		ID:         tkEx.ActionExecutionID,
		ActionRef:  ref,
		Parameters: input,
		Timeout:    next.Spec.Timeout,
		Context: &action.Context{
			Parent: wfEx.ActionContext,
			Workflow: &action.WorkflowContext{
				WorkflowExecutionID: wfEx.ID,
				TaskExecutionID:     tkEx.ID,
				TaskID:              tkEx.TaskID,
				Ordinal:             tkEx.Ordinal,
			},
		},
	}

	if wfEx.ActionContext != nil {
		execution.Context.User = wfEx.ActionContext.User
	}

	span.SetAttributes(
		attribute.String(otelhelper.ActionExecutionIDKey, execution.ID),
		attribute.String(otelhelper.ActionRefKey, ref))

	if err := s.dispatcher.Request(ctx, execution); err != nil {
		logger.WarnContext(ctx, "action request rejected", "action", ref, "error", err)

		return tkEx, s.failTask(ctx, tkEx, err)
	}

	s.markRunning(ctx, tkEx.ID)

	logger.DebugContext(ctx, "task execution dispatched",
		"task_execution_id", tkEx.ID,
		"action_execution_id", execution.ID,
		"action", ref)

	return tkEx, nil
}

// runnable reports whether a staged instance may be handed to an action now.
func (s *Service) runnable(c *conductor.Conductor, flow *conductor.Flow, next *conductor.NextTask) bool {
	if flow.Requested != statuses.Running {
		return false
	}

	if len(flow.Errors) > 0 && c.Policy() == spec.FailFast {
		return false
	}

	staged, ok := flow.StagedTask(next.ID)

	return ok && staged.Ordinal == next.Ordinal && staged.Status == statuses.Requested && staged.TaskExecutionID == ""
}

// taskExecutionFor returns the open record of the instance, creating it when missing so a
// replayed request does not create a second one.
func (s *Service) taskExecutionFor(ctx context.Context, wfEx *models.WorkflowExecution, next *conductor.NextTask) (*models.TaskExecution, error) {
	existing, err := s.tasks().GetByWorkflowExecution(ctx, wfEx.ID)
	if err != nil {
		return nil, err
	}

	for _, tkEx := range existing {
		if tkEx.TaskID != next.ID || tkEx.Ordinal != next.Ordinal {
			continue
		}

		if tkEx.IsCompleted() {
			return nil, nil
		}

		return tkEx, nil
	}

	tkEx := models.NewTaskExecution(wfEx.ID, next.ID, next.Ordinal, next.Spec, next.Context)
	if next.Spec != nil && next.Spec.Action != "" {
		tkEx.ActionExecutionID = uuid.New().String()
	}

	if err := s.tasks().Create(ctx, tkEx); err != nil {
		return nil, err
	}

	s.taskChanged(ctx, tkEx)

	return tkEx, nil
}

func (s *Service) abandon(ctx context.Context, tkEx *models.TaskExecution) {
	err := s.retry(ctx, "abandon_task_execution", func() error {
		current, err := s.tasks().GetByID(ctx, tkEx.ID)
		if err != nil || current.Status != statuses.Requested {
			return err
		}

		if err := current.Transition(statuses.Canceled); err != nil {
			return err
		}

		return s.tasks().Update(ctx, current)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to abandon task execution", "task_execution_id", tkEx.ID, "error", err)
	}
}

func (s *Service) markRunning(ctx context.Context, id string) {
	var updated *models.TaskExecution

	err := s.retry(ctx, "start_task_execution", func() error {
		updated = nil

		tkEx, err := s.tasks().GetByID(ctx, id)
		if err != nil {
			return err
		}

		if tkEx.Status != statuses.Requested {
			return nil
		}

		if err := tkEx.Transition(statuses.Running); err != nil {
			return err
		}

		if err := s.tasks().Update(ctx, tkEx); err != nil {
			return err
		}

		updated = tkEx

		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to mark task execution running", "task_execution_id", id, "error", err)

		return
	}

	if updated != nil {
		s.taskChanged(ctx, updated)
	}
}

func (s *Service) failTask(ctx context.Context, tkEx *models.TaskExecution, cause error) error {
	result := map[string]any{
		"errors": []any{
			map[string]any{
				"type":    conductor.ErrorTypeError,
				"message": cause.Error(),
				"task_id": tkEx.TaskID,
			},
		},
	}

	return s.completeTask(ctx, tkEx.ID, statuses.Failed, result)
}

// HandleActionExecutionCompletion applies the final state of a task's action. Updates
// for task executions that already completed are ignored, so redelivered events are
// harmless.
func (s *Service) HandleActionExecutionCompletion(ctx context.Context, execution *action.Execution) (err error) {
	wfCtx := execution.WorkflowContext()
	if wfCtx == nil {
		return ErrNoWorkflowContext
	}

	if !execution.Status.IsCompleted() {
		return &InvalidActionStatusError{Op: "handle completion", ActionExecutionID: execution.ID, Status: string(execution.Status)}
	}

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "workflow.handle_completion",
		attribute.String(otelhelper.WorkflowExecutionIDKey, wfCtx.WorkflowExecutionID),
		attribute.String(otelhelper.TaskExecutionIDKey, wfCtx.TaskExecutionID),
		attribute.String(otelhelper.ActionExecutionIDKey, execution.ID),
		attribute.String(otelhelper.StatusKey, string(execution.Status)))
	defer func() { otelhelper.End(span, err) }()

	if ok, err := s.ownsAction(ctx, wfCtx.TaskExecutionID, execution.ID); err != nil || !ok {
		return err
	}

	return s.completeTask(ctx, wfCtx.TaskExecutionID, execution.Status.ToWorkflowStatus(), execution.Result)
}

// ownsAction ignores updates coming from an action the task execution did not request.
func (s *Service) ownsAction(ctx context.Context, tkExID, acExID string) (bool, error) {
	tkEx, err := s.tasks().GetByID(ctx, tkExID)
	if err != nil {
		return false, err
	}

	if tkEx.ActionExecutionID != "" && tkEx.ActionExecutionID != acExID {
		s.logger.WarnContext(ctx, "ignoring update from unexpected action execution",
			"task_execution_id", tkExID,
			"action_execution_id", acExID,
			"expected_action_execution_id", tkEx.ActionExecutionID)

		return false, nil
	}

	return true, nil
}

// completeTask records the final status of a task execution, advances the flow and
// requests the tasks that became runnable.
func (s *Service) completeTask(ctx context.Context, tkExID string, status statuses.Status, result any) error {
	tkEx, err := s.updateTaskExecution(ctx, tkExID, status, result)
	if err != nil {
		return err
	}

	return s.requestNextTasks(ctx, tkEx)
}

func (s *Service) updateTaskExecution(ctx context.Context, id string, status statuses.Status, result any) (*models.TaskExecution, error) {
	var (
		tkEx    *models.TaskExecution
		updated bool
	)

	err := s.retry(ctx, "update_task_execution", func() error {
		var err error

		updated = false

		tkEx, err = s.tasks().GetByID(ctx, id)
		if err != nil {
			return err
		}

		if tkEx.IsCompleted() {
			return nil
		}

		if tkEx.Status == statuses.Paused {
			if err := tkEx.Transition(statuses.Running); err != nil {
				return err
			}
		}

		if err := tkEx.Transition(status); err != nil {
			return err
		}

		tkEx.Result = result

		if err := s.tasks().Update(ctx, tkEx); err != nil {
			return err
		}

		updated = true

		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated {
		s.taskChanged(ctx, tkEx)
	} else {
		s.logger.DebugContext(ctx, "task execution already completed",
			"task_execution_id", id,
			"status", tkEx.Status)
	}

	return tkEx, nil
}

// requestNextTasks moves the instance bound to the task execution to completed and
// stages what follows. An instance that is not bound anymore was already handled.
func (s *Service) requestNextTasks(ctx context.Context, tkEx *models.TaskExecution) error {
	var (
		changed *change
		next    []*conductor.NextTask
	)

	err := s.retry(ctx, "request_next_tasks", func() error {
		changed, next = nil, nil

		wfEx, err := s.workflows().GetByID(ctx, tkEx.WorkflowExecutionID)
		if err != nil {
			return err
		}

		staged, ok := wfEx.Flow.StagedByTaskExecution(tkEx.ID)
		if !ok {
			s.logger.DebugContext(ctx, "task execution is not staged, ignoring",
				"workflow_execution_id", wfEx.ID,
				"task_execution_id", tkEx.ID)

			return nil
		}

		c := s.conductor(wfEx)

		flow, err := c.UpdateTaskFlow(wfEx.Flow, staged.ID, tkEx.Status, tkEx.Result)
		if err != nil {
			return err
		}

		flow, next, err = c.GetNextTasks(flow, staged.ID)
		if err != nil {
			return err
		}

		changed, err = s.saveWorkflow(ctx, wfEx, c, flow)

		return err
	})
	if err != nil {
		return err
	}

	s.afterSave(ctx, changed)
	s.dispatch(ctx, tkEx.WorkflowExecutionID, next)

	return nil
}

// HandleActionExecutionPause records that the sub-workflow run by a task paused. The
// workflow pauses once nothing else is in flight.
func (s *Service) HandleActionExecutionPause(ctx context.Context, execution *action.Execution) error {
	wfCtx := execution.WorkflowContext()
	if wfCtx == nil {
		return ErrNoWorkflowContext
	}

	if execution.Status != action.StatusPaused {
		return &InvalidActionStatusError{Op: "handle pause", ActionExecutionID: execution.ID, Status: string(execution.Status)}
	}

	if ok, err := s.ownsAction(ctx, wfCtx.TaskExecutionID, execution.ID); err != nil || !ok {
		return err
	}

	tkEx, err := s.setTaskStatus(ctx, wfCtx.TaskExecutionID, statuses.Paused, statuses.Running, statuses.Pausing)
	if err != nil || tkEx == nil {
		return err
	}

	return s.updateTaskState(ctx, tkEx, statuses.Paused)
}

// HandleActionExecutionResume records that the sub-workflow run by a task resumed. A
// paused workflow resumes with it, which reaches the parent workflows in turn.
func (s *Service) HandleActionExecutionResume(ctx context.Context, execution *action.Execution) error {
	wfCtx := execution.WorkflowContext()
	if wfCtx == nil {
		return ErrNoWorkflowContext
	}

	if execution.Status != action.StatusRunning && execution.Status != action.StatusResuming {
		return &InvalidActionStatusError{Op: "handle resume", ActionExecutionID: execution.ID, Status: string(execution.Status)}
	}

	if ok, err := s.ownsAction(ctx, wfCtx.TaskExecutionID, execution.ID); err != nil || !ok {
		return err
	}

	tkEx, err := s.setTaskStatus(ctx, wfCtx.TaskExecutionID, statuses.Running, statuses.Paused, statuses.Pausing)
	if err != nil || tkEx == nil {
		return err
	}

	return s.updateTaskState(ctx, tkEx, statuses.Running)
}

// setTaskStatus moves a task execution to status when it is in one of from. It returns
// nil when nothing changed.
func (s *Service) setTaskStatus(ctx context.Context, id string, status statuses.Status, from ...statuses.Status) (*models.TaskExecution, error) {
	var updated *models.TaskExecution

	err := s.retry(ctx, "set_task_execution_status", func() error {
		updated = nil

		tkEx, err := s.tasks().GetByID(ctx, id)
		if err != nil {
			return err
		}

		if !containsStatus(from, tkEx.Status) {
			return nil
		}

		if err := tkEx.Transition(status); err != nil {
			return err
		}

		if err := s.tasks().Update(ctx, tkEx); err != nil {
			return err
		}

		updated = tkEx

		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated != nil {
		s.taskChanged(ctx, updated)
	}

	return updated, nil
}

// updateTaskState mirrors a non terminal task status into the flow. Running resumes a
// paused workflow first.
func (s *Service) updateTaskState(ctx context.Context, tkEx *models.TaskExecution, status statuses.Status) error {
	var (
		changed *change
		next    []*conductor.NextTask
	)

	err := s.retry(ctx, "update_task_state", func() error {
		changed, next = nil, nil

		wfEx, err := s.workflows().GetByID(ctx, tkEx.WorkflowExecutionID)
		if err != nil {
			return err
		}

		staged, ok := wfEx.Flow.StagedByTaskExecution(tkEx.ID)
		if !ok {
			return nil
		}

		c := s.conductor(wfEx)
		flow := wfEx.Flow

		if state := c.GetWorkflowState(flow); status == statuses.Running && (state == statuses.Paused || state == statuses.Pausing) {
			if flow, next, err = c.Resume(flow); err != nil {
				return err
			}
		}

		flow, err = c.UpdateTaskState(flow, staged.ID, "", status)
		if err != nil {
			return err
		}

		changed, err = s.saveWorkflow(ctx, wfEx, c, flow)

		return err
	})
	if err != nil {
		return err
	}

	s.afterSave(ctx, changed)
	s.dispatch(ctx, tkEx.WorkflowExecutionID, next)

	return nil
}

func (s *Service) taskChanged(ctx context.Context, tkEx *models.TaskExecution) {
	s.metrics.TaskStatus(string(tkEx.Status))

	s.publish(ctx, tkEx.WorkflowExecutionID, &events.TaskExecutionStatusChanged{
		BaseEvent:           events.NewBaseEvent(events.TaskExecutionStatusEvent),
		WorkflowExecutionID: tkEx.WorkflowExecutionID,
		TaskExecutionID:     tkEx.ID,
		TaskID:              tkEx.TaskID,
		Ordinal:             tkEx.Ordinal,
		Status:              tkEx.Status,
	})
}

func containsStatus(set []statuses.Status, status statuses.Status) bool {
	for _, candidate := range set {
		if candidate == status {
			return true
		}
	}

	return false
}
