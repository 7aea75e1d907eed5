package workflow

import (
	"context"
	"time"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/conductor"
	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/statuses"
)

// lookup returns the only workflow execution owned by the action execution.
func (s *Service) lookup(ctx context.Context, acExID string) (*models.WorkflowExecution, error) {
	executions, err := s.workflows().GetByActionExecution(ctx, acExID)
	if err != nil {
		return nil, err
	}

	switch len(executions) {
	case 0:
		return nil, &WorkflowExecutionNotFoundError{ActionExecutionID: acExID}
	case 1:
		return executions[0], nil
	default:
		return nil, &AmbiguousWorkflowExecutionError{ActionExecutionID: acExID, Count: len(executions)}
	}
}

// request applies an operator request to the workflow owned by the action execution.
// mutate returns the new flow, the tasks to dispatch, or nil to leave the record as is.
func (s *Service) request(
	ctx context.Context,
	op string,
	acExID string,
	mutate func(*conductor.Conductor, *models.WorkflowExecution) (*conductor.Flow, []*conductor.NextTask, error),
) (*models.WorkflowExecution, []*conductor.NextTask, error) {
	wfEx, err := s.lookup(ctx, acExID)
	if err != nil {
		return nil, nil, err
	}

	id := wfEx.ID

	var (
		changed *change
		next    []*conductor.NextTask
	)

	err = s.retry(ctx, op, func() error {
		changed, next = nil, nil

		current, err := s.workflows().GetByID(ctx, id)
		if err != nil {
			return err
		}

		wfEx = current
		c := s.conductor(wfEx)

		if state := c.GetWorkflowState(wfEx.Flow); state.IsCompleted() || wfEx.IsCompleted() {
			return &WorkflowExecutionAlreadyCompletedError{WorkflowExecutionID: id, Status: wfEx.Status}
		}

		flow, tasks, err := mutate(c, wfEx)
		if err != nil || flow == nil {
			return err
		}

		next = tasks
		changed, err = s.saveWorkflow(ctx, wfEx, c, flow)

		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.InfoContext(ctx, "workflow execution request applied",
		"request", op,
		"workflow_execution_id", id,
		"status", wfEx.Status)

	s.afterSave(ctx, changed)

	return wfEx, next, nil
}

// RequestPause asks the workflow owned by the action execution to pause. Tasks in flight
// drain first and running sub-workflows are asked to pause as well.
func (s *Service) RequestPause(ctx context.Context, acExID string) (*models.WorkflowExecution, error) {
	wfEx, _, err := s.request(ctx, "request_pause", acExID,
		func(c *conductor.Conductor, wfEx *models.WorkflowExecution) (*conductor.Flow, []*conductor.NextTask, error) {
			flow, err := c.SetWorkflowState(wfEx.Flow, statuses.Paused)

			return flow, nil, err
		})

	return wfEx, err
}

// RequestResume resumes a paused workflow and its paused sub-workflows. Resuming a
// workflow that is not paused changes nothing.
func (s *Service) RequestResume(ctx context.Context, acExID string) (*models.WorkflowExecution, error) {
	wfEx, next, err := s.request(ctx, "request_resume", acExID,
		func(c *conductor.Conductor, wfEx *models.WorkflowExecution) (*conductor.Flow, []*conductor.NextTask, error) {
			switch c.GetWorkflowState(wfEx.Flow) {
			case statuses.Paused, statuses.Pausing:
				return c.Resume(wfEx.Flow)
			default:
				return nil, nil, nil
			}
		})
	if err != nil {
		return nil, err
	}

	s.cascade(ctx, wfEx, "resume", s.RequestResume, func(staged *conductor.StagedTask) bool {
		return staged.Status == statuses.Paused
	})
	s.dispatch(ctx, wfEx.ID, next)

	return wfEx, nil
}

// RequestCancellation cancels the workflow owned by the action execution. Nothing new is
// dispatched; the workflow is canceled once the tasks in flight report.
func (s *Service) RequestCancellation(ctx context.Context, acExID string) (*models.WorkflowExecution, error) {
	wfEx, _, err := s.request(ctx, "request_cancellation", acExID,
		func(c *conductor.Conductor, wfEx *models.WorkflowExecution) (*conductor.Flow, []*conductor.NextTask, error) {
			flow, err := c.SetWorkflowState(wfEx.Flow, statuses.Canceled)

			return flow, nil, err
		})

	return wfEx, err
}

// RequestRerun reopens a failed workflow under a new owning action execution and runs the
// given tasks again, or the failed ones when none are given.
func (s *Service) RequestRerun(ctx context.Context, wfExID string, execution *action.Execution, tasks ...string) (*models.WorkflowExecution, error) {
	var (
		wfEx    *models.WorkflowExecution
		changed *change
		next    []*conductor.NextTask
	)

	err := s.retry(ctx, "request_rerun", func() error {
		changed, next = nil, nil

		current, err := s.workflows().GetByID(ctx, wfExID)
		if err != nil {
			return err
		}

		wfEx = current
		c := s.conductor(wfEx)

		flow, staged, err := c.Rerun(wfEx.Flow, tasks...)
		if err != nil {
			return err
		}

		wfEx.ActionExecutionID = execution.ID
		if execution.Context != nil {
			wfEx.ActionContext = execution.Context
		}

		wfEx.Output = nil
		wfEx.EndedAt = nil

		next = staged
		changed, err = s.saveWorkflow(ctx, wfEx, c, flow)

		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "workflow execution rerun requested",
		"workflow_execution_id", wfExID,
		"action_execution_id", execution.ID,
		"tasks", tasks)

	s.afterSave(ctx, changed)
	s.dispatch(ctx, wfExID, next)

	return s.workflows().GetByID(ctx, wfExID)
}

// FailWorkflowExecution fails a workflow on an error the engine cannot recover from.
// The tasks in flight are left to finish; nothing new is dispatched.
func (s *Service) FailWorkflowExecution(ctx context.Context, wfExID string, cause error) error {
	var changed *change

	err := s.retry(ctx, "fail_workflow_execution", func() error {
		changed = nil

		wfEx, err := s.workflows().GetByID(ctx, wfExID)
		if err != nil {
			return err
		}

		if wfEx.IsCompleted() {
			return nil
		}

		c := s.conductor(wfEx)
		flow := c.RecordError(wfEx.Flow, conductor.ErrorEntry{Message: cause.Error()})

		if flow, err = c.SetWorkflowState(flow, statuses.Failed); err != nil {
			return err
		}

		changed, err = s.saveWorkflow(ctx, wfEx, c, flow)

		return err
	})
	if err != nil {
		return err
	}

	if changed != nil {
		s.logger.ErrorContext(ctx, "workflow execution failed",
			"workflow_execution_id", wfExID,
			"error", cause)
	}

	s.afterSave(ctx, changed)

	return nil
}

// IdentifyOrphanedWorkflows lists the running workflows that made no progress for
// maxIdle: either no task execution was ever created, or every task execution completed
// more than maxIdle ago.
func (s *Service) IdentifyOrphanedWorkflows(ctx context.Context, maxIdle time.Duration) ([]*models.WorkflowExecution, error) {
	running, err := s.workflows().GetByStatus(ctx, statuses.Running)
	if err != nil {
		return nil, err
	}

	expiry := time.Now().UTC().Add(-maxIdle)

	var orphaned []*models.WorkflowExecution

	for _, wfEx := range running {
		if wfEx.UpdatedAt.After(expiry) {
			continue
		}

		tasks, err := s.tasks().GetByWorkflowExecution(ctx, wfEx.ID)
		if err != nil {
			return nil, err
		}

		if idle(tasks, expiry) {
			orphaned = append(orphaned, wfEx)
		}
	}

	return orphaned, nil
}

func idle(tasks []*models.TaskExecution, expiry time.Time) bool {
	for _, tkEx := range tasks {
		if !tkEx.IsCompleted() || tkEx.EndedAt == nil || tkEx.EndedAt.After(expiry) {
			return false
		}
	}

	return true
}

// ReplayCompletedTasks applies the task executions that completed while the flow still
// has them in flight, which happens when their update was lost. Each is handled as if the
// update had just arrived.
func (s *Service) ReplayCompletedTasks(ctx context.Context, wfExID string) error {
	wfEx, err := s.workflows().GetByID(ctx, wfExID)
	if err != nil {
		return err
	}

	for _, staged := range wfEx.Flow.Staged {
		if staged.TaskExecutionID == "" {
			continue
		}

		tkEx, err := s.tasks().GetByID(ctx, staged.TaskExecutionID)
		if err != nil {
			return err
		}

		if !tkEx.IsCompleted() {
			continue
		}

		s.logger.InfoContext(ctx, "replaying completed task execution",
			"workflow_execution_id", wfExID,
			"task_execution_id", tkEx.ID,
			"task_id", tkEx.TaskID,
			"status", tkEx.Status)

		if err := s.requestNextTasks(ctx, tkEx); err != nil {
			return err
		}
	}

	return nil
}
