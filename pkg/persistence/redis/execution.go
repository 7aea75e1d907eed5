package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/statuses"
	goredis "github.com/redis/go-redis/v9"
)

type WorkflowExecutionRepository struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

func (r *WorkflowExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	previous := execution.Revision
	execution.Revision = 1

	err := create(ctx, r.client, workflowExecutionKey(execution.ID), execution, map[string]string{
		workflowExecutionIDsKey:                              execution.ID,
		actionExecutionIndexKey(execution.ActionExecutionID): execution.ID,
	})
	if err != nil {
		execution.Revision = previous

		return persistence.NewWorkflowExecutionError("Create", execution.ID, err)
	}

	return nil
}

func (r *WorkflowExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution

	err := load(ctx, r.client, workflowExecutionKey(id), &execution)
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.NewWorkflowExecutionError("GetByID", id, persistence.ErrWorkflowExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowExecutionError("GetByID", id, err)
	}

	return &execution, nil
}

func (r *WorkflowExecutionRepository) GetByActionExecution(ctx context.Context, actionExecutionID string) ([]*models.WorkflowExecution, error) {
	return r.members(ctx, actionExecutionIndexKey(actionExecutionID), func(*models.WorkflowExecution) bool { return true })
}

func (r *WorkflowExecutionRepository) GetByStatus(ctx context.Context, status ...statuses.Status) ([]*models.WorkflowExecution, error) {
	return r.members(ctx, workflowExecutionIDsKey, func(execution *models.WorkflowExecution) bool {
		return slices.Contains(status, execution.Status)
	})
}

func (r *WorkflowExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	expected := execution.Revision
	updatedAt := execution.UpdatedAt

	execution.Revision++
	execution.UpdatedAt = time.Now().UTC()

	err := compareAndSwap(ctx, r.client, workflowExecutionKey(execution.ID), expected, execution, persistence.ErrWorkflowExecutionNotFound)
	if errors.Is(err, persistence.ErrWriteConflict) {
		r.logger.DebugContext(ctx, "workflow execution changed since it was read",
			"workflow_execution_id", execution.ID,
			"revision", expected)
	}

	if err != nil {
		execution.Revision = expected
		execution.UpdatedAt = updatedAt

		return persistence.NewWorkflowExecutionError("Update", execution.ID, err)
	}

	return nil
}

func (r *WorkflowExecutionRepository) members(ctx context.Context, set string, match func(*models.WorkflowExecution) bool) ([]*models.WorkflowExecution, error) {
	ids, err := r.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow executions: %w", err)
	}

	executions := make([]*models.WorkflowExecution, 0, len(ids))

	for _, id := range ids {
		execution, err := r.GetByID(ctx, id)
		if persistence.IsWorkflowExecutionNotFound(err) {
			r.logger.WarnContext(ctx, "skipping indexed workflow execution without a record",
				"index", set,
				"workflow_execution_id", id)

			continue
		}

		if err != nil {
			return nil, err
		}

		if match(execution) {
			executions = append(executions, execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})

	return executions, nil
}

type TaskExecutionRepository struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

func (r *TaskExecutionRepository) Create(ctx context.Context, execution *models.TaskExecution) error {
	previous := execution.Revision
	execution.Revision = 1

	err := create(ctx, r.client, taskExecutionKey(execution.ID), execution, map[string]string{
		workflowTasksIndexKey(execution.WorkflowExecutionID): execution.ID,
	})
	if err != nil {
		execution.Revision = previous

		return persistence.NewTaskExecutionError("Create", execution.ID, err)
	}

	return nil
}

func (r *TaskExecutionRepository) GetByID(ctx context.Context, id string) (*models.TaskExecution, error) {
	var execution models.TaskExecution

	err := load(ctx, r.client, taskExecutionKey(id), &execution)
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.NewTaskExecutionError("GetByID", id, persistence.ErrTaskExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewTaskExecutionError("GetByID", id, err)
	}

	return &execution, nil
}

func (r *TaskExecutionRepository) GetByWorkflowExecution(ctx context.Context, workflowExecutionID string) ([]*models.TaskExecution, error) {
	ids, err := r.client.SMembers(ctx, workflowTasksIndexKey(workflowExecutionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task executions: %w", err)
	}

	executions := make([]*models.TaskExecution, 0, len(ids))

	for _, id := range ids {
		execution, err := r.GetByID(ctx, id)
		if persistence.IsTaskExecutionNotFound(err) {
			r.logger.WarnContext(ctx, "skipping indexed task execution without a record",
				"workflow_execution_id", workflowExecutionID,
				"task_execution_id", id)

			continue
		}

		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	sort.Slice(executions, func(i, j int) bool {
		if !executions[i].StartedAt.Equal(executions[j].StartedAt) {
			return executions[i].StartedAt.Before(executions[j].StartedAt)
		}

		return executions[i].Ordinal < executions[j].Ordinal
	})

	return executions, nil
}

func (r *TaskExecutionRepository) Update(ctx context.Context, execution *models.TaskExecution) error {
	expected := execution.Revision
	updatedAt := execution.UpdatedAt

	execution.Revision++
	execution.UpdatedAt = time.Now().UTC()

	err := compareAndSwap(ctx, r.client, taskExecutionKey(execution.ID), expected, execution, persistence.ErrTaskExecutionNotFound)
	if errors.Is(err, persistence.ErrWriteConflict) {
		r.logger.DebugContext(ctx, "task execution changed since it was read",
			"task_execution_id", execution.ID,
			"revision", expected)
	}

	if err != nil {
		execution.Revision = expected
		execution.UpdatedAt = updatedAt

		return persistence.NewTaskExecutionError("Update", execution.ID, err)
	}

	return nil
}
