// Package persistence provides the storage abstraction for workflow and task execution records.
//
// Every Update is a compare-and-swap on the record revision: it succeeds only when the
// stored revision equals the caller's, and then increments the revision on the caller's
// record. A mismatch returns ErrWriteConflict and the caller must reload and retry.
package persistence

import (
	"context"

	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/statuses"
)

type Persistence interface {
	WorkflowExecutionRepository() WorkflowExecutionRepository
	TaskExecutionRepository() TaskExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowExecutionRepository stores workflow execution records.
type WorkflowExecutionRepository interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// GetByActionExecution lists the workflow executions owned by an action execution.
	GetByActionExecution(ctx context.Context, actionExecutionID string) ([]*models.WorkflowExecution, error)
	GetByStatus(ctx context.Context, status ...statuses.Status) ([]*models.WorkflowExecution, error)
	Update(ctx context.Context, execution *models.WorkflowExecution) error
}

// TaskExecutionRepository stores task execution records.
type TaskExecutionRepository interface {
	Create(ctx context.Context, execution *models.TaskExecution) error
	GetByID(ctx context.Context, id string) (*models.TaskExecution, error)
	GetByWorkflowExecution(ctx context.Context, workflowExecutionID string) ([]*models.TaskExecution, error)
	Update(ctx context.Context, execution *models.TaskExecution) error
}
