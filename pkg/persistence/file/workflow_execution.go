package file

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/statuses"
)

// WorkflowExecutionRepository handles workflow execution file operations.
type WorkflowExecutionRepository struct {
	records collection
	mu      sync.RWMutex
}

// NewWorkflowExecutionRepository creates a new workflow execution repository.
func NewWorkflowExecutionRepository(root string) *WorkflowExecutionRepository {
	return &WorkflowExecutionRepository{records: collection{dir: filepath.Join(root, persistence.WorkflowExecutions)}}
}

func (wr *WorkflowExecutionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if err := validateID(execution.ID); err != nil {
		return persistence.NewWorkflowExecutionError("Create", execution.ID, err)
	}

	if wr.records.exists(execution.ID) {
		return persistence.NewWorkflowExecutionError("Create", execution.ID, persistence.ErrAlreadyExists)
	}

	execution.Revision = 1

	return wr.records.write(execution.ID, execution)
}

// GetByID retrieves a workflow execution by its ID from the file system.
func (wr *WorkflowExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()

	return wr.get("GetByID", id)
}

func (wr *WorkflowExecutionRepository) get(op, id string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution

	err := wr.records.read(id, &execution)
	if isNotExist(err) {
		return nil, persistence.NewWorkflowExecutionError(op, id, persistence.ErrWorkflowExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowExecutionError(op, id, err)
	}

	return &execution, nil
}

func (wr *WorkflowExecutionRepository) GetByActionExecution(_ context.Context, actionExecutionID string) ([]*models.WorkflowExecution, error) {
	return wr.list(func(execution *models.WorkflowExecution) bool {
		return execution.ActionExecutionID == actionExecutionID
	})
}

func (wr *WorkflowExecutionRepository) GetByStatus(_ context.Context, status ...statuses.Status) ([]*models.WorkflowExecution, error) {
	return wr.list(func(execution *models.WorkflowExecution) bool {
		return slices.Contains(status, execution.Status)
	})
}

// Update writes the execution when the stored revision matches the caller's.
func (wr *WorkflowExecutionRepository) Update(_ context.Context, execution *models.WorkflowExecution) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	stored, err := wr.get("Update", execution.ID)
	if err != nil {
		return err
	}

	if stored.Revision != execution.Revision {
		return persistence.NewWorkflowExecutionError("Update", execution.ID, persistence.ErrWriteConflict)
	}

	execution.Revision++
	execution.UpdatedAt = time.Now().UTC()

	if err := wr.records.write(execution.ID, execution); err != nil {
		execution.Revision--

		return persistence.NewWorkflowExecutionError("Update", execution.ID, err)
	}

	return nil
}

func (wr *WorkflowExecutionRepository) list(match func(*models.WorkflowExecution) bool) ([]*models.WorkflowExecution, error) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()

	ids, err := wr.records.ids()
	if err != nil {
		return nil, err
	}

	executions := make([]*models.WorkflowExecution, 0)

	for _, id := range ids {
		execution, err := wr.get("List", id)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow execution %s: %w", id, err)
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
