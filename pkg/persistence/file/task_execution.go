package file

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/persistence"
)

// TaskExecutionRepository handles task execution file operations.
type TaskExecutionRepository struct {
	records collection
	mu      sync.RWMutex
}

// NewTaskExecutionRepository creates a new task execution repository.
func NewTaskExecutionRepository(root string) *TaskExecutionRepository {
	return &TaskExecutionRepository{records: collection{dir: filepath.Join(root, persistence.TaskExecutions)}}
}

func (tr *TaskExecutionRepository) Create(_ context.Context, execution *models.TaskExecution) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if err := validateID(execution.ID); err != nil {
		return persistence.NewTaskExecutionError("Create", execution.ID, err)
	}

	if tr.records.exists(execution.ID) {
		return persistence.NewTaskExecutionError("Create", execution.ID, persistence.ErrAlreadyExists)
	}

	execution.Revision = 1

	return tr.records.write(execution.ID, execution)
}

func (tr *TaskExecutionRepository) GetByID(_ context.Context, id string) (*models.TaskExecution, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	return tr.get("GetByID", id)
}

func (tr *TaskExecutionRepository) get(op, id string) (*models.TaskExecution, error) {
	var execution models.TaskExecution

	err := tr.records.read(id, &execution)
	if isNotExist(err) {
		return nil, persistence.NewTaskExecutionError(op, id, persistence.ErrTaskExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewTaskExecutionError(op, id, err)
	}

	return &execution, nil
}

// GetByWorkflowExecution returns the task executions of a workflow in creation order.
func (tr *TaskExecutionRepository) GetByWorkflowExecution(_ context.Context, workflowExecutionID string) ([]*models.TaskExecution, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	ids, err := tr.records.ids()
	if err != nil {
		return nil, err
	}

	executions := make([]*models.TaskExecution, 0)

	for _, id := range ids {
		execution, err := tr.get("GetByWorkflowExecution", id)
		if err != nil {
			return nil, fmt.Errorf("failed to load task execution %s: %w", id, err)
		}

		if execution.WorkflowExecutionID == workflowExecutionID {
			executions = append(executions, execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		if !executions[i].StartedAt.Equal(executions[j].StartedAt) {
			return executions[i].StartedAt.Before(executions[j].StartedAt)
		}

		return executions[i].Ordinal < executions[j].Ordinal
	})

	return executions, nil
}

func (tr *TaskExecutionRepository) Update(_ context.Context, execution *models.TaskExecution) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	stored, err := tr.get("Update", execution.ID)
	if err != nil {
		return err
	}

	if stored.Revision != execution.Revision {
		return persistence.NewTaskExecutionError("Update", execution.ID, persistence.ErrWriteConflict)
	}

	execution.Revision++
	execution.UpdatedAt = time.Now().UTC()

	if err := tr.records.write(execution.ID, execution); err != nil {
		execution.Revision--

		return persistence.NewTaskExecutionError("Update", execution.ID, err)
	}

	return nil
}
