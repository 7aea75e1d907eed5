// Package memory provides an in-process persistence implementation used by tests and
// single-binary runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/statuses"
)

// Persistence keeps records as JSON documents so callers never share memory with the store.
type Persistence struct {
	workflows *WorkflowExecutionRepository
	tasks     *TaskExecutionRepository
}

func NewPersistence() *Persistence {
	return &Persistence{
		workflows: &WorkflowExecutionRepository{records: map[string][]byte{}},
		tasks:     &TaskExecutionRepository{records: map[string][]byte{}},
	}
}

func (p *Persistence) WorkflowExecutionRepository() persistence.WorkflowExecutionRepository {
	return p.workflows
}

func (p *Persistence) TaskExecutionRepository() persistence.TaskExecutionRepository {
	return p.tasks
}

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

func (p *Persistence) Close(_ context.Context) error { return nil }

type WorkflowExecutionRepository struct {
	records map[string][]byte
	mu      sync.RWMutex
}

func (r *WorkflowExecutionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[execution.ID]; ok {
		return persistence.NewWorkflowExecutionError("Create", execution.ID, persistence.ErrAlreadyExists)
	}

	execution.Revision = 1

	return r.put(execution)
}

func (r *WorkflowExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	body, ok := r.records[id]
	if !ok {
		return nil, persistence.NewWorkflowExecutionError("GetByID", id, persistence.ErrWorkflowExecutionNotFound)
	}

	return decode[models.WorkflowExecution](body)
}

func (r *WorkflowExecutionRepository) GetByActionExecution(_ context.Context, actionExecutionID string) ([]*models.WorkflowExecution, error) {
	return r.filter(func(execution *models.WorkflowExecution) bool {
		return execution.ActionExecutionID == actionExecutionID
	})
}

func (r *WorkflowExecutionRepository) GetByStatus(_ context.Context, status ...statuses.Status) ([]*models.WorkflowExecution, error) {
	return r.filter(func(execution *models.WorkflowExecution) bool {
		return slices.Contains(status, execution.Status)
	})
}

func (r *WorkflowExecutionRepository) Update(_ context.Context, execution *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	body, ok := r.records[execution.ID]
	if !ok {
		return persistence.NewWorkflowExecutionError("Update", execution.ID, persistence.ErrWorkflowExecutionNotFound)
	}

	stored, err := decode[models.WorkflowExecution](body)
	if err != nil {
		return err
	}

	if stored.Revision != execution.Revision {
		return persistence.NewWorkflowExecutionError("Update", execution.ID, persistence.ErrWriteConflict)
	}

	execution.Revision++
	execution.UpdatedAt = time.Now().UTC()

	if err := r.put(execution); err != nil {
		execution.Revision--

		return err
	}

	return nil
}

func (r *WorkflowExecutionRepository) put(execution *models.WorkflowExecution) error {
	body, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow execution %s: %w", execution.ID, err)
	}

	r.records[execution.ID] = body

	return nil
}

func (r *WorkflowExecutionRepository) filter(match func(*models.WorkflowExecution) bool) ([]*models.WorkflowExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executions := make([]*models.WorkflowExecution, 0)

	for _, body := range r.records {
		execution, err := decode[models.WorkflowExecution](body)
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
	records map[string][]byte
	mu      sync.RWMutex
}

func (r *TaskExecutionRepository) Create(_ context.Context, execution *models.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[execution.ID]; ok {
		return persistence.NewTaskExecutionError("Create", execution.ID, persistence.ErrAlreadyExists)
	}

	execution.Revision = 1

	return r.put(execution)
}

func (r *TaskExecutionRepository) GetByID(_ context.Context, id string) (*models.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	body, ok := r.records[id]
	if !ok {
		return nil, persistence.NewTaskExecutionError("GetByID", id, persistence.ErrTaskExecutionNotFound)
	}

	return decode[models.TaskExecution](body)
}

func (r *TaskExecutionRepository) GetByWorkflowExecution(_ context.Context, workflowExecutionID string) ([]*models.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executions := make([]*models.TaskExecution, 0)

	for _, body := range r.records {
		execution, err := decode[models.TaskExecution](body)
		if err != nil {
			return nil, err
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

func (r *TaskExecutionRepository) Update(_ context.Context, execution *models.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	body, ok := r.records[execution.ID]
	if !ok {
		return persistence.NewTaskExecutionError("Update", execution.ID, persistence.ErrTaskExecutionNotFound)
	}

	stored, err := decode[models.TaskExecution](body)
	if err != nil {
		return err
	}

	if stored.Revision != execution.Revision {
		return persistence.NewTaskExecutionError("Update", execution.ID, persistence.ErrWriteConflict)
	}

	execution.Revision++
	execution.UpdatedAt = time.Now().UTC()

	if err := r.put(execution); err != nil {
		execution.Revision--

		return err
	}

	return nil
}

func (r *TaskExecutionRepository) put(execution *models.TaskExecution) error {
	body, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal task execution %s: %w", execution.ID, err)
	}

	r.records[execution.ID] = body

	return nil
}

func decode[T any](body []byte) (*T, error) {
	var record T

	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return &record, nil
}
