package models

import (
	"fmt"
	"time"

	"github.com/dukex/orquestra/pkg/spec"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/google/uuid"
)

// TaskExecution is the persisted record of one instance of a task.
// (WorkflowExecutionID, TaskID, Ordinal) identifies the instance within its workflow.
type TaskExecution struct {
	ID                  string          `json:"id"`
	WorkflowExecutionID string          `json:"workflow_execution_id"`
	TaskID              string          `json:"task_id"`
	Ordinal             int             `json:"ordinal"`
	TaskSpec            *spec.Task      `json:"task_spec,omitempty"`
	InitialContext      map[string]any  `json:"initial_context,omitempty"`
	ActionExecutionID   string          `json:"action_execution_id,omitempty"`
	Status              statuses.Status `json:"status"`
	Result              any             `json:"result,omitempty"`
	Revision            int64           `json:"revision"`
	StartedAt           time.Time       `json:"started_at"`
	EndedAt             *time.Time      `json:"ended_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func NewTaskExecution(workflowExecutionID, taskID string, ordinal int, task *spec.Task, initialContext map[string]any) *TaskExecution {
	now := time.Now().UTC()

	return &TaskExecution{
		ID:                  uuid.New().String(),
		WorkflowExecutionID: workflowExecutionID,
		TaskID:              taskID,
		Ordinal:             ordinal,
		TaskSpec:            task,
		InitialContext:      initialContext,
		Status:              statuses.Requested,
		StartedAt:           now,
		UpdatedAt:           now,
	}
}

func (t *TaskExecution) IsCompleted() bool {
	return t.Status.IsCompleted()
}

// Transition moves the task execution to status when the lifecycle allows it.
func (t *TaskExecution) Transition(status statuses.Status) error {
	if !statuses.CanTransition(t.Status, status) {
		return fmt.Errorf("task execution %s cannot move from %s to %s", t.ID, t.Status, status)
	}

	now := time.Now().UTC()

	t.Status = status
	t.UpdatedAt = now

	if status.IsCompleted() && t.EndedAt == nil {
		t.EndedAt = &now
	}

	return nil
}
