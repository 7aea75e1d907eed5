// Package models defines the execution records persisted by the workflow engine.
package models

import (
	"time"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/conductor"
	"github.com/dukex/orquestra/pkg/spec"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/google/uuid"
)

// WorkflowExecution is the persisted record of a single run of a workflow definition.
type WorkflowExecution struct {
	ID                string                 `json:"id"`
	ActionExecutionID string                 `json:"action_execution_id"`
	ActionContext     *action.Context        `json:"action_context,omitempty"`
	Spec              *spec.Workflow         `json:"spec"`
	Graph             *conductor.Graph       `json:"graph"`
	Flow              *conductor.Flow        `json:"flow"`
	Input             map[string]any         `json:"input,omitempty"`
	Output            map[string]any         `json:"output,omitempty"`
	Errors            []conductor.ErrorEntry `json:"errors,omitempty"`
	Status            statuses.Status        `json:"status"`
	Revision          int64                  `json:"revision"`
	StartedAt         time.Time              `json:"started_at"`
	EndedAt           *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// NewWorkflowExecution returns a record with a fresh id, ready to be created.
func NewWorkflowExecution(actionExecutionID string, workflow *spec.Workflow, graph *conductor.Graph, flow *conductor.Flow, input map[string]any) *WorkflowExecution {
	now := time.Now().UTC()

	return &WorkflowExecution{
		ID:                uuid.New().String(),
		ActionExecutionID: actionExecutionID,
		Spec:              workflow,
		Graph:             graph,
		Flow:              flow,
		Input:             input,
		Status:            statuses.Requested,
		StartedAt:         now,
		UpdatedAt:         now,
	}
}

// IsCompleted reports whether the workflow execution reached a terminal status.
func (w *WorkflowExecution) IsCompleted() bool {
	return w.Status.IsCompleted()
}

// IsRoot reports whether the workflow was not started by another workflow's task.
func (w *WorkflowExecution) IsRoot() bool {
	return w.Parent() == nil
}

// Parent returns the task that started the workflow as a sub-workflow.
func (w *WorkflowExecution) Parent() *action.WorkflowContext {
	if w.ActionContext == nil {
		return nil
	}

	return w.ActionContext.Workflow
}

// Result is the payload reported to the owning action execution.
func (w *WorkflowExecution) Result() map[string]any {
	result := map[string]any{}

	if w.Output != nil {
		result["output"] = w.Output
	}

	if len(w.Errors) > 0 {
		result["errors"] = w.Errors
	}

	return result
}

// SetStatus moves the record to status, stamping the end time on terminal statuses.
func (w *WorkflowExecution) SetStatus(status statuses.Status) {
	now := time.Now().UTC()

	w.Status = status
	w.UpdatedAt = now

	if status.IsCompleted() && w.EndedAt == nil {
		w.EndedAt = &now
	}
}
