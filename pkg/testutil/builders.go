// Package testutil provides test data builders and shared persistence checks.
package testutil

import (
	"github.com/dukex/orquestra/pkg/conductor"
	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/spec"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/google/uuid"
)

// CreateWorkflowExecution creates a test WorkflowExecution with default values that can be overridden.
func CreateWorkflowExecution(overrides ...func(*models.WorkflowExecution)) *models.WorkflowExecution {
	workflow := &spec.Workflow{
		Version:       "1.0",
		FailurePolicy: spec.FailFast,
		Tasks:         map[string]*spec.Task{"task1": {Action: "core.noop"}},
		Inspected:     true,
	}

	execution := models.NewWorkflowExecution(uuid.New().String(), workflow, &conductor.Graph{
		Nodes: map[string]*conductor.Node{"task1": {ID: "task1"}},
		Roots: []string{"task1"},
	}, &conductor.Flow{
		Requested: statuses.Requested,
		Staged:    []*conductor.StagedTask{{ID: "task1", Status: statuses.Requested}},
		Completed: []*conductor.CompletedTask{},
		Visits:    map[string]int{"task1": 1},
		Vars:      map[string]any{"greeting": "hello"},
	}, map[string]any{"greeting": "hello"})

	for _, override := range overrides {
		override(execution)
	}

	return execution
}

// WithStatus sets the workflow execution status.
func WithStatus(status statuses.Status) func(*models.WorkflowExecution) {
	return func(w *models.WorkflowExecution) {
		w.Status = status
	}
}

// WithActionExecution sets the owning action execution.
func WithActionExecution(actionExecutionID string) func(*models.WorkflowExecution) {
	return func(w *models.WorkflowExecution) {
		w.ActionExecutionID = actionExecutionID
	}
}

// CreateTaskExecution creates a test TaskExecution for the given workflow execution.
func CreateTaskExecution(workflowExecutionID, taskID string, ordinal int) *models.TaskExecution {
	return models.NewTaskExecution(workflowExecutionID, taskID, ordinal, &spec.Task{Action: "core.noop"}, map[string]any{"greeting": "hello"})
}
