// Package action describes the actions a workflow task can run and the collaborator that
// executes them.
package action

import (
	"context"
	"time"

	"github.com/dukex/orquestra/pkg/statuses"
)

// Status is the lifecycle state of an action execution. It extends the workflow
// statuses with timed_out, which the runner reports when the task timeout expires.
type Status string

const (
	StatusRequested Status = "requested"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPausing   Status = "pausing"
	StatusPaused    Status = "paused"
	StatusResuming  Status = "resuming"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Runner names of the built-in runners.
const (
	RunnerNoop       = "noop"
	RunnerEcho       = "echo"
	RunnerLocalShell = "local-shell-cmd"
	RunnerWorkflow   = "orquesta"
)

func (s Status) IsCompleted() bool {
	return s == StatusTimedOut || statuses.Status(s).IsCompleted()
}

// ToWorkflowStatus maps the action status onto the task lifecycle. A timeout fails the task.
func (s Status) ToWorkflowStatus() statuses.Status {
	if s == StatusTimedOut {
		return statuses.Failed
	}

	return statuses.Status(s)
}

// FromWorkflowStatus is the action status reported for a workflow in the given status.
func FromWorkflowStatus(status statuses.Status) Status {
	return Status(status)
}

// Parameter declares one accepted action parameter.
type Parameter struct {
	Type        string `json:"type,omitempty"        yaml:"type,omitempty"        validate:"omitempty,oneof=string integer number boolean object array"`
	Required    bool   `json:"required,omitempty"    yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty"     yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Action is a registered unit of work. Entry points the orquesta runner at a workflow
// definition file.
type Action struct {
	Ref         string               `json:"ref"                   yaml:"ref"                   validate:"required"`
	Runner      string               `json:"runner"                yaml:"runner"                validate:"required"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]Parameter `json:"parameters,omitempty"  yaml:"parameters,omitempty"  validate:"dive"`
	Entry       string               `json:"entry,omitempty"       yaml:"entry,omitempty"       validate:"required_if=Runner orquesta"`
}

// WorkflowContext links an action execution back to the task that requested it.
type WorkflowContext struct {
	WorkflowExecutionID string `json:"workflow_execution_id"`
	TaskExecutionID     string `json:"task_execution_id"`
	TaskID              string `json:"task_id"`
	Ordinal             int    `json:"ordinal"`
}

// Context is carried untouched by runners and returned on every update.
type Context struct {
	User     string           `json:"user,omitempty"`
	Parent   *Context         `json:"parent,omitempty"`
	Workflow *WorkflowContext `json:"workflow,omitempty"`
}

// Execution is one run of an action.
type Execution struct {
	ID         string         `json:"id"`
	ActionRef  string         `json:"action_ref"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    *Context       `json:"context,omitempty"`
	Status     Status         `json:"status"`
	Result     any            `json:"result,omitempty"`
	Timeout    int            `json:"timeout,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

// WorkflowContext returns the workflow link of the execution, nil for executions that
// were not requested by a task.
func (e *Execution) WorkflowContext() *WorkflowContext {
	if e == nil || e.Context == nil {
		return nil
	}

	return e.Context.Workflow
}

// Dispatcher requests action executions and publishes their state changes.
type Dispatcher interface {
	// Request schedules the execution. An empty ID is assigned by the dispatcher.
	Request(ctx context.Context, execution *Execution) error

	// Report publishes a state change of an execution owned by the caller, such as a
	// workflow reporting its own progress to the task that started it.
	Report(ctx context.Context, execution *Execution) error
}
