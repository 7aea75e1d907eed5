package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowExecutionNotFound indicates a workflow execution was not found by the given identifier.
	ErrWorkflowExecutionNotFound = errors.New("workflow execution not found")

	// ErrTaskExecutionNotFound indicates a task execution was not found by the given identifier.
	ErrTaskExecutionNotFound = errors.New("task execution not found")

	// ErrAlreadyExists indicates a record with the same identifier already exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrWriteConflict indicates the record was changed since it was read.
	ErrWriteConflict = errors.New("write conflict")

	// ErrInvalidID indicates an identifier that cannot be stored.
	ErrInvalidID = errors.New("invalid record id")
)

// ExecutionError wraps execution record errors with additional context.
type ExecutionError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Update")
	Collection string // "workflow_executions" or "task_executions"
	ID         string // Record ID if applicable
	Err        error  // Underlying error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Collection, e.ID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

const (
	WorkflowExecutions = "workflow_executions"
	TaskExecutions     = "task_executions"
)

// NewWorkflowExecutionError creates a new workflow execution error with context.
func NewWorkflowExecutionError(op, id string, err error) *ExecutionError {
	return &ExecutionError{Op: op, Collection: WorkflowExecutions, ID: id, Err: err}
}

// NewTaskExecutionError creates a new task execution error with context.
func NewTaskExecutionError(op, id string, err error) *ExecutionError {
	return &ExecutionError{Op: op, Collection: TaskExecutions, ID: id, Err: err}
}

// IsWorkflowExecutionNotFound checks if an error indicates a workflow execution was not found.
func IsWorkflowExecutionNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowExecutionNotFound)
}

// IsTaskExecutionNotFound checks if an error indicates a task execution was not found.
func IsTaskExecutionNotFound(err error) bool {
	return errors.Is(err, ErrTaskExecutionNotFound)
}

// IsWriteConflict checks if an error indicates a lost compare-and-swap.
func IsWriteConflict(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
