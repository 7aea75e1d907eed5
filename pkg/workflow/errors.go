package workflow

import (
	"errors"
	"fmt"

	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/spec"
	"github.com/dukex/orquestra/pkg/statuses"
)

var (
	// ErrRetryExhausted is returned when a write kept conflicting after every attempt. The
	// operation may be replayed.
	ErrRetryExhausted = errors.New("write conflict retries exhausted")

	// ErrNoWorkflowContext is returned for action executions that no workflow task owns.
	ErrNoWorkflowContext = errors.New("action execution has no workflow context")
)

// WorkflowInspectionError lists every static error of a rejected definition.
type WorkflowInspectionError = spec.InspectionError

// InvalidActionReferencedError is returned when the action owning a workflow execution
// is not registered.
type InvalidActionReferencedError struct {
	Ref string
}

func (e *InvalidActionReferencedError) Error() string {
	return fmt.Sprintf("unable to find action %q", e.Ref)
}

// WorkflowExecutionNotFoundError is returned when no workflow execution is owned by the
// action execution.
type WorkflowExecutionNotFoundError struct {
	ActionExecutionID string
}

func (e *WorkflowExecutionNotFoundError) Error() string {
	return fmt.Sprintf("unable to find workflow execution for action execution %q", e.ActionExecutionID)
}

// AmbiguousWorkflowExecutionError is returned when more than one workflow execution is
// owned by the action execution.
type AmbiguousWorkflowExecutionError struct {
	ActionExecutionID string
	Count             int
}

func (e *AmbiguousWorkflowExecutionError) Error() string {
	return fmt.Sprintf("found %d workflow executions for action execution %q", e.Count, e.ActionExecutionID)
}

// WorkflowExecutionAlreadyCompletedError rejects operator requests on terminal workflows.
type WorkflowExecutionAlreadyCompletedError struct {
	WorkflowExecutionID string
	Status              statuses.Status
}

func (e *WorkflowExecutionAlreadyCompletedError) Error() string {
	return fmt.Sprintf("workflow execution %q is already completed with status %q", e.WorkflowExecutionID, e.Status)
}

// InvalidActionStatusError is returned when a handler receives an update in a status it
// does not handle.
type InvalidActionStatusError struct {
	ActionExecutionID string
	Status            string
	Op                string
}

func (e *InvalidActionStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %q for action execution %q", e.Op, e.Status, e.ActionExecutionID)
}

// IsRetryable reports whether replaying the operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryExhausted) || persistence.IsWriteConflict(err)
}

func IsAlreadyCompleted(err error) bool {
	var completed *WorkflowExecutionAlreadyCompletedError

	return errors.As(err, &completed)
}

func IsNotFound(err error) bool {
	var notFound *WorkflowExecutionNotFoundError

	return errors.As(err, &notFound) || persistence.IsWorkflowExecutionNotFound(err)
}
