package conductor

import (
	"errors"
	"fmt"

	"github.com/dukex/orquestra/pkg/statuses"
)

// ErrNothingToRerun is returned when a rerun names no task and no failed task is left.
var ErrNothingToRerun = errors.New("workflow has no failed task to rerun")

// SpecInvalidError means the definition cannot be conducted. It is never retryable.
type SpecInvalidError struct {
	Reason string
}

func (e *SpecInvalidError) Error() string {
	return "invalid workflow spec: " + e.Reason
}

// UnknownTaskError is returned when a task has no staged, or completed, instance to act on.
type UnknownTaskError struct {
	TaskID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("task %q is not staged in the workflow flow", e.TaskID)
}

type InvalidTaskStatusError struct {
	TaskID string
	Status statuses.Status
}

func (e *InvalidTaskStatusError) Error() string {
	return fmt.Sprintf("status %q is not valid for this update of task %q", e.Status, e.TaskID)
}

// InvalidStateTransitionError rejects requests that would move the workflow backwards.
type InvalidStateTransitionError struct {
	From statuses.Status
	To   statuses.Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("workflow cannot transition from %q to %q", e.From, e.To)
}
