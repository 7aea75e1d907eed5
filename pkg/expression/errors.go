package expression

import "fmt"

// EvaluationError is returned when an expression cannot be compiled or evaluated.
type EvaluationError struct {
	Expression string
	Message    string
}

func (e *EvaluationError) Error() string {
	return e.Message
}

// TaskNotFoundError is raised by task(name) when no completed instance exists.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("Unable to find task execution for %q.", e.TaskID)
}
