package conductor

import (
	"maps"

	"github.com/dukex/orquestra/pkg/statuses"
)

// StagedTask is a task instance scheduled to run and not yet complete.
type StagedTask struct {
	ID              string          `json:"id"`
	Ordinal         int             `json:"ordinal"`
	Context         map[string]any  `json:"ctx,omitempty"`
	Status          statuses.Status `json:"status"`
	TaskExecutionID string          `json:"task_execution_id,omitempty"`
	Delay           int             `json:"delay,omitempty"`
}

// CompletedTask records a finished task instance. A task visited twice appears twice.
type CompletedTask struct {
	ID              string          `json:"id"`
	Ordinal         int             `json:"ordinal"`
	Status          statuses.Status `json:"status"`
	Result          any             `json:"result,omitempty"`
	TaskExecutionID string          `json:"task_execution_id,omitempty"`
	Retried         bool            `json:"retried,omitempty"`
}

// ErrorEntry is a structured workflow error kept in the flow and in the result.
type ErrorEntry struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	TaskID           string `json:"task_id,omitempty"`
	TaskTransitionID string `json:"task_transition_id,omitempty"`
	Result           any    `json:"result,omitempty"`
}

// Flow is the mutable runtime ledger of a workflow execution.
type Flow struct {
	Requested statuses.Status     `json:"requested"`
	Staged    []*StagedTask       `json:"staged"`
	Completed []*CompletedTask    `json:"completed"`
	Barriers  map[string][]string `json:"barriers,omitempty"`
	Visits    map[string]int      `json:"visits"`
	Retries   map[string]int      `json:"retries,omitempty"`
	Vars      map[string]any      `json:"vars"`
	Errors    []ErrorEntry        `json:"errors,omitempty"`
}

func newFlow() *Flow {
	return &Flow{
		Requested: statuses.Requested,
		Staged:    []*StagedTask{},
		Completed: []*CompletedTask{},
		Barriers:  map[string][]string{},
		Visits:    map[string]int{},
		Retries:   map[string]int{},
		Vars:      map[string]any{},
	}
}

// Clone returns a copy that can be changed without touching the original. Task results
// and variable values are shared, they are never mutated in place.
func (f *Flow) Clone() *Flow {
	clone := &Flow{
		Requested: f.Requested,
		Staged:    make([]*StagedTask, 0, len(f.Staged)),
		Completed: make([]*CompletedTask, 0, len(f.Completed)),
		Barriers:  make(map[string][]string, len(f.Barriers)),
		Visits:    maps.Clone(f.Visits),
		Retries:   maps.Clone(f.Retries),
		Vars:      maps.Clone(f.Vars),
		Errors:    append([]ErrorEntry(nil), f.Errors...),
	}

	for _, staged := range f.Staged {
		copied := *staged
		copied.Context = maps.Clone(staged.Context)
		clone.Staged = append(clone.Staged, &copied)
	}

	for _, completed := range f.Completed {
		copied := *completed
		clone.Completed = append(clone.Completed, &copied)
	}

	for target, sources := range f.Barriers {
		clone.Barriers[target] = append([]string(nil), sources...)
	}

	if clone.Visits == nil {
		clone.Visits = map[string]int{}
	}

	if clone.Retries == nil {
		clone.Retries = map[string]int{}
	}

	if clone.Vars == nil {
		clone.Vars = map[string]any{}
	}

	return clone
}

// StagedTask returns the staged instance of a task.
func (f *Flow) StagedTask(taskID string) (*StagedTask, bool) {
	for _, staged := range f.Staged {
		if staged.ID == taskID {
			return staged, true
		}
	}

	return nil, false
}

// StagedByTaskExecution returns the staged instance bound to a task execution record.
func (f *Flow) StagedByTaskExecution(taskExecutionID string) (*StagedTask, bool) {
	for _, staged := range f.Staged {
		if staged.TaskExecutionID != "" && staged.TaskExecutionID == taskExecutionID {
			return staged, true
		}
	}

	return nil, false
}

// LastCompleted returns the latest completed instance of a task.
func (f *Flow) LastCompleted(taskID string) (*CompletedTask, bool) {
	for i := len(f.Completed) - 1; i >= 0; i-- {
		if f.Completed[i].ID == taskID {
			return f.Completed[i], true
		}
	}

	return nil, false
}

// Sequence lists the ids of completed task instances in completion order.
func (f *Flow) Sequence() []string {
	sequence := make([]string, 0, len(f.Completed))
	for _, completed := range f.Completed {
		sequence = append(sequence, completed.ID)
	}

	return sequence
}

func (f *Flow) counts() (dispatched, paused, pending int) {
	for _, staged := range f.Staged {
		switch staged.Status {
		case statuses.Running, statuses.Pausing, statuses.Canceling, statuses.Resuming:
			dispatched++
		case statuses.Paused:
			paused++
		default:
			pending++
		}
	}

	return dispatched, paused, pending
}

func (f *Flow) dropPending() {
	kept := f.Staged[:0]

	for _, staged := range f.Staged {
		if staged.Status == statuses.Requested {
			continue
		}

		kept = append(kept, staged)
	}

	f.Staged = kept
}
