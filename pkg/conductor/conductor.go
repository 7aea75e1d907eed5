// Package conductor implements the workflow state machine. Every operation is a pure
// function of the workflow definition, its static graph and the flow ledger: it
// returns a new flow and never performs I/O.
package conductor

import (
	"errors"
	"fmt"
	"maps"

	"github.com/dukex/orquestra/pkg/expression"
	"github.com/dukex/orquestra/pkg/spec"
	"github.com/dukex/orquestra/pkg/statuses"
)

const (
	ErrorTypeError = "error"

	taskFailedMessage = "Execution failed. See result for details."
)

// NextTask is a task instance that became runnable.
type NextTask struct {
	ID      string
	Ordinal int
	Spec    *spec.Task
	Context map[string]any
	Delay   int
}

// Conductor evaluates a workflow definition against flows.
type Conductor struct {
	spec      *spec.Workflow
	graph     *Graph
	evaluator *expression.Evaluator
	policy    spec.FailurePolicy
}

type Option func(*Conductor)

// WithEvaluator shares an expression evaluator, and its program cache, between conductors.
func WithEvaluator(evaluator *expression.Evaluator) Option {
	return func(c *Conductor) {
		c.evaluator = evaluator
	}
}

// WithFailurePolicy overrides the failure policy declared by the workflow.
func WithFailurePolicy(policy spec.FailurePolicy) Option {
	return func(c *Conductor) {
		if policy != "" {
			c.policy = policy
		}
	}
}

// New rebuilds a conductor from a persisted definition and graph.
func New(workflow *spec.Workflow, graph *Graph, opts ...Option) *Conductor {
	c := &Conductor{
		spec:   workflow,
		graph:  graph,
		policy: workflow.Policy(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.evaluator == nil {
		c.evaluator = expression.NewEvaluator()
	}

	return c
}

// Initialize builds the graph of an inspected workflow, binds the inputs and stages the
// root tasks. The returned flow is in the requested status.
func Initialize(workflow *spec.Workflow, inputs map[string]any, opts ...Option) (*Conductor, *Flow, error) {
	if workflow == nil || !workflow.Inspected {
		return nil, nil, &SpecInvalidError{Reason: "workflow definition has not been inspected"}
	}

	graph, err := NewGraph(workflow)
	if err != nil {
		return nil, nil, err
	}

	c := New(workflow, graph, opts...)
	flow := newFlow()

	for _, param := range workflow.Input {
		if value, ok := inputs[param.Name]; ok {
			flow.Vars[param.Name] = value
		} else if param.HasValue {
			flow.Vars[param.Name] = param.Value
		}
	}

	for name, value := range inputs {
		if _, ok := flow.Vars[name]; !ok {
			flow.Vars[name] = value
		}
	}

	for _, param := range workflow.Vars {
		value, err := c.evaluator.Render(param.Value, c.data(flow, nil))
		if err != nil {
			flow.Errors = append(flow.Errors, ErrorEntry{Type: ErrorTypeError, Message: err.Error()})

			return c, flow, nil
		}

		flow.Vars[param.Name] = value
	}

	for _, root := range graph.Roots {
		c.stage(flow, root, 0)
	}

	return c, flow, nil
}

func (c *Conductor) Spec() *spec.Workflow { return c.spec }

func (c *Conductor) Graph() *Graph { return c.graph }

func (c *Conductor) Policy() spec.FailurePolicy { return c.policy }

// GetWorkflowState derives the workflow status from the flow. It only reads the flow.
func (c *Conductor) GetWorkflowState(flow *Flow) statuses.Status {
	dispatched, paused, pending := flow.counts()
	failing := len(flow.Errors) > 0

	switch flow.Requested {
	case statuses.Requested:
		return statuses.Requested
	case statuses.Canceled:
		if dispatched+paused > 0 {
			return statuses.Canceling
		}

		return statuses.Canceled
	case statuses.Failed:
		return statuses.Failed
	}

	if failing && c.policy == spec.FailFast {
		switch {
		case dispatched > 0 && flow.Requested == statuses.Paused:
			return statuses.Pausing
		case dispatched > 0:
			return statuses.Running
		case paused > 0:
			return statuses.Paused
		default:
			return statuses.Failed
		}
	}

	if len(flow.Staged) == 0 {
		if failing {
			return statuses.Failed
		}

		return statuses.Succeeded
	}

	if flow.Requested == statuses.Paused {
		if dispatched > 0 {
			return statuses.Pausing
		}

		return statuses.Paused
	}

	if dispatched == 0 && pending == 0 && paused > 0 {
		return statuses.Paused
	}

	return statuses.Running
}

// UpdateTaskFlow moves the staged instance of a task to completed.
func (c *Conductor) UpdateTaskFlow(flow *Flow, taskID string, status statuses.Status, result any) (*Flow, error) {
	if !status.IsCompleted() {
		return nil, &InvalidTaskStatusError{TaskID: taskID, Status: status}
	}

	staged, ok := flow.StagedTask(taskID)
	if !ok {
		return nil, &UnknownTaskError{TaskID: taskID}
	}

	next := flow.Clone()
	kept := next.Staged[:0]

	for _, entry := range next.Staged {
		if entry.ID != taskID {
			kept = append(kept, entry)
		}
	}

	next.Staged = kept
	next.Completed = append(next.Completed, &CompletedTask{
		ID:              taskID,
		Ordinal:         staged.Ordinal,
		Status:          status,
		Result:          result,
		TaskExecutionID: staged.TaskExecutionID,
	})

	if status == statuses.Succeeded {
		delete(next.Retries, taskID)
	}

	return next, nil
}

// UpdateTaskState records a non terminal status change of a staged instance, such as
// the dispatch of its action or the pause of a sub-workflow.
func (c *Conductor) UpdateTaskState(flow *Flow, taskID, taskExecutionID string, status statuses.Status) (*Flow, error) {
	if status.IsCompleted() {
		return nil, &InvalidTaskStatusError{TaskID: taskID, Status: status}
	}

	if _, ok := flow.StagedTask(taskID); !ok {
		return nil, &UnknownTaskError{TaskID: taskID}
	}

	next := flow.Clone()
	staged, _ := next.StagedTask(taskID)
	staged.Status = status

	if taskExecutionID != "" {
		staged.TaskExecutionID = taskExecutionID
	}

	return next, nil
}

// GetNextTasks walks forward from the latest completed instance of a task: it applies
// the retry policy, evaluates the outbound transitions in declaration order, publishes
// variables, resolves joins and stages the runnable targets.
func (c *Conductor) GetNextTasks(flow *Flow, taskID string) (*Flow, []*NextTask, error) {
	completed, ok := flow.LastCompleted(taskID)
	if !ok {
		return nil, nil, &UnknownTaskError{TaskID: taskID}
	}

	task, ok := c.spec.Task(taskID)
	if !ok {
		return nil, nil, &UnknownTaskError{TaskID: taskID}
	}

	next := flow.Clone()

	if next.Requested == statuses.Canceled || next.Requested == statuses.Failed {
		return next, nil, nil
	}

	if completed.Status == statuses.Canceled {
		next.Requested = statuses.Canceled
		next.dropPending()

		return next, nil, nil
	}

	if c.policy == spec.FailFast && len(next.Errors) > 0 {
		return next, nil, nil
	}

	current := &expression.TaskView{TaskID: taskID, Status: string(completed.Status), Result: completed.Result}
	snapshot := c.data(next, current)

	if staged, retried, err := c.retry(next, task, completed, snapshot); err != nil || retried {
		return next, staged, err
	}

	errorsBefore := len(next.Errors)
	taken := false
	targets := []string{}
	published := map[string]any{}
	order := []string{}

	for index, transition := range task.Next {
		if transition == nil {
			continue
		}

		transitionID := ""
		if len(transition.Do) > 0 {
			transitionID = TransitionID(transition.Do[0], index)
		}

		ok, err := c.evaluator.Truthy(transition.When, snapshot)
		if err != nil {
			next.Errors = append(next.Errors, ErrorEntry{
				Type:             ErrorTypeError,
				Message:          err.Error(),
				TaskID:           taskID,
				TaskTransitionID: transitionID,
			})

			continue
		}

		if !ok {
			continue
		}

		taken = true

		for _, param := range transition.Publish {
			value, err := c.evaluator.Render(param.Value, snapshot)
			if err != nil {
				next.Errors = append(next.Errors, ErrorEntry{
					Type:             ErrorTypeError,
					Message:          err.Error(),
					TaskID:           taskID,
					TaskTransitionID: transitionID,
				})

				continue
			}

			if _, seen := published[param.Name]; !seen {
				order = append(order, param.Name)
			}

			published[param.Name] = value
		}

		for _, target := range transition.Do {
			if !c.joinSatisfied(next, target, taskID) {
				continue
			}

			if containsString(targets, target) {
				continue
			}

			if _, staged := next.StagedTask(target); staged {
				continue
			}

			targets = append(targets, target)
		}
	}

	if completed.Status == statuses.Failed && !taken {
		next.Errors = append(next.Errors, ErrorEntry{
			Type:    ErrorTypeError,
			Message: taskFailedMessage,
			TaskID:  taskID,
			Result:  completed.Result,
		})
	}

	for _, name := range order {
		next.Vars[name] = published[name]
	}

	if c.policy == spec.FailFast && len(next.Errors) > errorsBefore {
		return next, nil, nil
	}

	staged := make([]*NextTask, 0, len(targets))
	for _, target := range targets {
		staged = append(staged, c.stage(next, target, 0))
	}

	return next, staged, nil
}

func (c *Conductor) retry(flow *Flow, task *spec.Task, completed *CompletedTask, snapshot *expression.Data) ([]*NextTask, bool, error) {
	if completed.Status != statuses.Failed || task.Retry == nil {
		return nil, false, nil
	}

	if flow.Retries[completed.ID] >= task.Retry.Count {
		return nil, false, nil
	}

	when := task.Retry.When
	if when == "" {
		when = "{{ failed() }}"
	}

	ok, err := c.evaluator.Truthy(when, snapshot)
	if err != nil {
		flow.Errors = append(flow.Errors, ErrorEntry{Type: ErrorTypeError, Message: err.Error(), TaskID: completed.ID})

		return nil, false, nil
	}

	if !ok {
		return nil, false, nil
	}

	flow.Retries[completed.ID]++

	last, _ := flow.LastCompleted(completed.ID)
	last.Retried = true

	return []*NextTask{c.stage(flow, completed.ID, task.Retry.Delay)}, true, nil
}

func (c *Conductor) joinSatisfied(flow *Flow, target, source string) bool {
	node, ok := c.graph.Nodes[target]
	if !ok || node.Join == 0 || target == source {
		return true
	}

	sources := flow.Barriers[target]
	if !containsString(sources, source) {
		sources = append(sources, source)
	}

	if len(sources) < node.Join {
		flow.Barriers[target] = sources

		return false
	}

	delete(flow.Barriers, target)

	return true
}

func (c *Conductor) stage(flow *Flow, taskID string, delay int) *NextTask {
	task, _ := c.spec.Task(taskID)

	ordinal := flow.Visits[taskID]
	flow.Visits[taskID] = ordinal + 1

	if delay == 0 && task != nil {
		delay = task.Delay
	}

	flow.Staged = append(flow.Staged, &StagedTask{
		ID:      taskID,
		Ordinal: ordinal,
		Context: maps.Clone(flow.Vars),
		Status:  statuses.Requested,
		Delay:   delay,
	})

	return &NextTask{ID: taskID, Ordinal: ordinal, Spec: task, Context: maps.Clone(flow.Vars), Delay: delay}
}

// Dispatchable lists the staged instances that have not been handed to an action yet.
func (c *Conductor) Dispatchable(flow *Flow) []*NextTask {
	var tasks []*NextTask

	for _, staged := range flow.Staged {
		if staged.Status != statuses.Requested || staged.TaskExecutionID != "" {
			continue
		}

		task, _ := c.spec.Task(staged.ID)
		tasks = append(tasks, &NextTask{
			ID:      staged.ID,
			Ordinal: staged.Ordinal,
			Spec:    task,
			Context: maps.Clone(staged.Context),
			Delay:   staged.Delay,
		})
	}

	return tasks
}

// RenderInput renders the input of a staged instance against the context captured
// when it was staged and the tasks completed so far.
func (c *Conductor) RenderInput(flow *Flow, next *NextTask) (map[string]any, error) {
	if next.Spec == nil || len(next.Spec.Input) == 0 {
		return map[string]any{}, nil
	}

	data := c.data(flow, nil)
	data.Vars = next.Context

	rendered, err := c.evaluator.Render(next.Spec.Input, data)
	if err != nil {
		return nil, err
	}

	input, _ := rendered.(map[string]any)

	return input, nil
}

// RenderAction resolves the action reference of a staged instance, which may itself be
// an expression.
func (c *Conductor) RenderAction(flow *Flow, next *NextTask) (string, error) {
	if next.Spec == nil || next.Spec.Action == "" {
		return "", nil
	}

	data := c.data(flow, nil)
	data.Vars = next.Context

	rendered, err := c.evaluator.Evaluate(next.Spec.Action, data)
	if err != nil {
		return "", err
	}

	ref, ok := rendered.(string)
	if !ok {
		return "", &SpecInvalidError{Reason: fmt.Sprintf("action of task %q rendered to %T, not a reference", next.ID, rendered)}
	}

	return ref, nil
}

// GetWorkflowOutput renders the declared outputs against every completed task.
func (c *Conductor) GetWorkflowOutput(flow *Flow) (map[string]any, error) {
	output := make(map[string]any, len(c.spec.Output))
	data := c.data(flow, nil)

	for _, param := range c.spec.Output {
		value, err := c.evaluator.Render(param.Value, data)
		if err != nil {
			return nil, err
		}

		output[param.Name] = value

		data.Vars = maps.Clone(data.Vars)
		data.Vars[param.Name] = value
	}

	return output, nil
}

// RecordError appends an error entry, which fails the workflow once it drains.
func (c *Conductor) RecordError(flow *Flow, entry ErrorEntry) *Flow {
	next := flow.Clone()

	if entry.Type == "" {
		entry.Type = ErrorTypeError
	}

	next.Errors = append(next.Errors, entry)

	return next
}

// SetWorkflowState injects an operator request. Running is only accepted to start a
// requested workflow; paused workflows go back to running through Resume.
func (c *Conductor) SetWorkflowState(flow *Flow, status statuses.Status) (*Flow, error) {
	current := c.GetWorkflowState(flow)
	if current.IsCompleted() {
		return nil, &InvalidStateTransitionError{From: current, To: status}
	}

	next := flow.Clone()

	switch status {
	case statuses.Running:
		if flow.Requested != statuses.Requested {
			return nil, &InvalidStateTransitionError{From: current, To: status}
		}

		next.Requested = statuses.Running
	case statuses.Paused:
		switch current {
		case statuses.Running, statuses.Pausing, statuses.Paused, statuses.Requested:
			next.Requested = statuses.Paused
		default:
			return nil, &InvalidStateTransitionError{From: current, To: status}
		}
	case statuses.Canceled:
		next.Requested = statuses.Canceled
		next.dropPending()
	case statuses.Failed:
		next.Requested = statuses.Failed
		next.dropPending()
	default:
		return nil, &InvalidStateTransitionError{From: current, To: status}
	}

	return next, nil
}

// Resume lifts a pause request and returns the staged instances waiting for dispatch.
// Resuming a running workflow changes nothing.
func (c *Conductor) Resume(flow *Flow) (*Flow, []*NextTask, error) {
	current := c.GetWorkflowState(flow)

	switch current {
	case statuses.Paused, statuses.Pausing:
	case statuses.Running:
		return flow.Clone(), nil, nil
	default:
		return nil, nil, &InvalidStateTransitionError{From: current, To: statuses.Running}
	}

	next := flow.Clone()
	next.Requested = statuses.Running

	return next, c.Dispatchable(next), nil
}

// Rerun reopens a failed workflow and stages the given tasks again with the current
// variables. Without task ids the failed instances that were not retried are staged.
func (c *Conductor) Rerun(flow *Flow, taskIDs ...string) (*Flow, []*NextTask, error) {
	current := c.GetWorkflowState(flow)
	if current != statuses.Failed {
		return nil, nil, &InvalidStateTransitionError{From: current, To: statuses.Running}
	}

	if len(taskIDs) == 0 {
		for _, completed := range flow.Completed {
			last, _ := flow.LastCompleted(completed.ID)
			if last != completed || completed.Status != statuses.Failed || completed.Retried {
				continue
			}

			taskIDs = append(taskIDs, completed.ID)
		}
	}

	if len(taskIDs) == 0 {
		return nil, nil, ErrNothingToRerun
	}

	for _, taskID := range taskIDs {
		if _, ok := c.spec.Task(taskID); !ok {
			return nil, nil, &UnknownTaskError{TaskID: taskID}
		}
	}

	next := flow.Clone()
	next.Requested = statuses.Running
	next.Errors = nil
	next.Staged = []*StagedTask{}

	staged := make([]*NextTask, 0, len(taskIDs))

	for _, taskID := range taskIDs {
		if containsNextTask(staged, taskID) {
			continue
		}

		delete(next.Retries, taskID)
		staged = append(staged, c.stage(next, taskID, 0))
	}

	return next, staged, nil
}

func containsNextTask(tasks []*NextTask, taskID string) bool {
	for _, task := range tasks {
		if task.ID == taskID {
			return true
		}
	}

	return false
}

func (c *Conductor) data(flow *Flow, current *expression.TaskView) *expression.Data {
	tasks := make(map[string]expression.TaskView, len(flow.Completed))

	for _, completed := range flow.Completed {
		tasks[completed.ID] = expression.TaskView{
			TaskID: completed.ID,
			Status: string(completed.Status),
			Result: completed.Result,
		}
	}

	return &expression.Data{Vars: flow.Vars, Tasks: tasks, Current: current}
}

// IsUnknownTask reports whether err means the task had no staged instance.
func IsUnknownTask(err error) bool {
	var unknown *UnknownTaskError

	return errors.As(err, &unknown)
}
