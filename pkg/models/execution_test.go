package models

import (
	"testing"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/conductor"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskExecution_Transition(t *testing.T) {
	task := NewTaskExecution("wf-1", "task1", 0, nil, nil)
	assert.Equal(t, statuses.Requested, task.Status)
	assert.NotEmpty(t, task.ID)

	require.NoError(t, task.Transition(statuses.Running))
	assert.Nil(t, task.EndedAt)

	require.NoError(t, task.Transition(statuses.Succeeded))
	assert.NotNil(t, task.EndedAt)
	assert.True(t, task.IsCompleted())

	err := task.Transition(statuses.Running)
	assert.Error(t, err)
	assert.Equal(t, statuses.Succeeded, task.Status)
}

func TestWorkflowExecution_SetStatus(t *testing.T) {
	wf := NewWorkflowExecution("ac-1", nil, nil, nil, nil)
	assert.True(t, wf.IsRoot())
	assert.False(t, wf.IsCompleted())

	wf.SetStatus(statuses.Running)
	assert.Nil(t, wf.EndedAt)

	wf.SetStatus(statuses.Failed)
	require.NotNil(t, wf.EndedAt)

	ended := *wf.EndedAt
	wf.SetStatus(statuses.Failed)
	assert.Equal(t, ended, *wf.EndedAt)
}

func TestWorkflowExecution_Result(t *testing.T) {
	wf := NewWorkflowExecution("ac-1", nil, nil, nil, nil)
	assert.Empty(t, wf.Result())

	wf.Output = map[string]any{"data": "xyz"}
	assert.Equal(t, map[string]any{"output": map[string]any{"data": "xyz"}}, wf.Result())

	wf.Errors = []conductor.ErrorEntry{{Type: "error", Message: "boom", TaskID: "task1"}}
	assert.Len(t, wf.Result()["errors"], 1)
}

func TestWorkflowExecution_Parent(t *testing.T) {
	wf := NewWorkflowExecution("ac-2", nil, nil, nil, nil)
	wf.ActionContext = &action.Context{User: "stanley"}

	assert.True(t, wf.IsRoot())
	assert.Nil(t, wf.Parent())

	wf.ActionContext.Workflow = &action.WorkflowContext{WorkflowExecutionID: "parent", TaskID: "task2"}

	assert.False(t, wf.IsRoot())
	assert.Equal(t, "task2", wf.Parent().TaskID)
}
