package action

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	assert.Equal(t, []string{"core.echo", "core.local", "core.noop"}, r.Refs())

	act, err := r.Get("core.local")
	require.NoError(t, err)
	assert.Equal(t, RunnerLocalShell, act.Runner)

	_, err = r.Get("core.missing")
	assert.True(t, IsNotFound(err))
}

func TestRegistry_Register_Invalid(t *testing.T) {
	r := NewRegistry()

	var invalid *InvalidActionError

	err := r.Register(&Action{Ref: "examples.flow", Runner: RunnerWorkflow})
	require.ErrorAs(t, err, &invalid)

	err = r.Register(&Action{Ref: "examples.typed", Runner: RunnerNoop, Parameters: map[string]Parameter{
		"count": {Type: "int"},
	}})
	require.ErrorAs(t, err, &invalid)
}

func TestRegistry_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
actions:
  - ref: examples.sequential
    runner: orquesta
    entry: workflows/sequential.yaml
    parameters:
      name:
        type: string
        required: true
      retries:
        type: integer
        default: 3
`), 0o600))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))

	act, err := r.Get("examples.sequential")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "workflows/sequential.yaml"), act.Entry)

	params, ok := r.ActionParameters("examples.sequential")
	require.True(t, ok)
	assert.Equal(t, map[string]bool{"name": true, "retries": false}, params)

	_, ok = r.ActionParameters("examples.missing")
	assert.False(t, ok)
}

func TestRegistry_LoadFile_Errors(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "actions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
actions:
  - ref: examples.ok
    runner: noop
  - ref: examples.broken
`), 0o600))

	err := r.LoadFile(path)
	require.Error(t, err)

	_, err = r.Get("examples.ok")
	assert.NoError(t, err)
}

func TestRegistry_ValidateParameters(t *testing.T) {
	r := NewDefaultRegistry()
	require.NoError(t, r.Register(&Action{
		Ref:    "examples.typed",
		Runner: RunnerNoop,
		Parameters: map[string]Parameter{
			"name":  {Type: "string", Required: true},
			"count": {Type: "integer", Default: 2},
		},
	}))

	resolved, err := r.ValidateParameters("examples.typed", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "x", "count": 2}, resolved)

	var invalid *ParameterValidationError

	_, err = r.ValidateParameters("examples.typed", map[string]any{"count": 1})
	require.ErrorAs(t, err, &invalid)
	assert.NotEmpty(t, invalid.Reasons)

	_, err = r.ValidateParameters("examples.typed", map[string]any{"name": 1})
	require.ErrorAs(t, err, &invalid)

	_, err = r.ValidateParameters("examples.typed", map[string]any{"name": "x", "extra": true})
	require.ErrorAs(t, err, &invalid)

	_, err = r.ValidateParameters("core.echo", nil)
	require.ErrorAs(t, err, &invalid)

	_, err = r.ValidateParameters("examples.missing", nil)
	assert.True(t, IsNotFound(err))
}

func TestStatus_ToWorkflowStatus(t *testing.T) {
	assert.Equal(t, statuses.Failed, StatusTimedOut.ToWorkflowStatus())
	assert.Equal(t, statuses.Succeeded, StatusSucceeded.ToWorkflowStatus())
	assert.Equal(t, statuses.Paused, StatusPaused.ToWorkflowStatus())

	assert.True(t, StatusTimedOut.IsCompleted())
	assert.True(t, StatusCanceled.IsCompleted())
	assert.False(t, StatusRunning.IsCompleted())

	assert.Equal(t, StatusCanceled, FromWorkflowStatus(statuses.Canceled))
}

func TestExecution_WorkflowContext(t *testing.T) {
	var nilExecution *Execution
	assert.Nil(t, nilExecution.WorkflowContext())
	assert.Nil(t, (&Execution{}).WorkflowContext())

	wf := &WorkflowContext{WorkflowExecutionID: "wf", TaskID: "task1"}
	assert.Same(t, wf, (&Execution{Context: &Context{Workflow: wf}}).WorkflowContext())
}
