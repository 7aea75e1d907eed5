package spec

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sequentialWorkflow = `
version: 1.0
description: sequential with a loop
input:
  - who
  - greeting: hello
vars:
  - loops: 0
output:
  - result: "{{ ctx.msg }}"
tasks:
  task1:
    action: core.echo
    input:
      message: "{{ ctx.greeting }}, {{ ctx.who }}"
    next:
      - when: "{{ succeeded() }}"
        publish:
          - msg: "{{ result().stdout }}"
        do: task2
  task2:
    action: core.noop
    next:
      - do: task3, task4
  task3:
    join: all
  task4:
    retry:
      count: 2
`

type fakeActions map[string]map[string]bool

func (f fakeActions) ActionParameters(ref string) (map[string]bool, bool) {
	params, ok := f[ref]

	return params, ok
}

type fakeChecker struct{}

func (fakeChecker) Has(value string) bool { return strings.Contains(value, "{{") }

func (fakeChecker) Check(value string) error {
	if strings.Contains(value, "!!") {
		return errors.New("unexpected token")
	}

	return nil
}

func TestLoad(t *testing.T) {
	workflow, err := Load([]byte(sequentialWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "1.0", workflow.Version)
	assert.Equal(t, FailFast, workflow.FailurePolicy)
	require.Len(t, workflow.Input, 2)
	assert.Equal(t, Param{Name: "who"}, workflow.Input[0])
	assert.Equal(t, Param{Name: "greeting", Value: "hello", HasValue: true}, workflow.Input[1])
	assert.Equal(t, 0, workflow.Vars[0].Value)

	task1, ok := workflow.Task("task1")
	require.True(t, ok)
	assert.Equal(t, "core.echo", task1.Action)
	require.Len(t, task1.Next, 1)
	assert.Equal(t, Targets{"task2"}, task1.Next[0].Do)
	assert.Equal(t, "msg", task1.Next[0].Publish[0].Name)

	task2, _ := workflow.Task("task2")
	assert.Equal(t, Targets{"task3", "task4"}, task2.Next[0].Do)

	task4, _ := workflow.Task("task4")
	require.NotNil(t, task4.Retry)
	assert.Equal(t, 2, task4.Retry.Count)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load([]byte("tasks: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse workflow definition")
}

func TestTask_JoinCount(t *testing.T) {
	count, err := (&Task{}).JoinCount(3)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = (&Task{Join: JoinAll}).JoinCount(3)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = (&Task{Join: "2"}).JoinCount(3)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = (&Task{Join: "some"}).JoinCount(3)
	assert.Error(t, err)
}

func TestInspect_Valid(t *testing.T) {
	workflow, err := Load([]byte(`
version: 1.0
tasks:
  task1:
    action: core.echo
    input:
      message: hi
    next:
      - do: [task2, task3]
  task2:
    next:
      - do: task4
  task3:
    next:
      - do: task4
  task4:
    join: all
`))
	require.NoError(t, err)

	actions := fakeActions{"core.echo": {"message": true}}

	require.NoError(t, workflow.Inspect(actions, fakeChecker{}))
	assert.True(t, workflow.Inspected)
}

func TestInspect_CollectsAllErrors(t *testing.T) {
	workflow, err := Load([]byte(`
tasks:
  task1:
    action: core.missing
    next:
      - when: "{{ !! }}"
        do: task9
  task2:
    action: "not a ref"
  task3:
    action: core.echo
    input:
      bogus: 1
    join: all
    retry:
      count: 0
`))
	require.NoError(t, err)

	actions := fakeActions{"core.echo": {"message": true}}

	err = workflow.Inspect(actions, fakeChecker{})
	require.Error(t, err)
	assert.False(t, workflow.Inspected)

	var inspectionErr *InspectionError
	require.ErrorAs(t, err, &inspectionErr)

	messages := make([]string, 0, len(inspectionErr.Errors))
	types := make([]string, 0, len(inspectionErr.Errors))

	for _, entry := range inspectionErr.Errors {
		messages = append(messages, entry.Message)
		types = append(types, entry.Type)
	}

	assert.Contains(t, messages, `The action "core.missing" is not registered.`)
	assert.Contains(t, messages, `The action reference "not a ref" is not formatted correctly.`)
	assert.Contains(t, messages, `Action "core.echo" is missing required input "message".`)
	assert.Contains(t, messages, `Action "core.echo" has unexpected input "bogus".`)
	assert.Contains(t, messages, `The task "task9" is not defined.`)
	assert.Contains(t, messages, "unexpected token")
	assert.Contains(t, types, ErrorTypeSyntax)

	assert.IsNonDecreasing(t, types)
}

func TestInspect_NoStartTask(t *testing.T) {
	workflow, err := Load([]byte(`
version: 1.0
tasks:
  task1:
    next:
      - do: task2
  task2:
    next:
      - do: task1
`))
	require.NoError(t, err)

	err = workflow.Inspect(nil, nil)

	var inspectionErr *InspectionError
	require.ErrorAs(t, err, &inspectionErr)
	require.Len(t, inspectionErr.Errors, 1)
	assert.Equal(t, ErrorTypeSemantics, inspectionErr.Errors[0].Type)
}

func TestSchemaPath(t *testing.T) {
	assert.Equal(t, "tasks.*.next.items.when", schemaPath("tasks.task1.next[0].when"))
	assert.Equal(t, "tasks.*.retry.count", schemaPath("tasks[task3].retry.count"))
	assert.Equal(t, "version", schemaPath("version"))
}
