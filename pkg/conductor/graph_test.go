package conductor

import (
	"testing"

	"github.com/dukex/orquestra/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGraph(t *testing.T) {
	workflow, err := spec.Load([]byte(loopWorkflow))
	require.NoError(t, err)

	graph, err := NewGraph(workflow)
	require.NoError(t, err)

	assert.Equal(t, []string{"task1"}, graph.Roots)
	assert.Equal(t, []string{"task2"}, graph.Nodes["task3"].Inbound, "self loops are not inbound")
	assert.Equal(t, []string{"task3"}, graph.Nodes["task4"].Inbound)

	outbound := graph.Outbound("task3")
	require.Len(t, outbound, 2)
	assert.Equal(t, "task3__t0", outbound[0].ID)
	assert.Equal(t, "task4__t1", outbound[1].ID)
}

func TestNewGraph_Join(t *testing.T) {
	workflow, err := spec.Load([]byte(diamondWorkflow))
	require.NoError(t, err)

	graph, err := NewGraph(workflow)
	require.NoError(t, err)

	assert.Equal(t, 2, graph.Nodes["task4"].Join)
	assert.Equal(t, 0, graph.Nodes["task2"].Join)
}

func TestNewGraph_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		definition string
	}{
		{
			name: "undefined target",
			definition: `
version: 1.0
tasks:
  task1:
    next:
      - do: missing
`,
		},
		{
			name: "no root",
			definition: `
version: 1.0
tasks:
  task1:
    next:
      - do: task2
  task2:
    next:
      - do: task1
`,
		},
		{
			name: "join larger than inbound",
			definition: `
version: 1.0
tasks:
  task1:
    next:
      - do: task2
  task2:
    join: 3
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workflow, err := spec.Load([]byte(tt.definition))
			require.NoError(t, err)

			_, err = NewGraph(workflow)

			var specErr *SpecInvalidError
			assert.ErrorAs(t, err, &specErr)
		})
	}
}
