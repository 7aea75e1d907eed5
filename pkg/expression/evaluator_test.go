package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData() *Data {
	return &Data{
		Vars: map[string]any{"who": "stanley", "count": 2},
		Tasks: map[string]TaskView{
			"task1": {TaskID: "task1", Status: "succeeded", Result: "xyz"},
		},
		Current: &TaskView{TaskID: "task2", Status: "failed", Result: map[string]any{"stdout": "boom"}},
	}
}

func TestEvaluator_Evaluate(t *testing.T) {
	evaluator := NewEvaluator()

	tests := []struct {
		name  string
		input string
		want  any
	}{
		{"plain string", "hello", "hello"},
		{"task result by name", "{{ task1.result }}", "xyz"},
		{"task function", `{{ task("task1").status }}`, "succeeded"},
		{"context variable", "{{ ctx.who }}", "stanley"},
		{"raw value", "{{ ctx.count + 1 }}", 3},
		{"interpolation", "hi {{ ctx.who }} #{{ ctx.count }}", "hi stanley #2"},
		{"current result", "{{ result().stdout }}", "boom"},
		{"status helpers", "{{ failed() && !succeeded() && completed() }}", true},
		{"jq", "<% .ctx.who %>", "stanley"},
		{"jq tasks", "<% .tasks.task1.result %>", "xyz"},
		{"jq interpolation", "got <% .result.stdout %>", "got boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.input, testData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_MissingTask(t *testing.T) {
	evaluator := NewEvaluator()

	_, err := evaluator.Evaluate(`{{ task("task0").result }}`, testData())
	require.Error(t, err)

	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, `Unable to find task execution for "task0".`, evalErr.Message)
}

func TestEvaluator_Render(t *testing.T) {
	evaluator := NewEvaluator()

	out, err := evaluator.Render(map[string]any{
		"message": "{{ ctx.who }}",
		"items":   []any{"{{ ctx.count }}", 7},
		"static":  true,
	}, testData())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"message": "stanley",
		"items":   []any{2, 7},
		"static":  true,
	}, out)
}

func TestEvaluator_Truthy(t *testing.T) {
	evaluator := NewEvaluator()

	ok, err := evaluator.Truthy("", testData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluator.Truthy("{{ ctx.count < 2 }}", testData())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = evaluator.Truthy("{{ ctx.missing }}", testData())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = evaluator.Truthy("<% .ctx.count == 2 %>", testData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluator_Check(t *testing.T) {
	evaluator := NewEvaluator()

	assert.True(t, evaluator.Has("{{ ctx.a }}"))
	assert.True(t, evaluator.Has("x <% .a %>"))
	assert.False(t, evaluator.Has("plain"))

	assert.NoError(t, evaluator.Check("{{ ctx.a > 1 }}"))
	assert.Error(t, evaluator.Check("{{ ctx.a > }}"))
	assert.Error(t, evaluator.Check("<% .a | %>"))
}
