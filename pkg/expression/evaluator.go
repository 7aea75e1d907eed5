// Package expression evaluates the expressions embedded in workflow definitions.
//
// Two flavors are recognized inside string values: {{ ... }} blocks are evaluated with
// expr-lang and <% ... %> blocks are evaluated as jq queries. A string made of a single
// block yields the raw value, otherwise every block is interpolated as text.
package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"
)

var (
	exprBlock = regexp.MustCompile(`(?s)\{\{(.+?)\}\}`)
	jqBlock   = regexp.MustCompile(`(?s)<%(.+?)%>`)
)

// TaskView is what expressions see of a completed task instance.
type TaskView struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result any    `json:"result"`
}

func (v TaskView) toMap() map[string]any {
	return map[string]any{"task_id": v.TaskID, "status": v.Status, "result": v.Result}
}

// Data is the context an expression is evaluated against.
type Data struct {
	Vars    map[string]any
	Tasks   map[string]TaskView
	Current *TaskView
}

// Evaluator compiles and caches expressions. It is safe for concurrent use.
type Evaluator struct {
	programs map[string]*vm.Program
	queries  map[string]*gojq.Code
	mu       sync.RWMutex
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
		queries:  make(map[string]*gojq.Code),
	}
}

// Has reports whether the value carries at least one expression block.
func (e *Evaluator) Has(value string) bool {
	return exprBlock.MatchString(value) || jqBlock.MatchString(value)
}

// Check compiles every block of the value without evaluating it.
func (e *Evaluator) Check(value string) error {
	for _, match := range exprBlock.FindAllStringSubmatch(value, -1) {
		if _, err := e.program(match[1]); err != nil {
			return &EvaluationError{Expression: match[0], Message: err.Error()}
		}
	}

	for _, match := range jqBlock.FindAllStringSubmatch(value, -1) {
		if _, err := e.query(match[1]); err != nil {
			return &EvaluationError{Expression: match[0], Message: err.Error()}
		}
	}

	return nil
}

// Evaluate resolves the expressions of a single string.
func (e *Evaluator) Evaluate(value string, data *Data) (any, error) {
	trimmed := strings.TrimSpace(value)

	if match := exprBlock.FindStringSubmatch(trimmed); match != nil && match[0] == trimmed {
		return e.evalExpr(match[1], data)
	}

	if match := jqBlock.FindStringSubmatch(trimmed); match != nil && match[0] == trimmed {
		return e.evalJQ(match[1], data)
	}

	if !e.Has(value) {
		return value, nil
	}

	var evalErr error

	interpolate := func(block *regexp.Regexp, eval func(string, *Data) (any, error)) func(string) string {
		return func(match string) string {
			if evalErr != nil {
				return match
			}

			out, err := eval(block.FindStringSubmatch(match)[1], data)
			if err != nil {
				evalErr = err

				return match
			}

			return stringify(out)
		}
	}

	rendered := exprBlock.ReplaceAllStringFunc(value, interpolate(exprBlock, e.evalExpr))
	rendered = jqBlock.ReplaceAllStringFunc(rendered, interpolate(jqBlock, e.evalJQ))

	if evalErr != nil {
		return nil, evalErr
	}

	return rendered, nil
}

// Render walks maps and slices and evaluates every string found.
func (e *Evaluator) Render(value any, data *Data) (any, error) {
	switch v := value.(type) {
	case string:
		return e.Evaluate(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, item := range v {
			rendered, err := e.Render(item, data)
			if err != nil {
				return nil, err
			}

			out[key] = rendered
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := e.Render(item, data)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}

// Truthy evaluates a guard. An empty guard always holds.
func (e *Evaluator) Truthy(value string, data *Data) (bool, error) {
	if strings.TrimSpace(value) == "" {
		return true, nil
	}

	out, err := e.Evaluate(value, data)
	if err != nil {
		return false, err
	}

	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		return v != "" && !strings.EqualFold(v, "false"), nil
	case int:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case []any:
		return len(v) > 0, nil
	case map[string]any:
		return len(v) > 0, nil
	default:
		return true, nil
	}
}

func (e *Evaluator) evalExpr(code string, data *Data) (any, error) {
	program, err := e.program(code)
	if err != nil {
		return nil, &EvaluationError{Expression: code, Message: err.Error()}
	}

	var lookupErr error

	out, err := expr.Run(program, exprEnv(data, &lookupErr))
	if lookupErr != nil {
		return nil, &EvaluationError{Expression: code, Message: lookupErr.Error()}
	}

	if err != nil {
		return nil, &EvaluationError{Expression: code, Message: err.Error()}
	}

	return out, nil
}

func (e *Evaluator) evalJQ(code string, data *Data) (any, error) {
	query, err := e.query(code)
	if err != nil {
		return nil, &EvaluationError{Expression: code, Message: err.Error()}
	}

	input, err := jqInput(data)
	if err != nil {
		return nil, &EvaluationError{Expression: code, Message: err.Error()}
	}

	iter := query.Run(input)

	var results []any

	for {
		v, ok := iter.Next()
		if !ok {
			break
		}

		if err, isErr := v.(error); isErr {
			return nil, &EvaluationError{Expression: code, Message: err.Error()}
		}

		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *Evaluator) program(code string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[code]
	e.mu.RUnlock()

	if ok {
		return program, nil
	}

	program, err := expr.Compile(strings.TrimSpace(code),
		expr.Env(exprEnv(&Data{}, new(error))),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[code] = program
	e.mu.Unlock()

	return program, nil
}

func (e *Evaluator) query(code string) (*gojq.Code, error) {
	e.mu.RLock()
	compiled, ok := e.queries[code]
	e.mu.RUnlock()

	if ok {
		return compiled, nil
	}

	parsed, err := gojq.Parse(strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}

	compiled, err = gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	e.mu.Lock()
	e.queries[code] = compiled
	e.mu.Unlock()

	return compiled, nil
}

func exprEnv(data *Data, lookupErr *error) map[string]any {
	env := make(map[string]any, len(data.Tasks)+8)

	for name, view := range data.Tasks {
		env[name] = view.toMap()
	}

	vars := data.Vars
	if vars == nil {
		vars = map[string]any{}
	}

	current := data.Current

	env["ctx"] = vars
	env["task"] = func(name string) (map[string]any, error) {
		view, ok := data.Tasks[name]
		if !ok {
			*lookupErr = &TaskNotFoundError{TaskID: name}

			return nil, *lookupErr
		}

		return view.toMap(), nil
	}
	env["result"] = func() any {
		if current == nil {
			return nil
		}

		return current.Result
	}
	env["succeeded"] = func() bool { return current != nil && current.Status == "succeeded" }
	env["failed"] = func() bool { return current != nil && current.Status == "failed" }
	env["completed"] = func() bool {
		return current != nil && (current.Status == "succeeded" || current.Status == "failed" || current.Status == "canceled")
	}

	return env
}

func jqInput(data *Data) (any, error) {
	tasks := make(map[string]any, len(data.Tasks))
	for name, view := range data.Tasks {
		tasks[name] = view.toMap()
	}

	doc := map[string]any{"ctx": data.Vars, "tasks": tasks}

	if data.Current != nil {
		doc["result"] = data.Current.Result
		doc["status"] = data.Current.Status
	}

	return normalize(doc)
}

// normalize converts arbitrary Go values into the JSON shapes gojq accepts.
func normalize(value any) (any, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode expression input: %w", err)
	}

	var out any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("failed to decode expression input: %w", err)
	}

	return out, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(payload)
	}
}
