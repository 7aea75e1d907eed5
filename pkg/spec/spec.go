// Package spec provides the in-memory model of a workflow definition and its YAML loader.
package spec

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FailurePolicy controls what happens to the rest of the workflow once a task failure
// is not handled by any transition.
type FailurePolicy string

const (
	// FailFast stops staging new tasks after the first unhandled failure and fails the
	// workflow once the tasks in flight drain.
	FailFast FailurePolicy = "fail_fast"

	// Continue keeps walking independent branches and fails the workflow at the end.
	Continue FailurePolicy = "continue"
)

const JoinAll = "all"

// Workflow is a parsed workflow definition.
type Workflow struct {
	Version       string           `json:"version"                  yaml:"version"                  validate:"required"`
	Description   string           `json:"description,omitempty"    yaml:"description,omitempty"`
	Input         Params           `json:"input,omitempty"          yaml:"input,omitempty"`
	Vars          Params           `json:"vars,omitempty"           yaml:"vars,omitempty"`
	Output        Params           `json:"output,omitempty"         yaml:"output,omitempty"`
	FailurePolicy FailurePolicy    `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty" validate:"omitempty,oneof=fail_fast continue"`
	Tasks         map[string]*Task `json:"tasks"                    yaml:"tasks"                    validate:"required,min=1,dive,keys,required,endkeys,required"`

	// Inspected is set once Inspect found no errors.
	Inspected bool `json:"inspected" yaml:"-"`
}

// Task is the spec fragment of a single named task.
type Task struct {
	Action  string         `json:"action,omitempty"  yaml:"action,omitempty"`
	Input   map[string]any `json:"input,omitempty"   yaml:"input,omitempty"`
	Join    string         `json:"join,omitempty"    yaml:"join,omitempty"`
	Retry   *Retry         `json:"retry,omitempty"   yaml:"retry,omitempty"`
	Timeout int            `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	Delay   int            `json:"delay,omitempty"   yaml:"delay,omitempty"   validate:"gte=0"`
	Next    []*Transition  `json:"next,omitempty"    yaml:"next,omitempty"    validate:"dive,required"`
}

// Retry re-stages a failed task while its condition holds and attempts remain.
type Retry struct {
	When  string `json:"when,omitempty"  yaml:"when,omitempty"`
	Count int    `json:"count"           yaml:"count"           validate:"gte=1"`
	Delay int    `json:"delay,omitempty" yaml:"delay,omitempty" validate:"gte=0"`
}

// Transition is one entry of a task's next list.
type Transition struct {
	When    string  `json:"when,omitempty"    yaml:"when,omitempty"`
	Publish Params  `json:"publish,omitempty" yaml:"publish,omitempty"`
	Do      Targets `json:"do,omitempty"      yaml:"do,omitempty"`
}

// Param is an ordered name/value pair. Value is unset for bare input names.
type Param struct {
	Name     string `json:"name"                validate:"required"`
	Value    any    `json:"value,omitempty"`
	HasValue bool   `json:"has_value,omitempty"`
}

// Params keeps declaration order, which drives publish and output rendering.
type Params []Param

// UnmarshalYAML accepts a sequence of names or single-key maps, or a plain map.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	var params Params

	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				params = append(params, Param{Name: item.Value})
			case yaml.MappingNode:
				entries, err := mappingParams(item)
				if err != nil {
					return err
				}

				params = append(params, entries...)
			default:
				return fmt.Errorf("line %d: parameter must be a name or a map", item.Line)
			}
		}
	case yaml.MappingNode:
		entries, err := mappingParams(node)
		if err != nil {
			return err
		}

		params = entries
	default:
		return fmt.Errorf("line %d: parameters must be a list or a map", node.Line)
	}

	*p = params

	return nil
}

func mappingParams(node *yaml.Node) (Params, error) {
	params := make(Params, 0, len(node.Content)/2)

	for i := 0; i+1 < len(node.Content); i += 2 {
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Content[i+1].Line, err)
		}

		params = append(params, Param{Name: node.Content[i].Value, Value: value, HasValue: true})
	}

	return params, nil
}

// Targets is the list of tasks a transition stages. YAML accepts a single name,
// a comma separated string or a list.
type Targets []string

func (t *Targets) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var targets Targets

		for _, name := range strings.Split(node.Value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				targets = append(targets, name)
			}
		}

		*t = targets

		return nil
	case yaml.SequenceNode:
		var targets []string
		if err := node.Decode(&targets); err != nil {
			return err
		}

		*t = targets

		return nil
	default:
		return fmt.Errorf("line %d: do must be a task name or a list of task names", node.Line)
	}
}

// Load decodes a YAML workflow definition.
func Load(data []byte) (*Workflow, error) {
	var workflow Workflow

	if err := yaml.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}

	if workflow.FailurePolicy == "" {
		workflow.FailurePolicy = FailFast
	}

	return &workflow, nil
}

// Task returns the spec of the named task.
func (w *Workflow) Task(name string) (*Task, bool) {
	task, ok := w.Tasks[name]

	return task, ok && task != nil
}

// Policy returns the effective failure policy.
func (w *Workflow) Policy() FailurePolicy {
	if w.FailurePolicy == "" {
		return FailFast
	}

	return w.FailurePolicy
}

// JoinCount resolves the join requirement of a task against the number of distinct
// inbound tasks. Zero means the task is not a join.
func (t *Task) JoinCount(inbound int) (int, error) {
	switch t.Join {
	case "":
		return 0, nil
	case JoinAll:
		return inbound, nil
	default:
		count, err := strconv.Atoi(t.Join)
		if err != nil || count < 1 {
			return 0, fmt.Errorf("join must be %q or a positive integer, got %q", JoinAll, t.Join)
		}

		return count, nil
	}
}
