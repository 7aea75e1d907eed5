package action

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Registry holds the actions tasks may reference. It is safe for concurrent use.
type Registry struct {
	actions  map[string]*Action
	validate *validator.Validate
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		actions:  make(map[string]*Action),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// NewDefaultRegistry returns a registry holding the built-in core actions.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	for _, act := range coreActions() {
		_ = r.Register(act)
	}

	return r
}

func coreActions() []*Action {
	return []*Action{
		{
			Ref:         "core.noop",
			Runner:      RunnerNoop,
			Description: "Does nothing and succeeds.",
		},
		{
			Ref:         "core.echo",
			Runner:      RunnerEcho,
			Description: "Returns the message as its result.",
			Parameters: map[string]Parameter{
				"message": {Required: true, Description: "Value returned as the result."},
			},
		},
		{
			Ref:         "core.local",
			Runner:      RunnerLocalShell,
			Description: "Runs a shell command on the engine host.",
			Parameters: map[string]Parameter{
				"cmd": {Type: "string", Required: true, Description: "Command passed to sh -c."},
				"cwd": {Type: "string", Description: "Working directory."},
				"env": {Type: "object", Description: "Extra environment variables."},
			},
		},
	}
}

// Register adds or replaces an action.
func (r *Registry) Register(act *Action) error {
	if err := r.validate.Struct(act); err != nil {
		return &InvalidActionError{Ref: act.Ref, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions[act.Ref] = act

	return nil
}

func (r *Registry) Get(ref string) (*Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	act, ok := r.actions[ref]
	if !ok {
		return nil, &NotFoundError{Ref: ref}
	}

	return act, nil
}

// Refs lists the registered action references in order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.actions))
}

type actionsFile struct {
	Actions []*Action `yaml:"actions"`
}

// LoadFile registers every action declared in a YAML file. Relative entry points are
// resolved against the directory of the file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read actions file: %w", err)
	}

	var file actionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse actions file %s: %w", path, err)
	}

	var errs []error

	for _, act := range file.Actions {
		if act == nil {
			continue
		}

		if act.Entry != "" && !filepath.IsAbs(act.Entry) {
			act.Entry = filepath.Join(filepath.Dir(path), act.Entry)
		}

		if err := r.Register(act); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ActionParameters lists the parameters of a registered action and whether each one is
// required. Parameters with a default are never required.
func (r *Registry) ActionParameters(ref string) (map[string]bool, bool) {
	act, err := r.Get(ref)
	if err != nil {
		return nil, false
	}

	params := make(map[string]bool, len(act.Parameters))
	for name, param := range act.Parameters {
		params[name] = param.Required && param.Default == nil
	}

	return params, true
}

// ValidateParameters applies the declared defaults and validates the parameters of an
// execution against the action declaration.
func (r *Registry) ValidateParameters(ref string, params map[string]any) (map[string]any, error) {
	act, err := r.Get(ref)
	if err != nil {
		return nil, err
	}

	resolved := maps.Clone(params)
	if resolved == nil {
		resolved = map[string]any{}
	}

	for name, param := range act.Parameters {
		if _, ok := resolved[name]; !ok && param.Default != nil {
			resolved[name] = param.Default
		}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(act.schema()), gojsonschema.NewGoLoader(resolved))
	if err != nil {
		return nil, fmt.Errorf("failed to validate parameters of %s: %w", ref, err)
	}

	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}

		return nil, &ParameterValidationError{Ref: ref, Reasons: reasons}
	}

	return resolved, nil
}

func (a *Action) schema() map[string]any {
	properties := make(map[string]any, len(a.Parameters))
	required := []any{}

	for _, name := range slices.Sorted(maps.Keys(a.Parameters)) {
		param := a.Parameters[name]

		property := map[string]any{}
		if param.Type != "" {
			property["type"] = param.Type
		}

		properties[name] = property

		if param.Required {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}

	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

// NotFoundError is returned for an action reference missing from the registry.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("action %q is not registered", e.Ref)
}

// InvalidActionError is returned when an action declaration is incomplete.
type InvalidActionError struct {
	Ref string
	Err error
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action %q: %v", e.Ref, e.Err)
}

func (e *InvalidActionError) Unwrap() error {
	return e.Err
}

// ParameterValidationError lists why the parameters of an execution were rejected.
type ParameterValidationError struct {
	Ref     string
	Reasons []string
}

func (e *ParameterValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.Ref, strings.Join(e.Reasons, "; "))
}

// IsNotFound reports whether err means the action is not registered.
func IsNotFound(err error) bool {
	var notFound *NotFoundError

	return errors.As(err, &notFound)
}
