package spec

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Inspection error types.
const (
	ErrorTypeSyntax     = "syntax"
	ErrorTypeSemantics  = "semantics"
	ErrorTypeExpression = "expression"
	ErrorTypeContent    = "content"
)

var actionRefPattern = regexp.MustCompile(`^[\w-]+\.[\w.-]+$`)

// ActionLookup resolves registered actions for content inspection. The returned map
// holds every accepted parameter name and whether it is required.
type ActionLookup interface {
	ActionParameters(ref string) (map[string]bool, bool)
}

// ExpressionChecker validates embedded expressions without evaluating them.
type ExpressionChecker interface {
	Has(value string) bool
	Check(value string) error
}

// Inspect collects every static error of the definition. It returns *InspectionError
// when anything is wrong and marks the workflow inspected otherwise.
func (w *Workflow) Inspect(actions ActionLookup, expressions ExpressionChecker) error {
	var entries []InspectionEntry

	entries = append(entries, w.inspectSyntax()...)
	entries = append(entries, w.inspectSemantics()...)

	if expressions != nil {
		entries = append(entries, w.inspectExpressions(expressions)...)
	}

	if actions != nil {
		entries = append(entries, w.inspectContents(actions, expressions)...)
	}

	if len(entries) > 0 {
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].Type != entries[j].Type {
				return entries[i].Type < entries[j].Type
			}

			return entries[i].SchemaPath < entries[j].SchemaPath
		})

		return &InspectionError{Errors: entries}
	}

	w.Inspected = true

	return nil
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	return validate
}

func (w *Workflow) inspectSyntax() []InspectionEntry {
	err := newValidator().Struct(w)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []InspectionEntry{{Type: ErrorTypeSyntax, Message: err.Error()}}
	}

	entries := make([]InspectionEntry, 0, len(validationErrors))

	for _, fieldErr := range validationErrors {
		path := strings.TrimPrefix(fieldErr.Namespace(), "Workflow.")
		entries = append(entries, InspectionEntry{
			Type:       ErrorTypeSyntax,
			Message:    fmt.Sprintf("%s failed on the %q rule", path, fieldErr.Tag()),
			SpecPath:   path,
			SchemaPath: schemaPath(path),
		})
	}

	for name, task := range w.Tasks {
		if task == nil {
			continue
		}

		if _, err := task.JoinCount(0); err != nil {
			path := "tasks." + name + ".join"
			entries = append(entries, InspectionEntry{
				Type:       ErrorTypeSyntax,
				Message:    err.Error(),
				SpecPath:   path,
				SchemaPath: schemaPath(path),
			})
		}
	}

	return entries
}

func (w *Workflow) inspectSemantics() []InspectionEntry {
	var entries []InspectionEntry

	inbound := map[string]map[string]bool{}

	for _, name := range w.taskNames() {
		task := w.Tasks[name]

		for i, transition := range task.Next {
			if transition == nil {
				continue
			}

			for _, target := range transition.Do {
				if _, ok := w.Task(target); !ok {
					path := fmt.Sprintf("tasks.%s.next[%d].do", name, i)
					entries = append(entries, InspectionEntry{
						Type:       ErrorTypeSemantics,
						Message:    fmt.Sprintf("The task %q is not defined.", target),
						SpecPath:   path,
						SchemaPath: schemaPath(path),
					})

					continue
				}

				if target == name {
					continue
				}

				if inbound[target] == nil {
					inbound[target] = map[string]bool{}
				}

				inbound[target][name] = true
			}
		}
	}

	if len(w.Tasks) > 0 && len(inbound) >= len(w.Tasks) {
		entries = append(entries, InspectionEntry{
			Type:       ErrorTypeSemantics,
			Message:    "The workflow has no task to start from, every task has inbound transitions.",
			SpecPath:   "tasks",
			SchemaPath: "tasks",
		})
	}

	for _, name := range w.taskNames() {
		task := w.Tasks[name]
		if task.Join == "" {
			continue
		}

		required, err := task.JoinCount(len(inbound[name]))
		if err != nil {
			continue
		}

		if len(inbound[name]) < 2 || required > len(inbound[name]) {
			path := "tasks." + name + ".join"
			entries = append(entries, InspectionEntry{
				Type:       ErrorTypeSemantics,
				Message:    fmt.Sprintf("The join task %q requires %d inbound tasks but has %d.", name, max(required, 2), len(inbound[name])),
				SpecPath:   path,
				SchemaPath: schemaPath(path),
			})
		}
	}

	return entries
}

func (w *Workflow) inspectExpressions(checker ExpressionChecker) []InspectionEntry {
	var entries []InspectionEntry

	check := func(path string, value any) {
		walkStrings(value, func(s string) {
			if !checker.Has(s) {
				return
			}

			if err := checker.Check(s); err != nil {
				entries = append(entries, InspectionEntry{
					Type:       ErrorTypeExpression,
					Message:    err.Error(),
					Expression: s,
					SpecPath:   path,
					SchemaPath: schemaPath(path),
				})
			}
		})
	}

	for _, param := range w.Vars {
		check("vars."+param.Name, param.Value)
	}

	for _, param := range w.Output {
		check("output."+param.Name, param.Value)
	}

	for _, name := range w.taskNames() {
		task := w.Tasks[name]
		prefix := "tasks." + name

		check(prefix+".action", task.Action)
		check(prefix+".input", task.Input)

		if task.Retry != nil {
			check(prefix+".retry.when", task.Retry.When)
		}

		for i, transition := range task.Next {
			if transition == nil {
				continue
			}

			check(fmt.Sprintf("%s.next[%d].when", prefix, i), transition.When)

			for _, param := range transition.Publish {
				check(fmt.Sprintf("%s.next[%d].publish.%s", prefix, i, param.Name), param.Value)
			}
		}
	}

	return entries
}

func (w *Workflow) inspectContents(actions ActionLookup, checker ExpressionChecker) []InspectionEntry {
	var entries []InspectionEntry

	for _, name := range w.taskNames() {
		task := w.Tasks[name]
		ref := task.Action
		actionPath := "tasks." + name + ".action"
		inputPath := "tasks." + name + ".input"

		if ref == "" || (checker != nil && checker.Has(ref)) {
			continue
		}

		if !actionRefPattern.MatchString(ref) {
			entries = append(entries, InspectionEntry{
				Type:       ErrorTypeContent,
				Message:    fmt.Sprintf("The action reference %q is not formatted correctly.", ref),
				SpecPath:   actionPath,
				SchemaPath: schemaPath(actionPath),
			})

			continue
		}

		parameters, ok := actions.ActionParameters(ref)
		if !ok {
			entries = append(entries, InspectionEntry{
				Type:       ErrorTypeContent,
				Message:    fmt.Sprintf("The action %q is not registered.", ref),
				SpecPath:   actionPath,
				SchemaPath: schemaPath(actionPath),
			})

			continue
		}

		for _, param := range sortedKeys(parameters) {
			if _, given := task.Input[param]; parameters[param] && !given {
				entries = append(entries, InspectionEntry{
					Type:       ErrorTypeContent,
					Message:    fmt.Sprintf("Action %q is missing required input %q.", ref, param),
					SpecPath:   inputPath,
					SchemaPath: schemaPath(inputPath),
				})
			}
		}

		for _, param := range sortedKeys(task.Input) {
			if _, known := parameters[param]; !known {
				entries = append(entries, InspectionEntry{
					Type:       ErrorTypeContent,
					Message:    fmt.Sprintf("Action %q has unexpected input %q.", ref, param),
					SpecPath:   inputPath + "." + param,
					SchemaPath: schemaPath(inputPath + "." + param),
				})
			}
		}
	}

	return entries
}

func (w *Workflow) taskNames() []string {
	names := make([]string, 0, len(w.Tasks))

	for name, task := range w.Tasks {
		if task != nil {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func walkStrings(value any, fn func(string)) {
	switch v := value.(type) {
	case string:
		fn(v)
	case map[string]any:
		for _, k := range sortedKeys(v) {
			walkStrings(v[k], fn)
		}
	case []any:
		for _, item := range v {
			walkStrings(item, fn)
		}
	}
}

var (
	taskKeyPattern  = regexp.MustCompile(`^tasks[.\[]([^.\]]+)\]?`)
	indexPattern    = regexp.MustCompile(`\[\d+\]`)
	mapIndexPattern = regexp.MustCompile(`\[[^\]]+\]`)
)

// schemaPath turns a concrete spec path into its schema location, so errors of the
// same kind sort together regardless of task names.
func schemaPath(specPath string) string {
	path := taskKeyPattern.ReplaceAllString(specPath, "tasks.*")
	path = indexPattern.ReplaceAllString(path, ".items")

	return mapIndexPattern.ReplaceAllString(path, ".*")
}
