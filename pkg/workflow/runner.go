package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/spec"
)

// Runner runs actions of the orquesta runner: it loads the workflow definition named by
// the action entry and requests a workflow execution owned by the action execution. The
// action stays running until the workflow reports its final status.
type Runner struct {
	service     *Service
	definitions map[string][]byte
	mu          sync.RWMutex
}

func NewRunner(service *Service) *Runner {
	return &Runner{
		service:     service,
		definitions: make(map[string][]byte),
	}
}

func (r *Runner) Run(ctx context.Context, act *action.Action, execution *action.Execution) (action.Status, any, error) {
	definition, err := r.load(act.Entry)
	if err != nil {
		return action.StatusFailed, nil, err
	}

	if _, err := r.service.RequestWorkflowExecution(ctx, definition, execution); err != nil {
		var inspection *WorkflowInspectionError
		if errors.As(err, &inspection) {
			return action.StatusFailed, map[string]any{"errors": inspection.Errors}, nil
		}

		return action.StatusFailed, nil, err
	}

	return action.StatusRunning, nil, nil
}

// load parses the definition file on every call, caching its bytes. Each execution gets
// its own definition because inspection marks it.
func (r *Runner) load(path string) (*spec.Workflow, error) {
	r.mu.RLock()
	data, ok := r.definitions[path]
	r.mu.RUnlock()

	if !ok {
		var err error

		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow definition: %w", err)
		}

		r.mu.Lock()
		r.definitions[path] = data
		r.mu.Unlock()
	}

	return spec.Load(data)
}
