package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/dukex/orquestra/pkg/action"
)

func noop(_ context.Context, _ *action.Action, _ *action.Execution) (action.Status, any, error) {
	return action.StatusSucceeded, nil, nil
}

func echo(_ context.Context, _ *action.Action, execution *action.Execution) (action.Status, any, error) {
	return action.StatusSucceeded, execution.Parameters["message"], nil
}

const killGrace = time.Second

// ShellRunner runs the cmd parameter with sh -c. A non zero exit code fails the action.
type ShellRunner struct {
	Shell string
}

func (r *ShellRunner) Run(ctx context.Context, _ *action.Action, execution *action.Execution) (action.Status, any, error) {
	command, _ := execution.Parameters["cmd"].(string)
	if command == "" {
		return action.StatusFailed, nil, errors.New("cmd parameter is required")
	}

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.WaitDelay = killGrace

	if cwd, ok := execution.Parameters["cwd"].(string); ok {
		cmd.Dir = cwd
	}

	cmd.Env = os.Environ()

	if env, ok := execution.Parameters["env"].(map[string]any); ok {
		names := make([]string, 0, len(env))
		for name := range env {
			names = append(names, name)
		}

		sort.Strings(names)

		for _, name := range names {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", name, env[name]))
		}
	}

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := map[string]any{
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"return_code": cmd.ProcessState.ExitCode(),
		"succeeded":   err == nil,
	}

	var exitErr *exec.ExitError

	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return action.StatusFailed, result, fmt.Errorf("command killed: %w", ctx.Err())
	case err == nil:
		return action.StatusSucceeded, result, nil
	case errors.As(err, &exitErr):
		return action.StatusFailed, result, nil
	default:
		return action.StatusFailed, nil, fmt.Errorf("failed to run command: %w", err)
	}
}
