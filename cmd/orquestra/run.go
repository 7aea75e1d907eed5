package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/cmd"
	"github.com/dukex/orquestra/pkg/config"
	"github.com/dukex/orquestra/pkg/log"
	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const runActionRef = "orquestra.run"

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Run a workflow definition in process and print its result",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Workflow input as key=value, the value is parsed as YAML",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up waiting for the workflow after this long",
				Value: 5 * time.Minute,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			path := command.Args().First()

			definition, err := loadDefinition(path)
			if err != nil {
				return err
			}

			entry, err := filepath.Abs(path)
			if err != nil {
				return err
			}

			input, err := parseInput(command.StringSlice("input"))
			if err != nil {
				return err
			}

			cfg := config.DefaultEngine()
			cfg.ActionsFile = command.String("actions-file")
			cfg.LogLevel = command.String("log-level")

			engine, err := cmd.NewEngine(ctx, cfg, log.WithModule("orquestra"))
			if err != nil {
				return err
			}

			defer func() { _ = engine.Close(context.WithoutCancel(ctx)) }()

			act := &action.Action{
				Ref:        runActionRef,
				Runner:     action.RunnerWorkflow,
				Entry:      entry,
				Parameters: make(map[string]action.Parameter, len(definition.Input)),
			}

			for _, param := range definition.Input {
				act.Parameters[param.Name] = action.Parameter{Default: param.Value}
			}

			if err := engine.Registry.Register(act); err != nil {
				return err
			}

			if err := engine.Start(ctx); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, command.Duration("timeout"))
			defer cancel()

			execution, err := engine.Run(ctx, runActionRef, input)
			if err != nil {
				return fmt.Errorf("failed to run workflow: %w", err)
			}

			if err := writeJSON(command, map[string]any{"status": execution.Status, "result": execution.Result}); err != nil {
				return err
			}

			if execution.Status != action.StatusSucceeded {
				return cli.Exit("workflow "+string(execution.Status), 1)
			}

			return nil
		},
	}
}

func parseInput(pairs []string) (map[string]any, error) {
	input := make(map[string]any, len(pairs))

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid value of input %q: %w", key, err)
		}

		input[key] = value
	}

	return input, nil
}
