package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dukex/orquestra/pkg/cmd"
	"github.com/dukex/orquestra/pkg/expression"
	"github.com/dukex/orquestra/pkg/spec"
	cli "github.com/urfave/cli/v3"
)

func newInspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Aliases:   []string{"i"},
		Usage:     "Print every static error of a workflow definition",
		ArgsUsage: "<file>",
		Action: func(_ context.Context, command *cli.Command) error {
			definition, err := loadDefinition(command.Args().First())
			if err != nil {
				return err
			}

			registry, err := cmd.NewRegistry(command.String("actions-file"))
			if err != nil {
				return err
			}

			err = definition.Inspect(registry, expression.NewEvaluator())

			var inspection *spec.InspectionError
			if errors.As(err, &inspection) {
				if err := writeJSON(command, map[string]any{"errors": inspection.Errors}); err != nil {
					return err
				}

				return cli.Exit(fmt.Sprintf("found %d error(s)", len(inspection.Errors)), 1)
			}

			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(command.Root().Writer, "workflow definition is valid")

			return err
		},
	}
}

func loadDefinition(path string) (*spec.Workflow, error) {
	if path == "" {
		return nil, cli.Exit("a workflow definition file is required", 1)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}

	return spec.Load(data)
}

func writeJSON(command *cli.Command, value any) error {
	encoder := json.NewEncoder(command.Root().Writer)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}
