// Package cmd builds the engine and its collaborators from the process configuration.
package cmd

import (
	"github.com/dukex/orquestra/pkg/action"
)

// NewRegistry returns the core actions plus the ones declared in actionsFile, if any.
func NewRegistry(actionsFile string) (*action.Registry, error) {
	registry := action.NewDefaultRegistry()

	if actionsFile == "" {
		return registry, nil
	}

	if err := registry.LoadFile(actionsFile); err != nil {
		return nil, err
	}

	return registry, nil
}
