package spec

import (
	"fmt"
	"strings"
)

// InspectionEntry is one static error found in a workflow definition.
type InspectionEntry struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Expression string `json:"expression,omitempty"`
	SpecPath   string `json:"spec_path,omitempty"`
	SchemaPath string `json:"schema_path,omitempty"`
}

// InspectionError carries every error found by Inspect.
type InspectionError struct {
	Errors []InspectionEntry
}

func (e *InspectionError) Error() string {
	messages := make([]string, 0, len(e.Errors))
	for _, entry := range e.Errors {
		messages = append(messages, fmt.Sprintf("[%s] %s", entry.Type, entry.Message))
	}

	return fmt.Sprintf("workflow inspection failed with %d error(s): %s", len(e.Errors), strings.Join(messages, "; "))
}
