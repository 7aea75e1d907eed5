// Package file provides file-based persistence for execution records. Each record is a
// JSON document stored under <root>/<collection>/<id>.json.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/orquestra/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root         string
	workflowRepo *WorkflowExecutionRepository
	taskRepo     *TaskExecutionRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		workflowRepo: NewWorkflowExecutionRepository(cleanRoot),
		taskRepo:     NewTaskExecutionRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) WorkflowExecutionRepository() persistence.WorkflowExecutionRepository {
	return fp.workflowRepo
}

func (fp *Persistence) TaskExecutionRepository() persistence.TaskExecutionRepository {
	return fp.taskRepo
}

// collection reads and writes the documents of one record type.
type collection struct {
	dir string
}

// validateID validates that the record ID is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", persistence.ErrInvalidID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q contains invalid characters", persistence.ErrInvalidID, id)
	}

	return nil
}

func (c collection) path(id string) string {
	return filepath.Join(c.dir, id+".json")
}

func (c collection) exists(id string) bool {
	_, err := os.Stat(c.path(id))

	return err == nil
}

// read decodes the document with the given id into out. It returns fs.ErrNotExist when
// there is no such document.
func (c collection) read(id string, out any) error {
	if err := validateID(id); err != nil {
		return err
	}

	body, err := os.ReadFile(c.path(id))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}

	return nil
}

func (c collection) write(id string, record any) error {
	if err := validateID(id); err != nil {
		return err
	}

	err := os.MkdirAll(c.dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", c.dir, err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	// Write through a temporary file so readers never see a partial document.
	tmp := c.path(id) + ".tmp"

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	if err := os.Rename(tmp, c.path(id)); err != nil {
		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	return nil
}

// ids lists the ids of every stored document.
func (c collection) ids() ([]string, error) {
	jsonFiles, err := fs.Glob(os.DirFS(c.dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.dir, err)
	}

	ids := make([]string, 0, len(jsonFiles))
	for _, file := range jsonFiles {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	return ids, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
