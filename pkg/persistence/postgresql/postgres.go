// Package postgresql provides PostgreSQL persistence for workflow and task execution records.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

const (
	maxOpenConns    = 20
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

// Persistence stores execution records in PostgreSQL. Updates are conditional on the
// revision column.
type Persistence struct {
	db        *sql.DB
	workflows *WorkflowExecutionRepository
	tasks     *TaskExecutionRepository
}

// NewPersistence connects to databaseURL and migrates the schema before returning.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := sqlbase.NewMigrator(logger, db, migrations()).Migrate(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Persistence{
		db:        db,
		workflows: NewWorkflowExecutionRepository(db, logger),
		tasks:     NewTaskExecutionRepository(db, logger),
	}, nil
}

func (p *Persistence) Close(_ context.Context) error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) WorkflowExecutionRepository() persistence.WorkflowExecutionRepository {
	return p.workflows
}

func (p *Persistence) TaskExecutionRepository() persistence.TaskExecutionRepository {
	return p.tasks
}

// jsonb marshals a value for a JSONB column.
func jsonb(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal column: %w", err)
	}

	return data, nil
}

// unjsonb decodes a nullable JSONB column into out.
func unjsonb(data []byte, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
