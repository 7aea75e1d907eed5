package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/persistence/sqlbase"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/lib/pq"
)

const workflowExecutionColumns = `
			id
		  , action_execution_id
		  , action_context
		  , spec
		  , graph
		  , flow
		  , input
		  , output
		  , errors
		  , status
		  , revision
		  , started_at
		  , ended_at
		  , updated_at
`

// WorkflowExecutionRepository handles workflow execution database operations.
type WorkflowExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowExecutionRepository creates a new workflow execution repository.
func NewWorkflowExecutionRepository(db *sql.DB, logger *slog.Logger) *WorkflowExecutionRepository {
	return &WorkflowExecutionRepository{db: db, logger: logger}
}

func (r *WorkflowExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	columns, err := workflowExecutionValues(execution)
	if err != nil {
		return persistence.NewWorkflowExecutionError("Create", execution.ID, err)
	}

	query := `
		INSERT INTO workflow_executions (` + workflowExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12, $13)
	`

	_, err = r.db.ExecContext(ctx, query, columns...)
	if sqlbase.IsUniqueViolation(err) {
		return persistence.NewWorkflowExecutionError("Create", execution.ID, persistence.ErrAlreadyExists)
	}

	if err != nil {
		return persistence.NewWorkflowExecutionError("Create", execution.ID, fmt.Errorf("failed to insert workflow execution: %w", err))
	}

	execution.Revision = 1

	return nil
}

func (r *WorkflowExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + workflowExecutionColumns + ` FROM workflow_executions WHERE id = $1`

	execution, err := r.scanWorkflowExecution(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewWorkflowExecutionError("GetByID", id, persistence.ErrWorkflowExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowExecutionError("GetByID", id, err)
	}

	return execution, nil
}

func (r *WorkflowExecutionRepository) GetByActionExecution(ctx context.Context, actionExecutionID string) ([]*models.WorkflowExecution, error) {
	query := `SELECT ` + workflowExecutionColumns + `
		FROM workflow_executions
		WHERE action_execution_id = $1
		ORDER BY started_at
	`

	return r.query(ctx, query, actionExecutionID)
}

func (r *WorkflowExecutionRepository) GetByStatus(ctx context.Context, status ...statuses.Status) ([]*models.WorkflowExecution, error) {
	values := make([]string, 0, len(status))
	for _, s := range status {
		values = append(values, string(s))
	}

	query := `SELECT ` + workflowExecutionColumns + `
		FROM workflow_executions
		WHERE status = ANY($1)
		ORDER BY started_at
	`

	return r.query(ctx, query, pq.Array(values))
}

// Update writes the execution only when the stored revision matches the caller's.
func (r *WorkflowExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	columns, err := workflowExecutionValues(execution)
	if err != nil {
		return persistence.NewWorkflowExecutionError("Update", execution.ID, err)
	}

	updatedAt := time.Now().UTC()
	columns[12] = updatedAt

	query := `
		UPDATE workflow_executions SET
			action_execution_id = $2,
			action_context = $3,
			spec = $4,
			graph = $5,
			flow = $6,
			input = $7,
			output = $8,
			errors = $9,
			status = $10,
			started_at = $11,
			ended_at = $12,
			updated_at = $13,
			revision = revision + 1
		WHERE id = $1 AND revision = $14
	`

	result, err := r.db.ExecContext(ctx, query, append(columns, execution.Revision)...)
	if err != nil {
		return persistence.NewWorkflowExecutionError("Update", execution.ID, fmt.Errorf("failed to update workflow execution: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowExecutionError("Update", execution.ID, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowExecutionError("Update", execution.ID, r.missingOrConflict(ctx, execution.ID))
	}

	execution.Revision++
	execution.UpdatedAt = updatedAt

	return nil
}

func (r *WorkflowExecutionRepository) missingOrConflict(ctx context.Context, id string) error {
	var exists bool

	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check workflow execution: %w", err)
	}

	if !exists {
		return persistence.ErrWorkflowExecutionNotFound
	}

	return persistence.ErrWriteConflict
}

func (r *WorkflowExecutionRepository) query(ctx context.Context, query string, args ...any) ([]*models.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := r.scanWorkflowExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow executions: %w", err)
	}

	return executions, nil
}

// workflowExecutionValues returns the column values of every column but revision, in
// declaration order.
func workflowExecutionValues(execution *models.WorkflowExecution) ([]any, error) {
	values := []any{execution.ID, execution.ActionExecutionID}

	for _, field := range []any{
		execution.ActionContext,
		execution.Spec,
		execution.Graph,
		execution.Flow,
		execution.Input,
		execution.Output,
		execution.Errors,
	} {
		data, err := jsonb(field)
		if err != nil {
			return nil, err
		}

		values = append(values, data)
	}

	return append(values, string(execution.Status), execution.StartedAt, execution.EndedAt, execution.UpdatedAt), nil
}

func (r *WorkflowExecutionRepository) scanWorkflowExecution(row scanner) (*models.WorkflowExecution, error) {
	var (
		execution models.WorkflowExecution
		status    string
		endedAt   sql.NullTime
	)

	var actionContextJSON, specJSON, graphJSON, flowJSON, inputJSON, outputJSON, errorsJSON []byte

	err := row.Scan(
		&execution.ID,
		&execution.ActionExecutionID,
		&actionContextJSON,
		&specJSON,
		&graphJSON,
		&flowJSON,
		&inputJSON,
		&outputJSON,
		&errorsJSON,
		&status,
		&execution.Revision,
		&execution.StartedAt,
		&endedAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.Status = statuses.Status(status)

	if endedAt.Valid {
		execution.EndedAt = &endedAt.Time
	}

	columns := []struct {
		data []byte
		out  any
	}{
		{actionContextJSON, &execution.ActionContext},
		{specJSON, &execution.Spec},
		{graphJSON, &execution.Graph},
		{flowJSON, &execution.Flow},
		{inputJSON, &execution.Input},
		{outputJSON, &execution.Output},
		{errorsJSON, &execution.Errors},
	}

	for _, column := range columns {
		if err := unjsonb(column.data, column.out); err != nil {
			return nil, err
		}
	}

	return &execution, nil
}
