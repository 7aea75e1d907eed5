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
)

const taskExecutionColumns = `
			id
		  , workflow_execution_id
		  , task_id
		  , ordinal
		  , task_spec
		  , initial_context
		  , action_execution_id
		  , status
		  , result
		  , revision
		  , started_at
		  , ended_at
		  , updated_at
`

// TaskExecutionRepository handles task execution database operations.
type TaskExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskExecutionRepository creates a new task execution repository.
func NewTaskExecutionRepository(db *sql.DB, logger *slog.Logger) *TaskExecutionRepository {
	return &TaskExecutionRepository{db: db, logger: logger}
}

func (r *TaskExecutionRepository) Create(ctx context.Context, execution *models.TaskExecution) error {
	columns, err := taskExecutionValues(execution)
	if err != nil {
		return persistence.NewTaskExecutionError("Create", execution.ID, err)
	}

	query := `
		INSERT INTO task_executions (` + taskExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query, columns...)
	if sqlbase.IsUniqueViolation(err) {
		return persistence.NewTaskExecutionError("Create", execution.ID, persistence.ErrAlreadyExists)
	}

	if err != nil {
		return persistence.NewTaskExecutionError("Create", execution.ID, fmt.Errorf("failed to insert task execution: %w", err))
	}

	execution.Revision = 1

	return nil
}

func (r *TaskExecutionRepository) GetByID(ctx context.Context, id string) (*models.TaskExecution, error) {
	query := `SELECT ` + taskExecutionColumns + ` FROM task_executions WHERE id = $1`

	execution, err := scanTaskExecution(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewTaskExecutionError("GetByID", id, persistence.ErrTaskExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewTaskExecutionError("GetByID", id, err)
	}

	return execution, nil
}

func (r *TaskExecutionRepository) GetByWorkflowExecution(ctx context.Context, workflowExecutionID string) ([]*models.TaskExecution, error) {
	query := `SELECT ` + taskExecutionColumns + `
		FROM task_executions
		WHERE workflow_execution_id = $1
		ORDER BY started_at, ordinal
	`

	rows, err := r.db.QueryContext(ctx, query, workflowExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	executions := make([]*models.TaskExecution, 0)

	for rows.Next() {
		execution, err := scanTaskExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating task executions: %w", err)
	}

	return executions, nil
}

func (r *TaskExecutionRepository) Update(ctx context.Context, execution *models.TaskExecution) error {
	columns, err := taskExecutionValues(execution)
	if err != nil {
		return persistence.NewTaskExecutionError("Update", execution.ID, err)
	}

	updatedAt := time.Now().UTC()
	columns[11] = updatedAt

	query := `
		UPDATE task_executions SET
			workflow_execution_id = $2,
			task_id = $3,
			ordinal = $4,
			task_spec = $5,
			initial_context = $6,
			action_execution_id = $7,
			status = $8,
			result = $9,
			started_at = $10,
			ended_at = $11,
			updated_at = $12,
			revision = revision + 1
		WHERE id = $1 AND revision = $13
	`

	result, err := r.db.ExecContext(ctx, query, append(columns, execution.Revision)...)
	if err != nil {
		return persistence.NewTaskExecutionError("Update", execution.ID, fmt.Errorf("failed to update task execution: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewTaskExecutionError("Update", execution.ID, err)
	}

	if affected == 0 {
		var exists bool

		err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM task_executions WHERE id = $1)`, execution.ID).Scan(&exists)
		if err != nil {
			return persistence.NewTaskExecutionError("Update", execution.ID, err)
		}

		if !exists {
			return persistence.NewTaskExecutionError("Update", execution.ID, persistence.ErrTaskExecutionNotFound)
		}

		return persistence.NewTaskExecutionError("Update", execution.ID, persistence.ErrWriteConflict)
	}

	execution.Revision++
	execution.UpdatedAt = updatedAt

	return nil
}

func taskExecutionValues(execution *models.TaskExecution) ([]any, error) {
	taskSpec, err := jsonb(execution.TaskSpec)
	if err != nil {
		return nil, err
	}

	initialContext, err := jsonb(execution.InitialContext)
	if err != nil {
		return nil, err
	}

	result, err := jsonb(execution.Result)
	if err != nil {
		return nil, err
	}

	var actionExecutionID sql.NullString
	if execution.ActionExecutionID != "" {
		actionExecutionID = sql.NullString{String: execution.ActionExecutionID, Valid: true}
	}

	return []any{
		execution.ID,
		execution.WorkflowExecutionID,
		execution.TaskID,
		execution.Ordinal,
		taskSpec,
		initialContext,
		actionExecutionID,
		string(execution.Status),
		result,
		execution.StartedAt,
		execution.EndedAt,
		execution.UpdatedAt,
	}, nil
}

func scanTaskExecution(row scanner) (*models.TaskExecution, error) {
	var (
		execution         models.TaskExecution
		actionExecutionID sql.NullString
		status            string
		endedAt           sql.NullTime
	)

	var taskSpecJSON, initialContextJSON, resultJSON []byte

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowExecutionID,
		&execution.TaskID,
		&execution.Ordinal,
		&taskSpecJSON,
		&initialContextJSON,
		&actionExecutionID,
		&status,
		&resultJSON,
		&execution.Revision,
		&execution.StartedAt,
		&endedAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.Status = statuses.Status(status)
	execution.ActionExecutionID = actionExecutionID.String

	if endedAt.Valid {
		execution.EndedAt = &endedAt.Time
	}

	if err := unjsonb(taskSpecJSON, &execution.TaskSpec); err != nil {
		return nil, err
	}

	if err := unjsonb(initialContextJSON, &execution.InitialContext); err != nil {
		return nil, err
	}

	if err := unjsonb(resultJSON, &execution.Result); err != nil {
		return nil, err
	}

	return &execution, nil
}
