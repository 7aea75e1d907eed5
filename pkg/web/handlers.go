// Package web provides the HTTP endpoints of the engine: health, metrics and operator
// requests on running workflows.
package web

import (
	"context"
	"net/http"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Operator is the part of the workflow service behind the operator endpoints.
type Operator interface {
	RequestPause(ctx context.Context, acExID string) (*models.WorkflowExecution, error)
	RequestResume(ctx context.Context, acExID string) (*models.WorkflowExecution, error)
	RequestCancellation(ctx context.Context, acExID string) (*models.WorkflowExecution, error)
}

// RunRequest is the body of a new action execution.
type RunRequest struct {
	Action     string         `json:"action"               validate:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
	User       string         `json:"user,omitempty"`
}

type APIHandlers struct {
	persistence persistence.Persistence
	operator    Operator
	dispatcher  action.Dispatcher
	validator   *validator.Validate
}

func NewAPIHandlers(
	persistence persistence.Persistence,
	operator Operator,
	dispatcher action.Dispatcher,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		persistence: persistence,
		operator:    operator,
		dispatcher:  dispatcher,
		validator:   validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		return unavailable(c, err)
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

// CreateExecution requests an action execution, usually a workflow.
func (h *APIHandlers) CreateExecution(c fiber.Ctx) error {
	var req RunRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution := &action.Execution{
		ActionRef:  req.Action,
		Parameters: req.Parameters,
	}

	if req.User != "" {
		execution.Context = &action.Context{User: req.User}
	}

	if err := h.dispatcher.Request(c.Context(), execution); err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"id":     execution.ID,
		"action": execution.ActionRef,
		"status": execution.Status,
	})
}

func (h *APIHandlers) PauseExecution(c fiber.Ctx) error {
	return h.operate(c, h.operator.RequestPause)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	return h.operate(c, h.operator.RequestResume)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	return h.operate(c, h.operator.RequestCancellation)
}

func (h *APIHandlers) operate(c fiber.Ctx, request func(context.Context, string) (*models.WorkflowExecution, error)) error {
	id := c.Params("id")

	if id == "" {
		return badRequest(c, "Action execution ID is required")
	}

	wfEx, err := request(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(wfEx)
}

// GetWorkflowExecutions lists workflow executions by status or by owning action execution.
func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	repo := h.persistence.WorkflowExecutionRepository()

	if acExID := c.Query("action_execution_id"); acExID != "" {
		executions, err := repo.GetByActionExecution(c.Context(), acExID)
		if err != nil {
			return handleServiceError(c, err)
		}

		return c.JSON(fiber.Map{"workflow_executions": executions})
	}

	status := statuses.Status(c.Query("status", string(statuses.Running)))
	if !status.IsValid() {
		return badRequest(c, "Invalid status: "+string(status))
	}

	executions, err := repo.GetByStatus(c.Context(), status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"workflow_executions": executions})
}

func (h *APIHandlers) GetWorkflowExecution(c fiber.Ctx) error {
	id := c.Params("id")

	wfEx, err := h.persistence.WorkflowExecutionRepository().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsWorkflowExecutionNotFound(err) {
			return notFound(c, "Workflow execution not found")
		}

		return handleServiceError(c, err)
	}

	return c.JSON(wfEx)
}

func (h *APIHandlers) GetTaskExecutions(c fiber.Ctx) error {
	id := c.Params("id")

	if _, err := h.persistence.WorkflowExecutionRepository().GetByID(c.Context(), id); err != nil {
		if persistence.IsWorkflowExecutionNotFound(err) {
			return notFound(c, "Workflow execution not found")
		}

		return handleServiceError(c, err)
	}

	tasks, err := h.persistence.TaskExecutionRepository().GetByWorkflowExecution(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"task_executions": tasks})
}
