package web

import (
	"errors"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/conductor"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/spec"
	"github.com/dukex/orquestra/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// Problem types returned in the type member of every error response.
const (
	ValidationProblem       = "validation_error"
	NotFoundProblem         = "not_found"
	ActionNotFoundProblem   = "action_not_found"
	WorkflowNotFoundProblem = "workflow_execution_not_found"
	ConflictProblem         = "conflict"
	WriteConflictProblem    = "write_conflict"
	UnavailableProblem      = "unavailable"
	InternalErrorProblem    = "internal_error"
)

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	return c.Status(status).JSON(problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail))
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, ValidationProblem, detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusNotFound, NotFoundProblem, detail)
}

func unavailable(c fiber.Ctx, err error) error {
	return problem(c, fiber.StatusServiceUnavailable, UnavailableProblem, err.Error())
}

// handleServiceError maps engine errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var (
		inspection *spec.InspectionError
		params     *action.ParameterValidationError
		transition *conductor.InvalidStateTransitionError
		ambiguous  *workflow.AmbiguousWorkflowExecutionError
	)

	switch {
	case errors.As(err, &inspection), errors.As(err, &params):
		return badRequest(c, err.Error())
	case action.IsNotFound(err):
		return problem(c, fiber.StatusNotFound, ActionNotFoundProblem, err.Error())
	case workflow.IsNotFound(err):
		return problem(c, fiber.StatusNotFound, WorkflowNotFoundProblem, err.Error())
	case workflow.IsAlreadyCompleted(err), errors.As(err, &transition), errors.As(err, &ambiguous):
		return problem(c, fiber.StatusConflict, ConflictProblem, err.Error())
	case workflow.IsRetryable(err), persistence.IsWriteConflict(err):
		return problem(c, fiber.StatusServiceUnavailable, WriteConflictProblem, err.Error())
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType(InternalErrorProblem).
			WithError(err))
	}
}
