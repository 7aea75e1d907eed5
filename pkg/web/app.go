package web

import (
	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewApp routes the engine endpoints. gatherer backs /metrics.
func NewApp(
	store persistence.Persistence,
	operator Operator,
	dispatcher action.Dispatcher,
	gatherer prometheus.Gatherer,
) *fiber.App {
	handlers := NewAPIHandlers(store, operator, dispatcher, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", handlers.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	e := app.Group("/executions")
	e.Post("/", handlers.CreateExecution)
	e.Post("/:id/pause", handlers.PauseExecution)
	e.Post("/:id/resume", handlers.ResumeExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	w := app.Group("/workflow-executions")
	w.Get("/", handlers.GetWorkflowExecutions)
	w.Get("/:id", handlers.GetWorkflowExecution)
	w.Get("/:id/tasks", handlers.GetTaskExecutions)

	return app
}
