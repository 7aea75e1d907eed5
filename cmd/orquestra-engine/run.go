package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/orquestra/pkg/cmd"
	"github.com/dukex/orquestra/pkg/config"
	"github.com/dukex/orquestra/pkg/log"
	"github.com/dukex/orquestra/pkg/web"
	"github.com/gofiber/fiber/v3"
)

const shutdownTimeout = 30 * time.Second

func run(ctx context.Context, cfg *config.Engine) error {
	logger := log.WithModule("orquestra-engine")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Initializing Orquestra engine",
		"event_bus", cfg.EventBus,
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize)

	engine, err := cmd.NewEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := engine.Close(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Failed to close engine", "error", err)
		}
	}()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	app := web.NewApp(engine.Persistence, engine.Service, engine.Actions, engine.Metrics)

	listenErr := make(chan error, 1)

	go func() {
		listenErr <- app.Listen(":"+strconv.Itoa(cfg.HTTPPort), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	logger.InfoContext(ctx, "Orquestra engine running", "http_port", cfg.HTTPPort)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down Orquestra engine")
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("failed to serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return app.ShutdownWithContext(shutdownCtx)
}
