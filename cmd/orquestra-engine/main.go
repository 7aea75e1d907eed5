package main

import (
	"context"
	"os"

	"github.com/dukex/orquestra/pkg/config"
	"github.com/dukex/orquestra/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:                  "orquestra-engine",
		Usage:                 "Run workflows and handle the updates of their actions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (memory://, file://, postgres://, redis://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   config.DefaultEventBus,
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "actions-file",
				Usage:   "YAML file declaring the actions and workflows the engine may run",
				Sources: cli.EnvVars("ACTIONS_FILE"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of action updates handled concurrently",
				Value:   config.DefaultWorkers,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.IntFlag{
				Name:    "queue-size",
				Usage:   "Number of action updates waiting for a worker",
				Value:   config.DefaultQueueSize,
				Sources: cli.EnvVars("QUEUE_SIZE"),
			},
			&cli.IntFlag{
				Name:    "retry-attempts",
				Usage:   "Retries of a write that conflicts with a concurrent writer",
				Value:   config.DefaultRetryAttempts,
				Sources: cli.EnvVars("RETRY_ATTEMPTS"),
			},
			&cli.StringFlag{
				Name:    "gc-schedule",
				Usage:   "Cron schedule of the orphaned workflow collection",
				Value:   config.DefaultGCSchedule,
				Sources: cli.EnvVars("GC_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "gc-max-idle",
				Usage:   "How long a running workflow may go without progress before it is canceled",
				Value:   config.DefaultGCMaxIdle,
				Sources: cli.EnvVars("GC_MAX_IDLE"),
			},
			&cli.IntFlag{
				Name:    "http-port",
				Aliases: []string{"p"},
				Usage:   "Port of the health, metrics and operator endpoints",
				Value:   config.DefaultHTTPPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "tracing-endpoint",
				Usage:   "OTLP HTTP endpoint (host:port) receiving the traces",
				Sources: cli.EnvVars("OTEL_EXPORTER_OTLP_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   config.DefaultLogLevel,
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   config.DefaultLogFormat,
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.SetupWithFormat(command.String("log-level"), command.String("log-format"))

			return run(ctx, &config.Engine{
				DatabaseURL:     command.String("database-url"),
				EventBus:        command.String("event-bus"),
				KafkaBrokers:    command.String("kafka-brokers"),
				ActionsFile:     command.String("actions-file"),
				Workers:         command.Int("workers"),
				QueueSize:       command.Int("queue-size"),
				RetryAttempts:   command.Int("retry-attempts"),
				GCSchedule:      command.String("gc-schedule"),
				GCMaxIdle:       command.Duration("gc-max-idle"),
				HTTPPort:        command.Int("http-port"),
				LogLevel:        command.String("log-level"),
				LogFormat:       command.String("log-format"),
				TracingEndpoint: command.String("tracing-endpoint"),
			})
		},
	}

	err := app.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
