// Package config holds the settings of the engine process.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultEventBus      = "gochannel"
	DefaultWorkers       = 10
	DefaultQueueSize     = 100
	DefaultRetryAttempts = 10
	DefaultGCSchedule    = "@every 5m"
	DefaultGCMaxIdle     = time.Hour
	DefaultHTTPPort      = 9092
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
)

// Engine configures one engine process: its store, its transport and the sizes of its
// worker pools.
type Engine struct {
	DatabaseURL     string        `validate:"required"`
	EventBus        string        `validate:"oneof=gochannel kafka"`
	KafkaBrokers    string        `validate:"omitempty"`
	ActionsFile     string        `validate:"omitempty,file"`
	Workers         int           `validate:"min=1"`
	QueueSize       int           `validate:"min=1"`
	RetryAttempts   int           `validate:"min=0"`
	GCSchedule      string        `validate:"required"`
	GCMaxIdle       time.Duration `validate:"min=1s"`
	HTTPPort        int           `validate:"min=0,max=65535"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	LogFormat       string        `validate:"oneof=text json"`
	TracingEndpoint string        `validate:"omitempty,hostname_port"`
}

// DefaultEngine returns an in-process configuration backed by the memory store.
func DefaultEngine() *Engine {
	return &Engine{
		DatabaseURL:   "memory://",
		EventBus:      DefaultEventBus,
		Workers:       DefaultWorkers,
		QueueSize:     DefaultQueueSize,
		RetryAttempts: DefaultRetryAttempts,
		GCSchedule:    DefaultGCSchedule,
		GCMaxIdle:     DefaultGCMaxIdle,
		HTTPPort:      DefaultHTTPPort,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
	}
}

// Validate reports every invalid field at once.
func (e *Engine) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(e)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s: failed on %q (value %v)", fieldErr.Field(), fieldErr.Tag(), fieldErr.Value()))
	}

	return fmt.Errorf("invalid engine configuration: %s", strings.Join(messages, "; "))
}
