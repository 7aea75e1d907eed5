// Package log configures the process wide slog logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps debug, info, warn and error to their slog level. Anything else is info.
func ParseLevel(logLevel string) slog.Level {
	var level slog.Level

	if err := level.UnmarshalText([]byte(strings.TrimSpace(logLevel))); err != nil {
		return slog.LevelInfo
	}

	return level
}

// NewHandler returns a JSON handler for the json format and a text handler otherwise.
func NewHandler(w io.Writer, logLevel, format string) slog.Handler {
	options := &slog.HandlerOptions{Level: ParseLevel(logLevel)}

	if format == "json" {
		return slog.NewJSONHandler(w, options)
	}

	return slog.NewTextHandler(w, options)
}

func Setup(logLevel string) {
	SetupWithFormat(logLevel, "text")
}

// SetupWithFormat installs the default logger writing to stderr.
func SetupWithFormat(logLevel, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stderr, logLevel, format)))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
