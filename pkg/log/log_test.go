package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/dukex/orquestra/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, log.ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, log.ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, log.ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, log.ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, log.ParseLevel("verbose"))
}

func TestNewHandler(t *testing.T) {
	var out bytes.Buffer

	logger := slog.New(log.NewHandler(&out, "warn", "json"))
	logger.Info("dropped")
	logger.Warn("kept", "workflow_execution_id", "wfex-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, "wfex-1", record["workflow_execution_id"])

	out.Reset()

	slog.New(log.NewHandler(&out, "debug", "text")).Debug("hello")
	assert.Contains(t, out.String(), "msg=hello")
}
