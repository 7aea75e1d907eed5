package otelhelper

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracer_WithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(t.Context(), "orquestra-test", "")
	require.NoError(t, err)
	require.NotNil(t, tracer)
	assert.NoError(t, shutdown(t.Context()))
}

func TestEnd_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := StartSpan(t.Context(), provider.Tracer("test"), "workflow.request",
		attribute.String(WorkflowExecutionIDKey, "wf-1"))
	End(span, errors.New("boom"))

	_, ok := StartSpan(t.Context(), provider.Tracer("test"), "workflow.ok")
	End(ok, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestNewTracer_WithEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		options  int
	}{
		{endpoint: "localhost:4318", options: 2},
		{endpoint: "http://localhost:4318/v1/traces", options: 1},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Len(t, exporterOptions(tt.endpoint), tt.options)

			tracer, shutdown, err := NewTracer(t.Context(), "orquestra-test", tt.endpoint)
			require.NoError(t, err)
			require.NotNil(t, tracer)
			assert.NoError(t, shutdown(t.Context()))
		})
	}
}
