package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ardutrial/internal/logger"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid(), "disabled tracing must not record spans")
	span.End()
}

func TestInitTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = InitTracing(context.Background(), TracingConfig{}, logger.Nop())
	})

	_, span := Tracer().Start(context.Background(), "trial.run")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	ShutdownWithTimeout(context.Background(), shutdown, logger.Nop())
	assert.Contains(t, buf.String(), "trial.run")
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, logger.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zipkin")
}

func TestShutdownWithTimeoutToleratesNil(t *testing.T) {
	ShutdownWithTimeout(context.Background(), nil, nil)
}
