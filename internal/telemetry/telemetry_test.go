package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.Telemetry{ServiceName: "accuracy-test", LogLevel: "info", LogFormat: "json"}, &buf)

	logger.Debug("hidden")
	logger.Info("tuner_cycle", "outcome", "no_op")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tuner_cycle", entry["msg"])
	assert.Equal(t, "no_op", entry["outcome"])
	assert.Equal(t, "accuracy-test", entry["service"])
	assert.NotContains(t, entry, "trace_id")
}

func TestNewLoggerAddsTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.Telemetry{ServiceName: "accuracy-test", LogFormat: "json"}, &buf)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.InfoContext(ctx, "retrieved")
	span.End()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestNewLoggerFanout(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.Telemetry{ServiceName: "accuracy-test", LogFormat: "text", OTelLogs: true}, &buf)
	logger.Info("served", "arm", "canary")
	assert.Contains(t, buf.String(), "arm=canary")
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown := InitTracing(config.Telemetry{Tracing: false})
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracingEnabled(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	shutdown := InitTracing(config.Telemetry{ServiceName: "accuracy-test", Tracing: true}, sdktrace.WithSpanProcessor(sr))
	defer func() { assert.NoError(t, shutdown(context.Background())) }()

	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	span.End()
	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, "probe", sr.Ended()[0].Name())
}
