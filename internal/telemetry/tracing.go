package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/config"
)

// ShutdownFunc flushes and stops a provider.
type ShutdownFunc func(context.Context) error

// InitTracing installs a global tracer provider when tracing is enabled.
// Spans are always sampled so log lines carry trace ids; exporters are
// attached through opts (e.g. sdktrace.WithBatcher). When disabled the
// global no-op provider is left in place.
func InitTracing(cfg config.Telemetry, opts ...sdktrace.TracerProviderOption) ShutdownFunc {
	if !cfg.Tracing {
		return func(context.Context) error { return nil }
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}, opts...)
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown
}
