package tracing

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"bustracker/pkg/otel"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
)

// SampleRatio reads OTEL_TRACES_SAMPLER_ARG. Every device fix opens a span,
// so busy fleets usually sample well below 1.
func SampleRatio() float64 {
	ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1
	}
	return ratio
}

// InitTracing installs a global tracer provider exporting over OTLP.
// Tracing stays a no-op unless OTEL_TRACING_ENABLED is set.
func InitTracing() (func(), error) {
	if !otel.IsTracingEnabled() {
		slog.Debug("OpenTelemetry tracing is disabled")
		return func() {}, nil
	}

	ctx := context.Background()
	cfg := otel.GetExporterConfig(otel.SignalTraces)

	exporter, err := otel.NewTraceExporter(ctx, cfg)
	if err != nil {
		slog.Warn("Failed to create OTLP trace exporter, using noop", "error", err)
		return func() {}, nil
	}

	res, err := otel.NewResource()
	if err != nil {
		return nil, err
	}

	ratio := SampleRatio()
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	)

	otelapi.SetTracerProvider(tp)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Debug("OpenTelemetry tracing initialized",
		"endpoint", cfg.Endpoint,
		"protocol", cfg.Protocol,
		"sample_ratio", ratio,
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down tracer provider", "error", err)
		}
	}, nil
}
