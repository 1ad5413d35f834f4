package cache

import (
	"context"
	"time"

	"bustracker/pkg/metrics"
	"bustracker/pkg/otel"
	"bustracker/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds every cache call made through Instrumented.
const DefaultTimeout = 2 * time.Second

// Instrumented wraps a backend with a per-call timeout, spans and metrics.
type Instrumented struct {
	inner   Cache
	backend string
	timeout time.Duration
	tracer  trace.Tracer
}

func NewInstrumented(inner Cache, backend string, timeout time.Duration) *Instrumented {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Instrumented{
		inner:   inner,
		backend: backend,
		timeout: timeout,
		tracer:  otelapi.Tracer("location-cache"),
	}
}

func (c *Instrumented) SetBusLocation(ctx context.Context, busID string, record types.LocationRecord) error {
	ctx, done := c.start(ctx, "set", attribute.String("bus_id", busID))
	err := c.inner.SetBusLocation(ctx, busID, record)
	done(err)
	return err
}

func (c *Instrumented) GetBusLocation(ctx context.Context, busID string) (*types.LocationRecord, error) {
	ctx, done := c.start(ctx, "get", attribute.String("bus_id", busID))
	record, err := c.inner.GetBusLocation(ctx, busID)
	done(err)
	return record, err
}

func (c *Instrumented) GetAllBusLocations(ctx context.Context) ([]types.LocationRecord, error) {
	ctx, done := c.start(ctx, "get_all")
	records, err := c.inner.GetAllBusLocations(ctx)
	done(err)
	return records, err
}

func (c *Instrumented) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	ctx, span := c.tracer.Start(ctx, "cache."+op, trace.WithAttributes(
		append(attrs, attribute.String("cache.backend", c.backend))...,
	))
	start := time.Now()

	return ctx, func(err error) {
		labels := metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("backend", c.backend),
		)
		metrics.CacheOperationDuration.Record(ctx, time.Since(start).Seconds(), labels)
		if err != nil {
			metrics.CacheErrorsTotal.Add(ctx, 1, labels)
			otel.RecordError(span, err, otel.ErrorTypeCache, true)
		}
		span.End()
		cancel()
	}
}
