package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"bustracker/pkg/otel"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "bustracker"

var (
	// meterProvider is the SDK meter provider, nil until InitMetrics enables export
	meterProvider *sdkmetric.MeterProvider

	// Meter is the meter instruments are created from
	Meter metric.Meter

	// lastIngestTimestamp tracks the last accepted fix (Unix timestamp)
	lastIngestTimestamp atomic.Int64

	enabled atomic.Bool
)

// Instruments are bound to the global meter at startup so callers never see nil.
// Until a provider is installed they record into a no-op.
func init() {
	Meter = otelapi.Meter(meterName)
	if err := initializeInstruments(); err != nil {
		slog.Error("Failed to initialize metric instruments", "error", err)
	}
}

// InitMetrics installs an OTLP meter provider when OTEL_METRICS_ENABLED is
// set and rebinds every instrument to it. Export failures degrade to no-op.
func InitMetrics() (func(), error) {
	if !otel.IsMetricsEnabled() {
		slog.Debug("OpenTelemetry metrics is disabled")
		return func() {}, nil
	}

	ctx := context.Background()
	cfg := otel.GetExporterConfig(otel.SignalMetrics)

	exporter, err := otel.NewMetricExporter(ctx, cfg)
	if err != nil {
		slog.Warn("Failed to create OTLP metric exporter, using noop", "error", err)
		return func() {}, nil
	}

	res, err := otel.NewResource()
	if err != nil {
		slog.Warn("Failed to create resource, using noop", "error", err)
		return func() {}, nil
	}

	meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(exportInterval()),
			),
		),
		sdkmetric.WithResource(res),
	)
	otelapi.SetMeterProvider(meterProvider)

	Meter = meterProvider.Meter(meterName)
	if err := initializeInstruments(); err != nil {
		slog.Error("Failed to initialize metric instruments", "error", err)
		return func() {}, nil
	}

	if err := registerRuntimeMetrics(); err != nil {
		slog.Warn("Failed to register runtime metrics", "error", err)
	}
	enabled.Store(true)

	slog.Debug("OpenTelemetry metrics initialized",
		"endpoint", cfg.Endpoint,
		"protocol", cfg.Protocol,
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down meter provider", "error", err)
		}
	}, nil
}

type gauge struct {
	name        string
	description string
	unit        string
	observe     func() (int64, bool)
}

// processGauges are observed on every collection cycle. A false second
// return skips the observation.
var processGauges = []gauge{
	{"runtime.go.goroutines", "Number of goroutines", "{goroutine}", func() (int64, bool) {
		return int64(runtime.NumGoroutine()), true
	}},
	{"runtime.go.mem.heap_alloc", "Heap memory allocated", "By", func() (int64, bool) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return int64(m.HeapAlloc), true
	}},
	{"ingest.last_success.timestamp", "Unix timestamp of the last accepted fix", "s", func() (int64, bool) {
		ts := lastIngestTimestamp.Load()
		return ts, ts > 0
	}},
	{"ingest.last_success.age", "Seconds since the last accepted fix", "s", func() (int64, bool) {
		ts := lastIngestTimestamp.Load()
		return time.Now().Unix() - ts, ts > 0
	}},
}

func registerRuntimeMetrics() error {
	for _, g := range processGauges {
		observe := g.observe
		_, err := Meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit(g.unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				if v, ok := observe(); ok {
					o.Observe(v)
				}
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("gauge %s: %w", g.name, err)
		}
	}
	return nil
}

// exportInterval reads OTEL_METRIC_EXPORT_INTERVAL in milliseconds.
func exportInterval() time.Duration {
	if ms, err := strconv.Atoi(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 60 * time.Second
}

// RecordLastIngestTimestamp records the current time as the last accepted fix
func RecordLastIngestTimestamp() {
	lastIngestTimestamp.Store(time.Now().Unix())
}

// IsEnabled returns true if metrics are being exported
func IsEnabled() bool {
	return enabled.Load()
}
