package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bustracker/pkg/metrics"
	"bustracker/pkg/pipeline"
	"bustracker/pkg/registry"
	"bustracker/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Ingester is the pipeline entry point for fixes whose trust was established
// by configuration.
type Ingester interface {
	Ingest(ctx context.Context, fix types.Fix, ac pipeline.AuthContext) (pipeline.IngestResult, error)
}

type Config struct {
	URL      string
	APIKey   string
	LineRefs []string
	// OrganizationID owns every bus in the feed. VehicleRef is matched
	// against bus numbers inside it.
	OrganizationID string
	Interval       time.Duration
}

// Stats summarizes one poll.
type Stats struct {
	Vehicles int
	Accepted int
	Unknown  int
	Rejected int
}

type Bridge struct {
	config   Config
	client   *Client
	registry registry.Registry
	ingester Ingester
	tracer   trace.Tracer
}

func NewBridge(config Config, reg registry.Registry, ingester Ingester) (*Bridge, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if config.OrganizationID == "" {
		return nil, fmt.Errorf("feed organization is required")
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}

	return &Bridge{
		config:   config,
		client:   NewClient(config.URL, config.APIKey),
		registry: reg,
		ingester: ingester,
		tracer:   otelapi.Tracer("siri-bridge"),
	}, nil
}

// Run polls until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	slog.Info("Feed bridge started", "url", b.config.URL, "interval", b.config.Interval)

	if _, err := b.PollOnce(ctx); err != nil {
		slog.Error("Error in initial feed poll", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Feed bridge stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.PollOnce(ctx); err != nil {
				slog.Error("Error polling feed", "error", err)
			}
		}
	}
}

// PollOnce fetches every configured line concurrently and ingests what it
// finds. It fails only when every line failed.
func (b *Bridge) PollOnce(ctx context.Context) (Stats, error) {
	lines := b.config.LineRefs
	if len(lines) == 0 {
		lines = []string{""}
	}

	ctx, span := b.tracer.Start(ctx, "siri_bridge.poll",
		trace.WithAttributes(
			attribute.StringSlice("line_refs", b.config.LineRefs),
			attribute.Int("lines_count", len(lines)),
		),
	)
	defer span.End()

	type lineResult struct {
		lineRef  string
		vehicles []VehicleActivity
		err      error
	}

	results := make(chan lineResult, len(lines))
	for _, lineRef := range lines {
		go func(line string) {
			delivery, err := b.client.Fetch(ctx, line)
			if err != nil {
				results <- lineResult{lineRef: line, err: fmt.Errorf("failed to fetch line %q: %w", line, err)}
				return
			}
			vehicles, err := b.client.ParseVehicleActivities(ctx, delivery.XMLData)
			if err != nil {
				results <- lineResult{lineRef: line, err: fmt.Errorf("failed to parse line %q: %w", line, err)}
				return
			}
			results <- lineResult{lineRef: line, vehicles: vehicles}
		}(lineRef)
	}

	var stats Stats
	var errs []error
	for range lines {
		result := <-results
		if result.err != nil {
			errs = append(errs, result.err)
			metrics.FeedPollsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
			slog.Warn("Feed line failed", "line_ref", result.lineRef, "error", result.err)
			continue
		}
		metrics.FeedPollsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
		metrics.FeedVehiclesExtracted.Add(ctx, int64(len(result.vehicles)))

		for _, vehicle := range result.vehicles {
			stats.Vehicles++
			b.ingest(ctx, vehicle, &stats)
		}
	}

	span.SetAttributes(
		attribute.Int("vehicles", stats.Vehicles),
		attribute.Int("accepted", stats.Accepted),
		attribute.Int("unknown", stats.Unknown),
		attribute.Int("rejected", stats.Rejected),
		attribute.Int("failed_lines", len(errs)),
	)

	if len(errs) == len(lines) {
		return stats, fmt.Errorf("all lines failed: %w", errors.Join(errs...))
	}
	return stats, nil
}

func (b *Bridge) ingest(ctx context.Context, vehicle VehicleActivity, stats *Stats) {
	bus, err := b.registry.BusByNumber(ctx, b.config.OrganizationID, vehicle.VehicleRef)
	if err != nil {
		stats.Unknown++
		if !errors.Is(err, registry.ErrNotFound) {
			slog.Warn("Failed to resolve feed vehicle", "vehicle_ref", vehicle.VehicleRef, "error", err)
		}
		return
	}

	_, err = b.ingester.Ingest(ctx, ToFix(vehicle), pipeline.AuthContext{Bus: bus, Source: types.SourceFeed})
	if err != nil {
		stats.Rejected++
		if !errors.Is(err, pipeline.ErrThrottled) {
			slog.Debug("Feed fix rejected", "vehicle_ref", vehicle.VehicleRef, "bus_id", bus.ID, "error", err)
		}
		return
	}
	stats.Accepted++
}

// ToFix converts a SIRI activity into a fix. Velocity is m/s in SIRI and
// km/h in a fix.
func ToFix(vehicle VehicleActivity) types.Fix {
	fix := types.Fix{
		Latitude:  vehicle.Latitude,
		Longitude: vehicle.Longitude,
	}
	if vehicle.Velocity != nil {
		fix.Speed = types.Float64(*vehicle.Velocity * 3.6)
	}
	if vehicle.Bearing != nil {
		fix.Heading = types.Float64(*vehicle.Bearing)
	}
	if !vehicle.RecordedAt.IsZero() {
		ts := vehicle.RecordedAt
		fix.Timestamp = &ts
	}
	return fix
}
