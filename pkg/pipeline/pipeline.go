package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bustracker/pkg/auth"
	"bustracker/pkg/cache"
	"bustracker/pkg/metrics"
	"bustracker/pkg/otel"
	"bustracker/pkg/registry"
	"bustracker/pkg/types"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrThrottled is returned when a bus reports faster than MinInterval.
	ErrThrottled = errors.New("fix rate limited")
	// ErrStaleFix is returned when RejectStale is on and the fix predates the cached one.
	ErrStaleFix = errors.New("fix older than the cached location")
)

// HistorySink receives audit entries without blocking.
type HistorySink interface {
	Enqueue(entry types.HistoryEntry) error
}

// Broadcaster fans a committed record out to subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, record types.LocationRecord) int
}

type Config struct {
	MinInterval time.Duration
	RejectStale bool
	MaxSpeedKmh float64
}

// AuthContext is what the trust boundary established about a fix.
type AuthContext struct {
	Bus    registry.Bus
	Driver *registry.Driver
	Source types.Source
}

type IngestResult struct {
	BusID     string    `json:"bus_id"`
	BusNumber string    `json:"bus_number"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pipeline validates fixes and commits them: cache, then history, then broadcast.
type Pipeline struct {
	config      Config
	cache       cache.Cache
	history     HistorySink
	broadcaster Broadcaster
	registry    registry.Registry
	tracer      trace.Tracer
	now         func() time.Time

	mu           sync.Mutex
	lastAccepted map[string]time.Time
}

func New(config Config, c cache.Cache, history HistorySink, broadcaster Broadcaster, reg registry.Registry) (*Pipeline, error) {
	if c == nil {
		return nil, fmt.Errorf("location cache is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}

	return &Pipeline{
		config:       config,
		cache:        c,
		history:      history,
		broadcaster:  broadcaster,
		registry:     reg,
		tracer:       otelapi.Tracer("ingest-pipeline"),
		now:          time.Now,
		lastAccepted: make(map[string]time.Time),
	}, nil
}

// IngestDevice authenticates a hardware device by its static API key.
func (p *Pipeline) IngestDevice(ctx context.Context, apiKey string, fix types.Fix) (IngestResult, error) {
	return p.IngestWithKey(ctx, apiKey, fix, types.SourceDevice)
}

// IngestWithKey authenticates by API key and tags the fix with source.
func (p *Pipeline) IngestWithKey(ctx context.Context, apiKey string, fix types.Fix, source types.Source) (IngestResult, error) {
	bus, err := p.registry.BusByAPIKey(ctx, apiKey)
	if err != nil {
		p.count(ctx, source, "unauthorized")
		if errors.Is(err, registry.ErrNotFound) {
			return IngestResult{}, fmt.Errorf("%w: unknown api key", auth.ErrUnauthorized)
		}
		return IngestResult{}, fmt.Errorf("failed to resolve api key: %w", err)
	}
	return p.Ingest(ctx, fix, AuthContext{Bus: bus, Source: source})
}

// IngestDriver accepts a fix from a driver session for the bus in its claims.
func (p *Pipeline) IngestDriver(ctx context.Context, identity auth.Identity, fix types.Fix) (IngestResult, error) {
	if err := identity.Require(auth.RoleDriver); err != nil {
		p.count(ctx, types.SourceDriver, "forbidden")
		return IngestResult{}, err
	}
	if identity.BusID() == "" {
		p.count(ctx, types.SourceDriver, "forbidden")
		return IngestResult{}, fmt.Errorf("%w: no bus assigned to driver", auth.ErrForbidden)
	}

	bus, err := p.registry.Bus(ctx, identity.BusID())
	if err != nil {
		p.count(ctx, types.SourceDriver, "forbidden")
		if errors.Is(err, registry.ErrNotFound) {
			return IngestResult{}, fmt.Errorf("%w: assigned bus not found", auth.ErrForbidden)
		}
		return IngestResult{}, fmt.Errorf("failed to resolve bus: %w", err)
	}
	if bus.OrganizationID != identity.OrganizationID() {
		p.count(ctx, types.SourceDriver, "forbidden")
		return IngestResult{}, fmt.Errorf("%w: bus belongs to another organization", auth.ErrForbidden)
	}

	ac := AuthContext{Bus: bus, Source: types.SourceDriver}
	if driver, err := p.registry.Driver(ctx, identity.Subject()); err == nil {
		ac.Driver = &driver
	} else {
		ac.Driver = &registry.Driver{ID: identity.Subject()}
	}
	return p.Ingest(ctx, fix, ac)
}

// Ingest validates fix and commits it. A rejected fix touches neither the
// cache, the history nor any room. History and broadcast failures are
// logged and never returned.
func (p *Pipeline) Ingest(ctx context.Context, fix types.Fix, ac AuthContext) (IngestResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.ingest",
		trace.WithAttributes(
			attribute.String("bus_id", ac.Bus.ID),
			attribute.String("organization_id", ac.Bus.OrganizationID),
			attribute.String("source", string(ac.Source)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.IngestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("source", string(ac.Source))))
	}()

	if ac.Bus.ID == "" || ac.Bus.OrganizationID == "" {
		err := fmt.Errorf("%w: fix has no bus identity", auth.ErrUnauthorized)
		otel.RecordError(span, err, otel.ErrorTypeAuth, false)
		p.count(ctx, ac.Source, "unauthorized")
		return IngestResult{}, err
	}

	normalized, err := Validate(fix, p.config.MaxSpeedKmh)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		p.count(ctx, ac.Source, "invalid")
		slog.Debug("Rejected invalid fix", "bus_id", ac.Bus.ID, "error", err)
		return IngestResult{}, err
	}

	if p.config.RejectStale && normalized.RecordedAt != nil {
		if err := p.checkStale(ctx, ac.Bus.ID, *normalized.RecordedAt); err != nil {
			otel.RecordError(span, err, otel.ErrorTypeValidation, false)
			p.count(ctx, ac.Source, "stale")
			return IngestResult{}, err
		}
	}

	now := p.now().UTC()
	previous, ok := p.reserve(ac.Bus.ID, now)
	if !ok {
		span.SetAttributes(attribute.Bool("throttled", true))
		p.count(ctx, ac.Source, "throttled")
		return IngestResult{}, ErrThrottled
	}

	record := buildRecord(normalized, ac, now)

	if err := p.cache.SetBusLocation(ctx, record.BusID, record); err != nil {
		p.release(ac.Bus.ID, previous)
		otel.RecordError(span, err, otel.ErrorTypeCache, true)
		p.count(ctx, ac.Source, "error")
		slog.Error("Failed to write location to cache", "bus_id", record.BusID, "error", err)
		return IngestResult{}, fmt.Errorf("failed to store location: %w", err)
	}

	if p.history != nil {
		if err := p.history.Enqueue(buildHistoryEntry(record)); err != nil {
			slog.Warn("History hand-off failed", "bus_id", record.BusID, "error", err)
		}
	}

	if p.broadcaster != nil {
		delivered := p.broadcaster.Publish(ctx, record)
		span.SetAttributes(attribute.Int("subscribers_notified", delivered))
	}

	p.count(ctx, ac.Source, "accepted")
	metrics.RecordLastIngestTimestamp()
	otel.SetSpanOk(span)

	slog.Debug("Fix accepted",
		"bus_id", record.BusID,
		"organization_id", record.OrganizationID,
		"source", record.Source,
		"lat", record.Latitude,
		"lon", record.Longitude,
	)

	return IngestResult{
		BusID:     record.BusID,
		BusNumber: record.BusNumber,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

func (p *Pipeline) checkStale(ctx context.Context, busID string, recordedAt time.Time) error {
	cached, err := p.cache.GetBusLocation(ctx, busID)
	if err != nil {
		// The freshness guard is advisory; a cache failure surfaces on the write.
		slog.Warn("Failed to read cached location for freshness check", "bus_id", busID, "error", err)
		return nil
	}
	if cached != nil && cached.RecordedAt != nil && recordedAt.Before(*cached.RecordedAt) {
		return fmt.Errorf("%w: fix recorded at %s, cached %s", ErrStaleFix,
			recordedAt.Format(time.RFC3339), cached.RecordedAt.Format(time.RFC3339))
	}
	return nil
}

// reserve claims the bus's next ingest slot. It returns the previous slot
// so a failed commit can give it back.
func (p *Pipeline) reserve(busID string, now time.Time) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, seen := p.lastAccepted[busID]
	if seen && p.config.MinInterval > 0 && now.Sub(previous) < p.config.MinInterval {
		return previous, false
	}
	p.lastAccepted[busID] = now
	return previous, true
}

func (p *Pipeline) release(busID string, previous time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if previous.IsZero() {
		delete(p.lastAccepted, busID)
		return
	}
	p.lastAccepted[busID] = previous
}

func (p *Pipeline) count(ctx context.Context, source types.Source, outcome string) {
	metrics.IngestFixesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("outcome", outcome),
	))
}

func buildRecord(n normalizedFix, ac AuthContext, now time.Time) types.LocationRecord {
	record := types.LocationRecord{
		BusID:          ac.Bus.ID,
		BusNumber:      ac.Bus.Number,
		BusName:        ac.Bus.Name,
		Latitude:       n.Latitude,
		Longitude:      n.Longitude,
		Speed:          n.Speed,
		Heading:        n.Heading,
		Accuracy:       n.Accuracy,
		OrganizationID: ac.Bus.OrganizationID,
		Source:         ac.Source,
		RecordedAt:     n.RecordedAt,
		UpdatedAt:      now,
	}
	if ac.Driver != nil {
		record.DriverID = ac.Driver.ID
		record.DriverName = ac.Driver.Name
		record.DriverPhone = ac.Driver.Phone
	} else {
		record.DriverID = ac.Bus.DriverID
	}
	return record
}

func buildHistoryEntry(record types.LocationRecord) types.HistoryEntry {
	ts := record.UpdatedAt
	if record.RecordedAt != nil {
		ts = *record.RecordedAt
	}
	return types.HistoryEntry{
		ID:             uuid.NewString(),
		BusID:          record.BusID,
		DriverID:       record.DriverID,
		OrganizationID: record.OrganizationID,
		Latitude:       record.Latitude,
		Longitude:      record.Longitude,
		Speed:          record.Speed,
		Accuracy:       record.Accuracy,
		Heading:        record.Heading,
		Timestamp:      ts,
	}
}
