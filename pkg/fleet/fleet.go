// Package fleet runs the periodic liveness sweep that pushes fleet status to
// admin dashboards and announces buses that went offline.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bustracker/pkg/cache"
	"bustracker/pkg/liveness"
	"bustracker/pkg/otel"
	"bustracker/pkg/realtime"
	"bustracker/pkg/types"

	"github.com/robfig/cron/v3"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSchedule is used when no schedule is configured.
const DefaultSchedule = "@every 10s"

const sweepTimeout = 5 * time.Second

// Status is the fleet-status payload for one organization.
type Status struct {
	OrganizationID string    `json:"organizationId"`
	Online         int       `json:"online"`
	Offline        int       `json:"offline"`
	Total          int       `json:"total"`
	At             time.Time `json:"at"`
}

// Count tallies tagged locations. Callers pass records of one organization.
func Count(organizationID string, tagged []types.TaggedLocation, at time.Time) Status {
	s := Status{OrganizationID: organizationID, Total: len(tagged), At: at}
	for _, t := range tagged {
		if t.IsOnline {
			s.Online++
		} else {
			s.Offline++
		}
	}
	return s
}

// Notifier is the part of the room hub the sweep talks to.
type Notifier interface {
	DashboardOrganizations() []string
	NotifyDashboard(organizationID string, event realtime.Event) int
	PublishOffline(record types.LocationRecord, reason string) int
}

type Monitor struct {
	cache     cache.Cache
	evaluator *liveness.Evaluator
	notifier  Notifier
	cron      *cron.Cron
	tracer    trace.Tracer

	mu     sync.Mutex
	online map[string]bool
}

// NewMonitor schedules the sweep with a cron spec such as "@every 10s".
func NewMonitor(c cache.Cache, evaluator *liveness.Evaluator, notifier Notifier, schedule string) (*Monitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	m := &Monitor{
		cache:     c,
		evaluator: evaluator,
		notifier:  notifier,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		tracer:    otelapi.Tracer("fleet-monitor"),
		online:    make(map[string]bool),
	}

	if _, err := m.cron.AddFunc(schedule, m.run); err != nil {
		return nil, fmt.Errorf("invalid fleet status schedule %q: %w", schedule, err)
	}
	return m, nil
}

func (m *Monitor) Start() {
	m.cron.Start()
	slog.Info("Fleet monitor started", "threshold", m.evaluator.Threshold())
}

// Stop halts scheduling and waits for a running sweep, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (m *Monitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if err := m.Sweep(ctx); err != nil {
		slog.Error("Fleet sweep failed", "error", err)
	}
}

// Sweep snapshots the cache once. Buses that flipped online -> offline since
// the previous sweep get a bus-offline event, and every dashboard with
// members gets its organization's counts.
func (m *Monitor) Sweep(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "fleet.sweep")
	defer span.End()

	records, err := m.cache.GetAllBusLocations(ctx)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeCache, true)
		return fmt.Errorf("failed to snapshot cache: %w", err)
	}

	at := m.evaluator.Now()
	tagged := m.evaluator.TagAll(records)

	went := m.transitions(tagged)
	for _, t := range went {
		m.notifier.PublishOffline(t.LocationRecord,
			fmt.Sprintf("no update for %ds", t.SecondsSinceUpdate))
		slog.Info("Bus went offline", "bus_id", t.BusID, "organization_id", t.OrganizationID,
			"seconds_since_update", t.SecondsSinceUpdate)
	}

	orgs := m.notifier.DashboardOrganizations()
	for _, org := range orgs {
		status := Count(org, filterTagged(tagged, org), at)
		m.notifier.NotifyDashboard(org, realtime.Event{Type: realtime.EventFleetStatus, Data: status})
	}

	span.SetAttributes(
		attribute.Int("buses", len(tagged)),
		attribute.Int("went_offline", len(went)),
		attribute.Int("dashboards", len(orgs)),
	)
	otel.SetSpanOk(span)
	return nil
}

// transitions records the latest liveness and returns buses that were
// online at the previous sweep and are offline now.
func (m *Monitor) transitions(tagged []types.TaggedLocation) []types.TaggedLocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var went []types.TaggedLocation
	for _, t := range tagged {
		if m.online[t.BusID] && !t.IsOnline {
			went = append(went, t)
		}
		m.online[t.BusID] = t.IsOnline
	}
	return went
}

func filterTagged(tagged []types.TaggedLocation, organizationID string) []types.TaggedLocation {
	out := make([]types.TaggedLocation, 0, len(tagged))
	for _, t := range tagged {
		if t.OrganizationID == organizationID {
			out = append(out, t)
		}
	}
	return out
}
