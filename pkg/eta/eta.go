// Package eta estimates arrival times from a bus's last known position using
// distance over an effective speed, scaled by a time-of-day traffic factor.
package eta

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"bustracker/pkg/cache"
	"bustracker/pkg/liveness"
	"bustracker/pkg/metrics"
	"bustracker/pkg/otel"
	"bustracker/pkg/types"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Reasons attached to unavailable results
const (
	ReasonNoLocation = "no location reported"
	ReasonOffline    = "bus offline"
	ReasonNoStops    = "no stops"
)

type Config struct {
	CruiseSpeedKmh      float64
	StationarySpeedKmh  float64
	MinETA              time.Duration
	ArrivalRadiusMeters float64
	// LowAccuracyMeters marks a prediction low confidence when the fix
	// accuracy is worse than this.
	LowAccuracyMeters float64
	Traffic           TrafficTable
	Location          *time.Location
}

func DefaultConfig() Config {
	return Config{
		CruiseSpeedKmh:      25,
		StationarySpeedKmh:  3,
		MinETA:              30 * time.Second,
		ArrivalRadiusMeters: 50,
		LowAccuracyMeters:   100,
		Traffic:             DefaultTrafficTable(),
		Location:            time.Local,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.CruiseSpeedKmh <= 0 {
		c.CruiseSpeedKmh = d.CruiseSpeedKmh
	}
	if c.StationarySpeedKmh <= 0 {
		c.StationarySpeedKmh = d.StationarySpeedKmh
	}
	if c.MinETA <= 0 {
		c.MinETA = d.MinETA
	}
	if c.ArrivalRadiusMeters <= 0 {
		c.ArrivalRadiusMeters = d.ArrivalRadiusMeters
	}
	if c.LowAccuracyMeters <= 0 {
		c.LowAccuracyMeters = d.LowAccuracyMeters
	}
	if c.Traffic == (TrafficTable{}) {
		c.Traffic = d.Traffic
	}
	if c.Location == nil {
		c.Location = d.Location
	}
}

// Predictor reads the cache and refuses to predict from a stale position.
type Predictor struct {
	config    Config
	cache     cache.Cache
	evaluator *liveness.Evaluator
	tracer    trace.Tracer
}

func NewPredictor(c cache.Cache, evaluator *liveness.Evaluator, config Config) *Predictor {
	config.setDefaults()
	return &Predictor{
		config:    config,
		cache:     c,
		evaluator: evaluator,
		tracer:    otelapi.Tracer("eta-predictor"),
	}
}

// PredictETA estimates arrival of busID at destination. The error is
// non-nil only when the cache could not be read.
func (p *Predictor) PredictETA(ctx context.Context, busID string, destination orb.Point) (types.ETAResult, error) {
	ctx, span := p.tracer.Start(ctx, "eta.predict",
		trace.WithAttributes(attribute.String("bus_id", busID)),
	)
	defer span.End()

	tagged, err := p.current(ctx, busID)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeCache, true)
		return types.ETAResult{}, err
	}

	result := p.Estimate(tagged, destination, p.evaluator.Now())
	p.count(ctx, "single", result.Status)
	span.SetAttributes(attribute.String("status", result.Status))
	otel.SetSpanOk(span)
	return result, nil
}

// PredictRouteETAs estimates every stop of a route, ordered by stop Order.
func (p *Predictor) PredictRouteETAs(ctx context.Context, busID string, stops []types.Stop) ([]types.ETAResult, error) {
	ctx, span := p.tracer.Start(ctx, "eta.predict_route",
		trace.WithAttributes(
			attribute.String("bus_id", busID),
			attribute.Int("stops", len(stops)),
		),
	)
	defer span.End()

	tagged, err := p.current(ctx, busID)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeCache, true)
		return nil, err
	}

	results := p.EstimateRoute(tagged, stops, p.evaluator.Now())
	for _, r := range results {
		p.count(ctx, "route", r.Status)
	}
	otel.SetSpanOk(span)
	return results, nil
}

func (p *Predictor) current(ctx context.Context, busID string) (*types.TaggedLocation, error) {
	record, err := p.cache.GetBusLocation(ctx, busID)
	if err != nil {
		return nil, fmt.Errorf("failed to read location of bus %s: %w", busID, err)
	}
	if record == nil {
		return nil, nil
	}
	tagged := p.evaluator.Tag(*record)
	return &tagged, nil
}

// Estimate computes one prediction from a tagged location. A nil or offline
// location yields an unavailable result.
func (p *Predictor) Estimate(loc *types.TaggedLocation, destination orb.Point, now time.Time) types.ETAResult {
	if r, ok := unavailable(loc); !ok {
		return r
	}

	distance := geo.DistanceHaversine(position(loc), destination)
	if distance <= p.config.ArrivalRadiusMeters {
		return p.arrived(distance, now)
	}

	speed, confidence := p.effectiveSpeed(loc, now)
	return p.result(distance, speed, confidence, now)
}

// EstimateRoute walks the stops in order from the bus position. Stops before
// the nearest one, and the nearest one itself once the bus is closer to the
// following stop than that stop is, are marked passed.
func (p *Predictor) EstimateRoute(loc *types.TaggedLocation, stops []types.Stop, now time.Time) []types.ETAResult {
	ordered := make([]types.Stop, len(stops))
	copy(ordered, stops)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	results := make([]types.ETAResult, len(ordered))
	if r, ok := unavailable(loc); !ok {
		for i, stop := range ordered {
			results[i] = withStop(r, stop)
		}
		return results
	}
	if len(ordered) == 0 {
		return results
	}

	bus := position(loc)
	next := firstUpcoming(bus, ordered)
	speed, confidence := p.effectiveSpeed(loc, now)

	var cumulative float64
	for i, stop := range ordered {
		if i < next {
			results[i] = withStop(types.ETAResult{
				Available: false,
				Status:    types.ETAStatusPassed,
				Reason:    "stop already passed",
			}, stop)
			continue
		}

		if i == next {
			cumulative = geo.DistanceHaversine(bus, stopPoint(stop))
		} else {
			cumulative += geo.DistanceHaversine(stopPoint(ordered[i-1]), stopPoint(stop))
		}

		if i == next && cumulative <= p.config.ArrivalRadiusMeters {
			results[i] = withStop(p.arrived(cumulative, now), stop)
			continue
		}
		results[i] = withStop(p.result(cumulative, speed, confidence, now), stop)
	}
	return results
}

// effectiveSpeed returns the speed to divide by in m/s. Idle or missing
// speed falls back to the cruising speed at medium confidence.
func (p *Predictor) effectiveSpeed(loc *types.TaggedLocation, now time.Time) (float64, string) {
	kmh := loc.Speed
	confidence := types.ConfidenceHigh
	if kmh < p.config.StationarySpeedKmh || kmh <= 0 {
		kmh = p.config.CruiseSpeedKmh
		confidence = types.ConfidenceMedium
	}
	if loc.Accuracy != nil && *loc.Accuracy > p.config.LowAccuracyMeters {
		confidence = types.ConfidenceLow
	}

	factor := p.config.Traffic.Factor(now, p.config.Location)
	return kmh * factor / 3.6, confidence
}

func (p *Predictor) result(distance, speedMps float64, confidence string, now time.Time) types.ETAResult {
	seconds := distance / speedMps
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < p.config.MinETA.Seconds() {
		seconds = p.config.MinETA.Seconds()
	}
	eta := int64(math.Round(seconds))
	arrival := now.Add(time.Duration(eta) * time.Second)

	return types.ETAResult{
		Available:      true,
		Status:         types.ETAStatusOK,
		Confidence:     confidence,
		DistanceMeters: math.Round(distance),
		ETASeconds:     eta,
		ArrivalTime:    &arrival,
	}
}

func (p *Predictor) arrived(distance float64, now time.Time) types.ETAResult {
	return types.ETAResult{
		Available:      true,
		Status:         types.ETAStatusArrived,
		Confidence:     types.ConfidenceHigh,
		DistanceMeters: math.Round(distance),
		ETASeconds:     0,
		ArrivalTime:    &now,
	}
}

func (p *Predictor) count(ctx context.Context, mode, status string) {
	metrics.ETAPredictionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	))
}

// unavailable returns the result for a location that cannot be predicted
// from, and false in that case.
func unavailable(loc *types.TaggedLocation) (types.ETAResult, bool) {
	switch {
	case loc == nil:
		return types.ETAResult{Status: types.ETAStatusUnavailable, Confidence: types.ConfidenceStale, Reason: ReasonNoLocation}, false
	case !loc.IsOnline:
		return types.ETAResult{Status: types.ETAStatusUnavailable, Confidence: types.ConfidenceStale, Reason: ReasonOffline}, false
	}
	return types.ETAResult{}, true
}

// firstUpcoming returns the index of the first stop not yet passed.
func firstUpcoming(bus orb.Point, stops []types.Stop) int {
	nearest := 0
	best := math.Inf(1)
	for i, stop := range stops {
		if d := geo.DistanceHaversine(bus, stopPoint(stop)); d < best {
			best = d
			nearest = i
		}
	}

	if nearest+1 < len(stops) {
		following := stopPoint(stops[nearest+1])
		if geo.DistanceHaversine(bus, following) < geo.DistanceHaversine(stopPoint(stops[nearest]), following) {
			return nearest + 1
		}
	}
	return nearest
}

func withStop(r types.ETAResult, stop types.Stop) types.ETAResult {
	r.StopID = stop.ID
	r.StopName = stop.Name
	r.StopOrder = stop.Order
	return r
}

func position(loc *types.TaggedLocation) orb.Point {
	return orb.Point{loc.Longitude, loc.Latitude}
}

func stopPoint(stop types.Stop) orb.Point {
	return orb.Point{stop.Longitude, stop.Latitude}
}

// Destination builds a point from latitude and longitude.
func Destination(lat, lon float64) orb.Point {
	return orb.Point{lon, lat}
}
