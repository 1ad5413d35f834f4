package metrics

import (
	"go.opentelemetry.io/otel/metric"
)

// HTTP Client Metrics (OTEL Semantic Conventions)
var (
	// HTTPClientRequestDuration measures the duration of outbound HTTP requests (Loki, SIRI feed)
	HTTPClientRequestDuration metric.Float64Histogram

	// HTTPClientResponseBodySize measures the size of HTTP response bodies
	HTTPClientResponseBodySize metric.Int64Histogram
)

// Ingest Metrics
var (
	// IngestFixesTotal counts fixes by source and outcome
	IngestFixesTotal metric.Int64Counter

	// IngestDuration measures the time to commit one fix
	IngestDuration metric.Float64Histogram
)

// Cache Metrics
var (
	// CacheOperationDuration measures cache calls by operation and backend
	CacheOperationDuration metric.Float64Histogram

	// CacheErrorsTotal counts failed cache calls
	CacheErrorsTotal metric.Int64Counter
)

// History Metrics
var (
	// HistoryWritesTotal counts history appends by status
	HistoryWritesTotal metric.Int64Counter

	// HistoryDroppedTotal counts entries dropped because the queue was full
	HistoryDroppedTotal metric.Int64Counter

	// HistoryQueueDepth tracks entries waiting to be written
	HistoryQueueDepth metric.Int64UpDownCounter
)

// Realtime Metrics
var (
	// RealtimeConnections tracks open socket connections
	RealtimeConnections metric.Int64UpDownCounter

	// RealtimeMessagesTotal counts delivered messages by event
	RealtimeMessagesTotal metric.Int64Counter

	// RealtimeDroppedTotal counts messages dropped by reason
	RealtimeDroppedTotal metric.Int64Counter
)

// ETA Metrics
var (
	// ETAPredictionsTotal counts predictions by mode and status
	ETAPredictionsTotal metric.Int64Counter
)

// Feed Metrics
var (
	// FeedPollsTotal counts SIRI-VM polls by status
	FeedPollsTotal metric.Int64Counter

	// FeedVehiclesExtracted counts vehicle activities parsed from the feed
	FeedVehiclesExtracted metric.Int64Counter
)

// Gateway Metrics
var (
	// GatewayMessagesTotal counts consumed Kafka messages by outcome
	GatewayMessagesTotal metric.Int64Counter
)

// initializeInstruments creates all metric instruments
func initializeInstruments() error {
	var err error

	HTTPClientRequestDuration, err = Meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Duration of HTTP client requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	HTTPClientResponseBodySize, err = Meter.Int64Histogram(
		"http.client.response.body.size",
		metric.WithDescription("Size of HTTP response bodies"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 10240, 102400, 1048576, 10485760), // 1KB to 10MB
	)
	if err != nil {
		return err
	}

	IngestFixesTotal, err = Meter.Int64Counter(
		"ingest.fixes.total",
		metric.WithDescription("GPS fixes received by source and outcome"),
		metric.WithUnit("{fix}"),
	)
	if err != nil {
		return err
	}

	IngestDuration, err = Meter.Float64Histogram(
		"ingest.duration",
		metric.WithDescription("Time to validate and commit one fix"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0),
	)
	if err != nil {
		return err
	}

	CacheOperationDuration, err = Meter.Float64Histogram(
		"cache.operation.duration",
		metric.WithDescription("Duration of location cache calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 2.0),
	)
	if err != nil {
		return err
	}

	CacheErrorsTotal, err = Meter.Int64Counter(
		"cache.errors.total",
		metric.WithDescription("Location cache calls that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	HistoryWritesTotal, err = Meter.Int64Counter(
		"history.writes.total",
		metric.WithDescription("History appends by status"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	HistoryDroppedTotal, err = Meter.Int64Counter(
		"history.dropped.total",
		metric.WithDescription("History entries dropped because the queue was full"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	HistoryQueueDepth, err = Meter.Int64UpDownCounter(
		"history.queue.depth",
		metric.WithDescription("History entries waiting to be written"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	RealtimeConnections, err = Meter.Int64UpDownCounter(
		"realtime.connections",
		metric.WithDescription("Open socket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}

	RealtimeMessagesTotal, err = Meter.Int64Counter(
		"realtime.messages.total",
		metric.WithDescription("Messages queued for delivery by event"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	RealtimeDroppedTotal, err = Meter.Int64Counter(
		"realtime.dropped.total",
		metric.WithDescription("Messages dropped by reason"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	ETAPredictionsTotal, err = Meter.Int64Counter(
		"eta.predictions.total",
		metric.WithDescription("ETA predictions by mode and status"),
		metric.WithUnit("{prediction}"),
	)
	if err != nil {
		return err
	}

	FeedPollsTotal, err = Meter.Int64Counter(
		"feed.polls.total",
		metric.WithDescription("SIRI-VM feed polls by status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	FeedVehiclesExtracted, err = Meter.Int64Counter(
		"feed.vehicles.extracted",
		metric.WithDescription("Vehicle activities extracted from the feed"),
		metric.WithUnit("{vehicle}"),
	)
	if err != nil {
		return err
	}

	GatewayMessagesTotal, err = Meter.Int64Counter(
		"gateway.messages.total",
		metric.WithDescription("Gateway messages consumed by outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	return nil
}
