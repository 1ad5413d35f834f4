// Package feed bridges an external SIRI-VM vehicle monitoring feed into the
// ingest pipeline, for operators whose buses report through a third-party AVL
// system rather than our own devices.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"bustracker/pkg/metrics"
	"bustracker/pkg/otel"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// maxBodyBytes bounds one feed response.
const maxBodyBytes = 16 << 20

type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	tracer     trace.Tracer
}

// Delivery is one raw SIRI-VM response.
type Delivery struct {
	XMLData   []byte
	FetchedAt time.Time
	LineRef   string
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		apiKey:  apiKey,
		baseURL: baseURL,
		tracer:  otelapi.Tracer("siri-client"),
	}
}

// Fetch downloads the current vehicle activities. An empty lineRef asks for
// the whole dataset.
func (c *Client) Fetch(ctx context.Context, lineRef string) (*Delivery, error) {
	ctx, span := c.tracer.Start(ctx, "siri.fetch",
		trace.WithAttributes(
			attribute.String("line_ref", lineRef),
			attribute.String("api.endpoint", c.baseURL),
		),
	)
	defer span.End()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	q := u.Query()
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	if lineRef != "" {
		q.Set("lineRef", lineRef)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeNetwork, false)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", otel.ServiceName+"/"+otel.Version)
	req.Header.Set("Accept", "application/xml")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		c.record(ctx, duration, 0, "error")
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.record(ctx, duration, resp.StatusCode, "error")
		err := fmt.Errorf("feed returned status %d: %s", resp.StatusCode, string(body))
		otel.RecordError(span, err, otel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.record(ctx, duration, resp.StatusCode, "error")
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.record(ctx, duration, resp.StatusCode, "success")
	metrics.HTTPClientResponseBodySize.Record(ctx, int64(len(body)),
		metric.WithAttributes(attribute.String("peer.service", "siri-vm")))
	span.SetAttributes(attribute.Int("response.size_bytes", len(body)))

	return &Delivery{
		XMLData:   body,
		FetchedAt: time.Now().UTC(),
		LineRef:   lineRef,
	}, nil
}

func (c *Client) record(ctx context.Context, seconds float64, status int, outcome string) {
	metrics.HTTPClientRequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("http.request.method", http.MethodGet),
		attribute.Int("http.response.status_code", status),
		attribute.String("peer.service", "siri-vm"),
		attribute.String("outcome", outcome),
	))
}
