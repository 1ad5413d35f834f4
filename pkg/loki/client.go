package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"bustracker/pkg/history"
	"bustracker/pkg/metrics"
	"bustracker/pkg/otel"
	"bustracker/pkg/types"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	jobLabel = "bustracker"

	// DefaultLookback bounds query_range when reading history back.
	DefaultLookback = 7 * 24 * time.Hour
)

// Client stores location history as Loki log lines, one stream per bus.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	lookback   time.Duration
	tracer     trace.Tracer
}

type PushRequest struct {
	Streams []Stream `json:"streams"`
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string   `json:"resultType"`
		Result     []Stream `json:"result"`
	} `json:"data"`
}

func NewClient(baseURL, username, password string) *Client {
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}

	return &Client{
		httpClient: client,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		username:   username,
		password:   password,
		lookback:   DefaultLookback,
		tracer:     otelapi.Tracer("loki-client"),
	}
}

// AppendHistory pushes one entry, timestamped with the fix time.
func (c *Client) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	ctx, span := c.tracer.Start(ctx, "loki.append_history",
		trace.WithAttributes(
			attribute.String("bus_id", entry.BusID),
			attribute.String("organization_id", entry.OrganizationID),
		),
	)
	defer span.End()

	line, err := json.Marshal(entry)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeParse, false)
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	pushReq := PushRequest{
		Streams: []Stream{
			{
				Stream: map[string]string{
					"job":             jobLabel,
					"service":         "bus-tracking",
					"organization_id": entry.OrganizationID,
					"bus_id":          entry.BusID,
				},
				Values: [][]string{
					{strconv.FormatInt(entry.Timestamp.UnixNano(), 10), string(line)},
				},
			},
		},
	}

	reqBody, err := json.Marshal(pushReq)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeParse, false)
		return fmt.Errorf("failed to marshal Loki request: %w", err)
	}

	endpoint := c.baseURL + "/loki/api/v1/push"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeHTTP, false)
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req, span)

	span.SetAttributes(
		attribute.String("http.url", endpoint),
		attribute.Int("request.size_bytes", len(reqBody)),
	)

	resp, err := c.do(ctx, req, "push")
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("loki returned status %d", resp.StatusCode)
		otel.RecordError(span, err, otel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return err
	}
	return nil
}

// QueryHistory reads entries back with query_range, oldest first.
func (c *Client) QueryHistory(ctx context.Context, q history.Query) ([]types.HistoryEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "loki.query_history",
		trace.WithAttributes(
			attribute.String("bus_id", q.BusID),
			attribute.String("driver_id", q.DriverID),
			attribute.Int("limit", q.Limit),
		),
	)
	defer span.End()

	now := time.Now()
	params := url.Values{}
	params.Set("query", BuildQuery(q))
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("direction", "backward")
	params.Set("start", strconv.FormatInt(now.Add(-c.lookback).UnixNano(), 10))
	params.Set("end", strconv.FormatInt(now.UnixNano(), 10))

	endpoint := c.baseURL + "/loki/api/v1/query_range?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeHTTP, false)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.decorate(req, span)

	resp, err := c.do(ctx, req, "query_range")
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to query loki: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to read loki response: %w", err)
	}
	metrics.HTTPClientResponseBodySize.Record(ctx, int64(len(body)),
		metric.WithAttributes(attribute.String("peer.service", "loki")))

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("loki returned status %d", resp.StatusCode)
		otel.RecordError(span, err, otel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return nil, err
	}

	var parsed queryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeParse, false)
		return nil, fmt.Errorf("failed to decode loki response: %w", err)
	}

	entries := make([]types.HistoryEntry, 0)
	for _, stream := range parsed.Data.Result {
		for _, value := range stream.Values {
			if len(value) < 2 {
				continue
			}
			var entry types.HistoryEntry
			if err := json.Unmarshal([]byte(value[1]), &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	if len(entries) > q.Limit {
		entries = entries[len(entries)-q.Limit:]
	}

	span.SetAttributes(attribute.Int("entries_returned", len(entries)))
	return entries, nil
}

// BuildQuery renders the LogQL selector for a history query.
func BuildQuery(q history.Query) string {
	selector := fmt.Sprintf(`{job=%q`, jobLabel)
	if q.BusID != "" {
		selector += fmt.Sprintf(`, bus_id=%q`, q.BusID)
	}
	selector += "}"
	if q.DriverID != "" {
		selector += fmt.Sprintf(` | json | driver_id=%q`, q.DriverID)
	}
	return selector
}

func (c *Client) decorate(req *http.Request, span trace.Span) {
	req.Header.Set("User-Agent", "bustracker/"+otel.Version)
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
		span.SetAttributes(attribute.Bool("auth.enabled", true))
	} else {
		span.SetAttributes(attribute.Bool("auth.enabled", false))
	}
}

func (c *Client) do(ctx context.Context, req *http.Request, op string) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	metrics.HTTPClientRequestDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("peer.service", "loki"),
			attribute.String("operation", op),
			attribute.String("status", status),
		),
	)
	return resp, err
}
