// Package gateway consumes GPS fixes that hardware gateways publish to Kafka.
// Every message carries the device API key and goes through the same trust
// boundary as the device HTTP endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"bustracker/pkg/metrics"
	"bustracker/pkg/otel"
	"bustracker/pkg/pipeline"
	"bustracker/pkg/types"

	"github.com/segmentio/kafka-go"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrMalformed marks a message that could not be decoded into a fix.
var ErrMalformed = errors.New("malformed gateway message")

// Ingester authenticates a fix by API key and commits it.
type Ingester interface {
	IngestWithKey(ctx context.Context, apiKey string, fix types.Fix, source types.Source) (pipeline.IngestResult, error)
}

type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// Message is the JSON body a gateway publishes for one fix.
type Message struct {
	APIKey    string     `json:"apiKey"`
	Latitude  *float64   `json:"lat"`
	Longitude *float64   `json:"lon"`
	Speed     *float64   `json:"speed,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Heading   *float64   `json:"heading,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	config   Config
	reader   reader
	ingester Ingester
	tracer   trace.Tracer
	backoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.GroupID == "" {
		c.GroupID = "bustracker"
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10e6
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	return c
}

// NewConsumer creates a consumer group reader for config.Topic. Offsets are
// committed explicitly after each message is handled.
func NewConsumer(config Config, ingester Ingester) (*Consumer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	config = config.withDefaults()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		StartOffset:    kafka.FirstOffset,
		MinBytes:       config.MinBytes,
		MaxBytes:       config.MaxBytes,
		MaxWait:        config.MaxWait,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Dialer: &kafka.Dialer{
			ClientID:  "bustracker-gateway",
			Timeout:   10 * time.Second,
			DualStack: true,
		},
		ErrorLogger: kafka.LoggerFunc(log.Printf),
	})

	return newConsumer(config, r, ingester), nil
}

func newConsumer(config Config, r reader, ingester Ingester) *Consumer {
	return &Consumer{
		config:   config,
		reader:   r,
		ingester: ingester,
		tracer:   otelapi.Tracer("kafka-gateway"),
		backoff:  5 * time.Second,
	}
}

// Run consumes until ctx is cancelled. A message is committed once handled,
// whether or not its fix was accepted; rejected fixes are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("Kafka gateway started", "brokers", c.config.Brokers, "topic", c.config.Topic, "group_id", c.config.GroupID)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Kafka gateway stopped")
				return ctx.Err()
			}
			slog.Error("Error fetching gateway message", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
			continue
		}

		if err := c.Handle(ctx, msg); err != nil {
			slog.Debug("Gateway fix skipped",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Failed to commit gateway offset", "offset", msg.Offset, "error", err)
		}
	}
}

// Handle decodes and ingests one message.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := c.tracer.Start(ctx, "gateway.handle",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	apiKey, fix, err := Decode(msg)
	if err != nil {
		c.count(ctx, "malformed")
		otel.RecordError(span, err, otel.ErrorTypeMessaging, false)
		return err
	}

	result, err := c.ingester.IngestWithKey(ctx, apiKey, fix, types.SourceGateway)
	if err != nil {
		c.count(ctx, "rejected")
		otel.RecordError(span, err, otel.ErrorTypeValidation, otel.IsTransient(err))
		return err
	}

	span.SetAttributes(attribute.String("bus_id", result.BusID))
	c.count(ctx, "accepted")
	otel.SetSpanOk(span)
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) count(ctx context.Context, outcome string) {
	metrics.GatewayMessagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Decode extracts the API key and fix from msg. The key may also travel in
// an "api-key" header when the body omits it.
func Decode(msg kafka.Message) (string, types.Fix, error) {
	var m Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return "", types.Fix{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	apiKey := m.APIKey
	if apiKey == "" {
		for _, h := range msg.Headers {
			if h.Key == "api-key" {
				apiKey = string(h.Value)
				break
			}
		}
	}
	if apiKey == "" {
		return "", types.Fix{}, fmt.Errorf("%w: missing api key", ErrMalformed)
	}
	if m.Latitude == nil || m.Longitude == nil {
		return "", types.Fix{}, fmt.Errorf("%w: missing coordinates", ErrMalformed)
	}

	return apiKey, types.Fix{
		Latitude:  *m.Latitude,
		Longitude: *m.Longitude,
		Speed:     m.Speed,
		Accuracy:  m.Accuracy,
		Heading:   m.Heading,
		Timestamp: m.Timestamp,
	}, nil
}
