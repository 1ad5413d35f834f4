package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bustracker/pkg/metrics"
	"bustracker/pkg/otel"
	"bustracker/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("history dispatcher closed")

// ErrQueueFull is returned by Enqueue when the entry was dropped.
var ErrQueueFull = errors.New("history queue full")

type DispatcherConfig struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

func (c *DispatcherConfig) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

// Dispatcher hands entries to a Store in the background. Enqueue never
// blocks; write failures are logged and counted, never returned to ingest.
type Dispatcher struct {
	store  Store
	config DispatcherConfig
	queue  chan types.HistoryEntry
	tracer trace.Tracer

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts the worker goroutines.
func NewDispatcher(store Store, config DispatcherConfig) *Dispatcher {
	config.setDefaults()
	d := &Dispatcher{
		store:  store,
		config: config,
		queue:  make(chan types.HistoryEntry, config.QueueSize),
		tracer: otelapi.Tracer("history-dispatcher"),
	}

	for i := 0; i < config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue schedules entry for writing.
func (d *Dispatcher) Enqueue(entry types.HistoryEntry) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- entry:
		metrics.HistoryQueueDepth.Add(context.Background(), 1)
		return nil
	default:
		metrics.HistoryDroppedTotal.Add(context.Background(), 1)
		slog.Warn("History queue full, dropping entry", "bus_id", entry.BusID, "queue_size", d.config.QueueSize)
		return ErrQueueFull
	}
}

// Pending returns the number of queued entries.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting entries and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("History dispatcher closed before draining", "pending", len(d.queue))
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for entry := range d.queue {
		metrics.HistoryQueueDepth.Add(context.Background(), -1)
		d.write(entry)
	}
}

func (d *Dispatcher) write(entry types.HistoryEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.WriteTimeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "history.append",
		trace.WithAttributes(
			attribute.String("bus_id", entry.BusID),
			attribute.String("entry_id", entry.ID),
		),
	)
	defer span.End()

	status := "success"
	if err := d.store.AppendHistory(ctx, entry); err != nil {
		status = "error"
		otel.RecordError(span, err, otel.ErrorTypeStorage, true)
		slog.Error("Failed to append history entry", "bus_id", entry.BusID, "entry_id", entry.ID, "error", err)
	}
	metrics.HistoryWritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
