package realtime

import (
	"context"
	"sync"
	"time"

	"bustracker/pkg/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Client is one connected subscriber. Messages are queued on a bounded
// buffer; when it is full the message is dropped for this client only.
type Client struct {
	id   string
	send chan []byte

	mu        sync.Mutex
	closed    bool
	busRoom   Room
	adminRoom Room
	lastJoin  map[roomKind]time.Time

	// While hydrating, live pushes are held so the initial payload goes first.
	hydrating bool
	pending   []queued
}

// queued is an encoded event waiting for the send buffer.
type queued struct {
	msg   []byte
	event string
}

func newClient(buffer int) *Client {
	return &Client{
		id:       uuid.NewString(),
		send:     make(chan []byte, buffer),
		lastJoin: make(map[roomKind]time.Time),
	}
}

func (c *Client) ID() string { return c.id }

// Send is drained by the transport. It is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// BusRoom returns the bus room the client is in, if any.
func (c *Client) BusRoom() (Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busRoom, !c.busRoom.IsZero()
}

func (c *Client) deliver(msg []byte, event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if c.hydrating {
		if len(c.pending) >= cap(c.send) {
			dropped(event, "hydrating")
			return false
		}
		c.pending = append(c.pending, queued{msg: msg, event: event})
		return true
	}
	return c.push(msg, event)
}

// push requires c.mu.
func (c *Client) push(msg []byte, event string) bool {
	select {
	case c.send <- msg:
		metrics.RealtimeMessagesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("event", event)))
		return true
	default:
		dropped(event, "slow_consumer")
		return false
	}
}

func (c *Client) beginHydration() {
	c.mu.Lock()
	c.hydrating = true
	c.pending = nil
	c.mu.Unlock()
}

// endHydration queues initial ahead of anything published meanwhile.
func (c *Client) endHydration(initial ...queued) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hydrating = false
	if c.closed {
		c.pending = nil
		return
	}
	for _, q := range initial {
		if q.msg != nil {
			c.push(q.msg, q.event)
		}
	}
	for _, q := range c.pending {
		c.push(q.msg, q.event)
	}
	c.pending = nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.pending = nil
	close(c.send)
}

func dropped(event, reason string) {
	metrics.RealtimeDroppedTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("reason", reason),
		),
	)
}
