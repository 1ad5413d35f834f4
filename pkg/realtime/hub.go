// Package realtime fans location updates out to bus rooms and admin
// dashboard rooms.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bustracker/pkg/auth"
	"bustracker/pkg/cache"
	"bustracker/pkg/liveness"
	"bustracker/pkg/metrics"
	"bustracker/pkg/otel"
	"bustracker/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrRejoinThrottled is returned when a client joins rooms too quickly.
	ErrRejoinThrottled = errors.New("room join throttled")
	// ErrUnknownClient is returned for clients that are not registered.
	ErrUnknownClient = errors.New("client not registered")
)

type Config struct {
	MaxMessageBytes int
	SendBuffer      int
	WriteTimeout    time.Duration
	RejoinInterval  time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.RejoinInterval < 0 {
		c.RejoinInterval = 0
	}
}

// Hub owns room membership. Each Hub is independent; nothing is global.
type Hub struct {
	config   Config
	cache    cache.Cache
	liveness *liveness.Evaluator
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[Room]map[*Client]struct{}
}

func NewHub(c cache.Cache, evaluator *liveness.Evaluator, config Config) *Hub {
	config.setDefaults()
	return &Hub{
		config:   config,
		cache:    c,
		liveness: evaluator,
		tracer:   otelapi.Tracer("room-hub"),
		now:      evaluator.Now,
		clients:  make(map[*Client]struct{}),
		rooms:    make(map[Room]map[*Client]struct{}),
	}
}

func (h *Hub) Config() Config { return h.config }

// Register creates a client with its own bounded send buffer.
func (h *Hub) Register() *Client {
	client := newClient(h.config.SendBuffer)
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	metrics.RealtimeConnections.Add(context.Background(), 1)
	slog.Debug("Socket client registered", "client_id", client.id)
	return client
}

// Unregister removes the client from every room and closes its buffer.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for room, members := range h.rooms {
		if _, ok := members[client]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	client.close()
	metrics.RealtimeConnections.Add(context.Background(), -1)
	slog.Debug("Socket client unregistered", "client_id", client.id)
}

// Subscribe moves the client into the bus room, leaving any previous bus
// room, then queues the current cached location ahead of later pushes.
func (h *Hub) Subscribe(ctx context.Context, client *Client, busID string) error {
	ctx, span := h.tracer.Start(ctx, "hub.subscribe",
		trace.WithAttributes(
			attribute.String("client_id", client.id),
			attribute.String("bus_id", busID),
		),
	)
	defer span.End()

	if busID == "" {
		err := fmt.Errorf("bus id is required")
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		return err
	}
	room := BusRoom(busID)
	if err := h.claimJoin(client, room); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeValidation, true)
		return err
	}

	client.beginHydration()

	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		client.endHydration()
		return ErrUnknownClient
	}
	client.mu.Lock()
	previous := client.busRoom
	client.busRoom = room
	client.mu.Unlock()
	if !previous.IsZero() && previous != room {
		h.removeLocked(previous, client)
	}
	h.addLocked(room, client)
	h.mu.Unlock()

	client.endHydration(h.hydrationPayload(ctx, busID))

	slog.Debug("Client joined bus room", "client_id", client.id, "room", room.String(), "previous", previous.String())
	return nil
}

// Unsubscribe leaves the bus room if the client is in it.
func (h *Hub) Unsubscribe(client *Client, busID string) {
	room := BusRoom(busID)

	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	if client.busRoom == room {
		client.busRoom = Room{}
	}
	client.mu.Unlock()
	h.removeLocked(room, client)
}

// SubscribeAdminDashboard joins the dashboard room of the identity's own
// organization and hydrates it with that organization's buses.
func (h *Hub) SubscribeAdminDashboard(ctx context.Context, client *Client, identity auth.Identity) (Room, error) {
	ctx, span := h.tracer.Start(ctx, "hub.subscribe_admin",
		trace.WithAttributes(attribute.String("client_id", client.id)),
	)
	defer span.End()

	room, err := AdminRoom(identity)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeAuth, false)
		return Room{}, err
	}
	span.SetAttributes(attribute.String("organization_id", room.ID()))

	if err := h.claimJoin(client, room); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeValidation, true)
		return Room{}, err
	}

	client.beginHydration()

	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		client.endHydration()
		return Room{}, ErrUnknownClient
	}
	client.mu.Lock()
	previous := client.adminRoom
	client.adminRoom = room
	client.mu.Unlock()
	if !previous.IsZero() && previous != room {
		h.removeLocked(previous, client)
	}
	h.addLocked(room, client)
	h.mu.Unlock()

	joined, _ := encode(Event{Type: EventJoined, Data: Joined{Room: room.String()}})
	initial := []queued{{msg: joined, event: EventJoined}}

	records, err := h.cache.GetAllBusLocations(ctx)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeCache, true)
		slog.Warn("Failed to hydrate admin dashboard", "organization_id", room.ID(), "error", err)
	}
	var own []types.TaggedLocation
	for _, tagged := range h.liveness.TagAll(records) {
		if tagged.OrganizationID == room.ID() {
			own = append(own, tagged)
		}
	}
	snapshot := h.fleetSnapshot(room.ID(), own)
	initial = append(initial, snapshot...)
	client.endHydration(initial...)

	span.SetAttributes(
		attribute.Int("buses", len(own)),
		attribute.Int("snapshot_parts", len(snapshot)),
	)
	slog.Debug("Client joined admin dashboard", "client_id", client.id, "room", room.String(), "buses", len(own))
	return room, nil
}

// Publish sends a location update to the bus room and to the owning
// organization's dashboard. It never blocks on a slow client.
func (h *Hub) Publish(ctx context.Context, record types.LocationRecord) int {
	_, span := h.tracer.Start(ctx, "hub.publish",
		trace.WithAttributes(
			attribute.String("bus_id", record.BusID),
			attribute.String("organization_id", record.OrganizationID),
		),
	)
	defer span.End()

	msg, ok := h.encodeBounded(Event{Type: EventLocationUpdate, Data: h.liveness.Tag(record)})
	if !ok {
		return 0
	}

	delivered := h.deliver(msg, EventLocationUpdate, BusRoom(record.BusID), adminRoomFor(record.OrganizationID))
	span.SetAttributes(attribute.Int("delivered", delivered))
	return delivered
}

// PublishOffline tells viewers of the bus and its dashboard that it went quiet.
func (h *Hub) PublishOffline(record types.LocationRecord, reason string) int {
	msg, ok := h.encodeBounded(Event{Type: EventBusOffline, Data: BusOffline{BusID: record.BusID, Reason: reason}})
	if !ok {
		return 0
	}
	return h.deliver(msg, EventBusOffline, BusRoom(record.BusID), adminRoomFor(record.OrganizationID))
}

// NotifyDashboard sends an event to an organization's dashboard room. The
// organization id must come from server-side state.
func (h *Hub) NotifyDashboard(organizationID string, event Event) int {
	msg, ok := h.encodeBounded(event)
	if !ok {
		return 0
	}
	return h.deliver(msg, event.Type, adminRoomFor(organizationID))
}

// DashboardOrganizations lists organizations with at least one dashboard member.
func (h *Hub) DashboardOrganizations() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	orgs := make([]string, 0)
	for room := range h.rooms {
		if room.IsAdmin() {
			orgs = append(orgs, room.ID())
		}
	}
	sort.Strings(orgs)
	return orgs
}

// Members returns the number of clients in room.
func (h *Hub) Members(room Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) deliver(msg []byte, event string, rooms ...Room) int {
	h.mu.RLock()
	targets := make([]*Client, 0)
	seen := make(map[*Client]struct{})
	for _, room := range rooms {
		for client := range h.rooms[room] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		if client.deliver(msg, event) {
			delivered++
		}
	}
	return delivered
}

// sendTo queues an event for a single client, e.g. an error reply.
func (h *Hub) sendTo(client *Client, event Event) {
	if msg, ok := h.encodeBounded(event); ok {
		client.deliver(msg, event.Type)
	}
}

// hydrationPayload is the cached location, or an explicit offline notice.
func (h *Hub) hydrationPayload(ctx context.Context, busID string) queued {
	record, err := h.cache.GetBusLocation(ctx, busID)
	if err != nil {
		slog.Warn("Failed to read cached location for room join", "bus_id", busID, "error", err)
		msg, _ := encode(Event{Type: EventBusOffline, Data: BusOffline{BusID: busID, Reason: "location unavailable"}})
		return queued{msg: msg, event: EventBusOffline}
	}
	if record == nil {
		msg, _ := encode(Event{Type: EventBusOffline, Data: BusOffline{BusID: busID, Reason: "no data"}})
		return queued{msg: msg, event: EventBusOffline}
	}

	msg, _ := h.encodeBounded(Event{Type: EventLocationUpdate, Data: h.liveness.Tag(*record)})
	return queued{msg: msg, event: EventLocationUpdate}
}

// fleetSnapshot packs an organization's locations into as few
// fleet-snapshot events as MaxMessageBytes allows. An organization with no
// cached buses still gets one empty part.
func (h *Hub) fleetSnapshot(organizationID string, locations []types.TaggedLocation) []queued {
	// Envelope size with the largest part numbers this call can produce.
	envelope, err := encode(Event{Type: EventFleetSnapshot, Data: FleetSnapshot{
		OrganizationID: organizationID,
		Part:           len(locations) + 1,
		Parts:          len(locations) + 1,
		Buses:          []json.RawMessage{},
	}})
	if err != nil {
		slog.Error("Failed to encode fleet snapshot", "organization_id", organizationID, "error", err)
		return nil
	}

	var parts [][]json.RawMessage
	current := []json.RawMessage{}
	size := len(envelope)
	for _, location := range locations {
		raw, err := json.Marshal(location)
		if err != nil {
			slog.Error("Failed to encode snapshot location", "bus_id", location.BusID, "error", err)
			continue
		}
		if len(envelope)+len(raw) > h.config.MaxMessageBytes {
			dropped(EventFleetSnapshot, "oversized")
			slog.Warn("Dropping oversized location from fleet snapshot", "bus_id", location.BusID, "size", len(raw))
			continue
		}
		// one byte for the separating comma
		if len(current) > 0 && size+len(raw)+1 > h.config.MaxMessageBytes {
			parts = append(parts, current)
			current = []json.RawMessage{}
			size = len(envelope)
		}
		if len(current) > 0 {
			size++
		}
		current = append(current, raw)
		size += len(raw)
	}
	parts = append(parts, current)

	out := make([]queued, 0, len(parts))
	for i, buses := range parts {
		msg, ok := h.encodeBounded(Event{Type: EventFleetSnapshot, Data: FleetSnapshot{
			OrganizationID: organizationID,
			Part:           i + 1,
			Parts:          len(parts),
			Buses:          buses,
		}})
		if ok {
			out = append(out, queued{msg: msg, event: EventFleetSnapshot})
		}
	}
	return out
}

func (h *Hub) encodeBounded(event Event) ([]byte, bool) {
	msg, err := encode(event)
	if err != nil {
		slog.Error("Failed to encode socket event", "type", event.Type, "error", err)
		return nil, false
	}
	if len(msg) > h.config.MaxMessageBytes {
		dropped(event.Type, "oversized")
		slog.Warn("Dropping oversized socket event", "type", event.Type, "size", len(msg), "max", h.config.MaxMessageBytes)
		return nil, false
	}
	return msg, true
}

// claimJoin throttles repeated joins of the same room kind. Joining a
// dashboard does not delay the first bus room join, or the reverse.
func (h *Hub) claimJoin(client *Client, room Room) error {
	now := h.now()
	client.mu.Lock()
	defer client.mu.Unlock()
	last, ok := client.lastJoin[room.kind]
	if ok && now.Sub(last) < h.config.RejoinInterval {
		return ErrRejoinThrottled
	}
	client.lastJoin[room.kind] = now
	return nil
}

func (h *Hub) addLocked(room Room, client *Client) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
}

func (h *Hub) removeLocked(room Room, client *Client) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
