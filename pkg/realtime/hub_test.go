package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"bustracker/pkg/auth"
	"bustracker/pkg/cache"
	"bustracker/pkg/liveness"
	"bustracker/pkg/types"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTestHub(t *testing.T, config Config) (*Hub, *cache.Memory) {
	t.Helper()
	c := cache.NewMemory()
	return NewHub(c, liveness.NewEvaluator(30*time.Second), config), c
}

func identity(t *testing.T, org string, role auth.Role) auth.Identity {
	t.Helper()
	v := auth.StaticVerifier{"tok": {Subject: "u-" + org, OrganizationID: org, Role: role}}
	id, err := v.Verify(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	return id
}

func next(t *testing.T, client *Client) received {
	t.Helper()
	select {
	case msg, ok := <-client.Send():
		if !ok {
			t.Fatal("Send channel closed")
		}
		var ev received
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("Invalid event JSON %s: %v", msg, err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return received{}
}

func expectNone(t *testing.T, client *Client) {
	t.Helper()
	select {
	case msg := <-client.Send():
		t.Fatalf("Expected no event, got %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func record(busID, org string, lat float64) types.LocationRecord {
	return types.LocationRecord{
		BusID:          busID,
		BusNumber:      "N-" + busID,
		Latitude:       lat,
		Longitude:      77.59,
		Speed:          22,
		OrganizationID: org,
		UpdatedAt:      time.Now(),
	}
}

func TestRoomNames(t *testing.T) {
	if got := BusRoom("B1").String(); got != "bus-B1" {
		t.Errorf("BusRoom(B1) = %q, want bus-B1", got)
	}

	room, err := AdminRoom(identity(t, "org-a", auth.RoleAdmin))
	if err != nil {
		t.Fatalf("AdminRoom failed: %v", err)
	}
	if got := room.String(); got != "admin-dashboard-org-a" {
		t.Errorf("AdminRoom = %q, want admin-dashboard-org-a", got)
	}
	if !room.IsAdmin() || room.IsBus() {
		t.Error("AdminRoom kind is wrong")
	}

	if BusRoom("org-a") == room {
		t.Error("A bus room must never equal an admin room with the same id")
	}
}

func TestAdminRoom_RequiresAdmin(t *testing.T) {
	for _, role := range []auth.Role{auth.RoleDriver, auth.RoleStudent} {
		if _, err := AdminRoom(identity(t, "org-a", role)); !errors.Is(err, auth.ErrForbidden) {
			t.Errorf("AdminRoom(%s) error = %v, want ErrForbidden", role, err)
		}
	}
	if _, err := AdminRoom(auth.Identity{}); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("AdminRoom(zero) error = %v, want ErrForbidden", err)
	}
}

func TestSubscribe_BeforeAnyFix(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	client := hub.Register()

	if err := hub.Subscribe(context.Background(), client, "X"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	first := next(t, client)
	if first.Type != EventBusOffline {
		t.Fatalf("First event = %s, want %s", first.Type, EventBusOffline)
	}
	var offline BusOffline
	json.Unmarshal(first.Data, &offline)
	if offline.Reason != "no data" {
		t.Errorf("Reason = %q, want no data", offline.Reason)
	}

	hub.Publish(context.Background(), record("X", "org-a", 12.97))

	update := next(t, client)
	if update.Type != EventLocationUpdate {
		t.Fatalf("Event = %s, want %s", update.Type, EventLocationUpdate)
	}
	var tagged types.TaggedLocation
	if err := json.Unmarshal(update.Data, &tagged); err != nil {
		t.Fatalf("Invalid location payload: %v", err)
	}
	if tagged.Latitude != 12.97 || !tagged.IsOnline {
		t.Errorf("Payload = %+v, want online record at 12.97", tagged)
	}
	expectNone(t, client)
}

func TestSubscribe_HydratesFromCache(t *testing.T) {
	hub, c := newTestHub(t, Config{})
	_ = c.SetBusLocation(context.Background(), "B1", record("B1", "org-a", 12.5))

	client := hub.Register()
	if err := hub.Subscribe(context.Background(), client, "B1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ev := next(t, client)
	if ev.Type != EventLocationUpdate {
		t.Fatalf("First event = %s, want %s", ev.Type, EventLocationUpdate)
	}
	var tagged types.TaggedLocation
	json.Unmarshal(ev.Data, &tagged)
	if tagged.Latitude != 12.5 || !tagged.IsOnline {
		t.Errorf("Hydration payload = %+v, want online record at 12.5", tagged)
	}
}

func TestSubscribe_SwitchLeavesPreviousRoom(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	client := hub.Register()
	ctx := context.Background()

	_ = hub.Subscribe(ctx, client, "B1")
	_ = hub.Subscribe(ctx, client, "B2")
	next(t, client)
	next(t, client)

	if hub.Members(BusRoom("B1")) != 0 {
		t.Error("Client should have left bus-B1")
	}
	if hub.Members(BusRoom("B2")) != 1 {
		t.Error("Client should be in bus-B2")
	}

	hub.Publish(ctx, record("B1", "org-a", 1))
	expectNone(t, client)

	room, ok := client.BusRoom()
	if !ok || room != BusRoom("B2") {
		t.Errorf("BusRoom() = %v, %v; want bus-B2", room, ok)
	}
}

func TestUnsubscribe(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	client := hub.Register()
	ctx := context.Background()

	_ = hub.Subscribe(ctx, client, "B1")
	next(t, client)
	hub.Unsubscribe(client, "B1")

	hub.Publish(ctx, record("B1", "org-a", 1))
	expectNone(t, client)
	if _, ok := client.BusRoom(); ok {
		t.Error("Client should not be in any bus room")
	}
}

func TestAdminDashboard_TenantIsolation(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	ctx := context.Background()

	adminA := hub.Register()
	if _, err := hub.SubscribeAdminDashboard(ctx, adminA, identity(t, "org-a", auth.RoleAdmin)); err != nil {
		t.Fatalf("SubscribeAdminDashboard failed: %v", err)
	}
	if ev := next(t, adminA); ev.Type != EventJoined {
		t.Fatalf("First event = %s, want %s", ev.Type, EventJoined)
	}

	hub.Publish(ctx, record("B9", "org-b", 10))
	expectNone(t, adminA)

	hub.Publish(ctx, record("B1", "org-a", 11))
	if ev := next(t, adminA); ev.Type != EventLocationUpdate {
		t.Errorf("Event = %s, want %s", ev.Type, EventLocationUpdate)
	}
}

// snapshotBuses reads fleet-snapshot parts until the last one and returns
// the bus ids in order.
func snapshotBuses(t *testing.T, client *Client) ([]string, int) {
	t.Helper()
	var buses []string
	parts := 0
	for {
		ev := next(t, client)
		if ev.Type != EventFleetSnapshot {
			t.Fatalf("Event = %s, want %s", ev.Type, EventFleetSnapshot)
		}
		var snap struct {
			OrganizationID string                 `json:"organizationId"`
			Part           int                    `json:"part"`
			Parts          int                    `json:"parts"`
			Buses          []types.TaggedLocation `json:"buses"`
		}
		if err := json.Unmarshal(ev.Data, &snap); err != nil {
			t.Fatalf("Invalid snapshot %s: %v", ev.Data, err)
		}
		parts++
		if snap.Part != parts {
			t.Errorf("Part = %d, want %d", snap.Part, parts)
		}
		for _, bus := range snap.Buses {
			if bus.OrganizationID != snap.OrganizationID {
				t.Errorf("Snapshot for %s carried bus of %s", snap.OrganizationID, bus.OrganizationID)
			}
			buses = append(buses, bus.BusID)
		}
		if snap.Part == snap.Parts {
			return buses, parts
		}
	}
}

func TestAdminDashboard_HydratesOwnOrganizationOnly(t *testing.T) {
	hub, c := newTestHub(t, Config{})
	ctx := context.Background()
	_ = c.SetBusLocation(ctx, "B1", record("B1", "org-a", 1))
	_ = c.SetBusLocation(ctx, "B2", record("B2", "org-b", 2))
	_ = c.SetBusLocation(ctx, "B3", record("B3", "org-a", 3))

	client := hub.Register()
	if _, err := hub.SubscribeAdminDashboard(ctx, client, identity(t, "org-a", auth.RoleAdmin)); err != nil {
		t.Fatal(err)
	}

	next(t, client) // joined
	buses, parts := snapshotBuses(t, client)
	expectNone(t, client)

	if parts != 1 {
		t.Errorf("Snapshot parts = %d, want 1", parts)
	}
	if strings.Join(buses, ",") != "B1,B3" {
		t.Errorf("Hydrated buses = %v, want [B1 B3]", buses)
	}
}

func TestAdminDashboard_EmptyFleetSnapshot(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	client := hub.Register()
	if _, err := hub.SubscribeAdminDashboard(context.Background(), client, identity(t, "org-a", auth.RoleAdmin)); err != nil {
		t.Fatal(err)
	}

	next(t, client) // joined
	buses, parts := snapshotBuses(t, client)
	if parts != 1 || len(buses) != 0 {
		t.Errorf("Snapshot = %d parts, %v, want one empty part", parts, buses)
	}
}

func TestAdminDashboard_HydratesFleetLargerThanSendBuffer(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		buses    int
		minParts int
	}{
		{"default limits", Config{}, 120, 2},
		{"small buffer", Config{SendBuffer: 4}, 40, 1},
		{"small messages", Config{MaxMessageBytes: 2048}, 60, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, c := newTestHub(t, tt.config)
			ctx := context.Background()
			for i := 0; i < tt.buses; i++ {
				id := fmt.Sprintf("B%03d", i)
				_ = c.SetBusLocation(ctx, id, record(id, "org-a", float64(i%80)+1))
			}
			_ = c.SetBusLocation(ctx, "X1", record("X1", "org-b", 5))

			client := hub.Register()
			if _, err := hub.SubscribeAdminDashboard(ctx, client, identity(t, "org-a", auth.RoleAdmin)); err != nil {
				t.Fatal(err)
			}

			if ev := next(t, client); ev.Type != EventJoined {
				t.Fatalf("First event = %s, want %s", ev.Type, EventJoined)
			}
			buses, parts := snapshotBuses(t, client)
			if len(buses) != tt.buses {
				t.Errorf("Hydrated %d buses, want %d", len(buses), tt.buses)
			}
			if parts < tt.minParts {
				t.Errorf("Snapshot parts = %d, want at least %d", parts, tt.minParts)
			}
			expectNone(t, client)
		})
	}
}

func TestAdminDashboard_SnapshotPartsFitMessageLimit(t *testing.T) {
	hub, c := newTestHub(t, Config{MaxMessageBytes: 1500})
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("B%02d", i)
		_ = c.SetBusLocation(ctx, id, record(id, "org-a", 1))
	}

	client := hub.Register()
	if _, err := hub.SubscribeAdminDashboard(ctx, client, identity(t, "org-a", auth.RoleAdmin)); err != nil {
		t.Fatal(err)
	}
	<-client.Send() // joined

	total := 0
	for {
		var msg []byte
		select {
		case msg = <-client.Send():
		case <-time.After(50 * time.Millisecond):
			if total != 30 {
				t.Errorf("Hydrated %d buses, want 30", total)
			}
			return
		}
		if len(msg) > 1500 {
			t.Errorf("Snapshot part is %d bytes, limit 1500", len(msg))
		}
		var ev struct {
			Data FleetSnapshot `json:"data"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("Invalid snapshot: %v", err)
		}
		total += len(ev.Data.Buses)
	}
}

func TestAdminDashboard_RejectsNonAdmin(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	client := hub.Register()

	_, err := hub.SubscribeAdminDashboard(context.Background(), client, identity(t, "org-a", auth.RoleStudent))
	if !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
	if len(hub.DashboardOrganizations()) != 0 {
		t.Error("No dashboard room should exist")
	}
}

func TestUnregister_LeavesAllRooms(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	ctx := context.Background()
	client := hub.Register()

	_ = hub.Subscribe(ctx, client, "B1")
	_, _ = hub.SubscribeAdminDashboard(ctx, client, identity(t, "org-a", auth.RoleAdmin))

	hub.Unregister(client)

	if hub.Members(BusRoom("B1")) != 0 {
		t.Error("Client still in bus room after unregister")
	}
	if len(hub.DashboardOrganizations()) != 0 {
		t.Error("Client still in dashboard room after unregister")
	}

	// Publishing after disconnect must not panic on the closed buffer
	hub.Publish(ctx, record("B1", "org-a", 1))
	hub.Unregister(client)
}

func TestPublish_SlowClientDoesNotBlock(t *testing.T) {
	hub, _ := newTestHub(t, Config{SendBuffer: 2})
	ctx := context.Background()

	slow := hub.Register()
	fast := hub.Register()
	_ = hub.Subscribe(ctx, slow, "B1")
	_ = hub.Subscribe(ctx, fast, "B1")
	next(t, fast)

	start := time.Now()
	for i := 0; i < 20; i++ {
		hub.Publish(ctx, record("B1", "org-a", float64(i+1)))
		if i == 0 {
			// fast keeps up
			next(t, fast)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Publishing took %v with a stuck client", elapsed)
	}

	if got := len(slow.Send()); got != 2 {
		t.Errorf("Slow client buffer = %d, want 2 (bounded)", got)
	}
}

func TestPublish_DropsOversizedMessages(t *testing.T) {
	hub, _ := newTestHub(t, Config{MaxMessageBytes: 128})
	client := hub.Register()
	_ = hub.Subscribe(context.Background(), client, "B1")
	next(t, client)

	rec := record("B1", "org-a", 1)
	rec.BusName = strings.Repeat("x", 200)
	if n := hub.Publish(context.Background(), rec); n != 0 {
		t.Errorf("Publish delivered %d, want 0 for an oversized message", n)
	}
	expectNone(t, client)
}

func TestSubscribe_RejoinThrottled(t *testing.T) {
	hub, _ := newTestHub(t, Config{RejoinInterval: time.Hour})
	client := hub.Register()
	ctx := context.Background()

	if err := hub.Subscribe(ctx, client, "B1"); err != nil {
		t.Fatalf("First Subscribe failed: %v", err)
	}
	if err := hub.Subscribe(ctx, client, "B2"); !errors.Is(err, ErrRejoinThrottled) {
		t.Errorf("Second Subscribe error = %v, want ErrRejoinThrottled", err)
	}
	if hub.Members(BusRoom("B1")) != 1 {
		t.Error("Throttled join must not change membership")
	}
}

func TestRejoinThrottle_PerRoomKind(t *testing.T) {
	hub, _ := newTestHub(t, Config{RejoinInterval: time.Hour})
	ctx := context.Background()
	admin := identity(t, "org-a", auth.RoleAdmin)

	client := hub.Register()
	if _, err := hub.SubscribeAdminDashboard(ctx, client, admin); err != nil {
		t.Fatalf("SubscribeAdminDashboard failed: %v", err)
	}
	if err := hub.Subscribe(ctx, client, "B1"); err != nil {
		t.Errorf("First bus room join after dashboard join: %v, want nil", err)
	}
	if _, err := hub.SubscribeAdminDashboard(ctx, client, admin); !errors.Is(err, ErrRejoinThrottled) {
		t.Errorf("Second dashboard join error = %v, want ErrRejoinThrottled", err)
	}
	if err := hub.Subscribe(ctx, client, "B2"); !errors.Is(err, ErrRejoinThrottled) {
		t.Errorf("Bus room switch error = %v, want ErrRejoinThrottled", err)
	}
}

func TestHydration_KeepsEventTypeOfHeldPushes(t *testing.T) {
	client := newClient(8)
	client.beginHydration()

	events := []string{EventLocationUpdate, EventBusOffline, EventFleetStatus}
	for _, event := range events {
		if !client.deliver([]byte(`{"type":"`+event+`"}`), event) {
			t.Fatalf("deliver(%s) refused while hydrating", event)
		}
	}
	for i, q := range client.pending {
		if q.event != events[i] {
			t.Errorf("pending[%d].event = %s, want %s", i, q.event, events[i])
		}
	}

	joined, _ := encode(Event{Type: EventJoined})
	client.endHydration(queued{msg: joined, event: EventJoined})
	if got := len(client.Send()); got != 4 {
		t.Errorf("Send buffer = %d, want 4", got)
	}
	if ev := next(t, client); ev.Type != EventJoined {
		t.Errorf("First event = %s, want %s", ev.Type, EventJoined)
	}
	for _, want := range events {
		if ev := next(t, client); ev.Type != want {
			t.Errorf("Event = %s, want %s", ev.Type, want)
		}
	}
}

func TestPublishOffline(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	ctx := context.Background()
	client := hub.Register()
	_ = hub.Subscribe(ctx, client, "B1")
	next(t, client)

	if n := hub.PublishOffline(record("B1", "org-a", 1), "no recent fix"); n != 1 {
		t.Errorf("PublishOffline delivered %d, want 1", n)
	}
	ev := next(t, client)
	if ev.Type != EventBusOffline {
		t.Errorf("Event = %s, want %s", ev.Type, EventBusOffline)
	}
}

func TestNotifyDashboard(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	ctx := context.Background()
	client := hub.Register()
	_, _ = hub.SubscribeAdminDashboard(ctx, client, identity(t, "org-a", auth.RoleAdmin))
	next(t, client)

	if orgs := hub.DashboardOrganizations(); len(orgs) != 1 || orgs[0] != "org-a" {
		t.Fatalf("DashboardOrganizations() = %v, want [org-a]", orgs)
	}

	hub.NotifyDashboard("org-b", Event{Type: EventFleetStatus, Data: map[string]int{"online": 1}})
	expectNone(t, client)

	hub.NotifyDashboard("org-a", Event{Type: EventFleetStatus, Data: map[string]int{"online": 1}})
	if ev := next(t, client); ev.Type != EventFleetStatus {
		t.Errorf("Event = %s, want %s", ev.Type, EventFleetStatus)
	}
}
