package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bustracker/pkg/auth"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, handler *SocketHandler) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev received
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}

func TestSocket_JoinBusRoomAndReceiveUpdate(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	conn := dial(t, NewSocketHandler(hub, nil, nil))

	if err := conn.WriteJSON(Request{Type: RequestJoinBusRoom, BusID: "B1"}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != EventBusOffline {
		t.Fatalf("First event = %s, want %s", ev.Type, EventBusOffline)
	}

	waitFor(t, func() bool { return hub.Members(BusRoom("B1")) == 1 })
	hub.Publish(context.Background(), record("B1", "org-a", 12.97))

	if ev := readEvent(t, conn); ev.Type != EventLocationUpdate {
		t.Errorf("Event = %s, want %s", ev.Type, EventLocationUpdate)
	}
}

func TestSocket_PingPong(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	conn := dial(t, NewSocketHandler(hub, nil, nil))

	conn.WriteJSON(Request{Type: RequestPing})
	if ev := readEvent(t, conn); ev.Type != EventPong {
		t.Errorf("Event = %s, want %s", ev.Type, EventPong)
	}
}

func TestSocket_AdminJoinUsesTokenOrganization(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	verifier := auth.StaticVerifier{
		"admin-a": {Subject: "a1", OrganizationID: "org-a", Role: auth.RoleAdmin},
		"student": {Subject: "s1", OrganizationID: "org-a", Role: auth.RoleStudent},
	}

	t.Run("valid admin token", func(t *testing.T) {
		conn := dial(t, NewSocketHandler(hub, verifier, nil))
		conn.WriteJSON(Request{Type: RequestJoinAdminDashboard, Token: "admin-a"})
		ev := readEvent(t, conn)
		if ev.Type != EventJoined {
			t.Fatalf("Event = %s, want %s", ev.Type, EventJoined)
		}
		if !strings.Contains(string(ev.Data), "admin-dashboard-org-a") {
			t.Errorf("joined payload = %s, want admin-dashboard-org-a", ev.Data)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		conn := dial(t, NewSocketHandler(hub, verifier, nil))
		conn.WriteJSON(Request{Type: RequestJoinAdminDashboard, Token: "forged"})
		if ev := readEvent(t, conn); ev.Type != EventError {
			t.Errorf("Event = %s, want %s", ev.Type, EventError)
		}
	})

	t.Run("non admin role", func(t *testing.T) {
		conn := dial(t, NewSocketHandler(hub, verifier, nil))
		conn.WriteJSON(Request{Type: RequestJoinAdminDashboard, Token: "student"})
		ev := readEvent(t, conn)
		if ev.Type != EventError || !strings.Contains(string(ev.Data), "forbidden") {
			t.Errorf("Event = %s %s, want forbidden error", ev.Type, ev.Data)
		}
	})
}

func TestSocket_MalformedAndUnknownMessages(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	conn := dial(t, NewSocketHandler(hub, nil, nil))

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if ev := readEvent(t, conn); ev.Type != EventError {
		t.Errorf("Event = %s, want %s", ev.Type, EventError)
	}

	conn.WriteJSON(Request{Type: "subscribe-everything"})
	if ev := readEvent(t, conn); ev.Type != EventError {
		t.Errorf("Event = %s, want %s", ev.Type, EventError)
	}
}

func TestSocket_DisconnectLeavesRooms(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	conn := dial(t, NewSocketHandler(hub, nil, nil))

	conn.WriteJSON(Request{Type: RequestJoinBusRoom, BusID: "B1"})
	readEvent(t, conn)
	waitFor(t, func() bool { return hub.Members(BusRoom("B1")) == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.Members(BusRoom("B1")) == 0 })
}

func TestSocket_OriginCheck(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	server := httptest.NewServer(NewSocketHandler(hub, nil, []string{"https://tracker.example"}))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	header := map[string][]string{"Origin": {"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Error("Expected dial from a foreign origin to fail")
	}

	header = map[string][]string{"Origin": {"https://tracker.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial from allowed origin failed: %v", err)
	}
	conn.Close()
}
