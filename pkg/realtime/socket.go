package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bustracker/pkg/auth"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SocketHandler upgrades HTTP requests to websocket connections bound to a Hub.
type SocketHandler struct {
	hub      *Hub
	verifier auth.Verifier
	upgrader websocket.Upgrader
}

// NewSocketHandler accepts any origin when allowedOrigins is empty.
func NewSocketHandler(hub *Hub, verifier auth.Verifier, allowedOrigins []string) *SocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &SocketHandler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

func (s *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := s.hub.Register()
	slog.Info("Socket connected", "client_id", client.ID(), "remote", r.RemoteAddr)

	go s.writePump(conn, client)
	s.readPump(conn, client)
}

// readPump runs on the request goroutine. Returning disconnects the client
// and removes it from every room.
func (s *SocketHandler) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		s.hub.Unregister(client)
		conn.Close()
		slog.Info("Socket disconnected", "client_id", client.ID())
	}()

	conn.SetReadLimit(int64(s.hub.config.MaxMessageBytes))
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Socket read failed", "client_id", client.ID(), "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.hub.sendTo(client, Event{Type: EventError, Data: ErrorMessage{Message: "malformed message"}})
			continue
		}
		s.handle(context.Background(), client, req)
	}
}

func (s *SocketHandler) handle(ctx context.Context, client *Client, req Request) {
	switch req.Type {
	case RequestJoinBusRoom:
		if err := s.hub.Subscribe(ctx, client, req.BusID); err != nil {
			s.hub.sendTo(client, Event{Type: EventError, Data: ErrorMessage{Message: joinErrorMessage(err)}})
		}

	case RequestLeaveBusRoom:
		s.hub.Unsubscribe(client, req.BusID)

	case RequestJoinAdminDashboard:
		if s.verifier == nil {
			s.hub.sendTo(client, Event{Type: EventError, Data: ErrorMessage{Message: "dashboard unavailable"}})
			return
		}
		identity, err := s.verifier.Verify(ctx, req.Token)
		if err != nil {
			slog.Warn("Rejected dashboard join", "client_id", client.ID(), "error", err)
			s.hub.sendTo(client, Event{Type: EventError, Data: ErrorMessage{Message: "unauthorized"}})
			return
		}
		if _, err := s.hub.SubscribeAdminDashboard(ctx, client, identity); err != nil {
			s.hub.sendTo(client, Event{Type: EventError, Data: ErrorMessage{Message: joinErrorMessage(err)}})
		}

	case RequestPing:
		s.hub.sendTo(client, Event{Type: EventPong})

	default:
		s.hub.sendTo(client, Event{Type: EventError, Data: ErrorMessage{Message: "unknown message type"}})
	}
}

func (s *SocketHandler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	writeTimeout := s.hub.config.WriteTimeout
	for {
		select {
		case msg, ok := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("Socket write failed", "client_id", client.ID(), "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrRejoinThrottled):
		return "joining too fast, retry shortly"
	case errors.Is(err, auth.ErrForbidden):
		return "forbidden"
	default:
		return err.Error()
	}
}
