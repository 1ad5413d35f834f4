package realtime

import "encoding/json"

// Server -> client event types
const (
	EventLocationUpdate = "location-update"
	EventBusOffline     = "bus-offline"
	EventFleetStatus    = "fleet-status"
	EventFleetSnapshot  = "fleet-snapshot"
	EventJoined         = "joined"
	EventError          = "error"
	EventPong           = "pong"
)

// Client -> server request types
const (
	RequestJoinBusRoom        = "join-bus-room"
	RequestLeaveBusRoom       = "leave-bus-room"
	RequestJoinAdminDashboard = "join-admin-dashboard"
	RequestPing               = "ping"
)

// Event is the envelope of every server message.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Request is the envelope of every client message.
type Request struct {
	Type  string `json:"type"`
	BusID string `json:"busId,omitempty"`
	Token string `json:"token,omitempty"`
}

type BusOffline struct {
	BusID  string `json:"busId"`
	Reason string `json:"reason"`
}

type Joined struct {
	Room string `json:"room"`
}

// FleetSnapshot is one part of an organization's cached locations, sent on
// dashboard join. Parts are numbered from 1.
type FleetSnapshot struct {
	OrganizationID string            `json:"organizationId"`
	Part           int               `json:"part"`
	Parts          int               `json:"parts"`
	Buses          []json.RawMessage `json:"buses"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func encode(event Event) ([]byte, error) {
	return json.Marshal(event)
}
