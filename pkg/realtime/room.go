package realtime

import (
	"fmt"

	"bustracker/pkg/auth"
)

type roomKind uint8

const (
	busRoomKind roomKind = iota + 1
	adminRoomKind
)

// Room is a typed routing key. Admin rooms can only be built from a
// verified identity or from data the server already trusts.
type Room struct {
	kind roomKind
	id   string
}

// BusRoom addresses every viewer of one bus.
func BusRoom(busID string) Room {
	return Room{kind: busRoomKind, id: busID}
}

// AdminRoom addresses the fleet dashboard of the identity's organization.
func AdminRoom(identity auth.Identity) (Room, error) {
	if err := identity.Require(auth.RoleAdmin); err != nil {
		return Room{}, err
	}
	return adminRoomFor(identity.OrganizationID()), nil
}

// adminRoomFor is reserved for organization ids read from server-side state.
func adminRoomFor(organizationID string) Room {
	return Room{kind: adminRoomKind, id: organizationID}
}

func (r Room) IsBus() bool   { return r.kind == busRoomKind }
func (r Room) IsAdmin() bool { return r.kind == adminRoomKind }
func (r Room) IsZero() bool  { return r.kind == 0 }

// ID is the bus id or organization id the room is keyed by.
func (r Room) ID() string { return r.id }

func (r Room) String() string {
	switch r.kind {
	case busRoomKind:
		return "bus-" + r.id
	case adminRoomKind:
		return "admin-dashboard-" + r.id
	default:
		return fmt.Sprintf("room(%d)-%s", r.kind, r.id)
	}
}
