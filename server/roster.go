package server

import (
	"slices"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

type rosterMember struct {
	conn     transport.Conn
	role     proto.Role
	metadata []proto.ConnectionMetaData
	// pronounced is set once PronouncePrince has been sent to the member.
	pronounced bool
}

// Roster is the King's record of its followers. It is owned by the
// machine loop and never shared.
type Roster struct {
	members map[proto.DeviceID]*rosterMember
}

func newRoster() *Roster {
	return &Roster{members: make(map[proto.DeviceID]*rosterMember)}
}

// add records conn for its device. A new device starts as a Peasant; a
// device already on the roster keeps its role. add returns the connection
// it replaced, if any.
func (r *Roster) add(conn transport.Conn) transport.Conn {
	m, ok := r.members[conn.Remote()]
	if !ok {
		r.members[conn.Remote()] = &rosterMember{
			conn:     conn,
			role:     proto.RolePeasant,
			metadata: conn.RemoteMetaData(),
		}
		return nil
	}
	previous := m.conn
	m.conn = conn
	m.metadata = conn.RemoteMetaData()
	return previous
}

func (r *Roster) get(device proto.DeviceID) (*rosterMember, bool) {
	m, ok := r.members[device]
	return m, ok
}

// owner returns the member whose connection is conn.
func (r *Roster) owner(conn transport.Conn) (proto.DeviceID, bool) {
	m, ok := r.members[conn.Remote()]
	if !ok || m.conn != conn {
		return "", false
	}
	return conn.Remote(), true
}

func (r *Roster) remove(device proto.DeviceID) {
	delete(r.members, device)
}

func (r *Roster) setRole(device proto.DeviceID, role proto.Role) {
	if m, ok := r.members[device]; ok {
		m.role = role
	}
}

func (r *Roster) len() int {
	return len(r.members)
}

func (r *Roster) prince() proto.DeviceID {
	for device, m := range r.members {
		if m.role == proto.RolePrince {
			return device
		}
	}
	return ""
}

// peasants returns Peasant devices in election order.
func (r *Roster) peasants() []proto.DeviceID {
	var out []proto.DeviceID
	for device, m := range r.members {
		if m.role == proto.RolePeasant {
			out = append(out, device)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Roster) conns() []transport.Conn {
	out := make([]transport.Conn, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.conn)
	}
	return out
}

// census lists the King and every member.
func (r *Roster) census(king proto.DeviceID, kingMD []proto.ConnectionMetaData) []proto.CensusEntry {
	entries := make([]proto.CensusEntry, 0, len(r.members)+1)
	entries = append(entries, proto.CensusEntry{Device: king, Role: proto.RoleKing, MetaData: proto.CloneMetaData(kingMD)})
	for device, m := range r.members {
		entries = append(entries, proto.CensusEntry{Device: device, Role: m.role, MetaData: proto.CloneMetaData(m.metadata)})
	}
	return entries
}
