package server

import (
	"log/slog"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

func (m *Machine) freeDiscovered(ev proto.DiscoveryEvent) {
	if m.connecting(purposeJoin) {
		return
	}
	switch ev.State {
	case proto.RoleKing:
		m.startConnect(ev.Device, purposeJoin)
	case proto.RoleFree:
		if ev.Device.Prevails(m.self) {
			m.startConnect(ev.Device, purposeJoin)
		}
	}
}

// freeInbound crowns the local device when a follower arrives, unless it is
// busy joining someone else.
func (m *Machine) freeInbound(c transport.Conn) {
	if c.RemoteRole() == proto.RoleKing {
		m.bindKing(c, "claimed by "+string(c.Remote()))
		return
	}
	if m.connecting(purposeJoin) {
		slog.Debug("Refusing follower while joining", "self", m.self, "peer", c.Remote())
		c.Close()
		return
	}
	m.becomeKing("follower " + string(c.Remote()) + " arrived")
	m.admit(c)
}

// followerInbound accepts only a King the local device expects: its own
// King dialing in, the former Prince taking over, or the King it is bowing
// to. A connection opened by the King replaces the one opened towards it.
func (m *Machine) followerInbound(c transport.Conn) {
	if c.RemoteRole() == proto.RoleKing {
		remote := c.Remote()
		current := m.king != nil && remote == m.king.Remote()
		successor := m.lastPrince != "" && remote == m.lastPrince
		awaited := m.king == nil && remote == m.bowingTo
		if current || successor || awaited {
			m.bindKing(c, "reclaimed by "+string(remote))
			return
		}
	}
	slog.Debug("Refusing connection while bound", "self", m.self, "peer", c.Remote(), "peer_role", c.RemoteRole())
	c.Close()
}

func (m *Machine) followerAdmin(c transport.Conn, msg proto.AdminMessage) {
	switch msg.Classifier {
	case proto.ClassifierCensus:
		m.census = msg.Census
		m.lastPrince = ""
		listed := proto.RolePeasant
		for _, e := range msg.Census {
			if e.Device == m.self {
				listed = e.Role
				continue
			}
			m.store.Put(e.Device, e.MetaData)
			if e.Role == proto.RolePrince {
				m.lastPrince = e.Device
			}
		}
		m.reconcileRole(listed)
		m.publish()
	case proto.ClassifierPronouncePrince:
		if err := c.Send(proto.NewPrinceAck(m.self)); err != nil {
			slog.Warn("Cannot acknowledge prince pronouncement", "self", m.self, "error", err)
			return
		}
		if m.Role() == proto.RolePeasant {
			m.setRole(proto.RolePrince, "pronounced by "+string(c.Remote()))
			m.publish()
		}
	case proto.ClassifierBowDownToNewKing:
		m.bowDown(c, msg.Device, msg.MetaData)
	default:
		m.violation(c, "unexpected "+msg.Classifier.String()+" from king")
	}
}

// reconcileRole follows the King's census. A Prince steps down once the
// census names someone else as Prince; a census sent before the King saw
// its ack names nobody, so that alone does not demote it.
func (m *Machine) reconcileRole(listed proto.Role) {
	switch m.Role() {
	case proto.RolePrince:
		if listed == proto.RolePeasant && m.lastPrince != "" {
			m.setRole(proto.RolePeasant, "census names "+string(m.lastPrince)+" prince")
		}
	case proto.RolePeasant:
		if listed == proto.RolePrince {
			m.setRole(proto.RolePrince, "census names self prince")
		}
	}
}

// bowDown leaves the current King and dials the one it named.
func (m *Machine) bowDown(c transport.Conn, king proto.DeviceID, md []proto.ConnectionMetaData) {
	if king == m.self {
		slog.Warn("Ignoring bow down to self", "self", m.self, "king", c.Remote())
		return
	}
	slog.Info("Bowing down", "self", m.self, "from", c.Remote(), "to", king)
	m.store.Put(king, md)
	m.untrack(c)
	m.king = nil
	c.Close()
	m.census = nil
	m.bowingTo = king
	m.setRole(proto.RolePeasant, "bowing to "+string(king))
	m.publish()
	m.startConnect(king, purposeBowDown)
}

func (m *Machine) princeDiscovered(ev proto.DiscoveryEvent) {
	if ev.State != proto.RoleKing || m.king == nil || ev.Device == m.king.Remote() {
		return
	}
	now := m.now()
	if last, ok := m.reported[ev.Device]; ok && now.Sub(last) < m.cfg.ReportCooldown {
		return
	}
	m.reported[ev.Device] = now
	if err := m.king.Send(proto.NewPrinceFoundAKing(ev.Device, ev.MetaData)); err != nil {
		slog.Debug("Foreign king report not sent", "self", m.self, "error", err)
		return
	}
	slog.Info("Reported foreign king", "self", m.self, "king", m.king.Remote(), "foreign", ev.Device)
}

// kingLost handles the King connection closing without a handover. A
// Prince takes the crown and reclaims the census; a Peasant goes Free and
// tries the last known Prince first.
func (m *Machine) kingLost(c transport.Conn) {
	old := c.Remote()
	m.king = nil
	slog.Info("King lost", "self", m.self, "king", old, "role", m.Role())

	if m.Role() == proto.RolePrince {
		former := m.census
		m.becomeKing("king " + string(old) + " lost")
		for _, e := range former {
			if e.Device == m.self || e.Device == old {
				continue
			}
			m.startConnect(e.Device, purposeReclaim)
		}
		return
	}

	next := m.lastPrince
	m.becomeFree("king " + string(old) + " lost")
	if next != "" && next != old {
		m.startConnect(next, purposeJoin)
	}
}
