package server

import (
	"log/slog"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

func (m *Machine) kingDiscovered(ev proto.DiscoveryEvent) {
	if ev.State == proto.RoleKing {
		m.foreignKing(ev.Device, ev.MetaData, "beacon")
	}
}

func (m *Machine) kingInbound(c transport.Conn) {
	if c.RemoteRole() != proto.RoleKing {
		m.admit(c)
		return
	}
	if !c.Remote().Prevails(m.self) {
		slog.Info("Rejecting lesser king", "self", m.self, "peer", c.Remote())
		c.Close()
		return
	}
	m.bowDownTo(c.Remote(), c.RemoteMetaData())
	m.bindKing(c, "bowed to "+string(c.Remote()))
}

// admit adds c's device to the roster. When a device already has a roster
// connection, the one opened by the King wins.
func (m *Machine) admit(c transport.Conn) {
	if isClosed(c) {
		return
	}
	device := c.Remote()
	if existing, ok := m.roster.get(device); ok && existing.conn != c && existing.conn.Outbound() && !c.Outbound() {
		slog.Debug("Duplicate member connection", "self", m.self, "peer", device)
		c.Close()
		return
	}
	if previous := m.roster.add(c); previous != nil && previous != c {
		m.untrack(previous)
		previous.Close()
	}
	m.store.Put(device, c.RemoteMetaData())
	m.track(c)
	m.disarm(timerLonelyKing)
	slog.Info("Member joined", "king", m.self, "device", device, "transport", c.Transport())

	m.broadcastCensus()
	m.publish()
	if m.roster.prince() == "" && m.pendingPrince == "" {
		m.designatePrince("")
	}
}

// designatePrince pronounces the lowest Peasant, passing over skip unless
// it is the only candidate.
func (m *Machine) designatePrince(skip proto.DeviceID) {
	candidates := m.roster.peasants()
	if len(candidates) == 0 {
		return
	}
	pick := candidates[0]
	if pick == skip && len(candidates) > 1 {
		pick = candidates[1]
	}
	member, _ := m.roster.get(pick)
	if err := member.conn.Send(proto.NewPronouncePrince()); err != nil {
		slog.Warn("Cannot pronounce prince", "king", m.self, "device", pick, "error", err)
		return
	}
	member.pronounced = true
	m.pendingPrince = pick
	m.arm(timerPrinceAck, m.cfg.PrinceAckTimeout)
	slog.Info("Prince pronounced", "king", m.self, "device", pick)
}

func (m *Machine) princeAckElapsed() {
	if m.Role() != proto.RoleKing || m.pendingPrince == "" {
		return
	}
	failed := m.pendingPrince
	m.pendingPrince = ""
	slog.Warn("Prince did not acknowledge", "king", m.self, "device", failed)
	m.designatePrince(failed)
}

func (m *Machine) kingAdmin(c transport.Conn, msg proto.AdminMessage) {
	device, ok := m.roster.owner(c)
	if !ok {
		return
	}
	member, _ := m.roster.get(device)
	switch msg.Classifier {
	case proto.ClassifierPrinceAck:
		if msg.Device != device {
			m.violation(c, "prince ack names "+string(msg.Device))
			return
		}
		if member.role == proto.RolePrince {
			return
		}
		vacant := m.pendingPrince == "" && m.roster.prince() == ""
		if m.pendingPrince != device && !(vacant && member.pronounced) {
			if !member.pronounced {
				m.violation(c, "prince ack without pronouncement")
				return
			}
			// The ack timed out and the title went elsewhere. The census
			// tells the member it is still a Peasant.
			slog.Info("Ignoring late prince ack", "king", m.self, "device", device, "pending", m.pendingPrince)
			m.sendCensus(c)
			return
		}
		m.pendingPrince = ""
		m.disarm(timerPrinceAck)
		m.roster.setRole(device, proto.RolePrince)
		slog.Info("Prince acknowledged", "king", m.self, "device", device)
		m.broadcastCensus()
		m.publish()
	case proto.ClassifierPrinceFoundAKing:
		if member.role != proto.RolePrince {
			slog.Warn("Ignoring foreign king report from non-prince", "king", m.self, "device", device)
			return
		}
		m.foreignKing(msg.Device, msg.MetaData, "reported by prince "+string(device))
	default:
		m.violation(c, "unexpected "+msg.Classifier.String()+" from member")
	}
}

// foreignKing applies the merge rule: the lower identity keeps its crown,
// the other kingdom bows down.
func (m *Machine) foreignKing(king proto.DeviceID, md []proto.ConnectionMetaData, source string) {
	if king == m.self || king == "" {
		return
	}
	if !king.Prevails(m.self) {
		slog.Debug("Foreign king does not prevail", "self", m.self, "foreign", king, "source", source)
		return
	}
	slog.Info("Foreign king prevails", "self", m.self, "foreign", king, "source", source)
	m.store.Put(king, md)
	m.bowDownTo(king, md)
	m.becomeFree("bowing to " + string(king))
	m.startConnect(king, purposeJoin)
}

// bowDownTo tells every member to join king and releases them.
func (m *Machine) bowDownTo(king proto.DeviceID, md []proto.ConnectionMetaData) {
	msg := proto.NewBowDownToNewKing(king, md)
	for _, c := range m.roster.conns() {
		if err := c.Send(msg); err != nil {
			slog.Debug("Bow down not sent", "self", m.self, "peer", c.Remote(), "error", err)
		}
		m.untrack(c)
		c.Close()
	}
	m.roster = newRoster()
	m.pendingPrince = ""
	m.disarm(timerPrinceAck)
	m.publish()
}

func (m *Machine) kingMemberClosed(c transport.Conn) {
	device, ok := m.roster.owner(c)
	if !ok {
		return
	}
	member, _ := m.roster.get(device)
	wasPrince := member.role == proto.RolePrince || m.pendingPrince == device
	m.roster.remove(device)
	if m.pendingPrince == device {
		m.pendingPrince = ""
		m.disarm(timerPrinceAck)
	}
	slog.Info("Member left", "king", m.self, "device", device)

	m.broadcastCensus()
	m.publish()
	if wasPrince {
		m.designatePrince("")
	}
	if m.roster.len() == 0 {
		m.arm(timerLonelyKing, m.cfg.LonelyKingTimeout)
	}
}

func (m *Machine) broadcastCensus() {
	if m.roster == nil || m.roster.len() == 0 {
		return
	}
	for _, c := range m.roster.conns() {
		m.sendCensus(c)
	}
}

func (m *Machine) sendCensus(c transport.Conn) {
	msg := proto.NewCensus(m.roster.census(m.self, m.medium.MetaData()))
	if err := c.Send(msg); err != nil {
		slog.Debug("Census not sent", "king", m.self, "peer", c.Remote(), "error", err)
	}
}
