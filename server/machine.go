package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

// Medium is the set of transports and beacons a Machine speaks through.
type Medium interface {
	StartListening() error
	StopListening()
	Advertise(ev proto.DiscoveryEvent)
	MetaData() []proto.ConnectionMetaData
}

type pendingConnect struct {
	device  proto.DeviceID
	purpose connectPurpose
	cancel  context.CancelFunc
}

type liveConn struct {
	conn     transport.Conn
	lastSeen time.Time
}

// Machine is the connection state machine. Events are handled one at a
// time by Run; every field below queue is owned by that loop.
type Machine struct {
	self     proto.DeviceID
	cfg      Config
	registry *ConnectionRegistry
	store    *BeaconStore
	kingdom  *Kingdom
	medium   Medium
	now      func() time.Time

	queue   *eventQueue
	role    atomic.Uint32
	running atomic.Bool

	session context.Context
	cancel  context.CancelFunc

	// King
	roster        *Roster
	pendingPrince proto.DeviceID

	// Prince and Peasant
	king       transport.Conn
	census     []proto.CensusEntry
	lastPrince proto.DeviceID
	bowingTo   proto.DeviceID
	reported   map[proto.DeviceID]time.Time

	connects   map[uint64]*pendingConnect
	connectSeq uint64
	timers     map[timerKind]uint64
	live       map[transport.Conn]*liveConn
}

func NewMachine(self proto.DeviceID, cfg Config, registry *ConnectionRegistry, store *BeaconStore, kingdom *Kingdom, medium Medium) *Machine {
	return &Machine{
		self:     self,
		cfg:      cfg,
		registry: registry,
		store:    store,
		kingdom:  kingdom,
		medium:   medium,
		now:      time.Now,
		queue:    newEventQueue(),
		timers:   make(map[timerKind]uint64),
		connects: make(map[uint64]*pendingConnect),
		live:     make(map[transport.Conn]*liveConn),
		reported: make(map[proto.DeviceID]time.Time),
	}
}

func (m *Machine) Role() proto.Role {
	return proto.Role(m.role.Load())
}

// Post queues ev for the loop. It is safe to call from any goroutine and
// never blocks. Stop events jump the queue.
func (m *Machine) Post(ev Event) {
	if _, ok := ev.(StopEvent); ok {
		m.queue.pushUrgent(ev)
		return
	}
	m.queue.push(ev)
}

func (m *Machine) Start() {
	m.Post(StartEvent{})
}

// Stop queues a stop ahead of all pending events. The returned channel is
// closed once the machine has stopped.
func (m *Machine) Stop() <-chan struct{} {
	done := make(chan struct{})
	m.Post(StopEvent{Done: done})
	return done
}

// Discovered feeds a beacon report to the machine.
func (m *Machine) Discovered(ev proto.DiscoveryEvent) {
	m.Post(DiscoveryReceived{Discovery: ev})
}

func (m *Machine) ConnectionEstablished(c transport.Conn) {
	m.Post(ConnectionEstablished{Conn: c})
}

func (m *Machine) ConnectionClosed(c transport.Conn) {
	m.Post(ConnectionClosed{Conn: c})
}

// Run handles events until ctx is done, then stops the session. Only one
// Run may be active at a time.
func (m *Machine) Run(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)
	for {
		if ctx.Err() != nil {
			m.shutdown()
			return
		}
		ev, ok := m.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				m.shutdown()
				return
			case <-m.queue.ready():
			}
			continue
		}
		m.handle(ev)
	}
}

func (m *Machine) shutdown() {
	m.handleStop(nil)
	for {
		ev, ok := m.queue.pop()
		if !ok {
			return
		}
		if stop, ok := ev.(StopEvent); ok && stop.Done != nil {
			close(stop.Done)
		}
	}
}

func (m *Machine) handle(ev Event) {
	switch e := ev.(type) {
	case StartEvent:
		m.handleStart()
	case StopEvent:
		m.handleStop(e.Done)
	case DiscoveryReceived:
		m.handleDiscovery(e.Discovery)
	case ConnectionEstablished:
		m.handleEstablished(e.Conn)
	case ConnectionClosed:
		m.handleClosed(e.Conn)
	case AdminReceived:
		m.handleAdmin(e.Conn, e.Message)
	case ConnectResult:
		m.handleConnectResult(e)
	case TimerFired:
		m.handleTimer(e)
	default:
		slog.Warn("Unknown event", "event", ev.eventName())
	}
}

func (m *Machine) handleStart() {
	if m.Role() != proto.RoleStopped {
		slog.Debug("Start ignored", "self", m.self, "role", m.Role())
		return
	}
	if err := m.medium.StartListening(); err != nil {
		slog.Error("Cannot start listening", "self", m.self, "error", err)
		return
	}
	m.session, m.cancel = context.WithCancel(context.Background())
	slog.Info("Machine started", "self", m.self)
	m.arm(timerKeepAlive, m.cfg.KeepAliveInterval)
	m.arm(timerCensus, m.cfg.CensusInterval)
	m.becomeFree("start")
}

func (m *Machine) handleStop(done chan struct{}) {
	if done != nil {
		defer close(done)
	}
	if m.Role() == proto.RoleStopped {
		return
	}
	m.cancel()
	for kind := range m.timers {
		m.disarm(kind)
	}
	for c := range m.live {
		m.untrack(c)
		c.Close()
	}
	m.registry.CloseAll()
	m.medium.StopListening()
	m.store.Clear()

	m.roster = nil
	m.pendingPrince = ""
	m.king = nil
	m.census = nil
	m.lastPrince = ""
	m.bowingTo = ""
	clear(m.reported)
	clear(m.connects)

	m.setRole(proto.RoleStopped, "stop")
	m.publish()
}

func (m *Machine) handleDiscovery(ev proto.DiscoveryEvent) {
	if m.Role() == proto.RoleStopped || ev.Device == m.self || ev.Device.Validate() != nil {
		return
	}
	m.store.Put(ev.Device, ev.MetaData)
	switch m.Role() {
	case proto.RoleFree:
		m.freeDiscovered(ev)
	case proto.RoleKing:
		m.kingDiscovered(ev)
	case proto.RolePrince:
		m.princeDiscovered(ev)
	}
}

// handleEstablished sees inbound connections only. Outbound ones arrive as
// ConnectResult.
func (m *Machine) handleEstablished(c transport.Conn) {
	if c.Outbound() || isClosed(c) {
		return
	}
	switch m.Role() {
	case proto.RoleStopped:
		c.Close()
	case proto.RoleFree:
		m.freeInbound(c)
	case proto.RoleKing:
		m.kingInbound(c)
	default:
		m.followerInbound(c)
	}
}

func (m *Machine) handleClosed(c transport.Conn) {
	m.untrack(c)
	switch m.Role() {
	case proto.RoleKing:
		m.kingMemberClosed(c)
	case proto.RolePrince, proto.RolePeasant:
		if c == m.king {
			m.kingLost(c)
		}
	}
}

func (m *Machine) handleAdmin(c transport.Conn, msg proto.AdminMessage) {
	lc, ok := m.live[c]
	if !ok {
		return
	}
	lc.lastSeen = m.now()
	if msg.Classifier == proto.ClassifierKeepAlive {
		return
	}
	switch m.Role() {
	case proto.RoleKing:
		m.kingAdmin(c, msg)
	case proto.RolePrince, proto.RolePeasant:
		if c == m.king {
			m.followerAdmin(c, msg)
		}
	}
}

func (m *Machine) handleConnectResult(r ConnectResult) {
	pc, ok := m.connects[r.ID]
	if ok {
		delete(m.connects, r.ID)
		pc.cancel()
	}
	if r.Err == nil && m.inUse(r.Conn) {
		return
	}
	if !ok {
		if r.Conn != nil {
			r.Conn.Close()
		}
		return
	}
	if r.Err == nil && isClosed(r.Conn) {
		r.Err = transport.ErrClosed
	}
	if r.Err != nil {
		slog.Info("Connect failed", "self", m.self, "peer", r.Device, "purpose", r.Purpose, "error", r.Err)
		if r.Purpose == purposeBowDown && m.Role().Follower() && m.king == nil && m.bowingTo == r.Device {
			m.becomeFree("new king unreachable")
		}
		return
	}

	c := r.Conn
	switch r.Purpose {
	case purposeJoin:
		if m.Role() == proto.RoleFree && (c.RemoteRole() == proto.RoleKing || c.RemoteRole() == proto.RoleFree) {
			m.bindKing(c, "joined "+string(c.Remote()))
			return
		}
	case purposeBowDown:
		if m.Role().Follower() && m.king == nil && m.bowingTo == r.Device {
			m.bindKing(c, "bowed down to "+string(c.Remote()))
			return
		}
	case purposeReclaim:
		if m.Role() == proto.RoleKing {
			m.admit(c)
			return
		}
	}
	slog.Debug("Discarding connection", "self", m.self, "peer", c.Remote(), "purpose", r.Purpose, "role", m.Role())
	c.Close()
}

func (m *Machine) handleTimer(t TimerFired) {
	if m.timers[t.Kind] != t.Gen || m.Role() == proto.RoleStopped {
		return
	}
	switch t.Kind {
	case timerElection:
		m.electionElapsed()
	case timerLonelyKing:
		m.lonelyKingElapsed()
	case timerPrinceAck:
		m.princeAckElapsed()
	case timerKeepAlive:
		m.keepAlive()
		m.arm(timerKeepAlive, m.cfg.KeepAliveInterval)
	case timerCensus:
		if m.Role() == proto.RoleKing {
			m.broadcastCensus()
		}
		m.arm(timerCensus, m.cfg.CensusInterval)
	}
}

// keepAlive pings every owned connection and closes those that stayed
// silent past DeadAfter.
func (m *Machine) keepAlive() {
	now := m.now()
	for c, lc := range m.live {
		if now.Sub(lc.lastSeen) > m.cfg.DeadAfter {
			slog.Info("Connection silent, closing", "self", m.self, "peer", c.Remote(), "silent_for", now.Sub(lc.lastSeen))
			m.untrack(c)
			c.Close()
			continue
		}
		if err := c.Send(proto.NewKeepAlive()); err != nil {
			slog.Debug("KeepAlive not sent", "self", m.self, "peer", c.Remote(), "error", err)
		}
	}
}

func (m *Machine) arm(kind timerKind, d time.Duration) {
	m.timers[kind]++
	gen := m.timers[kind]
	time.AfterFunc(d, func() {
		m.Post(TimerFired{Kind: kind, Gen: gen})
	})
}

func (m *Machine) disarm(kind timerKind) {
	m.timers[kind]++
}

func (m *Machine) startConnect(device proto.DeviceID, purpose connectPurpose) {
	m.connectSeq++
	id := m.connectSeq
	ctx, cancel := context.WithCancel(m.session)
	m.connects[id] = &pendingConnect{device: device, purpose: purpose, cancel: cancel}
	slog.Debug("Connecting", "self", m.self, "peer", device, "purpose", purpose)
	go func() {
		defer cancel()
		conn, err := m.registry.Connect(ctx, device, m.cfg.ConnectRetries)
		m.Post(ConnectResult{ID: id, Device: device, Purpose: purpose, Conn: conn, Err: err})
	}()
}

func (m *Machine) connecting(purpose connectPurpose) bool {
	for _, pc := range m.connects {
		if pc.purpose == purpose {
			return true
		}
	}
	return false
}

// inUse reports whether c is the King connection or a roster connection.
func (m *Machine) inUse(c transport.Conn) bool {
	if c == nil {
		return false
	}
	if c == m.king {
		return true
	}
	if m.roster != nil {
		_, ok := m.roster.owner(c)
		return ok
	}
	return false
}

// track takes ownership of c: it starts reading, joins the liveness sweep
// and is reported to listeners.
func (m *Machine) track(c transport.Conn) {
	if _, ok := m.live[c]; ok {
		return
	}
	m.live[c] = &liveConn{conn: c, lastSeen: m.now()}
	c.Serve(m.deliver)
	m.kingdom.connected(c)
}

func (m *Machine) untrack(c transport.Conn) bool {
	if _, ok := m.live[c]; !ok {
		return false
	}
	delete(m.live, c)
	m.kingdom.disconnected(c)
	return true
}

func (m *Machine) deliver(c transport.Conn, msg proto.AdminMessage) {
	m.Post(AdminReceived{Conn: c, Message: msg})
}

// violation closes a connection that broke the protocol. The resulting
// ConnectionClosed drives any role change.
func (m *Machine) violation(c transport.Conn, reason string) {
	slog.Error("Protocol violation, closing connection", "self", m.self, "peer", c.Remote(), "reason", reason)
	m.untrack(c)
	c.Close()
}

func isClosed(c transport.Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

func (m *Machine) setRole(to proto.Role, reason string) {
	from := m.Role()
	if from == to {
		return
	}
	m.role.Store(uint32(to))
	slog.Info("Role changed", "device", m.self, "from", from, "to", to, "reason", reason)
	m.advertise()
}

func (m *Machine) advertise() {
	if m.Role() == proto.RoleStopped {
		return
	}
	m.medium.Advertise(proto.DiscoveryEvent{Device: m.self, State: m.Role(), MetaData: m.medium.MetaData()})
}

// publish rebuilds the kingdom view from machine state.
func (m *Machine) publish() {
	v := View{Role: m.Role()}
	switch v.Role {
	case proto.RoleFree:
		v.Members = []Member{{Device: m.self, Role: proto.RoleFree, MetaData: m.medium.MetaData()}}
	case proto.RoleKing:
		v.King = m.self
		v.Prince = m.roster.prince()
		v.Members = membersFromCensus(m.roster.census(m.self, m.medium.MetaData()))
	case proto.RolePrince, proto.RolePeasant:
		if m.king != nil {
			v.King = m.king.Remote()
		}
		entries := m.census
		if len(entries) == 0 {
			entries = []proto.CensusEntry{{Device: m.self, Role: v.Role, MetaData: m.medium.MetaData()}}
			if m.king != nil {
				entries = append(entries, proto.CensusEntry{Device: m.king.Remote(), Role: proto.RoleKing, MetaData: m.king.RemoteMetaData()})
			}
		}
		v.Members = membersFromCensus(entries)
		for i := range v.Members {
			if v.Members[i].Device == m.self {
				v.Members[i].Role = v.Role
			}
			if v.Members[i].Role == proto.RolePrince {
				v.Prince = v.Members[i].Device
			}
		}
	}
	m.kingdom.update(v)
}

func (m *Machine) becomeFree(reason string) {
	m.releaseKingdom()
	m.disarm(timerLonelyKing)
	m.disarm(timerPrinceAck)
	m.setRole(proto.RoleFree, reason)
	m.arm(timerElection, m.cfg.ElectionWindow)
	m.publish()
}

func (m *Machine) becomeKing(reason string) {
	m.releaseKingdom()
	m.roster = newRoster()
	m.disarm(timerElection)
	m.setRole(proto.RoleKing, reason)
	m.arm(timerLonelyKing, m.cfg.LonelyKingTimeout)
	m.publish()
}

// bindKing makes c the King connection and the local device a Peasant.
func (m *Machine) bindKing(c transport.Conn, reason string) {
	if m.king != nil && m.king != c {
		m.untrack(m.king)
		m.king.Close()
	}
	if m.king == nil || m.king.Remote() != c.Remote() {
		m.census = nil
		m.lastPrince = ""
	}
	m.roster = nil
	m.pendingPrince = ""
	m.king = c
	m.bowingTo = ""
	m.disarm(timerElection)
	m.disarm(timerLonelyKing)
	m.disarm(timerPrinceAck)
	m.setRole(proto.RolePeasant, reason)
	m.track(c)
	m.publish()
}

// releaseKingdom closes every connection the current role owns.
func (m *Machine) releaseKingdom() {
	if m.roster != nil {
		for _, c := range m.roster.conns() {
			m.untrack(c)
			c.Close()
		}
		m.roster = nil
	}
	if m.king != nil {
		m.untrack(m.king)
		m.king.Close()
		m.king = nil
	}
	m.pendingPrince = ""
	m.census = nil
	m.lastPrince = ""
	m.bowingTo = ""
}

func (m *Machine) electionElapsed() {
	if m.Role() != proto.RoleFree {
		return
	}
	if m.connecting(purposeJoin) {
		m.arm(timerElection, m.cfg.ElectionWindow)
		return
	}
	m.becomeKing("election window elapsed")
}

func (m *Machine) lonelyKingElapsed() {
	if m.Role() != proto.RoleKing || m.roster.len() > 0 {
		return
	}
	if m.connecting(purposeReclaim) {
		m.arm(timerLonelyKing, m.cfg.LonelyKingTimeout)
		return
	}
	m.becomeFree("no followers")
}
