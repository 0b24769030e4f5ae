package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mbocsi/kingdom/proto"
)

const DefaultMemoryBeaconInterval = 100 * time.Millisecond

// Network is an in-process medium for MemoryTransports. Every attached
// transport hears every other one unless a reachability rule says otherwise.
type Network struct {
	mu        sync.RWMutex
	nodes     map[string]*MemoryTransport
	reachable func(from, to string) bool
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*MemoryTransport)}
}

// SetReachability installs a rule deciding whether from can hear and dial
// to. A nil rule makes every pair reachable.
func (n *Network) SetReachability(fn func(from, to string) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reachable = fn
}

// Partition splits the network so that only addresses in the same group
// reach each other. Addresses outside every group are isolated.
func (n *Network) Partition(groups ...[]string) {
	member := make(map[string]int)
	for i, g := range groups {
		for _, addr := range g {
			member[addr] = i
		}
	}
	n.SetReachability(func(from, to string) bool {
		gf, ok1 := member[from]
		gt, ok2 := member[to]
		return ok1 && ok2 && gf == gt
	})
}

func (n *Network) Heal() {
	n.SetReachability(nil)
}

func (n *Network) canReach(from, to string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reachable == nil || n.reachable(from, to)
}

func (n *Network) attach(t *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[t.addr] = t
}

func (n *Network) detach(t *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nodes[t.addr] == t {
		delete(n.nodes, t.addr)
	}
}

func (n *Network) lookup(addr string) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[addr]
}

func (n *Network) peers(from string) []*MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemoryTransport, 0, len(n.nodes))
	for addr, t := range n.nodes {
		if addr == from {
			continue
		}
		if n.reachable != nil && !n.reachable(from, addr) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// MemoryTransport is both a Transport and a Beacon on a Network.
// Connections are net.Pipe pairs carrying the regular wire format.
type MemoryTransport struct {
	network        *Network
	addr           string
	cfg            Config
	beaconInterval time.Duration

	mu          sync.RWMutex
	listening   bool
	stop        chan struct{}
	onInbound   func(Conn)
	onDiscovery func(proto.DiscoveryEvent)
	hello       HelloFunc
	advert      *proto.DiscoveryEvent

	conns *connSet
}

func NewMemoryTransport(n *Network, addr string) *MemoryTransport {
	return &MemoryTransport{
		network:        n,
		addr:           addr,
		cfg:            DefaultConfig(),
		beaconInterval: DefaultMemoryBeaconInterval,
		conns:          newConnSet(),
	}
}

func (t *MemoryTransport) Name() string { return "memory" }

func (t *MemoryTransport) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg.withDefaults()
}

func (t *MemoryTransport) SetBeaconInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beaconInterval = d
}

func (t *MemoryTransport) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

func (t *MemoryTransport) StartListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listening {
		return nil
	}
	if t.network.lookup(t.addr) != nil {
		return fmt.Errorf("memory transport: address %q already in use", t.addr)
	}
	t.listening = true
	t.stop = make(chan struct{})
	t.network.attach(t)
	go t.beaconLoop(t.stop, t.beaconInterval)
	slog.Debug("Memory transport listening", "addr", t.addr)
	return nil
}

func (t *MemoryTransport) StopListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.listening {
		return nil
	}
	t.listening = false
	close(t.stop)
	t.advert = nil
	t.network.detach(t)
	slog.Debug("Memory transport stopped", "addr", t.addr)
	return nil
}

func (t *MemoryTransport) OnInbound(fn func(Conn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onInbound = fn
}

func (t *MemoryTransport) OnDiscovery(fn func(proto.DiscoveryEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDiscovery = fn
}

func (t *MemoryTransport) Identify(fn HelloFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hello = fn
}

func (t *MemoryTransport) MetaData() proto.ConnectionMetaData {
	return proto.NewMetaData(t.Name(), proto.KeyAddr, t.addr)
}

func (t *MemoryTransport) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Info{
		Name:        t.Name(),
		Protocol:    "memory",
		Address:     t.addr,
		Description: "in-process network",
		Listening:   t.listening,
		Connections: t.conns.len(),
	}
}

// Advertise stores ev and delivers it to every reachable peer at once and
// again on each beacon tick.
func (t *MemoryTransport) Advertise(ev proto.DiscoveryEvent) {
	t.mu.Lock()
	if !t.listening {
		t.mu.Unlock()
		return
	}
	stored := ev
	stored.MetaData = proto.CloneMetaData(ev.MetaData)
	t.advert = &stored
	t.mu.Unlock()
	t.broadcast(stored)
}

func (t *MemoryTransport) beaconLoop(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.RLock()
			advert := t.advert
			t.mu.RUnlock()
			if advert != nil {
				t.broadcast(*advert)
			}
		}
	}
}

func (t *MemoryTransport) broadcast(ev proto.DiscoveryEvent) {
	for _, peer := range t.network.peers(t.addr) {
		peer.hear(ev)
	}
}

func (t *MemoryTransport) hear(ev proto.DiscoveryEvent) {
	t.mu.RLock()
	fn := t.onDiscovery
	listening := t.listening
	t.mu.RUnlock()
	if !listening || fn == nil {
		return
	}
	ev.MetaData = proto.CloneMetaData(ev.MetaData)
	ev.Via = t.Name()
	ev.SeenAt = time.Now()
	fn(ev)
}

func (t *MemoryTransport) Connect(ctx context.Context, md proto.ConnectionMetaData, hello proto.Hello) (Conn, error) {
	if md.Transport != t.Name() {
		return nil, ErrWrongTransport
	}
	addr := md.Get(proto.KeyAddr)
	if addr == "" {
		return nil, ErrMissingAddress
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := t.network.lookup(addr)
	if target == nil || !t.network.canReach(t.addr, addr) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	client, server := net.Pipe()
	go target.accept(server)

	conn, err := dialNet(t.Name(), client, hello, t.Config())
	if err != nil {
		return nil, err
	}
	t.conns.add(conn)
	slog.Debug("Memory connection opened", "addr", addr, "remote", conn.Remote())
	return conn, nil
}

func (t *MemoryTransport) accept(c net.Conn) {
	t.mu.RLock()
	listening := t.listening
	hello := t.hello
	fn := t.onInbound
	cfg := t.cfg
	t.mu.RUnlock()

	if !listening || hello == nil || fn == nil {
		c.Close()
		return
	}
	conn, err := acceptNet(t.Name(), c, hello(), cfg)
	if err != nil {
		slog.Debug("Memory handshake failed", "addr", t.addr, "error", err)
		return
	}
	t.conns.add(conn)
	fn(conn)
}
