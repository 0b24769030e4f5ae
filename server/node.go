package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

var ErrNoTransports = errors.New("server: node needs at least one transport")

type NodeOptions struct {
	Device     proto.DeviceID        // Optional (defaults to a random id)
	Config     *Config               // Optional (defaults to DefaultConfig())
	Transports []transport.Transport // At least one
	Beacons    []transport.Beacon    // Optional, a transport that is also a Beacon is added automatically
}

// Node bundles everything one device needs to take part in a kingdom.
type Node struct {
	id         proto.DeviceID
	cfg        Config
	transports []transport.Transport
	beacons    []transport.Beacon

	store    *BeaconStore
	registry *ConnectionRegistry
	kingdom  *Kingdom
	machine  *Machine

	mu     sync.Mutex
	cancel context.CancelFunc
	loop   chan struct{}
}

func NewNode(opts NodeOptions) (*Node, error) {
	if opts.Device == "" {
		opts.Device = proto.NewDeviceID()
	}
	if err := opts.Device.Validate(); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Transports) == 0 {
		return nil, ErrNoTransports
	}
	names := make(map[string]bool, len(opts.Transports))
	for _, t := range opts.Transports {
		if names[t.Name()] {
			return nil, fmt.Errorf("%w: duplicate transport %q", ErrInvalidConfig, t.Name())
		}
		names[t.Name()] = true
		if err := t.MetaData().Validate(); err != nil {
			return nil, fmt.Errorf("transport %s: %w", t.Name(), err)
		}
	}

	n := &Node{
		id:         opts.Device,
		cfg:        cfg,
		transports: opts.Transports,
		beacons:    opts.Beacons,
		store:      NewBeaconStore(cfg.BeaconTTL),
		kingdom:    NewKingdom(opts.Device),
	}
	for _, t := range opts.Transports {
		if b, ok := t.(transport.Beacon); ok && !containsBeacon(n.beacons, b) {
			n.beacons = append(n.beacons, b)
		}
	}
	n.registry = NewConnectionRegistry(n.store, n.transports...)
	n.machine = NewMachine(n.id, cfg, n.registry, n.store, n.kingdom, n)

	hello := func() proto.Hello {
		return proto.Hello{Device: n.id, Role: n.machine.Role(), MetaData: n.MetaData()}
	}
	n.registry.Identify(hello)
	n.registry.AddListener(n.machine)
	for _, t := range n.transports {
		t.Identify(hello)
		t.OnInbound(n.registry.Register)
	}
	for _, b := range n.beacons {
		b.OnDiscovery(n.machine.Discovered)
	}
	return n, nil
}

func containsBeacon(list []transport.Beacon, b transport.Beacon) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

func (n *Node) ID() proto.DeviceID {
	return n.id
}

func (n *Node) Config() Config {
	return n.cfg
}

func (n *Node) Role() proto.Role {
	return n.machine.Role()
}

func (n *Node) View() View {
	return n.kingdom.View()
}

func (n *Node) AddListener(l Listener) {
	n.kingdom.AddListener(l)
}

// Connections returns every open connection, including ones the machine
// has not bound to a role.
func (n *Node) Connections() []transport.Conn {
	return n.registry.All()
}

func (n *Node) Transports() []transport.Info {
	out := make([]transport.Info, 0, len(n.transports))
	for _, t := range n.transports {
		out = append(out, t.Info())
	}
	return out
}

// Start launches the event loop if needed and asks the machine to start.
func (n *Node) Start() {
	n.mu.Lock()
	if n.loop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		n.cancel = cancel
		n.loop = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			n.machine.Run(ctx)
		}(n.loop)
	}
	n.mu.Unlock()
	n.machine.Start()
}

// Stop returns once the machine is Stopped and every connection closed.
// The node can be started again.
func (n *Node) Stop() {
	n.mu.Lock()
	running := n.loop != nil
	n.mu.Unlock()
	if !running {
		return
	}
	<-n.machine.Stop()
}

// Run starts the node and blocks until ctx is done, then stops it.
func (n *Node) Run(ctx context.Context) error {
	n.Start()
	<-ctx.Done()
	n.Close()
	return nil
}

// Close stops the node and ends its event loop.
func (n *Node) Close() {
	n.mu.Lock()
	cancel, loop := n.cancel, n.loop
	n.cancel, n.loop = nil, nil
	n.mu.Unlock()
	if loop == nil {
		return
	}
	<-n.machine.Stop()
	cancel()
	<-loop
}

// StartListening starts every transport, then every beacon. On failure the
// ones already started are stopped again.
func (n *Node) StartListening() error {
	var started []func() error
	for _, t := range n.transports {
		if err := t.StartListening(); err != nil {
			stopAll(started)
			return fmt.Errorf("start transport %s: %w", t.Name(), err)
		}
		started = append(started, t.StopListening)
	}
	for _, b := range n.beacons {
		if _, isTransport := b.(transport.Transport); isTransport {
			continue
		}
		if err := b.StartListening(); err != nil {
			stopAll(started)
			return fmt.Errorf("start beacon %s: %w", b.Name(), err)
		}
		started = append(started, b.StopListening)
	}
	slog.Info("Node listening", "device", n.id, "transports", len(n.transports), "beacons", len(n.beacons))
	return nil
}

func stopAll(fns []func() error) {
	for _, fn := range fns {
		if err := fn(); err != nil {
			slog.Warn("Stop listening failed", "error", err)
		}
	}
}

func (n *Node) StopListening() {
	for _, b := range n.beacons {
		if _, isTransport := b.(transport.Transport); isTransport {
			continue
		}
		if err := b.StopListening(); err != nil {
			slog.Warn("Cannot stop beacon", "beacon", b.Name(), "error", err)
		}
	}
	for _, t := range n.transports {
		if err := t.StopListening(); err != nil {
			slog.Warn("Cannot stop transport", "transport", t.Name(), "error", err)
		}
	}
}

func (n *Node) Advertise(ev proto.DiscoveryEvent) {
	for _, b := range n.beacons {
		b.Advertise(ev)
	}
}

// MetaData lists how to reach this node over each transport.
func (n *Node) MetaData() []proto.ConnectionMetaData {
	out := make([]proto.ConnectionMetaData, 0, len(n.transports))
	for _, t := range n.transports {
		out = append(out, t.MetaData())
	}
	return out
}

// ConnectionInfo describes one open connection for status surfaces.
type ConnectionInfo struct {
	ID         string         `json:"id"`
	Device     proto.DeviceID `json:"device"`
	Role       proto.Role     `json:"role"`
	Transport  string         `json:"transport"`
	RemoteAddr string         `json:"remote_addr"`
	Outbound   bool           `json:"outbound"`
}

func DescribeConn(c transport.Conn) ConnectionInfo {
	return ConnectionInfo{
		ID:         c.ID(),
		Device:     c.Remote(),
		Role:       c.RemoteRole(),
		Transport:  c.Transport(),
		RemoteAddr: c.RemoteAddr(),
		Outbound:   c.Outbound(),
	}
}
