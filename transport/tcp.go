package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mbocsi/kingdom/proto"
)

// TCPTransport carries kingdom connections over plain TCP.
type TCPTransport struct {
	Addr string
	// Advertised overrides the address peers are told to dial, e.g. when
	// Addr binds 0.0.0.0.
	Advertised string

	cfg         Config
	name        string
	description string
	maxConns    int

	mu        sync.RWMutex
	listener  net.Listener
	onInbound func(Conn)
	hello     HelloFunc

	conns *connSet
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{Addr: addr, cfg: DefaultConfig(), maxConns: 64, conns: newConnSet()}
}

func (t *TCPTransport) Name() string { return "tcp" }

func (t *TCPTransport) StartListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return nil
	}
	slog.Info("Starting tcp listener", "addr", t.Addr)
	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", t.Addr, err)
	}
	t.listener = l
	go t.acceptLoop(l)
	return nil
}

func (t *TCPTransport) acceptLoop(l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("TCP accept failed", "addr", t.Addr, "error", err)
			}
			return // listener closed
		}
		if t.conns.len() >= t.maxConns {
			slog.Warn("Max connections reached, rejecting connection", "remote_addr", c.RemoteAddr())
			c.Close()
			continue
		}
		go t.handleConnection(c)
	}
}

func (t *TCPTransport) handleConnection(c net.Conn) {
	t.mu.RLock()
	hello := t.hello
	fn := t.onInbound
	cfg := t.cfg
	t.mu.RUnlock()

	if hello == nil || fn == nil {
		slog.Error("TCP transport has no inbound handler, dropping connection", "remote_addr", c.RemoteAddr())
		c.Close()
		return
	}
	conn, err := acceptNet(t.Name(), c, hello(), cfg)
	if err != nil {
		slog.Warn("TCP handshake failed", "remote_addr", c.RemoteAddr(), "error", err)
		return
	}
	slog.Info("Device connected", "addr", conn.RemoteAddr(), "device", conn.Remote())
	t.conns.add(conn)
	fn(conn)
}

func (t *TCPTransport) StopListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	slog.Info("Stopping tcp listener", "addr", t.Addr)
	err := t.listener.Close()
	t.listener = nil
	return err
}

func (t *TCPTransport) Connect(ctx context.Context, md proto.ConnectionMetaData, hello proto.Hello) (Conn, error) {
	if md.Transport != t.Name() {
		return nil, ErrWrongTransport
	}
	addr := md.Get(proto.KeyAddr)
	if addr == "" {
		return nil, ErrMissingAddress
	}
	cfg := t.Config()
	d := net.Dialer{Timeout: cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := dialNet(t.Name(), c, hello, cfg)
	if err != nil {
		return nil, err
	}
	t.conns.add(conn)
	slog.Info("Connected to device", "addr", addr, "device", conn.Remote())
	return conn, nil
}

func (t *TCPTransport) OnInbound(fn func(Conn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onInbound = fn
}

func (t *TCPTransport) Identify(fn HelloFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hello = fn
}

func (t *TCPTransport) MetaData() proto.ConnectionMetaData {
	return proto.NewMetaData(t.Name(), proto.KeyAddr, t.address())
}

func (t *TCPTransport) address() string {
	if t.Advertised != "" {
		return t.Advertised
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.Addr
}

func (t *TCPTransport) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

func (t *TCPTransport) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg.withDefaults()
}

func (t *TCPTransport) Info() Info {
	t.mu.RLock()
	listening := t.listener != nil
	t.mu.RUnlock()
	return Info{
		Name:        t.name,
		Protocol:    "tcp",
		Address:     t.address(),
		Description: t.description,
		Listening:   listening,
		Connections: t.conns.len(),
	}
}

func (t *TCPTransport) SetName(name string) {
	t.name = name
}

func (t *TCPTransport) SetDescription(description string) {
	t.description = description
}

func (t *TCPTransport) SetMaxConnections(n int) {
	t.maxConns = n
}
