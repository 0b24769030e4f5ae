package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/kingdom/proto"
)

var ErrSelfConnection = errors.New("transport: connected to self")

// Conn is an established, identified connection to a peer device.
//
// Close notifications fire exactly once per registered callback, whichever
// side closed. Callbacks registered after the connection closed run
// immediately.
type Conn interface {
	ID() string
	Remote() proto.DeviceID
	RemoteRole() proto.Role
	RemoteMetaData() []proto.ConnectionMetaData
	RemoteAddr() string
	Transport() string
	Outbound() bool
	// Send queues msg for delivery and never blocks on the network.
	Send(msg proto.AdminMessage) error
	// Serve starts delivering inbound admin messages to handler. Only the
	// first call has an effect.
	Serve(handler func(Conn, proto.AdminMessage))
	OnClose(fn func(Conn))
	// Close flushes queued messages, bounded by the write timeout, then
	// closes the underlying stream.
	Close() error
	Done() <-chan struct{}
	Err() error
}

// stream is a framed duplex byte channel.
type stream interface {
	ReadFrame() (proto.Frame, error)
	WriteFrame(proto.Frame) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	RemoteAddr() string
	Close() error
}

const outboxSize = 64

type streamConn struct {
	id           string
	transport    string
	outbound     bool
	remote       proto.Hello
	s            stream
	writeTimeout time.Duration

	seq     atomic.Uint64
	outbox  chan proto.Frame
	closing chan struct{}
	done    chan struct{}

	serveOnce   sync.Once
	closingOnce sync.Once
	doneOnce    sync.Once

	mu        sync.Mutex
	err       error
	listeners []func(Conn)
}

func newStreamConn(transport string, s stream, remote proto.Hello, outbound bool, writeTimeout time.Duration) *streamConn {
	c := &streamConn{
		id:           generateConnID(transport),
		transport:    transport,
		outbound:     outbound,
		remote:       remote,
		s:            s,
		writeTimeout: writeTimeout,
		outbox:       make(chan proto.Frame, outboxSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *streamConn) ID() string { return c.id }
func (c *streamConn) Remote() proto.DeviceID { return c.remote.Device }
func (c *streamConn) RemoteRole() proto.Role { return c.remote.Role }
func (c *streamConn) RemoteAddr() string { return c.s.RemoteAddr() }
func (c *streamConn) Transport() string { return c.transport }
func (c *streamConn) Outbound() bool { return c.outbound }
func (c *streamConn) Done() <-chan struct{} { return c.done }

func (c *streamConn) RemoteMetaData() []proto.ConnectionMetaData {
	return proto.CloneMetaData(c.remote.MetaData)
}

func (c *streamConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *streamConn) Send(msg proto.AdminMessage) error {
	f, err := proto.AdminFrame(c.seq.Add(1), msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- f:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		slog.Warn("Outbox full, dropping connection", "id", c.id, "remote", c.remote.Device)
		c.shutdown(ErrOutboxFull)
		return ErrOutboxFull
	}
}

func (c *streamConn) Serve(handler func(Conn, proto.AdminMessage)) {
	c.serveOnce.Do(func() {
		go c.readLoop(handler)
	})
}

func (c *streamConn) OnClose(fn func(Conn)) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		fn(c)
		return
	default:
	}
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *streamConn) Close() error {
	c.closingOnce.Do(func() {
		close(c.closing)
		time.AfterFunc(c.writeTimeout, func() { c.shutdown(nil) })
	})
	return nil
}

func (c *streamConn) readLoop(handler func(Conn, proto.AdminMessage)) {
	for {
		f, err := c.s.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				slog.Debug("Connection ended", "id", c.id, "remote", c.remote.Device)
			} else {
				slog.Info("Connection read failed", "id", c.id, "remote", c.remote.Device, "error", err)
			}
			c.shutdown(err)
			return
		}
		msg, err := proto.DecodeAdmin(f)
		if err != nil {
			slog.Error("Protocol violation, closing connection", "id", c.id, "remote", c.remote.Device, "error", err)
			c.shutdown(err)
			return
		}
		slog.Debug("Admin message received", "id", c.id, "remote", c.remote.Device, "message", msg.String())
		handler(c, msg)
	}
}

func (c *streamConn) writeLoop() {
	for {
		select {
		case f := <-c.outbox:
			if err := c.write(f); err != nil {
				slog.Info("Connection write failed", "id", c.id, "remote", c.remote.Device, "error", err)
				c.shutdown(err)
				return
			}
		case <-c.closing:
			c.flush()
			c.shutdown(nil)
			return
		case <-c.done:
			return
		}
	}
}

func (c *streamConn) flush() {
	for {
		select {
		case f := <-c.outbox:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *streamConn) write(f proto.Frame) error {
	if c.writeTimeout > 0 {
		_ = c.s.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.s.WriteFrame(f)
}

func (c *streamConn) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		listeners := c.listeners
		c.listeners = nil
		close(c.done)
		c.mu.Unlock()

		c.s.Close()
		slog.Debug("Connection closed", "id", c.id, "remote", c.remote.Device, "transport", c.transport)
		for _, fn := range listeners {
			fn(c)
		}
	})
}

// handshake exchanges hellos. The initiator writes first.
func handshake(s stream, local proto.Hello, initiator bool, timeout time.Duration) (proto.Hello, error) {
	if timeout > 0 {
		deadline := time.Now().Add(timeout)
		_ = s.SetReadDeadline(deadline)
		_ = s.SetWriteDeadline(deadline)
		defer func() {
			_ = s.SetReadDeadline(time.Time{})
			_ = s.SetWriteDeadline(time.Time{})
		}()
	}
	f, err := proto.HelloFrame(local)
	if err != nil {
		return proto.Hello{}, err
	}
	if initiator {
		if err := s.WriteFrame(f); err != nil {
			return proto.Hello{}, fmt.Errorf("write hello: %w", err)
		}
	}
	in, err := s.ReadFrame()
	if err != nil {
		return proto.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	remote, err := proto.DecodeHello(in)
	if err != nil {
		return proto.Hello{}, err
	}
	if remote.Device == local.Device {
		return proto.Hello{}, ErrSelfConnection
	}
	if !initiator {
		if err := s.WriteFrame(f); err != nil {
			return proto.Hello{}, fmt.Errorf("write hello: %w", err)
		}
	}
	return remote, nil
}

type netStream struct {
	c      net.Conn
	r      *bufio.Reader
	limits proto.Limits
}

func newNetStream(c net.Conn) *netStream {
	return &netStream{c: c, r: bufio.NewReader(c), limits: proto.DefaultLimits()}
}

func (s *netStream) ReadFrame() (proto.Frame, error) {
	return proto.ReadFrame(s.r, s.limits)
}

func (s *netStream) WriteFrame(f proto.Frame) error {
	b, err := proto.MarshalFrame(f, s.limits)
	if err != nil {
		return err
	}
	_, err = s.c.Write(b)
	return err
}

func (s *netStream) SetReadDeadline(t time.Time) error { return s.c.SetReadDeadline(t) }
func (s *netStream) SetWriteDeadline(t time.Time) error { return s.c.SetWriteDeadline(t) }
func (s *netStream) RemoteAddr() string { return s.c.RemoteAddr().String() }
func (s *netStream) Close() error { return s.c.Close() }

// dialNet completes the initiator side of a hello exchange over c.
func dialNet(name string, c net.Conn, hello proto.Hello, cfg Config) (*streamConn, error) {
	s := newNetStream(c)
	remote, err := handshake(s, hello, true, cfg.HandshakeTimeout)
	if err != nil {
		c.Close()
		return nil, err
	}
	return newStreamConn(name, s, remote, true, cfg.WriteTimeout), nil
}

// acceptNet completes the acceptor side of a hello exchange over c.
func acceptNet(name string, c net.Conn, hello proto.Hello, cfg Config) (*streamConn, error) {
	s := newNetStream(c)
	remote, err := handshake(s, hello, false, cfg.HandshakeTimeout)
	if err != nil {
		c.Close()
		return nil, err
	}
	return newStreamConn(name, s, remote, false, cfg.WriteTimeout), nil
}

// connSet tracks a transport's live connections.
type connSet struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[string]Conn)}
}

func (s *connSet) add(c Conn) {
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
	c.OnClose(func(c Conn) {
		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()
	})
}

func (s *connSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
