package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/kingdom/proto"
)

const DefaultWSPath = "/kingdom"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // peers are not browsers
	},
}

// WSTransport carries kingdom connections as binary WebSocket messages,
// one frame per message.
type WSTransport struct {
	Addr       string
	Path       string
	Advertised string

	cfg         Config
	name        string
	description string

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	onInbound func(Conn)
	hello     HelloFunc

	conns *connSet
}

func NewWSTransport(addr string) *WSTransport {
	return &WSTransport{Addr: addr, Path: DefaultWSPath, cfg: DefaultConfig(), conns: newConnSet()}
}

func (t *WSTransport) Name() string { return "websocket" }

func (t *WSTransport) StartListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil {
		return nil
	}
	slog.Info("Starting WebSocket listener", "addr", t.Addr, "path", t.Path)
	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", t.Addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.Path, t.handleWebSocket)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: t.cfg.HandshakeTimeout}
	t.server = srv
	t.listener = l
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("WebSocket listener failed", "addr", t.Addr, "error", err)
		}
	}()
	return nil
}

func (t *WSTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	hello := t.hello
	fn := t.onInbound
	cfg := t.cfg
	t.mu.RUnlock()

	if hello == nil || fn == nil {
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}
	s := newWSStream(ws)
	remote, err := handshake(s, hello(), false, cfg.HandshakeTimeout)
	if err != nil {
		slog.Warn("WebSocket handshake failed", "remote_addr", r.RemoteAddr, "error", err)
		ws.Close()
		return
	}
	conn := newStreamConn(t.Name(), s, remote, false, cfg.WriteTimeout)
	slog.Info("WebSocket device connected", "addr", r.RemoteAddr, "device", conn.Remote())
	t.conns.add(conn)
	fn(conn)
}

// StopListening stops accepting; established connections stay open.
func (t *WSTransport) StopListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server == nil {
		return nil
	}
	slog.Info("Stopping WebSocket listener", "addr", t.Addr)
	err := t.server.Close()
	t.server = nil
	t.listener = nil
	return err
}

func (t *WSTransport) Connect(ctx context.Context, md proto.ConnectionMetaData, hello proto.Hello) (Conn, error) {
	if md.Transport != t.Name() {
		return nil, ErrWrongTransport
	}
	url := md.Get(proto.KeyURL)
	if url == "" {
		return nil, ErrMissingAddress
	}
	cfg := t.Config()
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	s := newWSStream(ws)
	remote, err := handshake(s, hello, true, cfg.HandshakeTimeout)
	if err != nil {
		ws.Close()
		return nil, err
	}
	conn := newStreamConn(t.Name(), s, remote, true, cfg.WriteTimeout)
	t.conns.add(conn)
	slog.Info("Connected to device over WebSocket", "url", url, "device", conn.Remote())
	return conn, nil
}

func (t *WSTransport) OnInbound(fn func(Conn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onInbound = fn
}

func (t *WSTransport) Identify(fn HelloFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hello = fn
}

func (t *WSTransport) MetaData() proto.ConnectionMetaData {
	return proto.NewMetaData(t.Name(), proto.KeyURL, "ws://"+t.address()+t.Path)
}

func (t *WSTransport) address() string {
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

func (t *WSTransport) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

func (t *WSTransport) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg.withDefaults()
}

func (t *WSTransport) Info() Info {
	t.mu.RLock()
	listening := t.server != nil
	t.mu.RUnlock()
	return Info{
		Name:        t.name,
		Protocol:    "websocket",
		Address:     t.address(),
		Description: t.description,
		Listening:   listening,
		Connections: t.conns.len(),
	}
}

func (t *WSTransport) SetName(name string) {
	t.name = name
}

func (t *WSTransport) SetDescription(description string) {
	t.description = description
}

type wsStream struct {
	c      *websocket.Conn
	limits proto.Limits
}

func newWSStream(c *websocket.Conn) *wsStream {
	limits := proto.DefaultLimits()
	c.SetReadLimit(int64(limits.MaxPayloadBytes) + proto.FrameHeaderLen)
	return &wsStream{c: c, limits: limits}
}

func (s *wsStream) ReadFrame() (proto.Frame, error) {
	_, data, err := s.c.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return proto.Frame{}, io.EOF
		}
		return proto.Frame{}, err
	}
	return proto.ReadFrame(bytes.NewReader(data), s.limits)
}

func (s *wsStream) WriteFrame(f proto.Frame) error {
	b, err := proto.MarshalFrame(f, s.limits)
	if err != nil {
		return err
	}
	return s.c.WriteMessage(websocket.BinaryMessage, b)
}

func (s *wsStream) SetReadDeadline(t time.Time) error { return s.c.SetReadDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.c.SetWriteDeadline(t) }
func (s *wsStream) RemoteAddr() string { return s.c.RemoteAddr().String() }
func (s *wsStream) Close() error { return s.c.Close() }
