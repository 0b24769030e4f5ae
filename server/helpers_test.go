package server

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

func TestMain(m *testing.M) {
	SetupLogger(SuppressedLogConfig())
	os.Exit(m.Run())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func fastConfig() *Config {
	return &Config{
		ElectionWindow:    100 * time.Millisecond,
		LonelyKingTimeout: 5 * time.Second,
		BeaconTTL:         5 * time.Second,
		KeepAliveInterval: 50 * time.Millisecond,
		DeadAfter:         500 * time.Millisecond,
		CensusInterval:    200 * time.Millisecond,
		PrinceAckTimeout:  300 * time.Millisecond,
		ReportCooldown:    100 * time.Millisecond,
		ConnectRetries:    2,
	}
}

func fastTransport(n *transport.Network, addr string) *transport.MemoryTransport {
	mt := transport.NewMemoryTransport(n, addr)
	mt.SetConfig(transport.Config{InitialTimeout: 10 * time.Millisecond, MaxTimeout: 50 * time.Millisecond})
	mt.SetBeaconInterval(30 * time.Millisecond)
	return mt
}

// startNode builds a node on its own memory address and starts it. It is
// closed when the test ends.
func startNode(t *testing.T, n *transport.Network, id string, cfg *Config) *Node {
	t.Helper()
	node := newTestNode(t, n, id, cfg)
	node.Start()
	return node
}

func newTestNode(t *testing.T, n *transport.Network, id string, cfg *Config) *Node {
	t.Helper()
	if cfg == nil {
		cfg = fastConfig()
	}
	node, err := NewNode(NodeOptions{
		Device:     proto.DeviceID(id),
		Config:     cfg,
		Transports: []transport.Transport{fastTransport(n, "mem-"+id)},
	})
	if err != nil {
		t.Fatalf("new node %s: %v", id, err)
	}
	t.Cleanup(node.Close)
	return node
}

func roleIs(node *Node, role proto.Role) func() bool {
	return func() bool { return node.Role() == role }
}

// fakeConn is a scripted transport.Conn for unit tests.
type fakeConn struct {
	id       string
	remote   proto.DeviceID
	role     proto.Role
	md       []proto.ConnectionMetaData
	outbound bool

	mu      sync.Mutex
	sent    []proto.AdminMessage
	onClose []func(transport.Conn)
	done    chan struct{}
	once    sync.Once
}

func newFakeConn(remote string, role proto.Role, outbound bool) *fakeConn {
	return &fakeConn{
		id:       "fake-" + remote,
		remote:   proto.DeviceID(remote),
		role:     role,
		md:       []proto.ConnectionMetaData{proto.NewMetaData("memory", proto.KeyAddr, "mem-"+remote)},
		outbound: outbound,
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Remote() proto.DeviceID { return c.remote }
func (c *fakeConn) RemoteRole() proto.Role { return c.role }
func (c *fakeConn) RemoteMetaData() []proto.ConnectionMetaData { return c.md }
func (c *fakeConn) RemoteAddr() string { return "fake" }
func (c *fakeConn) Transport() string { return "memory" }
func (c *fakeConn) Outbound() bool { return c.outbound }
func (c *fakeConn) Serve(func(transport.Conn, proto.AdminMessage)) {}
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Err() error { return nil }

func (c *fakeConn) Send(msg proto.AdminMessage) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) OnClose(fn func(transport.Conn)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		fns := c.onClose
		c.mu.Unlock()
		for _, fn := range fns {
			fn(c)
		}
	})
	return nil
}

func (c *fakeConn) messages() []proto.AdminMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]proto.AdminMessage(nil), c.sent...)
}
