package integration

import (
	"fmt"
	"net"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
	"github.com/mbocsi/kingdom/transport"
)

func TestMain(m *testing.M) {
	server.SetupLogger(server.SuppressedLogConfig())
	os.Exit(m.Run())
}

func getRandomPort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to get port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func testConfig() *server.Config {
	return &server.Config{
		ElectionWindow:    150 * time.Millisecond,
		LonelyKingTimeout: 10 * time.Second,
		BeaconTTL:         10 * time.Second,
		KeepAliveInterval: 50 * time.Millisecond,
		DeadAfter:         time.Second,
		CensusInterval:    200 * time.Millisecond,
		PrinceAckTimeout:  500 * time.Millisecond,
		ReportCooldown:    100 * time.Millisecond,
		ConnectRetries:    2,
	}
}

func memoryTransport(n *transport.Network, id string) *transport.MemoryTransport {
	mt := transport.NewMemoryTransport(n, addr(id))
	mt.SetConfig(transport.Config{InitialTimeout: 10 * time.Millisecond, MaxTimeout: 100 * time.Millisecond})
	mt.SetBeaconInterval(30 * time.Millisecond)
	return mt
}

func addr(id string) string {
	return "mem-" + id
}

// newNode creates a node on the memory network; it is closed when the
// test ends.
func newNode(t *testing.T, n *transport.Network, id string, extra ...transport.Transport) *server.Node {
	t.Helper()
	transports := append(extra, memoryTransport(n, id))
	node, err := server.NewNode(server.NodeOptions{
		Device:     proto.DeviceID(id),
		Config:     testConfig(),
		Transports: transports,
	})
	if err != nil {
		t.Fatalf("Failed to create node %s: %v", id, err)
	}
	t.Cleanup(node.Close)
	return node
}

func startNodes(t *testing.T, n *transport.Network, ids ...string) []*server.Node {
	t.Helper()
	nodes := make([]*server.Node, 0, len(ids))
	for _, id := range ids {
		node := newNode(t, n, id)
		node.Start()
		nodes = append(nodes, node)
	}
	return nodes
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

// converged reports whether every node sees the same King, Prince and
// member roles, with exactly want members.
func converged(nodes []*server.Node, king proto.DeviceID, want int) bool {
	var ref []string
	for _, node := range nodes {
		v := node.View()
		if v.King != king || len(v.Members) != want {
			return false
		}
		var got []string
		for _, m := range v.Members {
			got = append(got, fmt.Sprintf("%s=%s", m.Device, m.Role))
		}
		if ref == nil {
			ref = got
		} else if !slices.Equal(ref, got) {
			return false
		}
		if node.ID() == king && node.Role() != proto.RoleKing {
			return false
		}
		if node.ID() != king && !node.Role().Follower() {
			return false
		}
	}
	return true
}

// princeOf returns the Prince every node agrees on, or "" when they
// disagree or none is acknowledged yet.
func princeOf(nodes []*server.Node) proto.DeviceID {
	var prince proto.DeviceID
	for i, node := range nodes {
		v := node.View()
		if v.Prince == "" || (i > 0 && v.Prince != prince) {
			return ""
		}
		prince = v.Prince
	}
	for _, node := range nodes {
		if node.ID() == prince && node.Role() != proto.RolePrince {
			return ""
		}
	}
	return prince
}

func countRole(nodes []*server.Node, role proto.Role) int {
	count := 0
	for _, node := range nodes {
		if node.Role() == role {
			count++
		}
	}
	return count
}
