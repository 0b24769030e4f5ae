package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

// peer is a hand-driven device that talks to nodes over the memory network.
type peer struct {
	mu       sync.Mutex
	received []proto.AdminMessage
	conn     transport.Conn
}

func dialNode(t *testing.T, n *transport.Network, id string, role proto.Role, target *Node) *peer {
	t.Helper()
	mt := fastTransport(n, "mem-"+id)
	hello := proto.Hello{Device: proto.DeviceID(id), Role: role, MetaData: []proto.ConnectionMetaData{mt.MetaData()}}
	conn, err := mt.Connect(context.Background(), target.MetaData()[0], hello)
	if err != nil {
		t.Fatalf("%s dial %s: %v", id, target.ID(), err)
	}
	p := &peer{conn: conn}
	conn.Serve(func(_ transport.Conn, msg proto.AdminMessage) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.received = append(p.received, msg)
	})
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *peer) got(c proto.Classifier) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range p.received {
		if msg.Classifier == c {
			return true
		}
	}
	return false
}

func (p *peer) count(c proto.Classifier) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, msg := range p.received {
		if msg.Classifier == c {
			n++
		}
	}
	return n
}

// first returns the earliest received message of kind c.
func (p *peer) first(c proto.Classifier) (proto.AdminMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range p.received {
		if msg.Classifier == c {
			return msg, true
		}
	}
	return proto.AdminMessage{}, false
}

func (p *peer) closed() bool {
	return isClosed(p.conn)
}

func patientConfig() *Config {
	cfg := fastConfig()
	cfg.DeadAfter = 5 * time.Second
	return cfg
}

func TestLoneNodeBecomesKing(t *testing.T) {
	net := transport.NewNetwork()
	node := startNode(t, net, "aaa", nil)

	waitFor(t, 2*time.Second, roleIs(node, proto.RoleKing), "lone node to crown itself")
	v := node.View()
	if v.King != "aaa" || len(v.Members) != 1 || v.Members[0].Role != proto.RoleKing {
		t.Errorf("unexpected view %+v", v)
	}
}

func TestLonelyKingReturnsToFree(t *testing.T) {
	net := transport.NewNetwork()
	cfg := fastConfig()
	cfg.LonelyKingTimeout = 150 * time.Millisecond
	node := newTestNode(t, net, "aaa", cfg)
	rec := &recorder{}
	node.AddListener(rec.listener())
	node.Start()

	waitFor(t, 2*time.Second, func() bool { return rec.has("role King->Free") }, "lonely king to step down")
	if !rec.has("role Stopped->Free") || !rec.has("role Free->King") {
		t.Errorf("unexpected role history %v", rec.list())
	}
}

func TestPairElectsLowerIdentity(t *testing.T) {
	net := transport.NewNetwork()
	b := startNode(t, net, "bbb", nil)
	a := startNode(t, net, "aaa", nil)

	waitFor(t, 3*time.Second, func() bool {
		return a.Role() == proto.RoleKing && b.Role() == proto.RolePrince &&
			a.View().Prince == "bbb" && b.View().King == "aaa"
	}, "aaa to rule with bbb as prince")

	av, bv := a.View(), b.View()
	if len(av.Members) != 2 || len(bv.Members) != 2 {
		t.Fatalf("both views should list two members: %+v / %+v", av, bv)
	}
	for i := range av.Members {
		if av.Members[i].Device != bv.Members[i].Device || av.Members[i].Role != bv.Members[i].Role {
			t.Errorf("views disagree: %+v vs %+v", av.Members[i], bv.Members[i])
		}
	}
}

func TestListenersSeeConnectionLifecycle(t *testing.T) {
	net := transport.NewNetwork()
	a := newTestNode(t, net, "aaa", nil)
	rec := &recorder{}
	a.AddListener(rec.listener())
	a.Start()
	b := startNode(t, net, "bbb", nil)

	waitFor(t, 3*time.Second, func() bool { return rec.has("joined bbb") && rec.has(`prince ""->"bbb"`) }, "bbb to join")
	if !rec.has("connected bbb") {
		t.Errorf("missing connection event in %v", rec.list())
	}

	b.Stop()
	waitFor(t, 2*time.Second, func() bool { return rec.has("left bbb") && rec.has("disconnected bbb") }, "bbb to leave")
	if b.Role() != proto.RoleStopped || len(b.Connections()) != 0 {
		t.Errorf("stopped node should hold nothing, role %s, %d connections", b.Role(), len(b.Connections()))
	}
	if v := b.View(); v.Role != proto.RoleStopped || len(v.Members) != 0 {
		t.Errorf("stopped view should be empty, got %+v", v)
	}
}

func TestNodeRestartsAfterStop(t *testing.T) {
	net := transport.NewNetwork()
	a := startNode(t, net, "aaa", nil)
	b := startNode(t, net, "bbb", nil)
	waitFor(t, 3*time.Second, roleIs(b, proto.RolePrince), "bbb to become prince")

	b.Stop()
	waitFor(t, 2*time.Second, func() bool { return len(a.View().Members) == 1 }, "king to drop bbb")
	b.Start()
	waitFor(t, 3*time.Second, func() bool { return b.Role().Follower() && b.View().King == "aaa" }, "bbb to rejoin")
}

func TestPrincePromotedWhenKingFails(t *testing.T) {
	net := transport.NewNetwork()
	a := startNode(t, net, "aaa", nil)
	waitFor(t, 2*time.Second, roleIs(a, proto.RoleKing), "aaa to crown itself")
	b := startNode(t, net, "bbb", nil)
	waitFor(t, 3*time.Second, roleIs(b, proto.RolePrince), "bbb to become prince")
	c := startNode(t, net, "ccc", nil)

	waitFor(t, 3*time.Second, func() bool {
		return len(a.View().Members) == 3 && c.View().Prince == "bbb"
	}, "three member kingdom")

	a.Close()
	waitFor(t, 3*time.Second, func() bool {
		return b.Role() == proto.RoleKing && c.Role().Follower() && c.View().King == "bbb" && len(b.View().Members) == 2
	}, "bbb to take over with ccc")
}

func TestKingClosesViolatingMember(t *testing.T) {
	net := transport.NewNetwork()
	king := startNode(t, net, "aaa", patientConfig())
	waitFor(t, 2*time.Second, roleIs(king, proto.RoleKing), "aaa to crown itself")

	p := dialNode(t, net, "bbb", proto.RoleFree, king)
	waitFor(t, time.Second, func() bool { return p.got(proto.ClassifierPronouncePrince) }, "pronouncement")
	if err := p.conn.Send(proto.NewPronouncePrince()); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, time.Second, p.closed, "violating connection to close")
	waitFor(t, time.Second, func() bool { return len(king.View().Members) == 1 }, "member removal")
}

func TestPrinceAckTimeoutRedesignates(t *testing.T) {
	net := transport.NewNetwork()
	king := startNode(t, net, "aaa", patientConfig())
	waitFor(t, 2*time.Second, roleIs(king, proto.RoleKing), "aaa to crown itself")

	silent := dialNode(t, net, "bbb", proto.RoleFree, king)
	waitFor(t, time.Second, func() bool { return silent.got(proto.ClassifierPronouncePrince) }, "bbb pronounced")
	eager := dialNode(t, net, "ccc", proto.RoleFree, king)

	waitFor(t, 2*time.Second, func() bool { return eager.got(proto.ClassifierPronouncePrince) }, "ccc pronounced after bbb stayed silent")
	if err := eager.conn.Send(proto.NewPrinceAck("ccc")); err != nil {
		t.Fatalf("ack: %v", err)
	}
	waitFor(t, time.Second, func() bool { return king.View().Prince == "ccc" }, "ccc to be prince")
	if silent.closed() {
		t.Error("a slow peasant stays a member")
	}
}

func TestPrinceAckMustNameSender(t *testing.T) {
	net := transport.NewNetwork()
	king := startNode(t, net, "aaa", patientConfig())
	waitFor(t, 2*time.Second, roleIs(king, proto.RoleKing), "aaa to crown itself")

	p := dialNode(t, net, "bbb", proto.RoleFree, king)
	waitFor(t, time.Second, func() bool { return p.got(proto.ClassifierPronouncePrince) }, "pronouncement")
	if err := p.conn.Send(proto.NewPrinceAck("zzz")); err != nil {
		t.Fatalf("ack: %v", err)
	}
	waitFor(t, time.Second, p.closed, "mismatched ack to close the connection")
}

func TestKingBowsToPrevailingKing(t *testing.T) {
	net := transport.NewNetwork()
	node := startNode(t, net, "bbb", patientConfig())
	waitFor(t, 2*time.Second, roleIs(node, proto.RoleKing), "bbb to crown itself")

	lesser := dialNode(t, net, "zzz", proto.RoleKing, node)
	waitFor(t, time.Second, lesser.closed, "lesser king to be refused")
	if node.Role() != proto.RoleKing {
		t.Fatalf("bbb should keep its crown, got %s", node.Role())
	}

	dialNode(t, net, "aaa", proto.RoleKing, node)
	waitFor(t, time.Second, func() bool {
		return node.Role() == proto.RolePeasant && node.View().King == "aaa"
	}, "bbb to bow to aaa")
}

func TestFollowerObeysBowDown(t *testing.T) {
	net := transport.NewNetwork()
	target := startNode(t, net, "aaa", nil)
	waitFor(t, 2*time.Second, roleIs(target, proto.RoleKing), "aaa to crown itself")

	// A follower bound to a King that is about to hand its kingdom to aaa.
	follower := newTestNode(t, net, "ccc", patientConfig())
	net.Partition([]string{"mem-bbb", "mem-ccc"}, []string{"mem-aaa"})
	follower.Start()
	waitFor(t, time.Second, func() bool { return follower.Role() != proto.RoleStopped }, "ccc to start")
	old := dialNode(t, net, "bbb", proto.RoleKing, follower)
	waitFor(t, time.Second, roleIs(follower, proto.RolePeasant), "ccc to accept bbb")

	net.Heal()
	if err := old.conn.Send(proto.NewBowDownToNewKing("aaa", target.MetaData())); err != nil {
		t.Fatalf("bow down: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return follower.View().King == "aaa" && len(target.View().Members) == 2
	}, "ccc to join aaa")
	if !old.closed() {
		t.Error("old king connection should be closed")
	}
}
