package services

import (
	"errors"
	"testing"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
	"github.com/mbocsi/kingdom/transport"
)

type mockConn struct {
	transport.Conn
	id     string
	remote proto.DeviceID
}

func (c mockConn) ID() string { return c.id }
func (c mockConn) Remote() proto.DeviceID { return c.remote }
func (c mockConn) RemoteRole() proto.Role { return proto.RolePeasant }
func (c mockConn) RemoteAddr() string { return "pipe" }
func (c mockConn) Transport() string { return "memory" }
func (c mockConn) Outbound() bool { return false }

type mockNode struct {
	view       server.View
	conns      []transport.Conn
	transports []transport.Info
}

func (n *mockNode) ID() proto.DeviceID { return n.view.Self }
func (n *mockNode) Role() proto.Role { return n.view.Role }
func (n *mockNode) View() server.View { return n.view }
func (n *mockNode) Connections() []transport.Conn { return n.conns }
func (n *mockNode) Transports() []transport.Info { return n.transports }

func newMockNode() *mockNode {
	return &mockNode{
		view: server.View{
			Self:   "aaa",
			Role:   proto.RoleKing,
			King:   "aaa",
			Prince: "bbb",
			Members: []server.Member{
				{Device: "ccc", Role: proto.RolePeasant},
				{Device: "aaa", Role: proto.RoleKing},
				{Device: "bbb", Role: proto.RolePrince, MetaData: []proto.ConnectionMetaData{proto.NewMetaData("tcp", proto.KeyAddr, "b:1")}},
			},
		},
		conns: []transport.Conn{mockConn{id: "c2", remote: "bbb"}, mockConn{id: "c1", remote: "bbb"}},
		transports: []transport.Info{
			{Name: "tcp", Protocol: "tcp", Address: ":7400", Listening: true, Connections: 2},
			{Name: "websocket", Protocol: "websocket", Address: ":7401"},
		},
	}
}

func TestGetKingdom(t *testing.T) {
	svc := NewServiceContainer(newMockNode())
	info, err := svc.Kingdom.GetKingdom()
	if err != nil {
		t.Fatalf("get kingdom: %v", err)
	}
	if info.Role != proto.RoleKing || info.King != "aaa" || info.Prince != "bbb" || info.MemberCount != 3 {
		t.Errorf("unexpected kingdom %+v", info)
	}
	want := []proto.DeviceID{"aaa", "bbb", "ccc"}
	for i, m := range info.Members {
		if m.Device != want[i] {
			t.Errorf("member %d: expected %s, got %s", i, want[i], m.Device)
		}
	}
	if !info.Members[0].Self || !info.Members[0].Connected {
		t.Error("self should be marked self and connected")
	}
	if !info.Members[1].Connected || info.Members[2].Connected {
		t.Errorf("connected flags wrong: %+v", info.Members)
	}
}

func TestGetMember(t *testing.T) {
	svc := NewKingdomService(newMockNode())

	m, err := svc.GetMember("bbb")
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if m.Role != proto.RolePrince || len(m.MetaData) != 1 {
		t.Errorf("unexpected member %+v", m)
	}

	_, err = svc.GetMember("zzz")
	var se ServiceError
	if !errors.As(err, &se) || se.Code != ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}

	_, err = svc.GetMember(" ")
	if !errors.As(err, &se) || se.Code != ErrCodeInvalidInput {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
	if !errors.Is(err, proto.ErrEmptyDeviceID) {
		t.Error("service error should wrap its cause")
	}
}

func TestListConnections(t *testing.T) {
	svc := NewConnectionService(newMockNode())
	conns, err := svc.ListConnections()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(conns) != 2 || conns[0].ID != "c1" || conns[1].ID != "c2" {
		t.Errorf("expected connections sorted by id, got %+v", conns)
	}

	if _, err := svc.GetConnectionsForDevice("ccc"); err == nil {
		t.Error("expected not found for a device without connections")
	}
	byDevice, err := svc.GetConnectionsForDevice("bbb")
	if err != nil || len(byDevice) != 2 {
		t.Errorf("expected two connections to bbb, got %v, %v", byDevice, err)
	}
}

func TestTransportService(t *testing.T) {
	svc := NewTransportService(newMockNode())
	list, err := svc.ListTransports()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Status != "listening" || list[1].Status != "stopped" || list[1].Index != 1 {
		t.Errorf("unexpected transports %+v", list)
	}

	if _, err := svc.GetTransport(5); err == nil {
		t.Error("expected error for out of range index")
	}
	tr, err := svc.GetTransport(1)
	if err != nil || tr.Name != "websocket" {
		t.Errorf("unexpected transport %+v, %v", tr, err)
	}

	stats, err := svc.GetTransportStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["total_transports"] != 2 || stats["listening_transports"] != 1 || stats["total_connections"] != 2 || stats["role"] != "King" {
		t.Errorf("unexpected stats %v", stats)
	}
}
