package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/kingdom/broker"
	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
	"github.com/mbocsi/kingdom/services"
	"github.com/mbocsi/kingdom/transport"
)

type mockNode struct {
	view server.View
}

func (n *mockNode) ID() proto.DeviceID { return n.view.Self }
func (n *mockNode) Role() proto.Role { return n.view.Role }
func (n *mockNode) View() server.View { return n.view }
func (n *mockNode) Connections() []transport.Conn { return nil }
func (n *mockNode) Transports() []transport.Info {
	return []transport.Info{{Name: "tcp", Protocol: "tcp", Address: ":7400", Listening: true}}
}

func newTestServer(t *testing.T) (*httptest.Server, *broker.Broker) {
	t.Helper()
	node := &mockNode{view: server.View{
		Self: "aaa",
		Role: proto.RoleKing,
		King: "aaa",
		Members: []server.Member{
			{Device: "aaa", Role: proto.RoleKing},
			{Device: "bbb", Role: proto.RolePeasant},
		},
	}}
	b := broker.NewBroker()
	s := NewServer(services.NewServiceContainer(node), b)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return ts, b
}

func getJSON(t *testing.T, url string, status int, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != status {
		t.Fatalf("GET %s: expected %d, got %d", url, status, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("GET %s: unexpected content type %q", url, ct)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s: decode: %v", url, err)
		}
	}
}

func TestKingdomRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	var kingdom services.KingdomInfo
	getJSON(t, ts.URL+"/kingdom", http.StatusOK, &kingdom)
	if kingdom.King != "aaa" || kingdom.Role != proto.RoleKing || kingdom.MemberCount != 2 {
		t.Errorf("unexpected kingdom %+v", kingdom)
	}

	var members []services.MemberInfo
	getJSON(t, ts.URL+"/kingdom/members", http.StatusOK, &members)
	if len(members) != 2 {
		t.Errorf("expected two members, got %d", len(members))
	}

	var member services.MemberInfo
	getJSON(t, ts.URL+"/kingdom/members/bbb", http.StatusOK, &member)
	if member.Device != "bbb" || member.Role != proto.RolePeasant {
		t.Errorf("unexpected member %+v", member)
	}

	var serviceErr services.ServiceError
	getJSON(t, ts.URL+"/kingdom/members/zzz", http.StatusNotFound, &serviceErr)
	if serviceErr.Code != services.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND body, got %+v", serviceErr)
	}
}

func TestConnectionAndTransportRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	var conns []services.ConnectionInfo
	getJSON(t, ts.URL+"/connections", http.StatusOK, &conns)
	if len(conns) != 0 {
		t.Errorf("expected no connections, got %v", conns)
	}
	getJSON(t, ts.URL+"/connections/bbb", http.StatusNotFound, nil)

	var transports struct {
		Transports []services.TransportInfo `json:"transports"`
		Stats      map[string]interface{}   `json:"stats"`
	}
	getJSON(t, ts.URL+"/transports", http.StatusOK, &transports)
	if len(transports.Transports) != 1 || transports.Transports[0].Status != "listening" {
		t.Errorf("unexpected transports %+v", transports)
	}
	getJSON(t, ts.URL+"/transports/0", http.StatusOK, nil)
	getJSON(t, ts.URL+"/transports/x", http.StatusBadRequest, nil)
	getJSON(t, ts.URL+"/transports/3", http.StatusNotFound, nil)
}

func TestEventStream(t *testing.T) {
	ts, b := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?topic=" + broker.TopicKing
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for b.Subscribers(broker.TopicKing) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b.Subscribers(broker.TopicRole) != 0 {
		t.Error("stream should only subscribe to the requested topic")
	}

	b.Publish(broker.Notice{Topic: broker.TopicKing, Kind: "king_changed", Device: "aaa", Role: proto.RolePeasant})
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var n broker.Notice
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n.Kind != "king_changed" || n.Device != "aaa" || n.Role != proto.RolePeasant {
		t.Errorf("unexpected notice %+v", n)
	}

	conn.Close()
	deadline = time.Now().Add(time.Second)
	for b.Subscribers(broker.TopicKing) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHomeRedirects(t *testing.T) {
	ts, _ := newTestServer(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMovedPermanently || resp.Header.Get("Location") != "/kingdom" {
		t.Errorf("unexpected redirect %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}
