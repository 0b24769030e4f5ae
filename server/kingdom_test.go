package server

import (
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) has(event string) bool {
	return slices.Contains(r.list(), event)
}

func (r *recorder) listener() ListenerFuncs {
	return ListenerFuncs{
		RoleChanged:         func(from, to proto.Role) { r.add("role %s->%s", from, to) },
		Connected:           func(c transport.Conn) { r.add("connected %s", c.Remote()) },
		Disconnected:        func(c transport.Conn) { r.add("disconnected %s", c.Remote()) },
		DeviceJoined:        func(m Member) { r.add("joined %s", m.Device) },
		DeviceLeft:          func(m Member) { r.add("left %s", m.Device) },
		KingDeviceChanged:   func(from, to proto.DeviceID) { r.add("king %q->%q", from, to) },
		PrinceDeviceChanged: func(from, to proto.DeviceID) { r.add("prince %q->%q", from, to) },
	}
}

func TestKingdomUpdateNotifies(t *testing.T) {
	k := NewKingdom("aaa")
	rec := &recorder{}
	k.AddListener(rec.listener())

	k.update(View{Role: proto.RoleFree, Members: []Member{{Device: "aaa", Role: proto.RoleFree}}})
	if got := rec.list(); !slices.Equal(got, []string{"role Stopped->Free"}) {
		t.Fatalf("unexpected events: %v", got)
	}

	k.update(View{
		Role: proto.RoleKing,
		King: "aaa",
		Members: []Member{
			{Device: "aaa", Role: proto.RoleKing},
			{Device: "bbb", Role: proto.RolePeasant},
		},
	})
	for _, want := range []string{"role Free->King", "joined bbb", `king ""->"aaa"`} {
		if !rec.has(want) {
			t.Errorf("missing %q in %v", want, rec.list())
		}
	}

	k.update(View{
		Role:   proto.RoleKing,
		King:   "aaa",
		Prince: "bbb",
		Members: []Member{
			{Device: "aaa", Role: proto.RoleKing},
			{Device: "bbb", Role: proto.RolePrince},
		},
	})
	if !rec.has(`prince ""->"bbb"`) {
		t.Errorf("missing prince change in %v", rec.list())
	}

	k.update(View{Role: proto.RoleKing, King: "aaa", Members: []Member{{Device: "aaa", Role: proto.RoleKing}}})
	for _, want := range []string{"left bbb", `prince "bbb"->""`} {
		if !rec.has(want) {
			t.Errorf("missing %q in %v", want, rec.list())
		}
	}
	if k.View().Self != "aaa" {
		t.Error("self must survive updates")
	}
}

func TestKingdomViewIsACopy(t *testing.T) {
	k := NewKingdom("aaa")
	md := []proto.ConnectionMetaData{proto.NewMetaData("tcp", proto.KeyAddr, "a:1")}
	k.update(View{Role: proto.RoleFree, Members: []Member{{Device: "aaa", Role: proto.RoleFree, MetaData: md}}})

	v := k.View()
	v.Members[0].Role = proto.RoleKing
	v.Members[0].MetaData[0].Fields[proto.KeyAddr] = "changed"

	again := k.View()
	if again.Members[0].Role != proto.RoleFree || again.Members[0].MetaData[0].Get(proto.KeyAddr) != "a:1" {
		t.Error("mutating a view must not change the kingdom")
	}
	if _, ok := again.Member("zzz"); ok {
		t.Error("unknown member should not be found")
	}
}

func TestMembersFromCensusSorted(t *testing.T) {
	members := membersFromCensus([]proto.CensusEntry{
		{Device: "ccc", Role: proto.RolePeasant},
		{Device: "aaa", Role: proto.RoleKing},
		{Device: "bbb", Role: proto.RolePrince},
	})
	var got []proto.DeviceID
	for _, m := range members {
		got = append(got, m.Device)
	}
	if !slices.Equal(got, []proto.DeviceID{"aaa", "bbb", "ccc"}) {
		t.Errorf("expected sorted members, got %v", got)
	}
}

func TestRosterElectionOrder(t *testing.T) {
	r := newRoster()
	for _, id := range []string{"ddd", "bbb", "ccc"} {
		r.add(newFakeConn(id, proto.RoleFree, false))
	}
	if got := r.peasants(); !slices.Equal(got, []proto.DeviceID{"bbb", "ccc", "ddd"}) {
		t.Errorf("unexpected peasant order %v", got)
	}
	r.setRole("bbb", proto.RolePrince)
	if r.prince() != "bbb" {
		t.Errorf("expected bbb as prince, got %q", r.prince())
	}
	if got := r.peasants(); !slices.Equal(got, []proto.DeviceID{"ccc", "ddd"}) {
		t.Errorf("prince should not be a candidate, got %v", got)
	}

	census := r.census("aaa", nil)
	if len(census) != 4 || census[0].Device != "aaa" || census[0].Role != proto.RoleKing {
		t.Errorf("census should lead with the king, got %v", census)
	}
}

func TestRosterOwner(t *testing.T) {
	r := newRoster()
	first := newFakeConn("bbb", proto.RoleFree, false)
	second := newFakeConn("bbb", proto.RoleFree, true)
	r.add(first)
	if prev := r.add(second); prev != first {
		t.Error("add should return the replaced connection")
	}
	if _, ok := r.owner(first); ok {
		t.Error("replaced connection should not own a member")
	}
	if device, ok := r.owner(second); !ok || device != "bbb" {
		t.Error("current connection should own bbb")
	}
	r.remove("bbb")
	if r.len() != 0 {
		t.Error("roster should be empty")
	}
}

func TestRosterReplacementKeepsRole(t *testing.T) {
	r := newRoster()
	first := newFakeConn("bbb", proto.RoleFree, false)
	if prev := r.add(first); prev != nil {
		t.Errorf("first add should replace nothing, got %v", prev.ID())
	}
	r.setRole("bbb", proto.RolePrince)
	m, _ := r.get("bbb")
	m.pronounced = true

	second := newFakeConn("bbb", proto.RolePeasant, true)
	second.md = []proto.ConnectionMetaData{proto.NewMetaData("memory", proto.KeyAddr, "mem-bbb-2")}
	r.add(second)
	m, _ = r.get("bbb")
	if m.conn != second || m.role != proto.RolePrince || !m.pronounced {
		t.Errorf("replacement should keep role and pronouncement, got %+v", m)
	}
	if len(m.metadata) != 1 || !m.metadata[0].Equal(second.md[0]) {
		t.Errorf("replacement should refresh metadata, got %v", m.metadata)
	}
}
