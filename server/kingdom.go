package server

import (
	"slices"
	"sync"
	"time"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

// Member is one device in the local kingdom view.
type Member struct {
	Device   proto.DeviceID             `json:"device"`
	Role     proto.Role                 `json:"role"`
	MetaData []proto.ConnectionMetaData `json:"metadata,omitempty"`
}

// View is a read-only snapshot of the kingdom as seen by the local device.
type View struct {
	Self      proto.DeviceID `json:"self"`
	Role      proto.Role     `json:"role"`
	King      proto.DeviceID `json:"king,omitempty"`
	Prince    proto.DeviceID `json:"prince,omitempty"`
	Members   []Member       `json:"members"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (v View) Member(device proto.DeviceID) (Member, bool) {
	for _, m := range v.Members {
		if m.Device == device {
			return m, true
		}
	}
	return Member{}, false
}

func (v View) clone() View {
	out := v
	out.Members = make([]Member, len(v.Members))
	for i, m := range v.Members {
		m.MetaData = proto.CloneMetaData(m.MetaData)
		out.Members[i] = m
	}
	return out
}

func membersFromCensus(entries []proto.CensusEntry) []Member {
	out := make([]Member, 0, len(entries))
	for _, e := range entries {
		out = append(out, Member{Device: e.Device, Role: e.Role, MetaData: proto.CloneMetaData(e.MetaData)})
	}
	slices.SortFunc(out, func(a, b Member) int {
		return compareDevices(a.Device, b.Device)
	})
	return out
}

func compareDevices(a, b proto.DeviceID) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

// Listener is notified of lifecycle changes derived from role and roster
// transitions. Callbacks run on the machine loop and must return quickly.
type Listener interface {
	OnRoleChanged(from, to proto.Role)
	OnConnected(c transport.Conn)
	OnDisconnected(c transport.Conn)
	OnDeviceJoined(m Member)
	OnDeviceLeft(m Member)
	OnKingDeviceChanged(from, to proto.DeviceID)
	OnPrinceDeviceChanged(from, to proto.DeviceID)
}

// ListenerFuncs adapts optional functions to a Listener.
type ListenerFuncs struct {
	RoleChanged         func(from, to proto.Role)
	Connected           func(c transport.Conn)
	Disconnected        func(c transport.Conn)
	DeviceJoined        func(m Member)
	DeviceLeft          func(m Member)
	KingDeviceChanged   func(from, to proto.DeviceID)
	PrinceDeviceChanged func(from, to proto.DeviceID)
}

func (f ListenerFuncs) OnRoleChanged(from, to proto.Role) {
	if f.RoleChanged != nil {
		f.RoleChanged(from, to)
	}
}

func (f ListenerFuncs) OnConnected(c transport.Conn) {
	if f.Connected != nil {
		f.Connected(c)
	}
}

func (f ListenerFuncs) OnDisconnected(c transport.Conn) {
	if f.Disconnected != nil {
		f.Disconnected(c)
	}
}

func (f ListenerFuncs) OnDeviceJoined(m Member) {
	if f.DeviceJoined != nil {
		f.DeviceJoined(m)
	}
}

func (f ListenerFuncs) OnDeviceLeft(m Member) {
	if f.DeviceLeft != nil {
		f.DeviceLeft(m)
	}
}

func (f ListenerFuncs) OnKingDeviceChanged(from, to proto.DeviceID) {
	if f.KingDeviceChanged != nil {
		f.KingDeviceChanged(from, to)
	}
}

func (f ListenerFuncs) OnPrinceDeviceChanged(from, to proto.DeviceID) {
	if f.PrinceDeviceChanged != nil {
		f.PrinceDeviceChanged(from, to)
	}
}

// Kingdom holds the current View and fans changes out to listeners.
type Kingdom struct {
	mu   sync.RWMutex
	view View

	lmu       sync.RWMutex
	listeners []Listener
}

func NewKingdom(self proto.DeviceID) *Kingdom {
	return &Kingdom{view: View{Self: self, Role: proto.RoleStopped, UpdatedAt: time.Now()}}
}

func (k *Kingdom) View() View {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.view.clone()
}

func (k *Kingdom) AddListener(l Listener) {
	k.lmu.Lock()
	defer k.lmu.Unlock()
	k.listeners = append(k.listeners, l)
}

func (k *Kingdom) snapshotListeners() []Listener {
	k.lmu.RLock()
	defer k.lmu.RUnlock()
	return slices.Clone(k.listeners)
}

// update installs next and notifies listeners of what changed.
func (k *Kingdom) update(next View) {
	next.UpdatedAt = time.Now()
	k.mu.Lock()
	prev := k.view
	next.Self = prev.Self
	k.view = next.clone()
	k.mu.Unlock()

	listeners := k.snapshotListeners()
	if len(listeners) == 0 {
		return
	}
	if prev.Role != next.Role {
		for _, l := range listeners {
			l.OnRoleChanged(prev.Role, next.Role)
		}
	}
	for _, m := range prev.Members {
		if m.Device == prev.Self {
			continue
		}
		if _, ok := next.Member(m.Device); !ok {
			for _, l := range listeners {
				l.OnDeviceLeft(m)
			}
		}
	}
	for _, m := range next.Members {
		if m.Device == next.Self {
			continue
		}
		if _, ok := prev.Member(m.Device); !ok {
			for _, l := range listeners {
				l.OnDeviceJoined(m)
			}
		}
	}
	if prev.King != next.King {
		for _, l := range listeners {
			l.OnKingDeviceChanged(prev.King, next.King)
		}
	}
	if prev.Prince != next.Prince {
		for _, l := range listeners {
			l.OnPrinceDeviceChanged(prev.Prince, next.Prince)
		}
	}
}

func (k *Kingdom) connected(c transport.Conn) {
	for _, l := range k.snapshotListeners() {
		l.OnConnected(c)
	}
}

func (k *Kingdom) disconnected(c transport.Conn) {
	for _, l := range k.snapshotListeners() {
		l.OnDisconnected(c)
	}
}
