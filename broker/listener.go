package broker

import (
	"time"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
	"github.com/mbocsi/kingdom/transport"
)

// RoleSource reports the local role at the time a notice is built.
type RoleSource interface {
	Role() proto.Role
}

// Listener turns kingdom lifecycle callbacks into broker notices.
type Listener struct {
	broker *Broker
	self   proto.DeviceID
	roles  RoleSource
	now    func() time.Time
}

var _ server.Listener = (*Listener)(nil)

func NewListener(b *Broker, self proto.DeviceID, roles RoleSource) *Listener {
	return &Listener{broker: b, self: self, roles: roles, now: time.Now}
}

func (l *Listener) publish(topic, kind string, device proto.DeviceID, from, to string) {
	l.broker.Publish(Notice{
		Topic:  topic,
		Kind:   kind,
		Device: device,
		Role:   l.roles.Role(),
		From:   from,
		To:     to,
		At:     l.now(),
	})
}

func (l *Listener) OnRoleChanged(from, to proto.Role) {
	l.broker.Publish(Notice{
		Topic:  TopicRole,
		Kind:   "role_changed",
		Device: l.self,
		Role:   to,
		From:   from.String(),
		To:     to.String(),
		At:     l.now(),
	})
}

func (l *Listener) OnConnected(c transport.Conn) {
	l.publish(TopicConnection, "connected", c.Remote(), "", c.Transport())
}

func (l *Listener) OnDisconnected(c transport.Conn) {
	l.publish(TopicConnection, "disconnected", c.Remote(), c.Transport(), "")
}

func (l *Listener) OnDeviceJoined(m server.Member) {
	l.publish(TopicMembership, "joined", m.Device, "", m.Role.String())
}

func (l *Listener) OnDeviceLeft(m server.Member) {
	l.publish(TopicMembership, "left", m.Device, m.Role.String(), "")
}

func (l *Listener) OnKingDeviceChanged(from, to proto.DeviceID) {
	l.publish(TopicKing, "king_changed", to, string(from), string(to))
}

func (l *Listener) OnPrinceDeviceChanged(from, to proto.DeviceID) {
	l.publish(TopicPrince, "prince_changed", to, string(from), string(to))
}
