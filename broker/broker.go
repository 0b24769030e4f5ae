package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/kingdom/proto"
)

const (
	TopicRole       = "role"
	TopicMembership = "membership"
	TopicKing       = "king"
	TopicPrince     = "prince"
	TopicConnection = "connection"
)

// Topics lists every topic the lifecycle adapter publishes on.
var Topics = []string{TopicRole, TopicMembership, TopicKing, TopicPrince, TopicConnection}

// Notice is one lifecycle change as seen by the local device.
type Notice struct {
	Topic  string         `json:"topic"`
	Kind   string         `json:"kind"`
	Device proto.DeviceID `json:"device,omitempty"`
	Role   proto.Role     `json:"role"`
	From   string         `json:"from,omitempty"`
	To     string         `json:"to,omitempty"`
	At     time.Time      `json:"at"`
}

type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan Notice]struct{} // Map topic to hashset of Notice channels
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[chan Notice]struct{}),
	}
}

func (b *Broker) Subscribe(topic string, ch chan Notice) {
	slog.Debug("Subscribing", "topic", topic)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Notice]struct{})
	}
	b.subs[topic][ch] = struct{}{}
}

// Publish never blocks: a subscriber whose buffer is full misses the notice.
func (b *Broker) Publish(n Notice) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for ch := range b.subs[n.Topic] {
		select {
		case ch <- n:
			delivered++
		default:
			slog.Warn("Dropped notice, subscriber buffer full", "topic", n.Topic, "kind", n.Kind)
		}
	}
	slog.Debug("Notice published", "topic", n.Topic, "kind", n.Kind, "device", n.Device, "subscribers", delivered)
}

func (b *Broker) Unsubscribe(topic string, ch chan Notice) {
	slog.Debug("Unsubscribing", "topic", topic)
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[topic]; ok {
		if _, exists := subs[ch]; exists {
			delete(subs, ch)
		} else {
			slog.Warn("Did not find channel in topic subs", "topic", topic)
		}
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
}

func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
