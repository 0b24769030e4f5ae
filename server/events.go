package server

import (
	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/transport"
)

// Event is anything the machine reacts to. Events are queued from any
// goroutine and handled one at a time on the machine's loop.
type Event interface {
	eventName() string
}

// StartEvent moves a Stopped machine to Free.
type StartEvent struct{}

// StopEvent tears the session down. It overtakes every queued event and
// Done is closed once it has been handled.
type StopEvent struct {
	Done chan struct{}
}

// DiscoveryReceived carries a peer announcement heard by a beacon.
type DiscoveryReceived struct {
	Discovery proto.DiscoveryEvent
}

// ConnectionEstablished reports a newly registered connection.
type ConnectionEstablished struct {
	Conn transport.Conn
}

// ConnectionClosed reports that a registered connection went away.
type ConnectionClosed struct {
	Conn transport.Conn
}

// AdminReceived carries an admin message read from Conn.
type AdminReceived struct {
	Conn    transport.Conn
	Message proto.AdminMessage
}

type connectPurpose uint8

const (
	purposeJoin connectPurpose = iota + 1
	purposeBowDown
	purposeReclaim
)

func (p connectPurpose) String() string {
	switch p {
	case purposeJoin:
		return "join"
	case purposeBowDown:
		return "bow-down"
	case purposeReclaim:
		return "reclaim"
	default:
		return "unknown"
	}
}

// ConnectResult is the outcome of a connect attempt started by the machine.
type ConnectResult struct {
	ID      uint64
	Device  proto.DeviceID
	Purpose connectPurpose
	Conn    transport.Conn
	Err     error
}

type timerKind uint8

const (
	timerElection timerKind = iota + 1
	timerLonelyKing
	timerPrinceAck
	timerKeepAlive
	timerCensus
)

func (k timerKind) String() string {
	switch k {
	case timerElection:
		return "election"
	case timerLonelyKing:
		return "lonely-king"
	case timerPrinceAck:
		return "prince-ack"
	case timerKeepAlive:
		return "keepalive"
	case timerCensus:
		return "census"
	default:
		return "unknown"
	}
}

// TimerFired is delivered when a machine timer expires. Timers re-armed or
// cancelled since have a newer generation and the stale event is dropped.
type TimerFired struct {
	Kind timerKind
	Gen  uint64
}

func (StartEvent) eventName() string { return "start" }
func (StopEvent) eventName() string { return "stop" }
func (DiscoveryReceived) eventName() string { return "discovery" }
func (ConnectionEstablished) eventName() string { return "connection-established" }
func (ConnectionClosed) eventName() string { return "connection-closed" }
func (AdminReceived) eventName() string { return "admin" }
func (ConnectResult) eventName() string { return "connect-result" }
func (TimerFired) eventName() string { return "timer" }
