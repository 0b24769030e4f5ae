package transport

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/kingdom/proto"
)

var (
	ErrClosed          = errors.New("transport: connection closed")
	ErrOutboxFull      = errors.New("transport: outbox full")
	ErrNotListening    = errors.New("transport: not listening")
	ErrUnreachable     = errors.New("transport: peer unreachable")
	ErrWrongTransport  = errors.New("transport: metadata is for another transport")
	ErrMissingAddress  = errors.New("transport: metadata has no address")
	ErrNoHelloProvider = errors.New("transport: no local identity configured")
)

// HelloFunc supplies the local hello sent on every new connection.
type HelloFunc func() proto.Hello

// Transport accepts and opens connections to peers.
//
// StartListening and StopListening are idempotent. Inbound connections are
// handed to the OnInbound callback after the hello exchange completes.
type Transport interface {
	Name() string
	StartListening() error
	StopListening() error
	OnInbound(func(Conn))
	Identify(HelloFunc)
	Connect(ctx context.Context, md proto.ConnectionMetaData, hello proto.Hello) (Conn, error)
	MetaData() proto.ConnectionMetaData
	Config() Config
	Info() Info
}

// Beacon announces the local device and reports peers it hears.
// Advertise must not block on network I/O.
type Beacon interface {
	Name() string
	StartListening() error
	StopListening() error
	OnDiscovery(func(proto.DiscoveryEvent))
	Advertise(ev proto.DiscoveryEvent)
}

// Info describes a transport or beacon for status surfaces.
type Info struct {
	Name        string `json:"name"`
	Protocol    string `json:"protocol"`
	Address     string `json:"address"`
	Description string `json:"description,omitempty"`
	Listening   bool   `json:"listening"`
	Connections int    `json:"connections"`
}

const (
	DefaultInitialTimeout   = 250 * time.Millisecond
	DefaultBackoffFactor    = 2.0
	DefaultMaxTimeout       = 5 * time.Second
	DefaultDialTimeout      = 3 * time.Second
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultWriteTimeout     = 3 * time.Second
)

// Config holds per-transport connect and I/O timing.
type Config struct {
	InitialTimeout   time.Duration
	BackoffFactor    float64
	MaxTimeout       time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialTimeout:   DefaultInitialTimeout,
		BackoffFactor:    DefaultBackoffFactor,
		MaxTimeout:       DefaultMaxTimeout,
		DialTimeout:      DefaultDialTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
	}
}

// Delay returns the wait before retry attempt n (1-based):
// InitialTimeout * BackoffFactor^(n-1), capped at MaxTimeout.
func (c Config) Delay(attempt int) time.Duration {
	if c.InitialTimeout <= 0 {
		return 0
	}
	if attempt <= 1 {
		return c.InitialTimeout
	}
	factor := c.BackoffFactor
	if factor < 1.0 {
		factor = 1.0
	}
	delay := float64(c.InitialTimeout) * math.Pow(factor, float64(attempt-1))
	if c.MaxTimeout > 0 && delay > float64(c.MaxTimeout) {
		delay = float64(c.MaxTimeout)
	}
	return time.Duration(delay)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialTimeout <= 0 {
		c.InitialTimeout = d.InitialTimeout
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

func generateConnID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
