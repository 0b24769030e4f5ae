package server

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultElectionWindow    = 2 * time.Second
	DefaultLonelyKingTimeout = 20 * time.Second
	DefaultBeaconTTL         = 60 * time.Second
	DefaultKeepAliveInterval = 5 * time.Second
	DefaultCensusInterval    = 10 * time.Second
	DefaultPrinceAckTimeout  = 5 * time.Second
	DefaultReportCooldown    = 5 * time.Second
	DefaultConnectRetries    = 3
)

var ErrInvalidConfig = errors.New("server: invalid config")

// Config holds the timing knobs of the election protocol.
type Config struct {
	// ElectionWindow is how long a Free device waits for a superior peer
	// before promoting itself to King.
	ElectionWindow time.Duration
	// LonelyKingTimeout is how long a King without followers keeps its
	// crown before going back to Free.
	LonelyKingTimeout time.Duration
	BeaconTTL         time.Duration
	KeepAliveInterval time.Duration
	// DeadAfter closes a connection that has been silent this long.
	DeadAfter        time.Duration
	CensusInterval   time.Duration
	PrinceAckTimeout time.Duration
	// ReportCooldown bounds how often a Prince reports the same foreign King.
	ReportCooldown time.Duration
	// ConnectRetries is the number of retries after the first connect attempt.
	ConnectRetries int
}

func DefaultConfig() Config {
	return Config{
		ElectionWindow:    DefaultElectionWindow,
		LonelyKingTimeout: DefaultLonelyKingTimeout,
		BeaconTTL:         DefaultBeaconTTL,
		KeepAliveInterval: DefaultKeepAliveInterval,
		DeadAfter:         3 * DefaultKeepAliveInterval,
		CensusInterval:    DefaultCensusInterval,
		PrinceAckTimeout:  DefaultPrinceAckTimeout,
		ReportCooldown:    DefaultReportCooldown,
		ConnectRetries:    DefaultConnectRetries,
	}
}

func (c Config) Validate() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"election window", c.ElectionWindow},
		{"lonely king timeout", c.LonelyKingTimeout},
		{"beacon ttl", c.BeaconTTL},
		{"keepalive interval", c.KeepAliveInterval},
		{"dead after", c.DeadAfter},
		{"census interval", c.CensusInterval},
		{"prince ack timeout", c.PrinceAckTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, p.name, p.value)
		}
	}
	if c.DeadAfter <= c.KeepAliveInterval {
		return fmt.Errorf("%w: dead after (%v) must exceed keepalive interval (%v)", ErrInvalidConfig, c.DeadAfter, c.KeepAliveInterval)
	}
	if c.ReportCooldown < 0 {
		return fmt.Errorf("%w: report cooldown must not be negative", ErrInvalidConfig)
	}
	if c.ConnectRetries < 0 {
		return fmt.Errorf("%w: connect retries must not be negative", ErrInvalidConfig)
	}
	return nil
}
