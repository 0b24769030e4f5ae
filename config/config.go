// Package config loads a node description from a TOML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
	"github.com/mbocsi/kingdom/transport"
)

var ErrInvalid = errors.New("config: invalid")

// File is the parsed and validated configuration of one node.
type File struct {
	Device     proto.DeviceID
	Node       server.Config
	Backoff    transport.Config
	Log        server.LogConfig
	WebAddr    string
	MCP        bool
	Transports []TransportSpec
	MDNS       *transport.MDNSConfig
}

// TransportSpec describes one transport to build.
type TransportSpec struct {
	Type           string
	Addr           string
	Advertised     string
	Path           string
	Name           string
	MaxConnections int
}

// duration decodes Go duration strings such as "250ms" or "2s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// kingdom config.toml key mapping to node settings.
type fileConfig struct {
	ID        string `toml:"id"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	WebAddr   string `toml:"web_addr"`
	MCP       bool   `toml:"mcp"`

	Election struct {
		ElectionWindow    duration `toml:"election_window"`
		LonelyKingTimeout duration `toml:"lonely_king_timeout"`
		BeaconTTL         duration `toml:"beacon_ttl"`
		KeepAliveInterval duration `toml:"keepalive_interval"`
		DeadAfter         duration `toml:"dead_after"`
		CensusInterval    duration `toml:"census_interval"`
		PrinceAckTimeout  duration `toml:"prince_ack_timeout"`
		ReportCooldown    duration `toml:"report_cooldown"`
		ConnectRetries    int      `toml:"connect_retries"`
	} `toml:"election"`

	Backoff struct {
		InitialTimeout   duration `toml:"initial_timeout"`
		BackoffFactor    float64  `toml:"backoff_factor"`
		MaxTimeout       duration `toml:"max_timeout"`
		DialTimeout      duration `toml:"dial_timeout"`
		HandshakeTimeout duration `toml:"handshake_timeout"`
		WriteTimeout     duration `toml:"write_timeout"`
	} `toml:"backoff"`

	Transports []struct {
		Type           string `toml:"type"`
		Addr           string `toml:"addr"`
		Advertised     string `toml:"advertised"`
		Path           string `toml:"path"`
		Name           string `toml:"name"`
		MaxConnections int    `toml:"max_connections"`
	} `toml:"transport"`

	MDNS struct {
		Enabled       bool     `toml:"enabled"`
		Service       string   `toml:"service"`
		Domain        string   `toml:"domain"`
		Port          int      `toml:"port"`
		QueryInterval duration `toml:"query_interval"`
	} `toml:"mdns"`
}

// Load decodes path over the defaults and validates the result.
func Load(path string) (File, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return File{}, fmt.Errorf("load kingdom config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		slog.Warn("Unknown config keys ignored", "path", path, "keys", fmt.Sprint(undecoded))
	}
	return fromRaw(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (File, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return File{}, fmt.Errorf("parse kingdom config: %w", err)
	}
	return fromRaw(raw, meta)
}

func fromRaw(raw fileConfig, meta toml.MetaData) (File, error) {
	f := File{
		Node:    server.DefaultConfig(),
		Backoff: transport.DefaultConfig(),
		Log:     server.DefaultLogConfig(),
	}

	if meta.IsDefined("id") {
		f.Device = proto.DeviceID(strings.TrimSpace(raw.ID))
	}
	if meta.IsDefined("log_level") {
		level, err := server.ParseLogLevel(raw.LogLevel)
		if err != nil {
			return File{}, err
		}
		f.Log.Level = level
	}
	if meta.IsDefined("log_format") {
		format := strings.ToLower(strings.TrimSpace(raw.LogFormat))
		if format != "text" && format != "json" {
			return File{}, fmt.Errorf("%w: log_format %q (expected text or json)", ErrInvalid, raw.LogFormat)
		}
		f.Log.Format = format
	}
	if meta.IsDefined("web_addr") {
		f.WebAddr = strings.TrimSpace(raw.WebAddr)
	}
	if meta.IsDefined("mcp") {
		f.MCP = raw.MCP
	}

	e := raw.Election
	overrideDuration(meta, &f.Node.ElectionWindow, e.ElectionWindow, "election", "election_window")
	overrideDuration(meta, &f.Node.LonelyKingTimeout, e.LonelyKingTimeout, "election", "lonely_king_timeout")
	overrideDuration(meta, &f.Node.BeaconTTL, e.BeaconTTL, "election", "beacon_ttl")
	overrideDuration(meta, &f.Node.KeepAliveInterval, e.KeepAliveInterval, "election", "keepalive_interval")
	if meta.IsDefined("election", "dead_after") {
		f.Node.DeadAfter = e.DeadAfter.Duration
	} else if meta.IsDefined("election", "keepalive_interval") {
		f.Node.DeadAfter = 3 * f.Node.KeepAliveInterval
	}
	overrideDuration(meta, &f.Node.CensusInterval, e.CensusInterval, "election", "census_interval")
	overrideDuration(meta, &f.Node.PrinceAckTimeout, e.PrinceAckTimeout, "election", "prince_ack_timeout")
	overrideDuration(meta, &f.Node.ReportCooldown, e.ReportCooldown, "election", "report_cooldown")
	if meta.IsDefined("election", "connect_retries") {
		f.Node.ConnectRetries = e.ConnectRetries
	}
	if err := f.Node.Validate(); err != nil {
		return File{}, err
	}

	b := raw.Backoff
	overrideDuration(meta, &f.Backoff.InitialTimeout, b.InitialTimeout, "backoff", "initial_timeout")
	if meta.IsDefined("backoff", "backoff_factor") {
		if b.BackoffFactor < 1 {
			return File{}, fmt.Errorf("%w: backoff_factor must be at least 1, got %v", ErrInvalid, b.BackoffFactor)
		}
		f.Backoff.BackoffFactor = b.BackoffFactor
	}
	overrideDuration(meta, &f.Backoff.MaxTimeout, b.MaxTimeout, "backoff", "max_timeout")
	overrideDuration(meta, &f.Backoff.DialTimeout, b.DialTimeout, "backoff", "dial_timeout")
	overrideDuration(meta, &f.Backoff.HandshakeTimeout, b.HandshakeTimeout, "backoff", "handshake_timeout")
	overrideDuration(meta, &f.Backoff.WriteTimeout, b.WriteTimeout, "backoff", "write_timeout")

	if len(raw.Transports) == 0 {
		return File{}, fmt.Errorf("%w: at least one [[transport]] is required", ErrInvalid)
	}
	seen := make(map[string]bool)
	for i, t := range raw.Transports {
		spec := TransportSpec{
			Type:           strings.ToLower(strings.TrimSpace(t.Type)),
			Addr:           strings.TrimSpace(t.Addr),
			Advertised:     strings.TrimSpace(t.Advertised),
			Path:           strings.TrimSpace(t.Path),
			Name:           strings.TrimSpace(t.Name),
			MaxConnections: t.MaxConnections,
		}
		if spec.Type != "tcp" && spec.Type != "websocket" {
			return File{}, fmt.Errorf("%w: transport %d: unsupported type %q (expected tcp or websocket)", ErrInvalid, i, t.Type)
		}
		if spec.Addr == "" {
			return File{}, fmt.Errorf("%w: transport %d: addr is required", ErrInvalid, i)
		}
		if seen[spec.Type] {
			return File{}, fmt.Errorf("%w: transport %d: only one %s transport is allowed", ErrInvalid, i, spec.Type)
		}
		seen[spec.Type] = true
		f.Transports = append(f.Transports, spec)
	}

	if raw.MDNS.Enabled {
		cfg := transport.DefaultMDNSConfig()
		if meta.IsDefined("mdns", "service") {
			cfg.Service = strings.TrimSpace(raw.MDNS.Service)
		}
		if meta.IsDefined("mdns", "domain") {
			cfg.Domain = strings.TrimSpace(raw.MDNS.Domain)
		}
		if meta.IsDefined("mdns", "port") {
			cfg.Port = raw.MDNS.Port
		}
		overrideDuration(meta, &cfg.QueryInterval, raw.MDNS.QueryInterval, "mdns", "query_interval")
		f.MDNS = &cfg
	}
	return f, nil
}

func overrideDuration(meta toml.MetaData, dst *time.Duration, v duration, key ...string) {
	if meta.IsDefined(key...) {
		*dst = v.Duration
	}
}

// Build creates the node options described by f.
func (f File) Build() server.NodeOptions {
	opts := server.NodeOptions{Device: f.Device}
	cfg := f.Node
	opts.Config = &cfg

	for _, spec := range f.Transports {
		switch spec.Type {
		case "tcp":
			t := transport.NewTCPTransport(spec.Addr)
			t.Advertised = spec.Advertised
			t.SetConfig(f.Backoff)
			if spec.Name != "" {
				t.SetName(spec.Name)
			}
			if spec.MaxConnections > 0 {
				t.SetMaxConnections(spec.MaxConnections)
			}
			opts.Transports = append(opts.Transports, t)
		case "websocket":
			t := transport.NewWSTransport(spec.Addr)
			t.Advertised = spec.Advertised
			if spec.Path != "" {
				t.Path = spec.Path
			}
			t.SetConfig(f.Backoff)
			if spec.Name != "" {
				t.SetName(spec.Name)
			}
			opts.Transports = append(opts.Transports, t)
		}
	}
	if f.MDNS != nil {
		opts.Beacons = append(opts.Beacons, transport.NewMDNSBeacon(*f.MDNS))
	}
	return opts
}

// Template returns a starter config file with every default spelled out.
func Template() string {
	d := server.DefaultConfig()
	b := transport.DefaultConfig()
	m := transport.DefaultMDNSConfig()
	return fmt.Sprintf(`# kingdom node configuration
# id = "device-1"          # defaults to a random id
log_level = "info"          # debug, info, warn, error
log_format = "text"         # text or json
web_addr = ":8080"          # empty disables the status API
mcp = false                 # serve MCP tools over stdio

[election]
election_window = %q
lonely_king_timeout = %q
beacon_ttl = %q
keepalive_interval = %q
dead_after = %q
census_interval = %q
prince_ack_timeout = %q
report_cooldown = %q
connect_retries = %d

[backoff]
initial_timeout = %q
backoff_factor = %.1f
max_timeout = %q
dial_timeout = %q
handshake_timeout = %q
write_timeout = %q

[[transport]]
type = "tcp"
addr = ":7400"
# advertised = "192.168.1.10:7400"

[[transport]]
type = "websocket"
addr = ":7401"
path = %q

[mdns]
enabled = true
service = %q
domain = %q
port = 7400
`,
		d.ElectionWindow, d.LonelyKingTimeout, d.BeaconTTL, d.KeepAliveInterval, d.DeadAfter,
		d.CensusInterval, d.PrinceAckTimeout, d.ReportCooldown, d.ConnectRetries,
		b.InitialTimeout, b.BackoffFactor, b.MaxTimeout, b.DialTimeout, b.HandshakeTimeout, b.WriteTimeout,
		transport.DefaultWSPath, m.Service, m.Domain,
	)
}
