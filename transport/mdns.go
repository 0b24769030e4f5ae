package transport

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/mbocsi/kingdom/proto"
)

const (
	DefaultMDNSService       = "_kingdom._tcp"
	DefaultMDNSDomain        = "local."
	DefaultMDNSQueryInterval = 5 * time.Second
	DefaultMDNSQueryTimeout  = time.Second
)

// MDNSConfig configures LAN discovery over multicast DNS.
type MDNSConfig struct {
	Service       string
	Domain        string
	Port          int // advertised SRV port, usually the TCP transport's
	QueryInterval time.Duration
	QueryTimeout  time.Duration
}

func DefaultMDNSConfig() MDNSConfig {
	return MDNSConfig{
		Service:       DefaultMDNSService,
		Domain:        DefaultMDNSDomain,
		QueryInterval: DefaultMDNSQueryInterval,
		QueryTimeout:  DefaultMDNSQueryTimeout,
	}
}

// MDNSBeacon advertises the local device as an mDNS service whose TXT
// records carry identity, role and connection metadata, and periodically
// queries for peers doing the same.
type MDNSBeacon struct {
	cfg MDNSConfig

	mu          sync.Mutex
	listening   bool
	stop        chan struct{}
	server      *mdns.Server
	self        proto.DeviceID
	onDiscovery func(proto.DiscoveryEvent)

	updates chan proto.DiscoveryEvent
}

func NewMDNSBeacon(cfg MDNSConfig) *MDNSBeacon {
	d := DefaultMDNSConfig()
	if cfg.Service == "" {
		cfg.Service = d.Service
	}
	if cfg.Domain == "" {
		cfg.Domain = d.Domain
	}
	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = d.QueryInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = d.QueryTimeout
	}
	return &MDNSBeacon{cfg: cfg, updates: make(chan proto.DiscoveryEvent, 1)}
}

func (b *MDNSBeacon) Name() string { return "mdns" }

func (b *MDNSBeacon) StartListening() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listening {
		return nil
	}
	slog.Info("Starting mDNS beacon", "service", b.cfg.Service, "port", b.cfg.Port)
	b.listening = true
	b.stop = make(chan struct{})
	go b.advertiseLoop(b.stop)
	go b.queryLoop(b.stop)
	return nil
}

func (b *MDNSBeacon) StopListening() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.listening {
		return nil
	}
	b.listening = false
	close(b.stop)
	var err error
	if b.server != nil {
		err = b.server.Shutdown()
		b.server = nil
	}
	slog.Info("Stopped mDNS beacon", "service", b.cfg.Service)
	return err
}

func (b *MDNSBeacon) OnDiscovery(fn func(proto.DiscoveryEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDiscovery = fn
}

// Advertise replaces any pending announcement with ev. Publishing happens
// on the beacon's own goroutine.
func (b *MDNSBeacon) Advertise(ev proto.DiscoveryEvent) {
	b.mu.Lock()
	b.self = ev.Device
	b.mu.Unlock()
	for {
		select {
		case b.updates <- ev:
			return
		default:
		}
		select {
		case <-b.updates:
		default:
		}
	}
}

func (b *MDNSBeacon) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Info{
		Name:      b.Name(),
		Protocol:  "mdns",
		Address:   b.cfg.Service + "." + b.cfg.Domain,
		Listening: b.listening,
	}
}

func (b *MDNSBeacon) advertiseLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-b.updates:
			if err := b.publish(ev); err != nil {
				slog.Warn("mDNS advertise failed", "device", ev.Device, "error", err)
			}
		}
	}
}

func (b *MDNSBeacon) publish(ev proto.DiscoveryEvent) error {
	service, err := mdns.NewMDNSService(string(ev.Device), b.cfg.Service, b.cfg.Domain, "", b.cfg.Port, nil, txtRecords(ev))
	if err != nil {
		return fmt.Errorf("build mdns service: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("start mdns server: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.listening {
		return srv.Shutdown()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
	b.server = srv
	slog.Debug("mDNS advertisement updated", "device", ev.Device, "role", ev.State)
	return nil
}

func (b *MDNSBeacon) queryLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.QueryInterval)
	defer ticker.Stop()
	for {
		b.query()
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (b *MDNSBeacon) query() {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			b.handleEntry(entry)
		}
	}()

	params := &mdns.QueryParam{
		Service:     b.cfg.Service,
		Domain:      strings.TrimSuffix(b.cfg.Domain, "."),
		Timeout:     b.cfg.QueryTimeout,
		Entries:     entries,
		DisableIPv6: true,
	}
	if err := mdns.Query(params); err != nil {
		slog.Debug("mDNS query failed", "service", b.cfg.Service, "error", err)
	}
	close(entries)
	<-done
}

func (b *MDNSBeacon) handleEntry(entry *mdns.ServiceEntry) {
	ev, err := parseServiceEntry(entry)
	if err != nil {
		slog.Debug("Ignoring mDNS entry", "name", entry.Name, "error", err)
		return
	}
	b.mu.Lock()
	self := b.self
	fn := b.onDiscovery
	listening := b.listening
	b.mu.Unlock()
	if !listening || fn == nil || ev.Device == self {
		return
	}
	fn(ev)
}

func txtRecords(ev proto.DiscoveryEvent) []string {
	txt := []string{"id=" + string(ev.Device), "role=" + ev.State.String()}
	for _, md := range ev.MetaData {
		txt = append(txt, "md="+base64.RawURLEncoding.EncodeToString(proto.MarshalMetaData(md)))
	}
	return txt
}

func parseServiceEntry(entry *mdns.ServiceEntry) (proto.DiscoveryEvent, error) {
	ev := proto.DiscoveryEvent{Via: "mdns", SeenAt: time.Now()}
	roleSeen := false
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			ev.Device = proto.DeviceID(value)
		case "role":
			role, err := proto.ParseRole(value)
			if err != nil {
				return ev, err
			}
			ev.State = role
			roleSeen = true
		case "md":
			raw, err := base64.RawURLEncoding.DecodeString(value)
			if err != nil {
				return ev, fmt.Errorf("decode metadata: %w", err)
			}
			md, err := proto.UnmarshalMetaData(raw)
			if err != nil {
				return ev, err
			}
			ev.MetaData = append(ev.MetaData, md)
		}
	}
	if err := ev.Device.Validate(); err != nil {
		return ev, err
	}
	if !roleSeen {
		return ev, fmt.Errorf("missing role record")
	}
	if len(ev.MetaData) == 0 && entry.AddrV4 != nil && entry.Port > 0 {
		addr := net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port))
		ev.MetaData = append(ev.MetaData, proto.NewMetaData("tcp", proto.KeyAddr, addr))
	}
	return ev, nil
}
