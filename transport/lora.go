package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/kingdom/proto"
)

const DefaultLoRaBeaconInterval = 10 * time.Second

// LoRaConfig contains basic LoRa radio configuration
type LoRaConfig struct {
	Frequency       uint32 // Hz (e.g., 868000000 for 868MHz)
	Bandwidth       uint32 // Hz (e.g., 125000 for 125kHz)
	SpreadingFactor uint8  // 7-12
	CodingRate      uint8  // 5-8
	TxPower         uint8  // dBm
	BeaconInterval  time.Duration
}

// RadioPacket is one received broadcast with its signal quality.
type RadioPacket struct {
	Data []byte
	RSSI int
	SNR  float64
}

// Radio is a half-duplex broadcast radio.
type Radio interface {
	Start() error
	Stop() error
	Broadcast(data []byte) error
	// Receive blocks until a packet arrives or the radio stops.
	Receive() (RadioPacket, error)
}

// LoRaBeacon announces the local device over a long range radio. Beacons
// carry the encoded DiscoveryEvent, so peers learn identity, role and
// how to reach the device over its IP transports.
type LoRaBeacon struct {
	config LoRaConfig
	radio  Radio

	mu          sync.RWMutex
	running     bool
	stop        chan struct{}
	onDiscovery func(proto.DiscoveryEvent)
	self        proto.DeviceID
	last        []byte
	lastRSSI    map[proto.DeviceID]int
}

func NewLoRaBeacon(config LoRaConfig, radio Radio) *LoRaBeacon {
	if config.BeaconInterval <= 0 {
		config.BeaconInterval = DefaultLoRaBeaconInterval
	}
	return &LoRaBeacon{config: config, radio: radio, lastRSSI: make(map[proto.DeviceID]int)}
}

func (b *LoRaBeacon) Name() string { return "lora" }

func (b *LoRaBeacon) StartListening() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	slog.Info("Starting LoRa beacon", "frequency", b.config.Frequency)
	if err := b.radio.Start(); err != nil {
		return fmt.Errorf("failed to start LoRa radio: %w", err)
	}
	b.running = true
	b.stop = make(chan struct{})
	go b.receiveLoop()
	go b.beaconLoop(b.stop)
	return nil
}

func (b *LoRaBeacon) StopListening() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stop)
	b.last = nil
	b.mu.Unlock()

	slog.Info("Shutting down LoRa beacon")
	return b.radio.Stop()
}

func (b *LoRaBeacon) OnDiscovery(fn func(proto.DiscoveryEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDiscovery = fn
}

func (b *LoRaBeacon) Advertise(ev proto.DiscoveryEvent) {
	data, err := proto.EncodeDiscovery(ev)
	if err != nil {
		slog.Warn("Cannot encode LoRa beacon", "device", ev.Device, "error", err)
		return
	}
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.self = ev.Device
	b.last = data
	b.mu.Unlock()
	go b.transmit(data)
}

// SignalQuality returns the last RSSI heard from device.
func (b *LoRaBeacon) SignalQuality(device proto.DeviceID) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rssi, ok := b.lastRSSI[device]
	return rssi, ok
}

func (b *LoRaBeacon) Info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Info{
		Name:      b.Name(),
		Protocol:  "lora",
		Address:   fmt.Sprintf("%.1fMHz", float64(b.config.Frequency)/1000000),
		Listening: b.running,
	}
}

func (b *LoRaBeacon) isRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *LoRaBeacon) receiveLoop() {
	for {
		pkt, err := b.radio.Receive()
		if err != nil {
			if !b.isRunning() {
				return
			}
			continue
		}
		b.handlePacket(pkt)
	}
}

func (b *LoRaBeacon) handlePacket(pkt RadioPacket) {
	ev, err := proto.DecodeDiscovery(pkt.Data)
	if err != nil {
		slog.Warn("Invalid LoRa beacon", "error", err, "rssi", pkt.RSSI)
		return
	}
	b.mu.Lock()
	fn := b.onDiscovery
	self := b.self
	running := b.running
	b.lastRSSI[ev.Device] = pkt.RSSI
	b.mu.Unlock()

	if !running || fn == nil || ev.Device == self {
		return
	}
	ev.Via = b.Name()
	ev.SeenAt = time.Now()
	slog.Debug("LoRa beacon received", "device", ev.Device, "role", ev.State, "rssi", pkt.RSSI, "snr", pkt.SNR)
	fn(ev)
}

func (b *LoRaBeacon) beaconLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(b.config.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.mu.RLock()
			data := b.last
			b.mu.RUnlock()
			if data != nil {
				b.transmit(data)
			}
		}
	}
}

func (b *LoRaBeacon) transmit(data []byte) {
	if err := b.radio.Broadcast(data); err != nil {
		slog.Warn("LoRa beacon transmit failed", "error", err)
	}
}
