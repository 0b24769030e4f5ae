package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrRadioStopped = errors.New("radio stopped")
	ErrRadioRunning = errors.New("radio already running")
)

// BroadcastAddress is the link address every receiver accepts.
var BroadcastAddress = []byte{0xFF}

// HardwareInterface abstracts the bus to the radio chip so SPI, UART or
// simulated drivers can be plugged in.
type HardwareInterface interface {
	Initialize() error
	Transmit(data []byte) error
	SetReceiveCallback(callback func(data []byte, rssi int, snr float64))
	Close() error
	SetFrequency(freq uint32) error
	SetPower(power uint8) error
}

// SX1276Config contains hardware configuration for SX1276/SX1278 radios.
type SX1276Config struct {
	SPIDevice string // e.g. "/dev/spidev0.0"
	SPISpeed  uint32 // Hz

	// GPIO numbers, not pin numbers
	ResetGPIO int
	IRQPin    int
	CS0Pin    int

	Frequency       uint32 // Hz
	Power           uint8  // dBm (2-20)
	SyncByte        uint8
	Bandwidth       uint32 // Hz
	SpreadingFactor uint8  // 6-12
	CodingRate      uint8  // 5-8
}

func DefaultSX1276Config() SX1276Config {
	return SX1276Config{
		SPIDevice:       "/dev/spidev0.0",
		SPISpeed:        1000000,
		ResetGPIO:       4,
		IRQPin:          17,
		CS0Pin:          8,
		Frequency:       868000000,
		Power:           14,
		SyncByte:        0x12,
		Bandwidth:       125000,
		SpreadingFactor: 7,
		CodingRate:      5,
	}
}

// US915Config returns the 915MHz (US ISM band) variant.
func US915Config() SX1276Config {
	config := DefaultSX1276Config()
	config.Frequency = 915000000
	return config
}

// SX1276Radio implements Radio over a HardwareInterface. Packets are
// framed as [address_len][address][data]; beacons use BroadcastAddress.
type SX1276Radio struct {
	config SX1276Config
	hw     HardwareInterface

	mu      sync.RWMutex
	running bool
	queue   chan RadioPacket
}

func NewSX1276Radio(config SX1276Config, hw HardwareInterface) *SX1276Radio {
	return &SX1276Radio{config: config, hw: hw}
}

func (r *SX1276Radio) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRadioRunning
	}
	if err := r.hw.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize hardware interface: %w", err)
	}
	if err := r.hw.SetFrequency(r.config.Frequency); err != nil {
		r.hw.Close()
		return fmt.Errorf("failed to set frequency: %w", err)
	}
	if err := r.hw.SetPower(r.config.Power); err != nil {
		r.hw.Close()
		return fmt.Errorf("failed to set power: %w", err)
	}
	r.queue = make(chan RadioPacket, 100)
	r.hw.SetReceiveCallback(r.onHardwareReceive)
	r.running = true

	slog.Info("SX1276 radio started",
		"frequency", r.config.Frequency,
		"power", r.config.Power,
		"spi_device", r.config.SPIDevice)
	return nil
}

func (r *SX1276Radio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	close(r.queue)
	err := r.hw.Close()
	slog.Info("SX1276 radio stopped")
	return err
}

func (r *SX1276Radio) Broadcast(data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return ErrRadioStopped
	}
	packet := make([]byte, 0, 1+len(BroadcastAddress)+len(data))
	packet = append(packet, uint8(len(BroadcastAddress)))
	packet = append(packet, BroadcastAddress...)
	packet = append(packet, data...)
	if err := r.hw.Transmit(packet); err != nil {
		return fmt.Errorf("hardware transmit failed: %w", err)
	}
	slog.Debug("SX1276 packet transmitted", "data_size", len(data), "total_size", len(packet))
	return nil
}

func (r *SX1276Radio) Receive() (RadioPacket, error) {
	r.mu.RLock()
	queue := r.queue
	r.mu.RUnlock()
	if queue == nil {
		return RadioPacket{}, ErrRadioStopped
	}
	pkt, ok := <-queue
	if !ok {
		return RadioPacket{}, ErrRadioStopped
	}
	return pkt, nil
}

func (r *SX1276Radio) onHardwareReceive(data []byte, rssi int, snr float64) {
	if len(data) < 2 {
		slog.Warn("SX1276 received packet too short", "size", len(data))
		return
	}
	addrLen := int(data[0])
	if len(data) < 1+addrLen {
		slog.Warn("SX1276 received packet with invalid address length",
			"declared_addr_len", addrLen, "packet_size", len(data))
		return
	}
	payload := make([]byte, len(data)-1-addrLen)
	copy(payload, data[1+addrLen:])

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return
	}
	select {
	case r.queue <- RadioPacket{Data: payload, RSSI: rssi, SNR: snr}:
	default:
		slog.Warn("SX1276 receive queue full, dropping packet")
	}
}
