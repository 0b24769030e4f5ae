package proto

import (
	"bytes"
	"fmt"
	"time"
)

// DiscoveryEvent is what a beacon reports about a peer it heard.
type DiscoveryEvent struct {
	Device   DeviceID             `json:"device"`
	State    Role                 `json:"state"`
	MetaData []ConnectionMetaData `json:"metadata,omitempty"`
	Via      string               `json:"via,omitempty"`
	SeenAt   time.Time            `json:"seen_at"`
}

// EncodeDiscovery renders ev as a beacon frame for broadcast media.
func EncodeDiscovery(ev DiscoveryEvent) ([]byte, error) {
	if err := ev.Device.Validate(); err != nil {
		return nil, err
	}
	payload := EncodeFields(helloFields(Hello{Device: ev.Device, Role: ev.State, MetaData: ev.MetaData}))
	return MarshalFrame(NewFrame(0, FlagBeacon, 0, payload), DefaultLimits())
}

func DecodeDiscovery(b []byte) (DiscoveryEvent, error) {
	f, err := ReadFrame(bytes.NewReader(b), DefaultLimits())
	if err != nil {
		return DiscoveryEvent{}, err
	}
	if f.Header.Flags&FlagBeacon == 0 {
		return DiscoveryEvent{}, fmt.Errorf("%w: expected beacon", ErrUnexpectedFrame)
	}
	fields, err := DecodeFields(f.Payload)
	if err != nil {
		return DiscoveryEvent{}, fmt.Errorf("proto: malformed beacon: %w", err)
	}
	h, err := helloFromFields(fields)
	if err != nil {
		return DiscoveryEvent{}, fmt.Errorf("proto: malformed beacon: %w", err)
	}
	return DiscoveryEvent{Device: h.Device, State: h.Role, MetaData: h.MetaData}, nil
}
