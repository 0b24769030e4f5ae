package server

import (
	"sync"
	"time"

	"github.com/mbocsi/kingdom/proto"
)

type beaconEntry struct {
	metadata []proto.ConnectionMetaData
	seen     time.Time
}

// BeaconStore caches the last known reachability metadata per device.
// Entries older than the TTL are dropped when read.
type BeaconStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[proto.DeviceID]beaconEntry
}

func NewBeaconStore(ttl time.Duration) *BeaconStore {
	return &BeaconStore{ttl: ttl, now: time.Now, entries: make(map[proto.DeviceID]beaconEntry)}
}

// Put replaces the entry for device and refreshes its timestamp. An empty
// list leaves any existing entry untouched.
func (s *BeaconStore) Put(device proto.DeviceID, metadata []proto.ConnectionMetaData) {
	if device == "" || len(metadata) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[device] = beaconEntry{metadata: proto.CloneMetaData(metadata), seen: s.now()}
}

func (s *BeaconStore) Get(device proto.DeviceID) []proto.ConnectionMetaData {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[device]
	if !ok {
		return nil
	}
	if s.expired(e) {
		delete(s.entries, device)
		return nil
	}
	return proto.CloneMetaData(e.metadata)
}

// Devices lists every device with a live entry, pruning expired ones.
func (s *BeaconStore) Devices() []proto.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.DeviceID, 0, len(s.entries))
	for device, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, device)
			continue
		}
		out = append(out, device)
	}
	return out
}

func (s *BeaconStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}

func (s *BeaconStore) expired(e beaconEntry) bool {
	return s.ttl > 0 && s.now().Sub(e.seen) > s.ttl
}
