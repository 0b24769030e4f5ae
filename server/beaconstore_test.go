package server

import (
	"testing"
	"time"

	"github.com/mbocsi/kingdom/proto"
)

func TestBeaconStorePutGet(t *testing.T) {
	s := NewBeaconStore(time.Minute)
	md := []proto.ConnectionMetaData{proto.NewMetaData("tcp", proto.KeyAddr, "10.0.0.7:7400")}
	s.Put("dev-a", md)

	got := s.Get("dev-a")
	if len(got) != 1 || !got[0].Equal(md[0]) {
		t.Fatalf("expected stored metadata, got %v", got)
	}

	got[0].Fields[proto.KeyAddr] = "mutated"
	if s.Get("dev-a")[0].Get(proto.KeyAddr) != "10.0.0.7:7400" {
		t.Error("Get should return a copy")
	}
	md[0].Fields[proto.KeyAddr] = "mutated"
	if s.Get("dev-a")[0].Get(proto.KeyAddr) != "10.0.0.7:7400" {
		t.Error("Put should store a copy")
	}

	if s.Get("dev-b") != nil {
		t.Error("unknown device should have no metadata")
	}
}

func TestBeaconStoreEmptyPutKeepsEntry(t *testing.T) {
	s := NewBeaconStore(time.Minute)
	s.Put("dev-a", []proto.ConnectionMetaData{proto.NewMetaData("tcp", proto.KeyAddr, "x:1")})
	s.Put("dev-a", nil)
	if len(s.Get("dev-a")) != 1 {
		t.Error("empty put should not erase an entry")
	}
	s.Put("", []proto.ConnectionMetaData{proto.NewMetaData("tcp")})
	if len(s.Devices()) != 1 {
		t.Errorf("empty device id should be ignored, devices: %v", s.Devices())
	}
}

func TestBeaconStoreReplaceRefreshes(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewBeaconStore(10 * time.Second)
	s.now = func() time.Time { return now }

	s.Put("dev-a", []proto.ConnectionMetaData{proto.NewMetaData("tcp", proto.KeyAddr, "old:1")})
	now = now.Add(8 * time.Second)
	s.Put("dev-a", []proto.ConnectionMetaData{proto.NewMetaData("tcp", proto.KeyAddr, "new:1")})
	now = now.Add(8 * time.Second)

	got := s.Get("dev-a")
	if len(got) != 1 || got[0].Get(proto.KeyAddr) != "new:1" {
		t.Fatalf("expected refreshed replacement, got %v", got)
	}
}

func TestBeaconStoreExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewBeaconStore(10 * time.Second)
	s.now = func() time.Time { return now }

	s.Put("dev-a", []proto.ConnectionMetaData{proto.NewMetaData("tcp", proto.KeyAddr, "a:1")})
	s.Put("dev-b", []proto.ConnectionMetaData{proto.NewMetaData("tcp", proto.KeyAddr, "b:1")})
	now = now.Add(5 * time.Second)
	s.Put("dev-b", []proto.ConnectionMetaData{proto.NewMetaData("tcp", proto.KeyAddr, "b:1")})
	now = now.Add(6 * time.Second)

	if s.Get("dev-a") != nil {
		t.Error("dev-a should have expired")
	}
	devices := s.Devices()
	if len(devices) != 1 || devices[0] != "dev-b" {
		t.Errorf("expected only dev-b, got %v", devices)
	}
}

func TestBeaconStoreClear(t *testing.T) {
	s := NewBeaconStore(0)
	s.Put("dev-a", []proto.ConnectionMetaData{proto.NewMetaData("tcp")})
	s.Clear()
	if len(s.Devices()) != 0 {
		t.Error("store should be empty after Clear")
	}
}
