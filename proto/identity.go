package proto

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrEmptyDeviceID = errors.New("proto: empty device id")

// DeviceID identifies a device across restarts. DeviceIDs are totally
// ordered by byte-wise comparison and the smaller identity prevails in
// every election and merge decision.
type DeviceID string

func NewDeviceID() DeviceID {
	return DeviceID("device-" + uuid.NewString())
}

func (d DeviceID) String() string {
	return string(d)
}

// Less reports whether d sorts before other.
func (d DeviceID) Less(other DeviceID) bool {
	return d < other
}

// Prevails reports whether d wins a contest against other.
func (d DeviceID) Prevails(other DeviceID) bool {
	return d.Less(other)
}

func (d DeviceID) Validate() error {
	if strings.TrimSpace(string(d)) == "" {
		return ErrEmptyDeviceID
	}
	return nil
}

// Lowest returns the prevailing identity of ids, or "" when ids is empty.
func Lowest(ids ...DeviceID) DeviceID {
	var best DeviceID
	for _, id := range ids {
		if id == "" {
			continue
		}
		if best == "" || id.Less(best) {
			best = id
		}
	}
	return best
}
