package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic   uint32 = 0x4B4E4744 // "KNGD"
	Version uint16 = 1

	FrameHeaderLen = 20

	// FlagHandshake marks a hello frame exchanged before any admin message.
	FlagHandshake uint8 = 0x01
	// FlagBeacon marks a discovery beacon carried over a broadcast medium.
	FlagBeacon uint8 = 0x02
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
)

// Header is the fixed wire header:
// magic u32 | version u16 | classifier u8 | flags u8 | message id u64 | payload len u32.
type Header struct {
	Magic      uint32
	Version    uint16
	Classifier Classifier
	Flags      uint8
	MessageID  uint64
	PayloadLen uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode and encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1024 * 1024}
}

func NewFrame(c Classifier, flags uint8, id uint64, payload []byte) Frame {
	return Frame{
		Header: Header{
			Magic:      Magic,
			Version:    Version,
			Classifier: c,
			Flags:      flags,
			MessageID:  id,
			PayloadLen: uint32(len(payload)),
		},
		Payload: payload,
	}
}

// ReadFrame reads one frame. A stream that ends cleanly between frames
// yields io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := MarshalFrame(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// MarshalFrame renders f as a single buffer so it can be written with one call.
func MarshalFrame(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, ErrPayloadTooLarge
	}
	h := f.Header
	if h.Magic == 0 {
		h.Magic = Magic
	}
	if h.Version == 0 {
		h.Version = Version
	}
	h.PayloadLen = uint32(len(f.Payload))
	out := make([]byte, 0, FrameHeaderLen+len(f.Payload))
	out = append(out, EncodeHeader(h)...)
	out = append(out, f.Payload...)
	return out, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FrameHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = uint8(h.Classifier)
	buf[7] = h.Flags
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FrameHeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Classifier: Classifier(b[6]),
		Flags:      b[7],
		MessageID:  binary.BigEndian.Uint64(b[8:16]),
		PayloadLen: binary.BigEndian.Uint32(b[16:20]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: %#x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return h, nil
}
