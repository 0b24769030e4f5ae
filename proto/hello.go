package proto

import (
	"fmt"
	"io"
)

// Hello is exchanged once on every new connection before any admin
// message. The initiator writes first.
type Hello struct {
	Device   DeviceID
	Role     Role
	MetaData []ConnectionMetaData
}

func helloFields(h Hello) []Field {
	fields := []Field{StringField(fieldDevice, string(h.Device)), U8Field(fieldRole, uint8(h.Role))}
	return append(fields, metaDataFields(h.MetaData)...)
}

func helloFromFields(fields []Field) (Hello, error) {
	var h Hello
	var err error
	if err = onlyFields(fields, fieldDevice, fieldRole, fieldMetaData); err != nil {
		return h, err
	}
	if h.Device, err = deviceFromFields(fields); err != nil {
		return h, err
	}
	if h.Role, err = roleFromFields(fields); err != nil {
		return h, err
	}
	if h.MetaData, err = metaDataFromFields(fields); err != nil {
		return h, err
	}
	return h, nil
}

func HelloFrame(h Hello) (Frame, error) {
	if err := h.Device.Validate(); err != nil {
		return Frame{}, err
	}
	return NewFrame(0, FlagHandshake, 0, EncodeFields(helloFields(h))), nil
}

func DecodeHello(f Frame) (Hello, error) {
	if f.Header.Flags&FlagHandshake == 0 {
		return Hello{}, fmt.Errorf("%w: expected handshake, got %s", ErrUnexpectedFrame, f.Header.Classifier)
	}
	fields, err := DecodeFields(f.Payload)
	if err != nil {
		return Hello{}, fmt.Errorf("proto: malformed hello: %w", err)
	}
	h, err := helloFromFields(fields)
	if err != nil {
		return Hello{}, fmt.Errorf("proto: malformed hello: %w", err)
	}
	return h, nil
}

func WriteHello(w io.Writer, h Hello) error {
	f, err := HelloFrame(h)
	if err != nil {
		return err
	}
	return WriteFrame(w, f, DefaultLimits())
}

func ReadHello(r io.Reader) (Hello, error) {
	f, err := ReadFrame(r, DefaultLimits())
	if err != nil {
		return Hello{}, err
	}
	return DecodeHello(f)
}
