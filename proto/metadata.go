package proto

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Well-known metadata keys.
const (
	KeyAddr = "addr"
	KeyURL  = "url"
	KeyPath = "path"
)

// TLV field ids shared by every payload in this package.
const (
	fieldDevice    uint16 = 1
	fieldRole      uint16 = 2
	fieldMetaData  uint16 = 3
	fieldMember    uint16 = 4
	fieldTransport uint16 = 10
	fieldEntry     uint16 = 11
	fieldKey       uint16 = 12
	fieldValue     uint16 = 13
)

var ErrMissingTransport = errors.New("proto: metadata without transport")

// ConnectionMetaData describes how to reach a device over one transport.
// Transport selects the transport implementation; Fields carry its
// addressing, e.g. {"addr": "10.0.0.7:7400"}.
type ConnectionMetaData struct {
	Transport string            `json:"transport" toml:"transport"`
	Fields    map[string]string `json:"fields,omitempty" toml:"fields"`
}

// NewMetaData builds metadata from alternating key/value pairs.
func NewMetaData(transport string, kv ...string) ConnectionMetaData {
	md := ConnectionMetaData{Transport: transport, Fields: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		md.Fields[kv[i]] = kv[i+1]
	}
	return md
}

func (m ConnectionMetaData) Get(key string) string {
	return m.Fields[key]
}

func (m ConnectionMetaData) Validate() error {
	if m.Transport == "" {
		return ErrMissingTransport
	}
	return nil
}

func (m ConnectionMetaData) Clone() ConnectionMetaData {
	return ConnectionMetaData{Transport: m.Transport, Fields: maps.Clone(m.Fields)}
}

func (m ConnectionMetaData) Equal(o ConnectionMetaData) bool {
	return m.Transport == o.Transport && maps.Equal(m.Fields, o.Fields)
}

func (m ConnectionMetaData) String() string {
	return fmt.Sprintf("%s%v", m.Transport, m.Fields)
}

func CloneMetaData(list []ConnectionMetaData) []ConnectionMetaData {
	if list == nil {
		return nil
	}
	out := make([]ConnectionMetaData, len(list))
	for i, md := range list {
		out[i] = md.Clone()
	}
	return out
}

// encodeMetaData renders md as nested TLV. Keys are sorted so equal
// metadata always encodes to equal bytes.
func encodeMetaData(md ConnectionMetaData) []byte {
	fields := []Field{StringField(fieldTransport, md.Transport)}
	for _, k := range slices.Sorted(maps.Keys(md.Fields)) {
		entry := EncodeFields([]Field{
			StringField(fieldKey, k),
			StringField(fieldValue, md.Fields[k]),
		})
		fields = append(fields, BytesField(fieldEntry, entry))
	}
	return EncodeFields(fields)
}

func decodeMetaData(b []byte) (ConnectionMetaData, error) {
	fields, err := DecodeFields(b)
	if err != nil {
		return ConnectionMetaData{}, err
	}
	if err := onlyFields(fields, fieldTransport, fieldEntry); err != nil {
		return ConnectionMetaData{}, err
	}
	tf, ok := GetField(fields, fieldTransport)
	if !ok {
		return ConnectionMetaData{}, ErrMissingTransport
	}
	transport, err := tf.Text()
	if err != nil {
		return ConnectionMetaData{}, err
	}
	md := ConnectionMetaData{Transport: transport, Fields: make(map[string]string)}
	for _, ef := range GetFields(fields, fieldEntry) {
		if err := MustType(ef, TypeBytes); err != nil {
			return ConnectionMetaData{}, err
		}
		kv, err := DecodeFields(ef.Value)
		if err != nil {
			return ConnectionMetaData{}, err
		}
		kf, kok := GetField(kv, fieldKey)
		vf, vok := GetField(kv, fieldValue)
		if !kok || !vok {
			return ConnectionMetaData{}, fmt.Errorf("tlv: metadata entry missing key or value")
		}
		k, err := kf.Text()
		if err != nil {
			return ConnectionMetaData{}, err
		}
		v, err := vf.Text()
		if err != nil {
			return ConnectionMetaData{}, err
		}
		md.Fields[k] = v
	}
	return md, nil
}

func metaDataFields(list []ConnectionMetaData) []Field {
	fields := make([]Field, 0, len(list))
	for _, md := range list {
		fields = append(fields, BytesField(fieldMetaData, encodeMetaData(md)))
	}
	return fields
}

func metaDataFromFields(fields []Field) ([]ConnectionMetaData, error) {
	var out []ConnectionMetaData
	for _, f := range GetFields(fields, fieldMetaData) {
		if err := MustType(f, TypeBytes); err != nil {
			return nil, err
		}
		md, err := decodeMetaData(f.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}

func deviceFromFields(fields []Field) (DeviceID, error) {
	f, ok := GetField(fields, fieldDevice)
	if !ok {
		return "", ErrEmptyDeviceID
	}
	s, err := f.Text()
	if err != nil {
		return "", err
	}
	id := DeviceID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

func roleFromFields(fields []Field) (Role, error) {
	f, ok := GetField(fields, fieldRole)
	if !ok {
		return RoleStopped, fmt.Errorf("tlv: missing role field")
	}
	v, err := f.U8()
	if err != nil {
		return RoleStopped, err
	}
	role := Role(v)
	if !role.Valid() {
		return RoleStopped, fmt.Errorf("proto: invalid role %d", v)
	}
	return role, nil
}

// MarshalMetaData renders one metadata record in its TLV form.
func MarshalMetaData(md ConnectionMetaData) []byte {
	return encodeMetaData(md)
}

func UnmarshalMetaData(b []byte) (ConnectionMetaData, error) {
	return decodeMetaData(b)
}
