package proto

import (
	"errors"
	"fmt"
	"slices"
)

// Classifier tags the kind of an admin message on the wire.
type Classifier uint8

const (
	ClassifierCensus Classifier = iota + 1
	ClassifierKeepAlive
	ClassifierPronouncePrince
	ClassifierPrinceAck
	ClassifierPrinceFoundAKing
	ClassifierBowDownToNewKing
)

var classifierNames = map[Classifier]string{
	ClassifierCensus:           "Census",
	ClassifierKeepAlive:        "KeepAlive",
	ClassifierPronouncePrince:  "PronouncePrince",
	ClassifierPrinceAck:        "PrinceAck",
	ClassifierPrinceFoundAKing: "PrinceFoundAKing",
	ClassifierBowDownToNewKing: "BowDownToNewKing",
}

func (c Classifier) String() string {
	if name, ok := classifierNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Classifier(%d)", uint8(c))
}

func (c Classifier) Valid() bool {
	_, ok := classifierNames[c]
	return ok
}

var (
	ErrUnknownClassifier = errors.New("proto: unknown classifier")
	ErrMalformedPayload  = errors.New("proto: malformed payload")
	ErrUnexpectedFrame   = errors.New("proto: unexpected frame kind")
)

// MalformedError reports a payload that does not match its classifier's schema.
type MalformedError struct {
	Classifier Classifier
	Reason     error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("proto: malformed %s payload: %v", e.Classifier, e.Reason)
}

func (e *MalformedError) Unwrap() []error {
	return []error{ErrMalformedPayload, e.Reason}
}

// CensusEntry is one kingdom member as reported by its King.
type CensusEntry struct {
	Device   DeviceID             `json:"device"`
	Role     Role                 `json:"role"`
	MetaData []ConnectionMetaData `json:"metadata,omitempty"`
}

// AdminMessage is a kingdom control message. Which fields are meaningful
// depends on Classifier:
//
//	Census            Census
//	KeepAlive         (none)
//	PronouncePrince   (none)
//	PrinceAck         Device (the acknowledging Prince)
//	PrinceFoundAKing  Device, MetaData (the foreign King)
//	BowDownToNewKing  Device, MetaData (the winning King)
type AdminMessage struct {
	Classifier Classifier
	Device     DeviceID
	MetaData   []ConnectionMetaData
	Census     []CensusEntry
}

func (m AdminMessage) String() string {
	switch m.Classifier {
	case ClassifierCensus:
		return fmt.Sprintf("%s(%d members)", m.Classifier, len(m.Census))
	case ClassifierPrinceAck, ClassifierPrinceFoundAKing, ClassifierBowDownToNewKing:
		return fmt.Sprintf("%s(%s)", m.Classifier, m.Device)
	default:
		return m.Classifier.String()
	}
}

// NewCensus sorts entries by device so the encoding is deterministic.
func NewCensus(entries []CensusEntry) AdminMessage {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b CensusEntry) int {
		switch {
		case a.Device < b.Device:
			return -1
		case a.Device > b.Device:
			return 1
		}
		return 0
	})
	return AdminMessage{Classifier: ClassifierCensus, Census: sorted}
}

func NewKeepAlive() AdminMessage {
	return AdminMessage{Classifier: ClassifierKeepAlive}
}

func NewPronouncePrince() AdminMessage {
	return AdminMessage{Classifier: ClassifierPronouncePrince}
}

func NewPrinceAck(prince DeviceID) AdminMessage {
	return AdminMessage{Classifier: ClassifierPrinceAck, Device: prince}
}

func NewPrinceFoundAKing(king DeviceID, md []ConnectionMetaData) AdminMessage {
	return AdminMessage{Classifier: ClassifierPrinceFoundAKing, Device: king, MetaData: CloneMetaData(md)}
}

func NewBowDownToNewKing(king DeviceID, md []ConnectionMetaData) AdminMessage {
	return AdminMessage{Classifier: ClassifierBowDownToNewKing, Device: king, MetaData: CloneMetaData(md)}
}

// EncodeAdmin renders the payload for msg.
func EncodeAdmin(msg AdminMessage) ([]byte, error) {
	var fields []Field
	switch msg.Classifier {
	case ClassifierCensus:
		for _, e := range msg.Census {
			member := []Field{StringField(fieldDevice, string(e.Device)), U8Field(fieldRole, uint8(e.Role))}
			member = append(member, metaDataFields(e.MetaData)...)
			fields = append(fields, BytesField(fieldMember, EncodeFields(member)))
		}
	case ClassifierKeepAlive, ClassifierPronouncePrince:
	case ClassifierPrinceAck:
		if err := msg.Device.Validate(); err != nil {
			return nil, &MalformedError{Classifier: msg.Classifier, Reason: err}
		}
		fields = append(fields, StringField(fieldDevice, string(msg.Device)))
	case ClassifierPrinceFoundAKing, ClassifierBowDownToNewKing:
		if err := msg.Device.Validate(); err != nil {
			return nil, &MalformedError{Classifier: msg.Classifier, Reason: err}
		}
		fields = append(fields, StringField(fieldDevice, string(msg.Device)))
		fields = append(fields, metaDataFields(msg.MetaData)...)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownClassifier, uint8(msg.Classifier))
	}
	return EncodeFields(fields), nil
}

// DecodeAdmin parses an admin frame. Unknown classifiers and payloads
// that do not match their classifier's schema are protocol violations.
func DecodeAdmin(f Frame) (AdminMessage, error) {
	if f.Header.Flags&(FlagHandshake|FlagBeacon) != 0 {
		return AdminMessage{}, ErrUnexpectedFrame
	}
	c := f.Header.Classifier
	if !c.Valid() {
		return AdminMessage{}, fmt.Errorf("%w: %d", ErrUnknownClassifier, uint8(c))
	}
	fields, err := DecodeFields(f.Payload)
	if err != nil {
		return AdminMessage{}, &MalformedError{Classifier: c, Reason: err}
	}
	msg, err := decodeAdminFields(c, fields)
	if err != nil {
		return AdminMessage{}, &MalformedError{Classifier: c, Reason: err}
	}
	return msg, nil
}

func decodeAdminFields(c Classifier, fields []Field) (AdminMessage, error) {
	msg := AdminMessage{Classifier: c}
	switch c {
	case ClassifierCensus:
		if err := onlyFields(fields, fieldMember); err != nil {
			return msg, err
		}
		members := GetFields(fields, fieldMember)
		if len(members) == 0 {
			return msg, errors.New("census without members")
		}
		for _, mf := range members {
			if err := MustType(mf, TypeBytes); err != nil {
				return msg, err
			}
			inner, err := DecodeFields(mf.Value)
			if err != nil {
				return msg, err
			}
			if err := onlyFields(inner, fieldDevice, fieldRole, fieldMetaData); err != nil {
				return msg, err
			}
			entry := CensusEntry{}
			if entry.Device, err = deviceFromFields(inner); err != nil {
				return msg, err
			}
			if entry.Role, err = roleFromFields(inner); err != nil {
				return msg, err
			}
			if entry.MetaData, err = metaDataFromFields(inner); err != nil {
				return msg, err
			}
			msg.Census = append(msg.Census, entry)
		}
	case ClassifierKeepAlive, ClassifierPronouncePrince:
		if len(fields) != 0 {
			return msg, fmt.Errorf("unexpected %d fields", len(fields))
		}
	case ClassifierPrinceAck:
		if err := onlyFields(fields, fieldDevice); err != nil {
			return msg, err
		}
		var err error
		if msg.Device, err = deviceFromFields(fields); err != nil {
			return msg, err
		}
	case ClassifierPrinceFoundAKing, ClassifierBowDownToNewKing:
		if err := onlyFields(fields, fieldDevice, fieldMetaData); err != nil {
			return msg, err
		}
		var err error
		if msg.Device, err = deviceFromFields(fields); err != nil {
			return msg, err
		}
		if msg.MetaData, err = metaDataFromFields(fields); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// AdminFrame wraps msg in a frame carrying the given message id.
func AdminFrame(id uint64, msg AdminMessage) (Frame, error) {
	payload, err := EncodeAdmin(msg)
	if err != nil {
		return Frame{}, err
	}
	return NewFrame(msg.Classifier, 0, id, payload), nil
}
