package proto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func writeAdmin(w io.Writer, id uint64, msg AdminMessage) error {
	f, err := AdminFrame(id, msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, f, DefaultLimits())
}

func readAdmin(r io.Reader) (AdminMessage, error) {
	f, err := ReadFrame(r, DefaultLimits())
	if err != nil {
		return AdminMessage{}, err
	}
	return DecodeAdmin(f)
}

func sampleMessages() []AdminMessage {
	tcp := NewMetaData("tcp", KeyAddr, "10.0.0.1:7400")
	ws := NewMetaData("websocket", KeyURL, "ws://10.0.0.1:7401/kingdom", KeyPath, "/kingdom")
	return []AdminMessage{
		NewCensus([]CensusEntry{
			{Device: "ccc", Role: RolePeasant, MetaData: []ConnectionMetaData{tcp}},
			{Device: "aaa", Role: RoleKing, MetaData: []ConnectionMetaData{tcp, ws}},
			{Device: "bbb", Role: RolePrince},
		}),
		NewKeepAlive(),
		NewPronouncePrince(),
		NewPrinceAck("bbb"),
		NewPrinceFoundAKing("aaa", []ConnectionMetaData{ws}),
		NewBowDownToNewKing("aaa", []ConnectionMetaData{tcp}),
	}
}

func TestAdminRoundTripIsByteIdentical(t *testing.T) {
	for _, msg := range sampleMessages() {
		var buf bytes.Buffer
		if err := writeAdmin(&buf, 7, msg); err != nil {
			t.Fatalf("write %s: %v", msg.Classifier, err)
		}
		first := append([]byte(nil), buf.Bytes()...)

		decoded, err := readAdmin(&buf)
		if err != nil {
			t.Fatalf("read %s: %v", msg.Classifier, err)
		}
		if decoded.Classifier != msg.Classifier {
			t.Fatalf("classifier mismatch: got %s want %s", decoded.Classifier, msg.Classifier)
		}

		var again bytes.Buffer
		if err := writeAdmin(&again, 7, decoded); err != nil {
			t.Fatalf("re-encode %s: %v", msg.Classifier, err)
		}
		if !bytes.Equal(first, again.Bytes()) {
			t.Errorf("%s: re-encoded bytes differ", msg.Classifier)
		}
	}
}

func TestCensusDecodeKeepsMembers(t *testing.T) {
	msg := sampleMessages()[0]
	f, err := AdminFrame(1, msg)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	got, err := DecodeAdmin(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Census) != 3 {
		t.Fatalf("expected 3 members, got %d", len(got.Census))
	}
	if got.Census[0].Device != "aaa" || got.Census[0].Role != RoleKing {
		t.Errorf("expected King aaa first, got %+v", got.Census[0])
	}
	if len(got.Census[0].MetaData) != 2 {
		t.Fatalf("expected 2 metadata records for aaa, got %d", len(got.Census[0].MetaData))
	}
	if got.Census[0].MetaData[1].Get(KeyURL) != "ws://10.0.0.1:7401/kingdom" {
		t.Errorf("unexpected url %q", got.Census[0].MetaData[1].Get(KeyURL))
	}
	if got.Census[1].Role != RolePrince || len(got.Census[1].MetaData) != 0 {
		t.Errorf("unexpected prince entry %+v", got.Census[1])
	}
}

func TestDecodeAdminUnknownClassifier(t *testing.T) {
	f := NewFrame(Classifier(42), 0, 1, nil)
	_, err := DecodeAdmin(f)
	if !errors.Is(err, ErrUnknownClassifier) {
		t.Fatalf("expected ErrUnknownClassifier, got %v", err)
	}

	f = NewFrame(Classifier(0), 0, 1, nil)
	if _, err := DecodeAdmin(f); !errors.Is(err, ErrUnknownClassifier) {
		t.Fatalf("expected ErrUnknownClassifier for zero classifier, got %v", err)
	}
}

func TestDecodeAdminMalformed(t *testing.T) {
	cases := map[string]Frame{
		"ack without device": NewFrame(ClassifierPrinceAck, 0, 1, nil),
		"keepalive with payload": NewFrame(ClassifierKeepAlive, 0, 1,
			EncodeFields([]Field{StringField(fieldDevice, "x")})),
		"census without members": NewFrame(ClassifierCensus, 0, 1, nil),
		"truncated field":        NewFrame(ClassifierBowDownToNewKing, 0, 1, []byte{0, 1, 6}),
		"wrong field type": NewFrame(ClassifierPrinceAck, 0, 1,
			EncodeFields([]Field{U8Field(fieldDevice, 1)})),
		"unexpected field": NewFrame(ClassifierPrinceAck, 0, 1,
			EncodeFields([]Field{StringField(fieldDevice, "x"), StringField(99, "y")})),
	}
	for name, f := range cases {
		_, err := DecodeAdmin(f)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("%s: expected ErrMalformedPayload, got %v", name, err)
		}
		var me *MalformedError
		if !errors.As(err, &me) || me.Classifier != f.Header.Classifier {
			t.Errorf("%s: expected MalformedError for %s, got %v", name, f.Header.Classifier, err)
		}
	}
}

func TestDecodeAdminRejectsHandshake(t *testing.T) {
	f, err := HelloFrame(Hello{Device: "aaa", Role: RoleFree})
	if err != nil {
		t.Fatalf("hello frame: %v", err)
	}
	if _, err := DecodeAdmin(f); !errors.Is(err, ErrUnexpectedFrame) {
		t.Fatalf("expected ErrUnexpectedFrame, got %v", err)
	}
}

func TestEncodeAdminRejectsMissingDevice(t *testing.T) {
	_, err := EncodeAdmin(AdminMessage{Classifier: ClassifierBowDownToNewKing})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if _, err := EncodeAdmin(AdminMessage{Classifier: Classifier(200)}); !errors.Is(err, ErrUnknownClassifier) {
		t.Fatalf("expected ErrUnknownClassifier, got %v", err)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	in := Hello{
		Device:   "device-1",
		Role:     RoleKing,
		MetaData: []ConnectionMetaData{NewMetaData("memory", KeyAddr, "node-1")},
	}
	var buf bytes.Buffer
	if err := WriteHello(&buf, in); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	out, err := ReadHello(&buf)
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if out.Device != in.Device || out.Role != in.Role {
		t.Fatalf("hello mismatch: got %+v want %+v", out, in)
	}
	if len(out.MetaData) != 1 || !out.MetaData[0].Equal(in.MetaData[0]) {
		t.Fatalf("metadata mismatch: %+v", out.MetaData)
	}
}

func TestReadHelloRejectsAdminFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAdmin(&buf, 1, NewKeepAlive()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadHello(&buf); !errors.Is(err, ErrUnexpectedFrame) {
		t.Fatalf("expected ErrUnexpectedFrame, got %v", err)
	}
}

func TestDiscoveryRoundTrip(t *testing.T) {
	ev := DiscoveryEvent{
		Device:   "zzz",
		State:    RoleKing,
		MetaData: []ConnectionMetaData{NewMetaData("tcp", KeyAddr, "192.168.1.9:7400")},
	}
	b, err := EncodeDiscovery(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeDiscovery(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Device != ev.Device || got.State != ev.State || len(got.MetaData) != 1 {
		t.Fatalf("discovery mismatch: %+v", got)
	}
	if _, err := DecodeDiscovery(b[:10]); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}
