package queue

import (
	"strings"
	"testing"
	"time"
)

func TestPayloadEnvelopeRoundtrip(t *testing.T) {
	in := Consultation{StudentID: "s42", StudentName: "Ada", RequestMessage: "thesis question", SessionID: "sess1"}
	enc, err := MarshalPayload(in)
	if err != nil {
		t.Fatalf("MarshalPayload: %v", err)
	}
	out, err := UnmarshalPayload(enc)
	if err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	got, ok := out.(Consultation)
	if !ok {
		t.Fatalf("decoded type = %T", out)
	}
	if got != in {
		t.Fatalf("roundtrip mismatch: %+v != %+v", got, in)
	}
}

func TestPayloadRawPassthrough(t *testing.T) {
	raw := RawBytes(`{"vendor":"ext","field":1}`)
	enc, err := MarshalPayload(raw)
	if err != nil {
		t.Fatalf("MarshalPayload: %v", err)
	}
	out, err := UnmarshalPayload(enc)
	if err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	back, ok := out.(RawBytes)
	if !ok {
		t.Fatalf("decoded type = %T", out)
	}
	if string(back) != string(raw) {
		t.Fatalf("raw bytes altered: %q", back)
	}

	// WireBytes emits raw payloads verbatim, no envelope.
	m := &Message{Payload: raw}
	wire, err := m.WireBytes()
	if err != nil {
		t.Fatalf("WireBytes: %v", err)
	}
	if string(wire) != string(raw) {
		t.Fatalf("wire = %q, want verbatim payload", wire)
	}
}

func TestUnmarshalPayloadErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"truncated json", `{"type":"consultation","data":`},
		{"unknown type", `{"type":"carrier_pigeon","data":{}}`},
		{"mismatched data", `{"type":"heartbeat","data":"not an object"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalPayload(tt.in); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMarshalPayloadNil(t *testing.T) {
	if _, err := MarshalPayload(nil); err == nil || !strings.Contains(err.Error(), "nil payload") {
		t.Fatalf("err = %v", err)
	}
}

func TestMessageExpiredBoundary(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m := &Message{ExpiresAt: at}
	if m.Expired(at.Add(-time.Millisecond)) {
		t.Fatal("not yet expired")
	}
	if !m.Expired(at) {
		t.Fatal("expiry instant counts as expired")
	}
}
