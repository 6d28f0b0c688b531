package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestUpdateBinaryRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		u    Update
	}{
		{
			name: "fragment",
			u: Update{
				Key:    "agent.0.sandbox.files.file.samples/chapter6.mp3.fragment@62000",
				Value:  Bytes([]byte("payload bytes")),
				Origin: "6f1c0f5e-8a7e-4b1c-9a43-0d1f3f1c2b11",
			},
		},
		{
			name: "size",
			u:    Update{Key: "agent.0.sandbox.files.file.a.bin.size", Value: Int(123456)},
		},
		{
			name: "negative crc representation",
			u:    Update{Key: "agent.0.sandbox.files.file.a.bin.crc", Value: Int(-1)},
		},
		{
			name: "empty payload",
			u:    Update{Key: "k.fragment@0", Value: Bytes(nil)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.u.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			if len(data) != tt.u.EncodedLen() {
				t.Fatalf("encoded length %d, EncodedLen %d", len(data), tt.u.EncodedLen())
			}
			got, err := UnmarshalUpdate(data)
			if err != nil {
				t.Fatalf("UnmarshalUpdate: %v", err)
			}
			if got.Key != tt.u.Key || got.Origin != tt.u.Origin || got.Value.Kind != tt.u.Value.Kind {
				t.Fatalf("header mismatch: got %+v want %+v", got, tt.u)
			}
			if got.Value.Int != tt.u.Value.Int || !bytes.Equal(got.Value.Bytes, tt.u.Value.Bytes) {
				t.Fatalf("value mismatch: got %s want %s", got.Value, tt.u.Value)
			}
		})
	}
}

func TestReadUpdateStream(t *testing.T) {
	var buf bytes.Buffer
	first := Update{Key: "p.a.bin.size", Value: Int(10)}
	second := Update{Key: "p.a.bin.fragment@0", Value: Bytes([]byte("0123456789"))}
	if err := WriteUpdate(&buf, first); err != nil {
		t.Fatalf("WriteUpdate: %v", err)
	}
	if err := WriteUpdate(&buf, second); err != nil {
		t.Fatalf("WriteUpdate: %v", err)
	}

	got1, err := ReadUpdate(&buf)
	if err != nil || got1.Key != first.Key || got1.Value.Int != 10 {
		t.Fatalf("first update: %+v err=%v", got1, err)
	}
	got2, err := ReadUpdate(&buf)
	if err != nil || got2.Key != second.Key || string(got2.Value.Bytes) != "0123456789" {
		t.Fatalf("second update: %+v err=%v", got2, err)
	}
	if _, err := ReadUpdate(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF at end of stream, got %v", err)
	}
}

func TestUnmarshalUpdateRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalUpdate([]byte("NOPE....")); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}

	data, err := Update{Key: "p.a.size", Value: Int(1)}.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalUpdate(data[:len(data)-3]); err == nil {
		t.Fatalf("expected error for truncated datagram")
	}

	data[len(data)-9] = 9 // kind byte
	if _, err := UnmarshalUpdate(data); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestUpdateValidate(t *testing.T) {
	if err := (Update{Value: Int(1)}).Validate(); err == nil {
		t.Fatalf("expected missing key error")
	}
	long := make([]byte, MaxKeyLength+1)
	if err := (Update{Key: string(long), Value: Int(1)}).Validate(); !errors.Is(err, ErrKeyTooLong) {
		t.Fatalf("expected ErrKeyTooLong, got %v", err)
	}
	if err := (Update{Key: "k"}).Validate(); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestEnvelopeCarriesUpdate(t *testing.T) {
	u := Update{Key: "p.a.bin.fragment@5", Value: Bytes([]byte("world"))}
	env, err := NewEnvelope(TypePublish, NewMsgID(), Publish{Update: u})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic: %v", err)
	}
	var p Publish
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Update.Key != u.Key || string(p.Update.Value.Bytes) != "world" || !p.Update.Value.IsBytes() {
		t.Fatalf("decoded update mismatch: %+v", p.Update)
	}
	if len(NewMsgID()) != 16 {
		t.Fatalf("expected 16 hex chars msg id")
	}
}
