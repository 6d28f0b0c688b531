package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Protocol constants
	updateMagic = "KBU1"

	// Security limits
	MaxKeyLength    = 4096
	MaxValueLength  = 16 * 1024 * 1024
	MaxOriginLength = 64
)

var (
	// ErrInvalidMagic indicates the magic bytes don't match
	ErrInvalidMagic = errors.New("invalid magic bytes")
	// ErrKeyTooLong indicates the key exceeds MaxKeyLength
	ErrKeyTooLong = errors.New("key too long")
	// ErrValueTooLarge indicates the value exceeds MaxValueLength
	ErrValueTooLarge = errors.New("value too large")
	// ErrUnknownKind indicates an unsupported value kind
	ErrUnknownKind = errors.New("unknown value kind")
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	KindInteger Kind = 1
	KindBytes   Kind = 2
)

// Value is a knowledge value: either an integer or an opaque byte payload.
type Value struct {
	Kind  Kind   `json:"kind"`
	Int   int64  `json:"int,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
}

// Int returns an integer Value.
func Int(v int64) Value { return Value{Kind: KindInteger, Int: v} }

// Bytes returns a byte payload Value.
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// IsInteger reports whether v holds an integer.
func (v Value) IsInteger() bool { return v.Kind == KindInteger }

// IsBytes reports whether v holds a byte payload.
func (v Value) IsBytes() bool { return v.Kind == KindBytes }

func (v Value) String() string {
	switch v.Kind {
	case KindInteger:
		return fmt.Sprintf("int(%d)", v.Int)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.Bytes))
	default:
		return "invalid"
	}
}

// Update is one decoded key/value assignment from the knowledge stream.
type Update struct {
	Key    string `json:"key"`
	Value  Value  `json:"value"`
	Origin string `json:"origin,omitempty"`
}

// Validate checks the update against the codec limits.
func (u Update) Validate() error {
	if u.Key == "" {
		return errors.New("key is required")
	}
	if len(u.Key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if len(u.Origin) > MaxOriginLength {
		return fmt.Errorf("origin too long")
	}
	switch u.Value.Kind {
	case KindInteger:
	case KindBytes:
		if len(u.Value.Bytes) > MaxValueLength {
			return ErrValueTooLarge
		}
	default:
		return ErrUnknownKind
	}
	return nil
}

// EncodedLen returns the size of the binary encoding.
func (u Update) EncodedLen() int {
	n := len(updateMagic) + 1 + len(u.Origin) + 2 + len(u.Key) + 1
	if u.Value.Kind == KindInteger {
		return n + 8
	}
	return n + 4 + len(u.Value.Bytes)
}

// MarshalBinary encodes the update as
// magic | origin len (u8) | origin | key len (u16) | key | kind (u8) | int64 or (u32 len | bytes).
func (u Update) MarshalBinary() ([]byte, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(make([]byte, 0, u.EncodedLen()))
	buf.WriteString(updateMagic)
	buf.WriteByte(byte(len(u.Origin)))
	buf.WriteString(u.Origin)
	binary.Write(buf, binary.BigEndian, uint16(len(u.Key)))
	buf.WriteString(u.Key)
	buf.WriteByte(byte(u.Value.Kind))
	if u.Value.Kind == KindInteger {
		binary.Write(buf, binary.BigEndian, u.Value.Int)
	} else {
		binary.Write(buf, binary.BigEndian, uint32(len(u.Value.Bytes)))
		buf.Write(u.Value.Bytes)
	}
	return buf.Bytes(), nil
}

// UnmarshalUpdate decodes a single update from a datagram.
// The returned value aliases no memory from data.
func UnmarshalUpdate(data []byte) (Update, error) {
	u, err := ReadUpdate(bytes.NewReader(data))
	if err != nil {
		return Update{}, err
	}
	return u, nil
}

// ReadUpdate reads one binary-encoded update from r.
func ReadUpdate(r io.Reader) (Update, error) {
	magicBuf := make([]byte, len(updateMagic))
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return Update{}, err
	}
	if string(magicBuf) != updateMagic {
		return Update{}, ErrInvalidMagic
	}

	var originLen uint8
	if err := binary.Read(r, binary.BigEndian, &originLen); err != nil {
		return Update{}, fmt.Errorf("failed to read origin length: %w", err)
	}
	if originLen > MaxOriginLength {
		return Update{}, fmt.Errorf("origin too long")
	}
	origin := make([]byte, originLen)
	if _, err := io.ReadFull(r, origin); err != nil {
		return Update{}, fmt.Errorf("failed to read origin: %w", err)
	}

	var keyLen uint16
	if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
		return Update{}, fmt.Errorf("failed to read key length: %w", err)
	}
	if keyLen == 0 || int(keyLen) > MaxKeyLength {
		return Update{}, ErrKeyTooLong
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Update{}, fmt.Errorf("failed to read key: %w", err)
	}

	var kind uint8
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return Update{}, fmt.Errorf("failed to read kind: %w", err)
	}
	u := Update{Key: string(key), Origin: string(origin)}
	switch Kind(kind) {
	case KindInteger:
		var v int64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return Update{}, fmt.Errorf("failed to read integer: %w", err)
		}
		u.Value = Int(v)
	case KindBytes:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return Update{}, fmt.Errorf("failed to read value length: %w", err)
		}
		if n > MaxValueLength {
			return Update{}, ErrValueTooLarge
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Update{}, fmt.Errorf("failed to read value: %w", err)
		}
		u.Value = Bytes(payload)
	default:
		return Update{}, ErrUnknownKind
	}
	return u, nil
}

// WriteUpdate writes one binary-encoded update to w.
// Stream transports rely on the self-delimiting encoding.
func WriteUpdate(w io.Writer, u Update) error {
	data, err := u.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
