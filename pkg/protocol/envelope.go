package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeVersion is the relay envelope version; receivers reject any other.
const EnvelopeVersion = 1

var (
	// ErrEnvelopeVersion indicates an envelope from an incompatible relay or client
	ErrEnvelopeVersion = errors.New("unsupported envelope version")
	// ErrBadEnvelope indicates a missing type, id, topic or payload
	ErrBadEnvelope = errors.New("bad envelope")
)

// Envelope is the JSON frame exchanged with the relay. Publish, subscribe and
// deliver envelopes name the topic they belong to.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	Topic   string          `json:"topic,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of msgType.
func NewEnvelope(msgType, msgID string, payload any) (Envelope, error) {
	env := Envelope{V: EnvelopeVersion, Type: msgType, MsgID: msgID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// DecodePayload unmarshals the payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrBadEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ValidateBasic checks the fields every envelope needs before its payload is looked at.
func (e Envelope) ValidateBasic() error {
	if e.V != EnvelopeVersion {
		return fmt.Errorf("%w: %d", ErrEnvelopeVersion, e.V)
	}
	switch {
	case e.Type == "":
		return fmt.Errorf("%w: type is required", ErrBadEnvelope)
	case e.MsgID == "":
		return fmt.Errorf("%w: msg_id is required", ErrBadEnvelope)
	}
	switch e.Type {
	case TypePublish, TypeDeliver:
		if e.Topic == "" {
			return fmt.Errorf("%w: %s needs a topic", ErrBadEnvelope, e.Type)
		}
	}
	return nil
}

// NewMsgID returns 16 random hex characters.
func NewMsgID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b[:])
}
