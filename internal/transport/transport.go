// Package transport moves updates between publishers and receivers over
// datagram unicast, multicast, QUIC streams or a WebSocket relay.
package transport

import (
	"context"
	"errors"

	"github.com/sheerbytes/kbsync/pkg/protocol"
)

// Socket tuning outcomes.
const (
	StatusOK     = "ok"
	StatusNA     = "n/a"
	StatusDenied = "denied"
)

// MaxDatagram is the largest UDP payload accepted or sent.
const MaxDatagram = 65507

var (
	// ErrClosed is returned by sinks after Close.
	ErrClosed = errors.New("transport closed")
	// ErrDatagramTooLarge indicates an encoded update does not fit in one datagram.
	ErrDatagramTooLarge = errors.New("update exceeds datagram size")
)

// Deliver receives one decoded update. It must not retain the update's
// payload beyond the call unless it owns it; transports allocate a fresh
// payload per update.
type Deliver func(protocol.Update)

// Source produces inbound updates until ctx is cancelled or the source fails.
type Source interface {
	Run(ctx context.Context, deliver Deliver) error
	Close() error
}

// Sink publishes updates to every configured destination.
type Sink interface {
	Publish(ctx context.Context, u protocol.Update) error
	Close() error
}

// Sinks fans one update out to several sinks, returning the first error.
type Sinks []Sink

func (s Sinks) Publish(ctx context.Context, u protocol.Update) error {
	for _, sink := range s {
		if err := sink.Publish(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (s Sinks) Close() error {
	var errs []error
	for _, sink := range s {
		errs = append(errs, sink.Close())
	}
	return errors.Join(errs...)
}

// MaxFragmentPayload returns the largest fragment payload that still fits a
// datagram for the given key and origin lengths.
func MaxFragmentPayload(keyLen, originLen int) int {
	widest := protocol.Update{Key: string(make([]byte, keyLen)), Origin: string(make([]byte, originLen)), Value: protocol.Bytes(nil)}
	return MaxDatagram - widest.EncodedLen()
}
