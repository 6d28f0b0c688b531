package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sheerbytes/kbsync/internal/wsclient"
	"github.com/sheerbytes/kbsync/pkg/protocol"
)

// RelaySource subscribes to a topic on a WebSocket relay.
type RelaySource struct {
	conn   *wsclient.Conn
	topic  string
	logger *slog.Logger
}

// DialRelaySource connects to the relay and subscribes to topic.
func DialRelaySource(ctx context.Context, wsURL, peerID, topic string, logger *slog.Logger) (*RelaySource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("transport", "relay", "topic", topic)
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", wsURL, err)
	}
	if err := sendEnvelope(conn, protocol.TypeHello, "", protocol.Hello{PeerID: peerID, Role: protocol.RoleSubscriber}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := sendEnvelope(conn, protocol.TypeSubscribe, topic, protocol.Subscribe{Topic: topic}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &RelaySource{conn: conn, topic: topic, logger: logger}, nil
}

// Run delivers updates from the relay until ctx is done or the relay hangs up.
func (s *RelaySource) Run(ctx context.Context, deliver Deliver) error {
	return s.conn.ReadLoop(ctx, func(env protocol.Envelope) {
		switch env.Type {
		case protocol.TypeDeliver:
			var d protocol.Deliver
			if err := env.DecodePayload(&d); err != nil {
				s.logger.Debug("dropping relay message", "error", err)
				return
			}
			deliver(d.Update)
		case protocol.TypeError:
			var e protocol.Error
			if err := env.DecodePayload(&e); err == nil {
				s.logger.Warn("relay error", "code", e.Code, "message", e.Message)
			}
		}
	})
}

func (s *RelaySource) Close() error { return s.conn.Close() }

// RelaySink publishes updates to a topic on a WebSocket relay.
type RelaySink struct {
	conn  *wsclient.Conn
	topic string
}

// DialRelaySink connects to the relay as a publisher.
func DialRelaySink(ctx context.Context, wsURL, peerID, topic string, logger *slog.Logger) (*RelaySink, error) {
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", wsURL, err)
	}
	if err := sendEnvelope(conn, protocol.TypeHello, "", protocol.Hello{PeerID: peerID, Role: protocol.RolePublisher}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &RelaySink{conn: conn, topic: topic}, nil
}

func (s *RelaySink) Publish(ctx context.Context, u protocol.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sendEnvelope(s.conn, protocol.TypePublish, s.topic, protocol.Publish{Update: u})
}

// Close flushes queued updates and hangs up.
func (s *RelaySink) Close() error { return s.conn.Close() }

func sendEnvelope(conn *wsclient.Conn, msgType, topic string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}
	env.Topic = topic
	return conn.Send(env)
}
