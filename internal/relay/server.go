package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/kbsync/pkg/protocol"
)

// Limits bounds what one relay connection may do.
type Limits struct {
	// MaxMessageBytes caps one inbound WebSocket message.
	MaxMessageBytes int64
	// MsgsPerSec and MsgBurst rate-limit inbound messages per connection. Zero disables the limit.
	MsgsPerSec float64
	MsgBurst   int
	// IdleTimeout closes connections that send nothing (not even pongs) for this long.
	IdleTimeout time.Duration
}

// Server upgrades HTTP requests to relay connections.
type Server struct {
	hub    *Hub
	limits Limits
	logger *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer returns a relay server over hub.
func NewServer(hub *Hub, limits Limits, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:    hub,
		limits: limits,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the relay's HTTP routes: /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	delivered, dropped := s.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":        true,
		"topics":    s.hub.Subscribers(),
		"delivered": delivered,
		"dropped":   dropped,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := protocol.NewMsgID()
	logger := s.logger.With("conn_id", connID, "remote_addr", r.RemoteAddr)

	if s.limits.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.limits.MaxMessageBytes)
	}
	var writeMu sync.Mutex
	if s.limits.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
			writeMu.Unlock()
			return err
		})
	}
	send := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(env)
	}

	var limiter *rate.Limiter
	if s.limits.MsgsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.limits.MsgsPerSec), max(s.limits.MsgBurst, 1))
	}

	var (
		peerID string
		unsubs []func()
	)
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
		logger.Info("relay client disconnected", "peer_id", peerID)
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("relay read failed", "error", err)
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			_ = send(errorEnvelope("rate_limited", "message rate exceeded"))
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			_ = send(errorEnvelope("bad_envelope", err.Error()))
			continue
		}

		switch env.Type {
		case protocol.TypeHello:
			var hello protocol.Hello
			if err := env.DecodePayload(&hello); err != nil {
				_ = send(errorEnvelope("bad_hello", err.Error()))
				continue
			}
			peerID = hello.PeerID
			logger.Info("relay client connected", "peer_id", peerID, "role", hello.Role)
		case protocol.TypeSubscribe:
			var sub protocol.Subscribe
			if err := env.DecodePayload(&sub); err != nil || sub.Topic == "" {
				_ = send(errorEnvelope("bad_subscribe", "topic is required"))
				continue
			}
			unsubs = append(unsubs, s.hub.Subscribe(sub.Topic, connID, send))
			logger.Debug("subscribed", "topic", sub.Topic)
		case protocol.TypePublish:
			var pub protocol.Publish
			if err := env.DecodePayload(&pub); err != nil {
				_ = send(errorEnvelope("bad_publish", err.Error()))
				continue
			}
			if err := pub.Update.Validate(); err != nil {
				_ = send(errorEnvelope("bad_update", err.Error()))
				continue
			}
			out, err := protocol.NewEnvelope(protocol.TypeDeliver, env.MsgID, protocol.Deliver{Update: pub.Update})
			if err != nil {
				continue
			}
			out.Topic = env.Topic
			out.From = peerID
			s.hub.Publish(env.Topic, connID, out)
		default:
			_ = send(errorEnvelope("unknown_type", env.Type))
		}
	}
}

func errorEnvelope(code, message string) protocol.Envelope {
	env, _ := protocol.NewEnvelope(protocol.TypeError, protocol.NewMsgID(), protocol.Error{Code: code, Message: message})
	env.From = "relay"
	return env
}
