package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sheerbytes/kbsync/internal/bufpool"
	"github.com/sheerbytes/kbsync/pkg/protocol"
)

var datagramPool = bufpool.New(MaxDatagram)

// UDPSource receives one update per datagram.
type UDPSource struct {
	conn   *net.UDPConn
	logger *slog.Logger
	Tune   BufferTuning

	dropped atomic.Uint64
}

// ListenUDP binds addr and sizes the socket receive buffer to queueBytes, which
// is how the receive queue length is bounded.
func ListenUDP(addr string, queueBytes int, logger *slog.Logger) (*UDPSource, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return newUDPSource(conn, queueBytes, logger), nil
}

func newUDPSource(conn *net.UDPConn, queueBytes int, logger *slog.Logger) *UDPSource {
	if logger == nil {
		logger = slog.Default()
	}
	s := &UDPSource{conn: conn, logger: logger.With("transport", "udp", "local_addr", conn.LocalAddr().String())}
	s.Tune = tuneSocketBuffers(conn, queueBytes)
	if s.Tune.Status != StatusOK {
		s.logger.Warn("udp buffer tuning", "status", s.Tune.Status, "error", s.Tune.Err)
	}
	return s
}

// LocalAddr returns the bound address.
func (s *UDPSource) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Dropped returns the number of datagrams that failed to decode.
func (s *UDPSource) Dropped() uint64 { return s.dropped.Load() }

// Run reads datagrams until ctx is done or the socket is closed.
func (s *UDPSource) Run(ctx context.Context, deliver Deliver) error {
	return readDatagrams(ctx, s.conn, s.logger, &s.dropped, deliver)
}

func (s *UDPSource) Close() error { return s.conn.Close() }

type packetReader interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	Close() error
}

func readDatagrams(ctx context.Context, conn packetReader, logger *slog.Logger, dropped *atomic.Uint64, deliver Deliver) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := datagramPool.Get()
	defer datagramPool.Put(buf)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		u, err := protocol.UnmarshalUpdate(buf[:n])
		if err != nil {
			dropped.Add(1)
			logger.Debug("dropping datagram", "from", from, "bytes", n, "error", err)
			continue
		}
		deliver(u)
	}
}

// UDPSink sends each update as one datagram to every host.
type UDPSink struct {
	conn  *net.UDPConn
	hosts []*net.UDPAddr

	mu     sync.Mutex
	closed bool
}

// DialUDP resolves hosts and opens an unconnected socket for sending.
func DialUDP(hosts []string, sendBytes int) (*UDPSink, error) {
	return dialUDP(hosts, sendBytes, "udp", nil)
}

func dialUDP(hosts []string, sendBytes int, network string, control socketControl) (*UDPSink, error) {
	if len(hosts) == 0 {
		return nil, errors.New("at least one udp host is required")
	}
	addrs := make([]*net.UDPAddr, 0, len(hosts))
	for _, h := range hosts {
		a, err := net.ResolveUDPAddr(network, h)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", h, err)
		}
		addrs = append(addrs, a)
	}
	conn, err := listenUDP(network, ":0", control)
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}
	tuneSocketBuffers(conn, sendBytes)
	return &UDPSink{conn: conn, hosts: addrs}, nil
}

func (s *UDPSink) Publish(ctx context.Context, u protocol.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeDatagram(u)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, h := range s.hosts {
		if _, err := s.conn.WriteToUDP(data, h); err != nil {
			return fmt.Errorf("send to %s: %w", h, err)
		}
	}
	return nil
}

func (s *UDPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func encodeDatagram(u protocol.Update) ([]byte, error) {
	if u.EncodedLen() > MaxDatagram {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrDatagramTooLarge, u.Key, u.EncodedLen())
	}
	return u.MarshalBinary()
}
