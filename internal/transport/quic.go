package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/kbsync/internal/quictransport"
	"github.com/sheerbytes/kbsync/pkg/protocol"
)

const quicCloseTimeout = 5 * time.Second

// QUICSource accepts publisher connections; each stream carries a sequence
// of self-delimiting updates.
type QUICSource struct {
	udp      *net.UDPConn
	listener *quic.Listener
	logger   *slog.Logger
	Tune     QUICOptions
}

// QUICOptions sizes the receive windows. Zero values take the minimum.
type QUICOptions struct {
	ConnWindow   int
	StreamWindow int
	MaxStreams   int
	QueueBytes   int
}

// ListenQUIC binds addr and starts a QUIC listener.
func ListenQUIC(addr string, opts QUICOptions, logger *slog.Logger) (*QUICSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	logger = logger.With("transport", "quic")
	if t := tuneSocketBuffers(udp, opts.QueueBytes); t.Status != StatusOK {
		logger.Warn("udp buffer tuning", "status", t.Status, "error", t.Err)
	}
	cfg, tune := quicConfig(quictransport.DefaultServerQUICConfig(), opts)
	ln, err := quictransport.Listen(udp, cfg, logger)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	return &QUICSource{udp: udp, listener: ln, logger: logger, Tune: tune}, nil
}

// LocalAddr returns the bound address.
func (s *QUICSource) LocalAddr() net.Addr { return s.listener.Addr() }

// Run accepts connections until ctx is done. Updates from concurrent
// publishers are delivered concurrently.
func (s *QUICSource) Run(ctx context.Context, deliver Deliver) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("accept quic: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn, deliver)
		}()
	}
}

func (s *QUICSource) serveConn(ctx context.Context, conn *quic.Conn, deliver Deliver) {
	logger := s.logger.With("remote_addr", conn.RemoteAddr().String())
	logger.Debug("publisher connected")
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		logger.Debug("publisher disconnected", "error", err)
		return
	}
	n, err := readStream(stream, deliver)
	if err != nil {
		logger.Warn("update stream failed", "updates", n, "error", err)
		_ = conn.CloseWithError(1, "bad stream")
		return
	}
	logger.Debug("update stream finished", "updates", n)
	// the publisher waits for this close before tearing down its side
	_ = conn.CloseWithError(0, "")
}

func readStream(r io.Reader, deliver Deliver) (int, error) {
	br := bufio.NewReaderSize(r, 256*1024)
	n := 0
	for {
		u, err := protocol.ReadUpdate(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		deliver(u)
		n++
	}
}

func (s *QUICSource) Close() error {
	return errors.Join(s.listener.Close(), s.udp.Close())
}

// QUICSink publishes over a single stream to one receiver.
type QUICSink struct {
	udp    *net.UDPConn
	conn   *quic.Conn
	stream *quic.Stream

	mu     sync.Mutex
	w      *bufio.Writer
	closed bool
}

// DialQUIC connects to a receiver and opens the update stream.
func DialQUIC(ctx context.Context, addr string, logger *slog.Logger) (*QUICSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}
	conn, err := quictransport.Dial(ctx, udp, raddr, nil, logger.With("transport", "quic"))
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "open stream")
		_ = udp.Close()
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	return &QUICSink{udp: udp, conn: conn, stream: stream, w: bufio.NewWriterSize(stream, 256*1024)}, nil
}

func (s *QUICSink) Publish(ctx context.Context, u protocol.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return protocol.WriteUpdate(s.w, u)
}

// Flush pushes buffered updates onto the stream.
func (s *QUICSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Close flushes, finishes the stream and waits for the receiver to hang up.
func (s *QUICSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	flushErr := s.w.Flush()
	s.mu.Unlock()

	closeErr := s.stream.Close()
	select {
	case <-s.conn.Context().Done():
	case <-time.After(quicCloseTimeout):
		_ = s.conn.CloseWithError(0, "")
	}
	return errors.Join(flushErr, closeErr, s.udp.Close())
}
