package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// Socket buffer bounds. Requests outside the range are clamped.
const (
	minSocketBuffer = 256 * 1024
	maxSocketBuffer = 64 * 1024 * 1024
)

// QUIC flow-control bounds.
const (
	initialConnWindow = 2 * 1024 * 1024
	minConnWindow     = 1 * 1024 * 1024
	maxConnWindow     = 1024 * 1024 * 1024
	minStreamWindow   = 1 * 1024 * 1024
	maxStreamWindow   = 256 * 1024 * 1024
	maxIncomingConns  = 2048
)

// BufferTuning reports the outcome of sizing a socket's kernel buffers.
// The kernel may silently cap the request; Denied means the call itself failed.
type BufferTuning struct {
	Requested int
	Status    string
	Err       error
}

// tuneSocketBuffers asks the kernel for bytes of receive and send buffer on conn.
func tuneSocketBuffers(conn *net.UDPConn, bytes int) BufferTuning {
	res := BufferTuning{Requested: clamp(bytes, minSocketBuffer, maxSocketBuffer), Status: StatusOK}
	if conn == nil {
		res.Status = StatusNA
		return res
	}
	var errs []error
	if err := conn.SetReadBuffer(res.Requested); err != nil {
		errs = append(errs, fmt.Errorf("read buffer: %w", err))
	}
	if err := conn.SetWriteBuffer(res.Requested); err != nil {
		errs = append(errs, fmt.Errorf("write buffer: %w", err))
	}
	if len(errs) > 0 {
		res.Status = StatusDenied
		res.Err = errors.Join(errs...)
	}
	return res
}

// quicConfig copies base and applies the receive windows from opts, clamped.
// It returns the options actually applied.
func quicConfig(base *quic.Config, opts QUICOptions) (*quic.Config, QUICOptions) {
	cfg := &quic.Config{}
	if base != nil {
		c := *base
		cfg = &c
	}
	applied := QUICOptions{
		ConnWindow:   clamp(opts.ConnWindow, minConnWindow, maxConnWindow),
		StreamWindow: clamp(opts.StreamWindow, minStreamWindow, maxStreamWindow),
		MaxStreams:   clamp(opts.MaxStreams, 1, maxIncomingConns),
		QueueBytes:   clamp(opts.QueueBytes, minSocketBuffer, maxSocketBuffer),
	}
	cfg.InitialConnectionReceiveWindow = uint64(min(initialConnWindow, applied.ConnWindow))
	cfg.MaxConnectionReceiveWindow = uint64(applied.ConnWindow)
	cfg.InitialStreamReceiveWindow = uint64(applied.StreamWindow)
	cfg.MaxStreamReceiveWindow = uint64(applied.StreamWindow)
	cfg.MaxIncomingStreams = int64(applied.MaxStreams)
	return cfg, applied
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}
