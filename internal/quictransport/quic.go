package quictransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol identifies the kbsync update stream.
	ALPNProtocol = "kbsync-updates-v1"
)

// ServerConfig returns a TLS configuration with a fresh self-signed certificate.
// Transport security is not a goal; TLS is only what QUIC requires.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientConfig returns a TLS configuration that accepts the receiver's self-signed certificate.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultServerQUICConfig returns the receiver's QUIC config. Each publisher
// opens one long-lived stream, so few incoming streams are needed.
func DefaultServerQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             16,
		InitialConnectionReceiveWindow: 8 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// DefaultClientQUICConfig returns the publisher's QUIC config.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"kbsync"}, CommonName: "kbsync receiver"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(30 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Listen creates a QUIC listener on udpConn. A nil config uses DefaultServerQUICConfig.
func Listen(udpConn net.PacketConn, config *quic.Config, logger *slog.Logger) (*quic.Listener, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultServerQUICConfig()
	}
	listener, err := quic.Listen(udpConn, tlsConfig, config)
	if err != nil {
		logger.Error("quic listen failed", "error", err, "local_addr", udpConn.LocalAddr())
		return nil, err
	}
	logger.Info("quic listener created", "local_addr", udpConn.LocalAddr())
	return listener, nil
}

// Dial connects to remoteAddr over udpConn. A nil config uses DefaultClientQUICConfig.
func Dial(ctx context.Context, udpConn net.PacketConn, remoteAddr net.Addr, config *quic.Config, logger *slog.Logger) (*quic.Conn, error) {
	if config == nil {
		config = DefaultClientQUICConfig()
	}
	conn, err := quic.Dial(ctx, udpConn, remoteAddr, ClientConfig(), config)
	if err != nil {
		logger.Error("quic dial failed", "error", err, "remote_addr", remoteAddr)
		return nil, err
	}
	logger.Info("quic connection established", "remote_addr", remoteAddr)
	return conn, nil
}
