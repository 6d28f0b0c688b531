package quictransport

import (
	"crypto/x509"
	"testing"
)

func TestServerConfig(t *testing.T) {
	config, err := ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if len(config.Certificates) == 0 {
		t.Fatal("ServerConfig has no certificates")
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Fatalf("unexpected NextProtos %v", config.NextProtos)
	}

	cert := config.Certificates[0]
	if cert.PrivateKey == nil {
		t.Fatal("certificate has no private key")
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if parsed.Subject.CommonName != "kbsync receiver" {
		t.Fatalf("unexpected subject %q", parsed.Subject.CommonName)
	}
}

func TestClientConfig(t *testing.T) {
	config := ClientConfig()
	if !config.InsecureSkipVerify {
		t.Error("ClientConfig must accept self-signed receivers")
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Fatalf("unexpected NextProtos %v", config.NextProtos)
	}
}

func TestDefaultConfigs(t *testing.T) {
	srv := DefaultServerQUICConfig()
	if srv.MaxIncomingStreams <= 0 {
		t.Fatalf("server must accept incoming streams")
	}
	if srv.InitialStreamReceiveWindow > srv.MaxStreamReceiveWindow {
		t.Fatalf("initial stream window exceeds max")
	}
	if DefaultClientQUICConfig().KeepAlivePeriod == 0 {
		t.Fatalf("client keepalive disabled")
	}
}
