package transport

import (
	"context"
	"log/slog"
	"net"
	"syscall"
)

type socketControl func(network, address string, c syscall.RawConn) error

func listenUDP(network, addr string, control socketControl) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// DialBroadcast opens an IPv4 sink allowed to send to subnet broadcast
// addresses such as 192.168.1.255:40000. Unicast hosts work too.
func DialBroadcast(hosts []string, sendBytes int) (*UDPSink, error) {
	return dialUDP(hosts, sendBytes, "udp4", broadcastControl)
}

// ListenBroadcast binds addr for broadcast traffic. The port is shared with
// other receivers on the host, so several kbsync processes can listen to the
// same broadcast stream.
func ListenBroadcast(addr string, queueBytes int, logger *slog.Logger) (*UDPSource, error) {
	conn, err := listenUDP("udp4", addr, broadcastControl)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return newUDPSource(conn, queueBytes, logger.With("mode", "broadcast")), nil
}
