package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/sheerbytes/kbsync/pkg/protocol"
)

const defaultMulticastTTL = 4

// MulticastSource receives updates sent to an IPv4 multicast group.
type MulticastSource struct {
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	group  *net.UDPAddr
	logger *slog.Logger
	Tune   BufferTuning

	dropped atomic.Uint64
}

// ParseGroup resolves a group:port address and checks that it is IPv4 multicast.
func ParseGroup(addr string) (*net.UDPAddr, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", addr, err)
	}
	if group.IP.To4() == nil || !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not an ipv4 multicast group", addr)
	}
	return group, nil
}

// ListenMulticast joins group on ifaceName, or on every up multicast-capable
// interface when ifaceName is empty.
func ListenMulticast(groupAddr, ifaceName string, queueBytes int, logger *slog.Logger) (*MulticastSource, error) {
	group, err := ParseGroup(groupAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: group.Port})
	if err != nil {
		return nil, fmt.Errorf("listen multicast port %d: %w", group.Port, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &MulticastSource{
		conn:   conn,
		pc:     ipv4.NewPacketConn(conn),
		group:  group,
		logger: logger.With("transport", "multicast", "group", group.String()),
	}
	ifaces, err := multicastInterfaces(ifaceName)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	joined := 0
	for i := range ifaces {
		if err := s.pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: group.IP}); err != nil {
			s.logger.Debug("join group failed", "iface", ifaces[i].Name, "error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		_ = conn.Close()
		return nil, fmt.Errorf("could not join %s on any interface", group)
	}
	s.Tune = tuneSocketBuffers(conn, queueBytes)
	s.logger.Info("joined multicast group", "interfaces", joined)
	return s, nil
}

func (s *MulticastSource) Run(ctx context.Context, deliver Deliver) error {
	return readDatagrams(ctx, s.conn, s.logger, &s.dropped, deliver)
}

// Dropped returns the number of datagrams that failed to decode.
func (s *MulticastSource) Dropped() uint64 { return s.dropped.Load() }

func (s *MulticastSource) Close() error {
	_ = s.pc.LeaveGroup(nil, &net.UDPAddr{IP: s.group.IP})
	return s.conn.Close()
}

// MulticastSink publishes updates to a multicast group.
type MulticastSink struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr

	mu     sync.Mutex
	closed bool
}

// DialMulticast opens a socket that sends to groupAddr with the given TTL
// (hops). Loopback is enabled so receivers on the same host see the traffic.
func DialMulticast(groupAddr, ifaceName string, ttl int) (*MulticastSink, error) {
	group, err := ParseGroup(groupAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("open multicast socket: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if ttl <= 0 {
		ttl = defaultMulticastTTL
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	_ = pc.SetMulticastLoopback(true)
	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("interface %s: %w", ifaceName, err)
		}
		if err := pc.SetMulticastInterface(iface); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	return &MulticastSink{conn: conn, pc: pc, group: group}, nil
}

func (s *MulticastSink) Publish(ctx context.Context, u protocol.Update) error {
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
	if _, err := s.pc.WriteTo(data, nil, s.group); err != nil {
		return fmt.Errorf("send to %s: %w", s.group, err)
	}
	return nil
}

func (s *MulticastSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func multicastInterfaces(name string) ([]net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", name, err)
		}
		return []net.Interface{*iface}, nil
	}
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}
