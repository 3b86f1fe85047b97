package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Discovery datagram layout.
const (
	DiscoveryPacketSize = 70
	discoveryIPOffset   = 4

	// Newer servers answer with a type/length prefixed 74 byte reply.
	discoveryExtendedSize     = 74
	discoveryExtendedIPOffset = 8

	maxDatagramSize = 1500
)

// DiscoveredAddress is the client's public address as seen by the media server.
type DiscoveredAddress struct {
	IP   string
	Port uint16
}

// MediaChannel owns the UDP socket used for discovery and media.
type MediaChannel struct {
	logger *zap.Logger
	conn   *net.UDPConn

	closeOnce sync.Once
}

// ListenMedia opens an unconnected UDP socket on an ephemeral port.
func ListenMedia(logger *zap.Logger) (*MediaChannel, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}

	logger.Debug("Opened media socket", zap.Stringer("local_addr", conn.LocalAddr()))

	return &MediaChannel{logger: logger, conn: conn}, nil
}

// NewDiscoveryProbe builds the 70 byte probe: the big-endian SSRC followed by zeros.
func NewDiscoveryProbe(ssrc uint32) []byte {
	probe := make([]byte, DiscoveryPacketSize)
	binary.BigEndian.PutUint32(probe, ssrc)

	return probe
}

// Discover sends a probe to server and waits up to timeout for exactly one reply.
func (m *MediaChannel) Discover(ctx context.Context, ssrc uint32, server *net.UDPAddr, timeout time.Duration) (DiscoveredAddress, error) {
	m.logger.Debug("Sending ip discovery",
		zap.Uint32("ssrc", ssrc),
		zap.Stringer("server", server))

	if _, err := m.conn.WriteToUDP(NewDiscoveryProbe(ssrc), server); err != nil {
		return DiscoveredAddress{}, fmt.Errorf("send discovery probe: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := m.conn.SetReadDeadline(deadline); err != nil {
		return DiscoveredAddress{}, fmt.Errorf("set read deadline: %w", err)
	}
	defer m.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	// Unblock the read when ctx is canceled.
	stop := context.AfterFunc(ctx, func() {
		_ = m.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxDatagramSize)
	n, _, err := m.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return DiscoveredAddress{}, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return DiscoveredAddress{}, ErrDiscoveryTimeout
		}

		return DiscoveredAddress{}, fmt.Errorf("read discovery reply: %w", err)
	}

	addr, err := ParseDiscoveryReply(buf[:n])
	if err != nil {
		return DiscoveredAddress{}, err
	}

	m.logger.Debug("IP discovery complete",
		zap.String("ip", addr.IP),
		zap.Uint16("port", addr.Port))

	return addr, nil
}

// ParseDiscoveryReply extracts the public IP and port from a discovery reply.
//
// The 70 byte reply mirrors the probe: SSRC in bytes 0-3, a null-terminated
// ASCII IP from byte 4 and the port little-endian in the last two bytes. A 74
// byte reply carries a 4 byte type/length prefix, so the IP starts at byte 8
// and the port is big-endian.
func ParseDiscoveryReply(b []byte) (DiscoveredAddress, error) {
	var (
		ipOffset int
		port     uint16
	)

	switch len(b) {
	case DiscoveryPacketSize:
		ipOffset = discoveryIPOffset
		port = binary.LittleEndian.Uint16(b[len(b)-2:])
	case discoveryExtendedSize:
		ipOffset = discoveryExtendedIPOffset
		port = binary.BigEndian.Uint16(b[len(b)-2:])
	default:
		return DiscoveredAddress{}, fmt.Errorf("%w: %d bytes", ErrDiscoveryMalformed, len(b))
	}

	field := b[ipOffset : len(b)-2]
	end := bytes.IndexByte(field, 0)
	if end <= 0 {
		return DiscoveredAddress{}, fmt.Errorf("%w: ip is not null-terminated", ErrDiscoveryMalformed)
	}

	ip := string(field[:end])
	if net.ParseIP(ip) == nil {
		return DiscoveredAddress{}, fmt.Errorf("%w: invalid ip %q", ErrDiscoveryMalformed, ip)
	}
	if port == 0 {
		return DiscoveredAddress{}, fmt.Errorf("%w: zero port", ErrDiscoveryMalformed)
	}

	return DiscoveredAddress{IP: ip, Port: port}, nil
}

// Send writes one packet to the media server. Failures are reported as
// ErrSendFailed and never panic.
func (m *MediaChannel) Send(packet []byte, port int, addr net.IP) error {
	if _, err := m.conn.WriteToUDP(packet, &net.UDPAddr{IP: addr, Port: port}); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	return nil
}

// LocalAddr returns the bound socket address.
func (m *MediaChannel) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

// Close releases the socket. Safe to call more than once.
func (m *MediaChannel) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.conn.Close()
	})

	return err
}
