package serialmux

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/banshee-data/stepbridge/internal/monitoring"
)

// ErrNoUDPPeer is returned when a command is written before any datagram has
// been received, so there is nobody to reply to.
var ErrNoUDPPeer = errors.New("no UDP telemetry sender seen yet")

// maxDatagram is the largest UDP payload read in one call.
const maxDatagram = 64 * 1024

// UDPPort adapts a UDP socket to a line stream. Every datagram holds one or
// more newline-terminated lines; a missing final newline is added. Writes are
// sent to the most recent sender.
type UDPPort struct {
	conn *net.UDPConn
	buf  []byte

	pending []byte

	mu   sync.Mutex
	peer *net.UDPAddr
}

// ListenUDPPort binds a UDP socket on address (host:port).
func ListenUDPPort(address string) (*UDPPort, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	monitoring.Logf("UDP telemetry listener started on %s", conn.LocalAddr())
	return &UDPPort{conn: conn, buf: make([]byte, maxDatagram)}, nil
}

// LocalAddr returns the bound address.
func (u *UDPPort) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Read returns datagram payloads as a contiguous byte stream.
func (u *UDPPort) Read(p []byte) (int, error) {
	for len(u.pending) == 0 {
		n, addr, err := u.conn.ReadFromUDP(u.buf)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}
		u.mu.Lock()
		u.peer = addr
		u.mu.Unlock()
		u.pending = ensureNewline(append([]byte(nil), u.buf[:n]...))
	}
	n := copy(p, u.pending)
	u.pending = u.pending[n:]
	return n, nil
}

// Write sends p as one datagram to the last sender.
func (u *UDPPort) Write(p []byte) (int, error) {
	u.mu.Lock()
	peer := u.peer
	u.mu.Unlock()
	if peer == nil {
		return 0, ErrNoUDPPeer
	}
	return u.conn.WriteToUDP(p, peer)
}

func (u *UDPPort) Close() error {
	return u.conn.Close()
}
