// Package network provides the datagram transport used by the client and
// server sessions: a direct UDP socket, or a relay-wrapped socket that
// presents the same shape so upper layers cannot tell the difference.
package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// PacketConn is the transport contract the sessions are written against.
// A *net.UDPConn satisfies it directly; RelayConn satisfies it by wrapping
// traffic in relay forward packets.
type PacketConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// BroadcastSlot is the PeerAddr slot meaning "every other peer in the room".
const BroadcastSlot byte = 0xFF

// PeerAddr is the synthesized address of a relay peer. It stands in for a
// real UDP address in the session's client table so the table logic is
// identical for direct and relayed play.
type PeerAddr struct {
	Slot byte
}

// Network returns the synthetic network name for relay peers.
func (a PeerAddr) Network() string { return "relay" }

// String returns a stable map key for this peer.
func (a PeerAddr) String() string { return fmt.Sprintf("relay:slot%d", a.Slot) }

// ListenUDP binds a UDP port with SO_REUSEADDR so a restarted server can
// rebind immediately.
func ListenUDP(ctx context.Context, port int) (net.PacketConn, error) {
	lc := ReuseAddrListenConfig()
	conn, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp port %d: %w", port, err)
	}
	return conn, nil
}
