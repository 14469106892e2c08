package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream-racing/slipstream/internal/protocol"
	"github.com/slipstream-racing/slipstream/internal/relay"
	"github.com/slipstream-racing/slipstream/internal/util"
)

const (
	handshakeResend   = 300 * time.Millisecond
	handshakeTimeout  = 5 * time.Second
	heartbeatInterval = 3 * time.Second
	relayQueueSize    = 256
)

// ErrRelayRejected wraps a relay-side refusal of a create/join handshake.
type ErrRelayRejected struct {
	Reason relay.FailReason
}

func (e ErrRelayRejected) Error() string {
	return fmt.Sprintf("relay rejected handshake: %s", e.Reason)
}

type queuedPacket struct {
	from net.Addr
	data []byte
}

// RelayConn adapts a relay session to the PacketConn shape. One real UDP
// socket carries both the handshake and all forwarded traffic; the relay
// authenticates peers by the address that performed the handshake, so the
// socket must not change after it.
//
// A background receive loop unwraps forward packets into a queue keyed by
// synthesized peer addresses, and turns peer-left notices into injected
// disconnect packets so upstream departure handling is uniform whether play
// is relayed or direct. A second loop heartbeats the relay's liveness timer.
type RelayConn struct {
	conn   *net.UDPConn
	logger zerolog.Logger

	code   string
	slot   byte
	isHost bool

	queue chan queuedPacket

	mu           sync.Mutex
	readDeadline time.Time

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialRelay connects the underlying socket to a relay server. The returned
// conn is not usable until CreateRoom or JoinRoom succeeds.
func DialRelay(relayAddr string) (*RelayConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", relayAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve relay address %s: %w", relayAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", relayAddr, err)
	}
	return &RelayConn{
		conn:   conn,
		logger: util.ComponentLogger("relay_conn"),
		queue:  make(chan queuedPacket, relayQueueSize),
		closed: make(chan struct{}),
	}, nil
}

// CreateRoom performs the host handshake: the request is re-sent on a short
// interval until the relay confirms, bounded by an overall timeout.
func (c *RelayConn) CreateRoom() (string, error) {
	resp, err := c.handshake(relay.PackCreateRoom(), relay.CmdRoomCreated)
	if err != nil {
		return "", err
	}
	c.code = string(resp[1 : 1+relay.CodeLen])
	c.slot = 0
	c.isHost = true
	c.startLoops()

	c.logger.Info().Str("code", c.code).Msg("relay room created")
	return c.code, nil
}

// JoinRoom performs the guest handshake for an existing room code.
func (c *RelayConn) JoinRoom(code string) error {
	if len(code) != relay.CodeLen {
		return fmt.Errorf("room code must be %d characters", relay.CodeLen)
	}
	resp, err := c.handshake(relay.PackJoinRoom(code), relay.CmdJoinOK)
	if err != nil {
		return err
	}
	c.code = code
	c.slot = resp[1]
	c.isHost = false
	c.startLoops()

	c.logger.Info().Str("code", code).Uint8("slot", c.slot).Msg("relay room joined")
	return nil
}

// handshake re-sends a request until the expected confirmation (or a
// refusal) arrives. Stray packets are ignored, not errors.
func (c *RelayConn) handshake(request []byte, want relay.Command) ([]byte, error) {
	buf := make([]byte, 64)
	deadline := time.Now().Add(handshakeTimeout)

	for time.Now().Before(deadline) {
		if _, err := c.conn.Write(request); err != nil {
			return nil, fmt.Errorf("handshake send failed: %w", err)
		}

		c.conn.SetReadDeadline(time.Now().Add(handshakeResend))
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue // re-send and keep waiting
			}
			return nil, fmt.Errorf("handshake read failed: %w", err)
		}
		if n < 1 {
			continue
		}

		switch relay.Command(buf[0]) {
		case want:
			return append([]byte(nil), buf[:n]...), nil
		case relay.CmdJoinFail:
			if n >= 2 {
				return nil, ErrRelayRejected{Reason: relay.FailReason(buf[1])}
			}
		}
	}
	return nil, fmt.Errorf("relay handshake timed out after %s", handshakeTimeout)
}

func (c *RelayConn) startLoops() {
	c.wg.Add(2)
	go c.recvLoop()
	go c.heartbeatLoop()
}

// recvLoop unwraps relay traffic into the packet queue.
func (c *RelayConn) recvLoop() {
	defer c.wg.Done()

	buf := make([]byte, protocol.MaxPacketSize+relay.ForwardHeaderSize)
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-c.closed:
			default:
				c.logger.Warn().Err(err).Msg("relay read error")
			}
			return
		}
		if n < 1 {
			continue
		}

		switch relay.Command(buf[0]) {
		case relay.CmdForward:
			_, sender, payload, err := relay.UnpackForward(buf[:n])
			if err != nil {
				c.logger.Debug().Err(err).Msg("bad forward packet")
				continue
			}
			c.enqueue(PeerAddr{Slot: sender}, append([]byte(nil), payload...))

		case relay.CmdPeerLeft:
			if n < 2 {
				continue
			}
			// Synthesize a disconnect from the departed peer so the
			// session's normal departure path handles it.
			c.enqueue(PeerAddr{Slot: buf[1]}, protocol.PackDisconnect(buf[1]))

		case relay.CmdRoomCreated, relay.CmdJoinOK:
			// Duplicate handshake confirmation, already handled.

		default:
			c.logger.Debug().Uint8("command", buf[0]).Msg("unexpected relay packet")
		}
	}
}

func (c *RelayConn) enqueue(from net.Addr, data []byte) {
	select {
	case c.queue <- queuedPacket{from: from, data: data}:
	default:
		// Queue full: drop the oldest so fresh packets keep flowing.
		select {
		case <-c.queue:
		default:
		}
		select {
		case c.queue <- queuedPacket{from: from, data: data}:
		default:
		}
	}
}

// heartbeatLoop keeps the relay's liveness timer satisfied.
func (c *RelayConn) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if _, err := c.conn.Write(relay.PackHeartbeat(c.code)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}

// ReadFrom delivers the next unwrapped packet, honoring the read deadline.
func (c *RelayConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case pkt := <-c.queue:
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo wraps a game packet in a relay forward. A PeerAddr selects that
// slot (or broadcast); any other address means "the host", which is where
// all non-host traffic goes.
func (c *RelayConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	target := relay.TargetHost
	if peer, ok := addr.(PeerAddr); ok {
		if peer.Slot == BroadcastSlot {
			target = relay.TargetBroadcast
		} else {
			target = peer.Slot
		}
	}
	if _, err := c.conn.Write(relay.PackForward(c.code, target, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetReadDeadline bounds the next ReadFrom.
func (c *RelayConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// LocalAddr returns this peer's synthesized room address.
func (c *RelayConn) LocalAddr() net.Addr {
	return PeerAddr{Slot: c.slot}
}

// Code returns the joined room code.
func (c *RelayConn) Code() string { return c.code }

// Slot returns this peer's relay slot.
func (c *RelayConn) Slot() byte { return c.slot }

// IsHost reports whether this peer created the room.
func (c *RelayConn) IsHost() bool { return c.isHost }

// Close tells the relay we are leaving, then shuts both loops down.
func (c *RelayConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.code != "" {
			c.conn.Write(relay.PackLeaveRoom())
		}
		c.conn.Close()
		c.wg.Wait()
	})
	return nil
}
