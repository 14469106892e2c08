package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream-racing/slipstream/internal/util"
)

// Config holds relay server settings.
type Config struct {
	Port          int           `json:"port"`
	MaxRooms      int           `json:"max_rooms"`
	PeerTimeout   time.Duration `json:"peer_timeout"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns the default relay settings.
func DefaultConfig() Config {
	return Config{
		Port:          7777,
		MaxRooms:      64,
		PeerTimeout:   10 * time.Second,
		SweepInterval: 1 * time.Second,
	}
}

type peer struct {
	addr     *net.UDPAddr
	slot     byte
	lastSeen time.Time
}

type room struct {
	code  string
	peers [MaxPeers]*peer // slot-indexed; nil means free
}

func (r *room) count() int {
	n := 0
	for _, p := range r.peers {
		if p != nil {
			n++
		}
	}
	return n
}

func (r *room) freeSlot() (byte, bool) {
	for i, p := range r.peers {
		if p == nil {
			return byte(i), true
		}
	}
	return 0, false
}

type peerRef struct {
	room *room
	slot byte
}

// Server is the relay: a single event-loop goroutine multiplexing every
// room over one UDP socket. It forwards opaque payloads and keeps only
// address-to-peer and code-to-room maps as state.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	conn *net.UDPConn

	// The event loop is the only writer; the mutex exists so Stats readers
	// outside the loop see consistent maps.
	mu     sync.RWMutex
	rooms  map[string]*room
	byAddr map[string]*peerRef

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// Stats is a point-in-time view of relay occupancy.
type Stats struct {
	Rooms int `json:"rooms"`
	Peers int `json:"peers"`
}

// NewServer creates a relay server with the given settings.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: util.ComponentLogger("relay"),
		rooms:  make(map[string]*room),
		byAddr: make(map[string]*peerRef),
	}
}

// Start binds the relay port and launches the event loop. Bind failure is
// returned to the caller; it is fatal for a relay process.
func (s *Server) Start(ctx context.Context) error {
	addr := &net.UDPAddr{Port: s.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind relay port %d: %w", s.cfg.Port, err)
	}
	s.conn = conn

	s.logger.Info().
		Int("port", s.cfg.Port).
		Int("max_rooms", s.cfg.MaxRooms).
		Msg("relay listening")

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop notifies every peer, closes the socket, and waits for the loop.
func (s *Server) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	if s.conn != nil {
		s.notifyShutdown()
		s.conn.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("relay stopped")
}

// Addr returns the bound socket address, useful when Port was 0.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stats returns current room and peer counts.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Rooms: len(s.rooms), Peers: len(s.byAddr)}
}

// loop is the single-threaded event loop: one blocking read with a short
// deadline, then dispatch; the read timeout doubles as the sweep cadence.
func (s *Server) loop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 65535)
	nextSweep := time.Now().Add(s.cfg.SweepInterval)

	for {
		if s.stopped.Load() {
			return
		}
		if ctx.Err() != nil {
			s.notifyShutdown()
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.SweepInterval))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.sweep(time.Now())
				nextSweep = time.Now().Add(s.cfg.SweepInterval)
				continue
			}
			if s.stopped.Load() {
				return
			}
			if ctx.Err() != nil {
				s.notifyShutdown()
				return
			}
			s.logger.Warn().Err(err).Msg("relay read error")
			continue
		}

		if now := time.Now(); now.After(nextSweep) {
			s.sweep(now)
			nextSweep = now.Add(s.cfg.SweepInterval)
		}

		if n < 1 {
			continue
		}
		s.dispatch(addr, buf[:n])
	}
}

func (s *Server) dispatch(addr *net.UDPAddr, data []byte) {
	switch Command(data[0]) {
	case CmdCreateRoom:
		s.handleCreate(addr)
	case CmdJoinRoom:
		s.handleJoin(addr, data)
	case CmdLeaveRoom:
		s.handleLeave(addr)
	case CmdHeartbeat:
		s.handleHeartbeat(addr)
	case CmdForward:
		s.handleForward(addr, data)
	default:
		s.logger.Debug().
			Uint8("command", data[0]).
			Str("from", addr.String()).
			Msg("unknown relay command")
	}
}

// handleCreate allocates a room with the creator as host. A repeated create
// from the same address re-sends the existing code instead of leaking rooms.
func (s *Server) handleCreate(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.byAddr[addr.String()]; ok && ref.slot == 0 {
		s.send(addr, PackRoomCreated(ref.room.code))
		return
	}

	if len(s.rooms) >= s.cfg.MaxRooms {
		s.send(addr, PackJoinFail(FailServerFull))
		s.logger.Warn().Str("from", addr.String()).Msg("room cap reached")
		return
	}

	code, err := s.allocateCode()
	if err != nil {
		s.send(addr, PackJoinFail(FailServerFull))
		s.logger.Error().Err(err).Msg("code allocation failed")
		return
	}

	rm := &room{code: code}
	rm.peers[0] = &peer{addr: addr, slot: 0, lastSeen: time.Now()}
	s.rooms[code] = rm
	s.byAddr[addr.String()] = &peerRef{room: rm, slot: 0}

	s.send(addr, PackRoomCreated(code))
	s.logger.Info().
		Str("code", code).
		Str("host", addr.String()).
		Msg("room created")
}

// allocateCode draws codes until one is unused. Retries are bounded so a
// pathologically full table errors out instead of spinning.
func (s *Server) allocateCode() (string, error) {
	for i := 0; i < 100; i++ {
		code, err := GenerateCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free room code after 100 attempts")
}

func (s *Server) handleJoin(addr *net.UDPAddr, data []byte) {
	if len(data) < 1+CodeLen {
		return
	}
	code := string(data[1 : 1+CodeLen])

	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[code]
	if !ok {
		s.send(addr, PackJoinFail(FailNotFound))
		return
	}

	// Re-join of the same room is idempotent: the join confirmation may
	// simply have been lost.
	if ref, ok := s.byAddr[addr.String()]; ok && ref.room == rm {
		ref.room.peers[ref.slot].lastSeen = time.Now()
		s.send(addr, PackJoinOK(ref.slot))
		return
	}

	slot, ok := rm.freeSlot()
	if !ok {
		s.send(addr, PackJoinFail(FailFull))
		return
	}

	rm.peers[slot] = &peer{addr: addr, slot: slot, lastSeen: time.Now()}
	s.byAddr[addr.String()] = &peerRef{room: rm, slot: slot}
	s.send(addr, PackJoinOK(slot))

	s.logger.Info().
		Str("code", code).
		Uint8("slot", slot).
		Str("peer", addr.String()).
		Msg("peer joined room")
}

func (s *Server) handleLeave(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.byAddr[addr.String()]
	if !ok {
		return
	}
	s.removePeer(ref.room, ref.slot, "leave")
}

func (s *Server) handleHeartbeat(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.byAddr[addr.String()]; ok {
		ref.room.peers[ref.slot].lastSeen = time.Now()
	}
}

// handleForward rewrites the target byte to the sender's slot and fans the
// packet out. BROADCAST excludes the sender.
func (s *Server) handleForward(addr *net.UDPAddr, data []byte) {
	if len(data) < ForwardHeaderSize {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.byAddr[addr.String()]
	if !ok {
		return
	}
	rm := ref.room
	if string(data[1:1+CodeLen]) != rm.code {
		return
	}
	rm.peers[ref.slot].lastSeen = time.Now()

	target := data[1+CodeLen]
	data[1+CodeLen] = ref.slot

	switch target {
	case TargetBroadcast:
		for _, p := range rm.peers {
			if p == nil || p.slot == ref.slot {
				continue
			}
			s.send(p.addr, data)
		}
	default:
		if int(target) >= MaxPeers {
			return
		}
		if p := rm.peers[target]; p != nil {
			s.send(p.addr, data)
		}
	}
}

// sweep evicts peers whose last-seen exceeds the timeout. Evicting the host
// destroys the whole room.
func (s *Server) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rm := range s.rooms {
		for _, p := range rm.peers {
			if p == nil {
				continue
			}
			if now.Sub(p.lastSeen) > s.cfg.PeerTimeout {
				s.removePeer(rm, p.slot, "timeout")
				if p.slot == 0 {
					break // room is gone
				}
			}
		}
	}
}

// removePeer drops one peer and notifies the rest. Caller holds the lock.
// Removing the host (slot 0) destroys the room: remaining clients cannot
// reach each other without it.
func (s *Server) removePeer(rm *room, slot byte, cause string) {
	p := rm.peers[slot]
	if p == nil {
		return
	}

	if slot == 0 {
		for _, other := range rm.peers {
			if other == nil {
				continue
			}
			delete(s.byAddr, other.addr.String())
			if other.slot != 0 {
				s.send(other.addr, PackPeerLeft(0))
			}
		}
		delete(s.rooms, rm.code)
		s.logger.Info().
			Str("code", rm.code).
			Str("cause", cause).
			Msg("host left, room destroyed")
		return
	}

	rm.peers[slot] = nil
	delete(s.byAddr, p.addr.String())
	for _, other := range rm.peers {
		if other != nil {
			s.send(other.addr, PackPeerLeft(slot))
		}
	}
	s.logger.Info().
		Str("code", rm.code).
		Uint8("slot", slot).
		Str("cause", cause).
		Msg("peer removed")

	if rm.count() == 0 {
		delete(s.rooms, rm.code)
		s.logger.Info().Str("code", rm.code).Msg("empty room destroyed")
	}
}

// notifyShutdown tells every connected peer the relay is going away.
func (s *Server) notifyShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rm := range s.rooms {
		for _, p := range rm.peers {
			if p != nil && p.slot != 0 {
				s.send(p.addr, PackPeerLeft(0))
			}
		}
	}
	s.rooms = make(map[string]*room)
	s.byAddr = make(map[string]*peerRef)
}

// send is best-effort: a failed send is logged and forgotten, the next
// packet or retry re-attempts naturally.
func (s *Server) send(addr *net.UDPAddr, data []byte) {
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.logger.Debug().Err(err).Str("to", addr.String()).Msg("send failed")
	}
}
