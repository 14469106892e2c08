package client

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

	"github.com/slipstream-racing/slipstream/internal/network"
	"github.com/slipstream-racing/slipstream/internal/protocol"
	"github.com/slipstream-racing/slipstream/internal/util"
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRejected
	StateTimedOut
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Options configures a client session.
type Options struct {
	Name           string
	ConnectTimeout time.Duration
	RetryInterval  time.Duration

	// StallAfter is how long without any server packet before the stream
	// counts as stalled. DisconnectAfter is how long before the session
	// gives the server up entirely.
	StallAfter      time.Duration
	DisconnectAfter time.Duration
}

// DefaultOptions returns the standard client timings.
func DefaultOptions(name string) Options {
	return Options{
		Name:            name,
		ConnectTimeout:  5 * time.Second,
		RetryInterval:   300 * time.Millisecond,
		StallAfter:      2 * time.Second,
		DisconnectAfter: 10 * time.Second,
	}
}

const (
	snapshotRingCap = 10
	readTimeout     = 250 * time.Millisecond
	inputRedundancy = protocol.InputRedundancy
)

// ErrRejected is returned by Connect when the server refuses the join.
type ErrRejected struct {
	Reason protocol.RejectReason
}

func (e ErrRejected) Error() string {
	return fmt.Sprintf("join rejected: %s", e.Reason)
}

// Session is the client side of a game connection. One receive goroutine
// owns the socket reads; accessors use narrow per-concern locks so render
// and input code never contend with each other.
type Session struct {
	conn network.PacketConn
	opts Options
	log  zerolog.Logger

	mu           sync.RWMutex
	state        State
	accept       protocol.JoinAccept
	rejectReason protocol.RejectReason
	lastPacket   time.Time
	connectDone  chan struct{} // closed when connecting resolves

	snapMu sync.Mutex
	snaps  []*protocol.Snapshot // ring, oldest first

	lobbyMu sync.Mutex
	lobby   *protocol.LobbyState
	config  protocol.RoomConfig

	raceMu      sync.Mutex
	raceActive  bool
	countdown   byte
	racePlayers byte

	powerMu  sync.Mutex
	powerups []protocol.PowerupEvent

	stats netStats
	track trackReceiver
	rooms roomOps

	inputMu   sync.Mutex
	inputSeq  uint16
	inputHist []protocol.InputState // newest first

	lastPing atomic.Int64 // unix nanos of the last ping sent

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New wraps an open conn. The conn may be direct UDP or a relay adapter.
func New(conn network.PacketConn, opts Options) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions("").ConnectTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultOptions("").RetryInterval
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = DefaultOptions("").StallAfter
	}
	if opts.DisconnectAfter <= 0 {
		opts.DisconnectAfter = DefaultOptions("").DisconnectAfter
	}
	s := &Session{
		conn:        conn,
		opts:        opts,
		log:         util.ComponentLogger("client"),
		state:       StateDisconnected,
		connectDone: make(chan struct{}),
	}
	s.rooms.init()
	return s
}

// Dial opens a direct UDP session to a server address.
func Dial(addr string, opts Options) (*Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}
	return New(&dialedConn{conn}, opts), nil
}

// dialedConn adapts a connected UDP socket to the PacketConn shape.
type dialedConn struct {
	*net.UDPConn
}

func (d *dialedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := d.Read(p)
	return n, d.RemoteAddr(), err
}

func (d *dialedConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	return d.Write(p)
}

// Connect joins the server, retrying the request until the server answers
// or the connect timeout lapses. Blocking.
func (s *Session) Connect(ctx context.Context) (protocol.JoinAccept, error) {
	s.mu.Lock()
	if s.state == StateConnected {
		a := s.accept
		s.mu.Unlock()
		return a, nil
	}
	s.state = StateConnecting
	s.lastPacket = time.Now()
	s.connectDone = make(chan struct{})
	done := s.connectDone
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiveLoop()

	req := protocol.PackJoinRequest(s.opts.Name)
	retry := time.NewTicker(s.opts.RetryInterval)
	defer retry.Stop()
	deadline := time.NewTimer(s.opts.ConnectTimeout)
	defer deadline.Stop()

	s.send(req)
	for {
		select {
		case <-done:
			s.mu.RLock()
			defer s.mu.RUnlock()
			if s.state == StateRejected {
				return protocol.JoinAccept{}, ErrRejected{Reason: s.rejectReason}
			}
			return s.accept, nil
		case <-retry.C:
			s.send(req)
		case <-deadline.C:
			s.setState(StateTimedOut)
			return protocol.JoinAccept{}, fmt.Errorf("no response from server within %v", s.opts.ConnectTimeout)
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return protocol.JoinAccept{}, ctx.Err()
		}
	}
}

// Close sends a disconnect notice and tears the session down.
func (s *Session) Close() error {
	if s.stopped.Swap(true) {
		return nil
	}
	if s.State() == StateConnected {
		s.send(protocol.PackDisconnect(s.PlayerID()))
	}
	err := s.conn.Close()
	s.wg.Wait()
	s.setState(StateDisconnected)
	s.log.Info().Msg("session closed")
	return err
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// PlayerID returns the id the server assigned, valid once connected.
func (s *Session) PlayerID() byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accept.PlayerID
}

// Accept returns the join response, valid once connected.
func (s *Session) Accept() protocol.JoinAccept {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accept
}

// Stalled reports whether the snapshot stream has gone quiet while the
// session still counts as connected.
func (s *Session) Stalled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected && time.Since(s.lastPacket) > s.opts.StallAfter
}

func (s *Session) send(pkt []byte) {
	if _, err := s.conn.WriteTo(pkt, nil); err != nil && !s.stopped.Load() {
		s.log.Debug().Err(err).Msg("send failed")
	}
}

// receiveLoop is the single socket reader for the whole session.
func (s *Session) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, protocol.MaxPacketSize)
	for !s.stopped.Load() {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.onReadTimeout()
				continue
			}
			if s.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("read failed")
			continue
		}
		s.handlePacket(buf[:n])
	}
}

// onReadTimeout sends an opportunistic ping and checks for a dead server.
func (s *Session) onReadTimeout() {
	if s.State() != StateConnected {
		return
	}
	s.Ping()
	s.mu.RLock()
	silent := time.Since(s.lastPacket)
	s.mu.RUnlock()
	if silent > s.opts.DisconnectAfter {
		s.log.Warn().Dur("silent", silent).Msg("server gone quiet, disconnecting")
		s.setState(StateDisconnected)
	}
}

func (s *Session) handlePacket(pkt []byte) {
	h, payload, err := protocol.ParseHeader(pkt)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping malformed packet")
		return
	}
	s.mu.Lock()
	s.lastPacket = time.Now()
	s.mu.Unlock()

	switch h.Type {
	case protocol.PktJoinAccept:
		s.handleAccept(payload)
	case protocol.PktJoinReject:
		s.handleReject(payload)
	case protocol.PktSnapshot:
		s.handleSnapshot(h.Seq, payload)
	case protocol.PktLobbyState:
		s.handleLobby(payload)
	case protocol.PktRaceStart:
		s.handleRaceStart(payload)
	case protocol.PktReturnLobby:
		s.handleReturnLobby()
	case protocol.PktPowerupEvent:
		s.handlePowerup(payload)
	case protocol.PktTrackData:
		s.handleTrackChunk(h.Seq, payload)
	case protocol.PktTrackList:
		s.rooms.resolveTracks(payload)
	case protocol.PktPong:
		s.handlePong(payload)
	case protocol.PktConfigState:
		s.handleConfigState(payload)
	case protocol.PktRoomCreateOK, protocol.PktRoomAccept, protocol.PktRoomReject, protocol.PktRoomList:
		s.rooms.resolve(h.Type, payload)
	case protocol.PktDisconnect:
		s.log.Info().Msg("server ended the session")
		s.setState(StateDisconnected)
	default:
		s.log.Debug().Stringer("type", h.Type).Msg("unhandled packet type")
	}
}

func (s *Session) handleAccept(payload []byte) {
	a, err := protocol.UnpackJoinAccept(payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("bad join accept")
		return
	}
	s.mu.Lock()
	if s.state == StateConnecting {
		s.accept = a
		s.state = StateConnected
		close(s.connectDone)
		s.log.Info().Uint8("player", a.PlayerID).Bool("admin", a.IsAdmin).Msg("connected")
	}
	s.mu.Unlock()
}

func (s *Session) handleReject(payload []byte) {
	reason, err := protocol.UnpackJoinReject(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.state == StateConnecting {
		s.rejectReason = reason
		s.state = StateRejected
		close(s.connectDone)
		s.log.Info().Stringer("reason", reason).Msg("join rejected")
	}
	s.mu.Unlock()
}

func (s *Session) handleSnapshot(seq uint16, payload []byte) {
	snap, err := protocol.UnpackSnapshot(seq, payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("bad snapshot")
		return
	}
	s.stats.snapshotArrived(time.Now())

	s.snapMu.Lock()
	// Drop stale out-of-order snapshots; interpolation wants monotonic state.
	if n := len(s.snaps); n > 0 && !protocol.SeqNewer(snap.Seq, s.snaps[n-1].Seq) {
		s.snapMu.Unlock()
		return
	}
	s.snaps = append(s.snaps, snap)
	if len(s.snaps) > snapshotRingCap {
		s.snaps = s.snaps[1:]
	}
	s.snapMu.Unlock()
}

// LatestSnapshot returns the newest buffered snapshot, or nil.
func (s *Session) LatestSnapshot() *protocol.Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if len(s.snaps) == 0 {
		return nil
	}
	return s.snaps[len(s.snaps)-1]
}

// InterpolationPair returns the two newest snapshots for rendering between.
// prev is nil until two snapshots have arrived.
func (s *Session) InterpolationPair() (prev, latest *protocol.Snapshot) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	n := len(s.snaps)
	if n == 0 {
		return nil, nil
	}
	if n == 1 {
		return nil, s.snaps[0]
	}
	return s.snaps[n-2], s.snaps[n-1]
}

func (s *Session) handleLobby(payload []byte) {
	ls, err := protocol.UnpackLobbyState(payload)
	if err != nil {
		return
	}
	s.lobbyMu.Lock()
	s.lobby = ls
	s.lobbyMu.Unlock()
}

// Lobby returns the latest lobby broadcast, or nil before the first one.
func (s *Session) Lobby() *protocol.LobbyState {
	s.lobbyMu.Lock()
	defer s.lobbyMu.Unlock()
	return s.lobby
}

func (s *Session) handleConfigState(payload []byte) {
	cfg, err := protocol.UnpackRoomConfig(payload)
	if err != nil {
		return
	}
	s.lobbyMu.Lock()
	s.config = cfg
	s.lobbyMu.Unlock()
}

// RoomConfig returns the last configuration echo from the server.
func (s *Session) RoomConfig() protocol.RoomConfig {
	s.lobbyMu.Lock()
	defer s.lobbyMu.Unlock()
	return s.config
}

func (s *Session) handleRaceStart(payload []byte) {
	countdown, players, err := protocol.UnpackRaceStart(payload)
	if err != nil {
		return
	}
	s.raceMu.Lock()
	already := s.raceActive
	s.raceActive = true
	s.countdown = countdown
	s.racePlayers = players
	s.raceMu.Unlock()
	if !already {
		s.log.Info().Uint8("countdown", countdown).Uint8("players", players).Msg("race starting")
		// The race invalidates anything buffered from the lobby.
		s.snapMu.Lock()
		s.snaps = nil
		s.snapMu.Unlock()
	}
}

func (s *Session) handleReturnLobby() {
	s.raceMu.Lock()
	was := s.raceActive
	s.raceActive = false
	s.raceMu.Unlock()
	if was {
		s.log.Info().Msg("returned to lobby")
	}
}

// RaceActive reports whether a race start has been received and not yet
// followed by a return to lobby.
func (s *Session) RaceActive() bool {
	s.raceMu.Lock()
	defer s.raceMu.Unlock()
	return s.raceActive
}

func (s *Session) handlePowerup(payload []byte) {
	ev, err := protocol.UnpackPowerupEvent(payload)
	if err != nil {
		return
	}
	s.powerMu.Lock()
	// The server repeats event packets; keep one occurrence.
	for _, seen := range s.powerups {
		if seen == ev {
			s.powerMu.Unlock()
			return
		}
	}
	s.powerups = append(s.powerups, ev)
	s.powerMu.Unlock()
}

// DrainPowerupEvents returns and clears events received since the last call.
func (s *Session) DrainPowerupEvents() []protocol.PowerupEvent {
	s.powerMu.Lock()
	defer s.powerMu.Unlock()
	out := s.powerups
	s.powerups = nil
	return out
}

// SendInput samples the local controls. The previous two samples ride along
// so one lost datagram costs nothing.
func (s *Session) SendInput(in protocol.InputState) {
	s.inputMu.Lock()
	s.inputSeq++
	in.Seq = s.inputSeq
	in.PlayerID = s.PlayerID()
	s.inputHist = append([]protocol.InputState{in}, s.inputHist...)
	if len(s.inputHist) > inputRedundancy {
		s.inputHist = s.inputHist[:inputRedundancy]
	}
	pkt := protocol.PackInputs(s.inputHist)
	s.inputMu.Unlock()
	s.send(pkt)
}

// Ping measures round-trip time and server clock offset.
func (s *Session) Ping() {
	now := time.Now()
	s.lastPing.Store(now.UnixNano())
	s.send(protocol.PackPing(float64(now.UnixNano()) / 1e9))
}

func (s *Session) handlePong(payload []byte) {
	echoed, serverTime, err := protocol.UnpackPong(payload)
	if err != nil {
		return
	}
	s.stats.pongArrived(echoed, serverTime, time.Now())
}

// RTT returns the smoothed round-trip time, zero before the first pong.
func (s *Session) RTT() time.Duration { return s.stats.rtt() }

// ClockOffset estimates server-clock minus client-clock in seconds.
func (s *Session) ClockOffset() float64 { return s.stats.clockOffset() }

// InterpolationDelay is how far behind the newest snapshot rendering should
// run, adapted to the observed snapshot jitter.
func (s *Session) InterpolationDelay() time.Duration { return s.stats.interpolationDelay() }
