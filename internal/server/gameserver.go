package server

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

	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/network"
	"github.com/slipstream-racing/slipstream/internal/protocol"
	"github.com/slipstream-racing/slipstream/internal/sim"
	"github.com/slipstream-racing/slipstream/internal/util"
)

// Options configures a GameServer session.
type Options struct {
	MaxPlayers    int
	ClientTimeout time.Duration
	SweepInterval time.Duration
	TrackDir      string

	// LocalHost reserves player id 0 for the hosting player's own process;
	// remote ids then start at 1.
	LocalHost bool

	// MultiRoom advertises room-management support in join accepts and
	// enables the room op queue.
	MultiRoom bool
}

// DefaultOptions returns the dedicated-server defaults.
func DefaultOptions() Options {
	return Options{
		MaxPlayers:    8,
		ClientTimeout: 10 * time.Second,
		SweepInterval: time.Second,
	}
}

const (
	trackTransferTimeout = 10 * time.Second
	trackResendInterval  = 50 * time.Millisecond
	raceStartRepeats     = 3
	raceStartGap         = 10 * time.Millisecond
	roomOpQueueDepth     = 64
)

// GameServer is the shared network session for every room on this process.
// One receive goroutine services the socket; rooms and the room manager
// consume through the typed accessors and the room op queue. It never spawns
// a goroutine per client.
type GameServer struct {
	conn network.PacketConn
	opts Options
	bus  *events.EventBus
	log  zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*ClientInfo // keyed by Addr.String()
	byID    map[byte]*ClientInfo
	adminID byte
	gate    JoinGate

	inputs sync.Map // playerID byte -> *InputQueue

	ops chan RoomOp

	seq     atomic.Uint32 // outgoing envelope sequence
	stopped atomic.Bool
	wg      sync.WaitGroup
	started time.Time
}

// NewGameServer wraps an already-bound packet conn. The conn may be a direct
// UDP socket or a relay adapter; the session does not care which.
func NewGameServer(conn network.PacketConn, opts Options, bus *events.EventBus) *GameServer {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = DefaultOptions().MaxPlayers
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = DefaultOptions().ClientTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions().SweepInterval
	}
	return &GameServer{
		conn:    conn,
		opts:    opts,
		bus:     bus,
		log:     util.ComponentLogger("gameserver"),
		clients: make(map[string]*ClientInfo),
		byID:    make(map[byte]*ClientInfo),
		adminID: protocol.NoAdmin,
		ops:     make(chan RoomOp, roomOpQueueDepth),
	}
}

// JoinGate is consulted before a new session-level join is accepted. A
// non-none reason is sent back as JOIN_REJECT. Retransmitted joins from
// known clients bypass the gate.
type JoinGate func() protocol.RejectReason

// SetJoinGate installs the admission check. The room manager sets this in
// single-room mode so mid-race joins are refused.
func (s *GameServer) SetJoinGate(gate JoinGate) {
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
}

// Start launches the receive loop.
func (s *GameServer) Start(ctx context.Context) {
	s.started = time.Now()
	s.wg.Add(1)
	go s.receiveLoop(ctx)
	s.log.Info().Str("addr", s.conn.LocalAddr().String()).Msg("session started")
}

// Stop closes the socket and waits for the receive loop to exit.
func (s *GameServer) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.conn.Close()
	s.wg.Wait()
	s.log.Info().Msg("session stopped")
}

// Addr returns the bound local address.
func (s *GameServer) Addr() net.Addr { return s.conn.LocalAddr() }

// Ops is the queue of decoded room-management requests. The room manager is
// the single consumer; when nothing drains it, requests are dropped.
func (s *GameServer) Ops() <-chan RoomOp { return s.ops }

// Uptime reports how long the session has been running.
func (s *GameServer) Uptime() time.Duration { return time.Since(s.started) }

func (s *GameServer) nextSeq() uint16 {
	return uint16(s.seq.Add(1))
}

func (s *GameServer) emit(t events.EventType, payload interface{}) {
	s.bus.Emit(context.Background(), events.Event{Type: t, Source: "gameserver", Payload: payload})
}

// receiveLoop is the single shared reader. The read deadline doubles as the
// heartbeat sweep cadence.
func (s *GameServer) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.opts.SweepInterval))
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.sweep()
				continue
			}
			if s.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("read failed")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.handlePacket(pkt, from)
	}
}

func (s *GameServer) handlePacket(pkt []byte, from net.Addr) {
	h, payload, err := protocol.ParseHeader(pkt)
	if err != nil {
		s.log.Debug().Err(err).Str("from", from.String()).Msg("dropping malformed packet")
		return
	}
	s.touch(from)

	switch h.Type {
	case protocol.PktJoinRequest:
		s.handleJoin(payload, from)
	case protocol.PktPlayerInput:
		s.handleInput(payload, from)
	case protocol.PktPing:
		s.handlePing(payload, from)
	case protocol.PktTrackAck:
		s.handleTrackAck(h.Seq, from)
	case protocol.PktTrackList:
		s.handleTrackList(from)
	case protocol.PktDisconnect:
		s.handleDisconnect(from)
	case protocol.PktRoomCreate:
		s.handleRoomCreate(payload, from)
	case protocol.PktRoomJoin:
		s.handleRoomJoin(payload, from)
	case protocol.PktRoomLeave:
		s.queueOp(RoomOp{Kind: OpLeave}, from)
	case protocol.PktRoomList:
		s.queueOp(RoomOp{Kind: OpList}, from)
	case protocol.PktConfigChange:
		s.handleConfigChange(payload, from)
	default:
		s.log.Debug().Stringer("type", h.Type).Str("from", from.String()).Msg("unhandled packet type")
	}
}

// touch refreshes the sender's heartbeat.
func (s *GameServer) touch(from net.Addr) {
	s.mu.Lock()
	if c, ok := s.clients[from.String()]; ok {
		c.LastSeen = time.Now()
	}
	s.mu.Unlock()
}

func (s *GameServer) handleJoin(payload []byte, from net.Addr) {
	name, err := protocol.UnpackJoinRequest(payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("bad join request")
		return
	}

	s.mu.RLock()
	known, knownAccept := s.clients[from.String()], protocol.JoinAccept{}
	if known != nil {
		knownAccept = s.acceptFor(known)
	}
	gate := s.gate
	s.mu.RUnlock()
	if known != nil {
		// Retransmitted join; the accept was lost. Re-send, same identity.
		s.sendTo(from, protocol.PackJoinAccept(knownAccept))
		return
	}
	// The gate runs outside the lock: it reads room state, and rooms take
	// their own lock before calling back into this session.
	if gate != nil {
		if reason := gate(); reason != protocol.RejectNone {
			s.sendTo(from, protocol.PackJoinReject(reason))
			s.log.Info().Str("name", name).Str("from", from.String()).
				Str("reason", reason.String()).Msg("join rejected")
			return
		}
	}

	s.mu.Lock()
	if c, ok := s.clients[from.String()]; ok {
		// Raced with a retransmit that got in first.
		accept := s.acceptFor(c)
		s.mu.Unlock()
		s.sendTo(from, protocol.PackJoinAccept(accept))
		return
	}
	if len(s.clients) >= s.opts.MaxPlayers {
		s.mu.Unlock()
		s.sendTo(from, protocol.PackJoinReject(protocol.RejectFull))
		s.log.Info().Str("name", name).Str("from", from.String()).Msg("join rejected, server full")
		return
	}
	id, ok := s.allocateID()
	if !ok {
		s.mu.Unlock()
		s.sendTo(from, protocol.PackJoinReject(protocol.RejectFull))
		return
	}
	c := &ClientInfo{
		Addr:     from,
		PlayerID: id,
		Name:     name,
		JoinedAt: time.Now(),
		LastSeen: time.Now(),
	}
	s.clients[from.String()] = c
	s.byID[id] = c
	s.inputs.Store(id, NewInputQueue(DefaultQueueCap))
	accept := s.acceptFor(c)
	s.mu.Unlock()

	s.sendTo(from, protocol.PackJoinAccept(accept))
	s.log.Info().Uint8("player", id).Str("name", name).Str("from", from.String()).Msg("player joined")
	s.emit(events.EventPlayerJoined, events.PlayerPayload{
		PlayerID: id,
		Name:     name,
	})
}

// acceptFor builds the join accept for a client. Caller holds mu.
func (s *GameServer) acceptFor(c *ClientInfo) protocol.JoinAccept {
	return protocol.JoinAccept{
		PlayerID:   c.PlayerID,
		MaxPlayers: byte(s.opts.MaxPlayers),
		IsAdmin:    c.PlayerID == s.adminID,
		MultiRoom:  s.opts.MultiRoom,
	}
}

// allocateID returns the lowest free player id. Caller holds mu.
func (s *GameServer) allocateID() (byte, bool) {
	base := byte(0)
	if s.opts.LocalHost {
		base = 1
	}
	for id := base; int(id) < int(base)+s.opts.MaxPlayers; id++ {
		if _, taken := s.byID[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

func (s *GameServer) handleInput(payload []byte, from net.Addr) {
	c := s.clientByAddr(from)
	if c == nil {
		return
	}
	samples, err := protocol.UnpackInputs(payload)
	if err != nil {
		s.log.Debug().Err(err).Uint8("player", c.PlayerID).Msg("bad input packet")
		return
	}
	q := s.queueFor(c.PlayerID)
	for _, in := range samples {
		// The table, not the payload, decides whose inputs these are.
		in.PlayerID = c.PlayerID
		q.Push(in)
	}
}

func (s *GameServer) handlePing(payload []byte, from net.Addr) {
	sentAt, err := protocol.UnpackPing(payload)
	if err != nil {
		return
	}
	now := float64(time.Now().UnixNano()) / 1e9
	s.sendTo(from, protocol.PackPong(sentAt, now))
}

func (s *GameServer) handleTrackAck(index uint16, from net.Addr) {
	s.mu.Lock()
	if c, ok := s.clients[from.String()]; ok && c.acks != nil {
		c.acks[index] = true
	}
	s.mu.Unlock()
}

func (s *GameServer) handleTrackList(from net.Addr) {
	var names []string
	if s.opts.TrackDir != "" {
		var err error
		names, err = sim.ListTracks(s.opts.TrackDir)
		if err != nil {
			s.log.Warn().Err(err).Str("dir", s.opts.TrackDir).Msg("track enumeration failed")
		}
	}
	s.sendTo(from, protocol.PackTrackList(names))
}

func (s *GameServer) handleDisconnect(from net.Addr) {
	c := s.clientByAddr(from)
	if c == nil {
		return
	}
	cause := events.LeaveDisconnect
	if _, relayed := from.(network.PeerAddr); relayed {
		cause = events.LeaveRelayLost
	}
	s.removeClient(c, cause)
}

func (s *GameServer) handleRoomCreate(payload []byte, from net.Addr) {
	name, private, maxPlayers, err := protocol.UnpackRoomCreate(payload)
	if err != nil {
		return
	}
	s.queueOp(RoomOp{Kind: OpCreate, Name: name, Private: private, MaxPlayers: maxPlayers}, from)
}

func (s *GameServer) handleRoomJoin(payload []byte, from net.Addr) {
	code, name, err := protocol.UnpackRoomJoin(payload)
	if err != nil {
		return
	}
	s.queueOp(RoomOp{Kind: OpJoin, Code: code, Name: name}, from)
}

func (s *GameServer) handleConfigChange(payload []byte, from net.Addr) {
	cfg, err := protocol.UnpackRoomConfig(payload)
	if err != nil {
		return
	}
	s.queueOp(RoomOp{Kind: OpConfig, Config: cfg}, from)
}

// queueOp attributes an op to a joined client and hands it to the consumer.
func (s *GameServer) queueOp(op RoomOp, from net.Addr) {
	c := s.clientByAddr(from)
	if c == nil {
		s.log.Debug().Str("from", from.String()).Stringer("op", op.Kind).Msg("room op from unknown sender")
		return
	}
	if !s.opts.MultiRoom && op.Kind != OpConfig {
		s.sendTo(from, protocol.PackRoomReject(protocol.RoomRejectNotFound))
		return
	}
	op.From = c.PlayerID
	op.Addr = from
	select {
	case s.ops <- op:
	default:
		s.log.Warn().Stringer("op", op.Kind).Msg("room op queue full, dropping")
	}
}

// sweep removes clients whose heartbeat lapsed.
func (s *GameServer) sweep() {
	cutoff := time.Now().Add(-s.opts.ClientTimeout)
	var stale []*ClientInfo
	s.mu.RLock()
	for _, c := range s.clients {
		if c.LastSeen.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range stale {
		s.removeClient(c, events.LeaveTimeout)
	}
}

// removeClient is the single departure path. Every cause funnels through
// here and out as one player-left event.
func (s *GameServer) removeClient(c *ClientInfo, cause events.LeaveCause) {
	s.mu.Lock()
	if _, ok := s.clients[c.Addr.String()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.Addr.String())
	delete(s.byID, c.PlayerID)
	room := c.RoomCode
	wasAdmin := c.PlayerID == s.adminID
	if wasAdmin {
		s.adminID = protocol.NoAdmin
	}
	s.mu.Unlock()
	s.inputs.Delete(c.PlayerID)

	s.log.Info().
		Uint8("player", c.PlayerID).
		Str("name", c.Name).
		Stringer("cause", cause).
		Msg("player left")
	s.emit(events.EventPlayerLeft, events.PlayerPayload{
		RoomCode: room,
		PlayerID: c.PlayerID,
		Name:     c.Name,
		Cause:    cause,
	})
}

// Kick removes a player at the server's initiative. The disconnect notice is
// repeated; delivery is still best-effort.
func (s *GameServer) Kick(playerID byte, cause events.LeaveCause) bool {
	s.mu.RLock()
	c, ok := s.byID[playerID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	pkt := protocol.PackDisconnect(playerID)
	for i := 0; i < raceStartRepeats; i++ {
		s.sendTo(c.Addr, pkt)
	}
	if cause == events.LeaveKicked {
		s.emit(events.EventPlayerKicked, events.PlayerPayload{
			RoomCode: c.RoomCode,
			PlayerID: c.PlayerID,
			Name:     c.Name,
			Cause:    cause,
		})
	}
	s.removeClient(c, cause)
	return true
}

func (s *GameServer) clientByAddr(from net.Addr) *ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[from.String()]
}

func (s *GameServer) queueFor(playerID byte) *InputQueue {
	if q, ok := s.inputs.Load(playerID); ok {
		return q.(*InputQueue)
	}
	q, _ := s.inputs.LoadOrStore(playerID, NewInputQueue(DefaultQueueCap))
	return q.(*InputQueue)
}

func (s *GameServer) sendTo(addr net.Addr, pkt []byte) {
	if _, err := s.conn.WriteTo(pkt, addr); err != nil && !s.stopped.Load() {
		s.log.Debug().Err(err).Str("to", addr.String()).Msg("send failed")
	}
}

// SendToAddr sends one packet to an arbitrary address. Used by the room
// manager to answer room ops.
func (s *GameServer) SendToAddr(addr net.Addr, pkt []byte) {
	s.sendTo(addr, pkt)
}

// SendTo sends one packet to a joined player.
func (s *GameServer) SendTo(playerID byte, pkt []byte) bool {
	s.mu.RLock()
	c, ok := s.byID[playerID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	s.sendTo(c.Addr, pkt)
	return true
}

// Broadcast best-effort sends one packet to every joined player, optionally
// filtered to one room.
func (s *GameServer) Broadcast(pkt []byte) { s.broadcastRoom("", pkt) }

func (s *GameServer) broadcastRoom(code string, pkt []byte) {
	for _, addr := range s.roomAddrs(code) {
		s.sendTo(addr, pkt)
	}
}

// BroadcastRepeated re-sends a broadcast with short gaps. Used for packets
// whose loss is costly, like race starts.
func (s *GameServer) BroadcastRepeated(pkt []byte, times int, gap time.Duration) {
	s.broadcastRepeatedRoom("", pkt, times, gap)
}

func (s *GameServer) broadcastRepeatedRoom(code string, pkt []byte, times int, gap time.Duration) {
	for i := 0; i < times; i++ {
		if i > 0 {
			time.Sleep(gap)
		}
		s.broadcastRoom(code, pkt)
	}
}

func (s *GameServer) roomAddrs(code string) []net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]net.Addr, 0, len(s.clients))
	for _, c := range s.clients {
		if code == "" || c.RoomCode == code {
			addrs = append(addrs, c.Addr)
		}
	}
	return addrs
}

// Players returns a snapshot of the joined players, optionally filtered to
// one room, ordered by player id.
func (s *GameServer) Players() []PlayerInfo { return s.roomPlayers("") }

func (s *GameServer) roomPlayers(code string) []PlayerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PlayerInfo, 0, len(s.clients))
	for id := 0; id < 256; id++ {
		c, ok := s.byID[byte(id)]
		if !ok || (code != "" && c.RoomCode != code) {
			continue
		}
		out = append(out, PlayerInfo{
			PlayerID: c.PlayerID,
			Name:     c.Name,
			RoomCode: c.RoomCode,
			Addr:     c.Addr.String(),
			JoinedAt: c.JoinedAt,
		})
	}
	return out
}

// PlayerCount reports the number of joined players.
func (s *GameServer) PlayerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// AssignRoom binds a player to a room code for filtered broadcasts.
func (s *GameServer) AssignRoom(playerID byte, code string) {
	s.mu.Lock()
	if c, ok := s.byID[playerID]; ok {
		c.RoomCode = code
	}
	s.mu.Unlock()
}

// SetAdmin marks one player as session admin; NoAdmin clears it.
func (s *GameServer) SetAdmin(playerID byte) {
	s.mu.Lock()
	s.adminID = playerID
	s.mu.Unlock()
}

// AdminID returns the current admin, or NoAdmin.
func (s *GameServer) AdminID() byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adminID
}

// PopInputs removes and returns at most one pending sample per player.
func (s *GameServer) PopInputs() map[byte]protocol.InputState { return s.popInputsRoom("") }

func (s *GameServer) popInputsRoom(code string) map[byte]protocol.InputState {
	out := make(map[byte]protocol.InputState)
	for _, p := range s.roomPlayers(code) {
		if in, ok := s.queueFor(p.PlayerID).PopOne(); ok {
			out[p.PlayerID] = in
		}
	}
	return out
}

// DrainInputs removes and returns every pending sample per player.
func (s *GameServer) DrainInputs() map[byte][]protocol.InputState { return s.drainInputsRoom("") }

func (s *GameServer) drainInputsRoom(code string) map[byte][]protocol.InputState {
	out := make(map[byte][]protocol.InputState)
	for _, p := range s.roomPlayers(code) {
		if ins := s.queueFor(p.PlayerID).DrainAll(); len(ins) > 0 {
			out[p.PlayerID] = ins
		}
	}
	return out
}

// SendTrack transfers serialized track bytes to every targeted client in
// acknowledged chunks. It blocks until all clients acknowledged every chunk,
// the context is canceled, or the transfer times out. With no clients it
// succeeds immediately.
func (s *GameServer) SendTrack(ctx context.Context, raw []byte) error {
	return s.sendTrackRoom(ctx, "", raw)
}

func (s *GameServer) sendTrackRoom(ctx context.Context, code string, raw []byte) error {
	chunks := splitChunks(raw, protocol.TrackChunkSize)
	total := uint16(len(chunks))

	s.mu.Lock()
	targets := make([]*ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		if code != "" && c.RoomCode != code {
			continue
		}
		c.acks = make(map[uint16]bool, len(chunks))
		targets = append(targets, c)
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}

	s.log.Info().Int("bytes", len(raw)).Uint16("chunks", total).Int("clients", len(targets)).
		Msg("track transfer started")

	deadline := time.NewTimer(trackTransferTimeout)
	defer deadline.Stop()
	resend := time.NewTicker(trackResendInterval)
	defer resend.Stop()

	type chunkSend struct {
		addr  net.Addr
		index uint16
	}
	for {
		// Unacked chunks are collected under the lock and sent after it is
		// released; sends never happen while holding mu.
		var resends []chunkSend
		s.mu.RLock()
		for _, c := range targets {
			// A client that left mid-transfer no longer gates completion.
			if _, present := s.clients[c.Addr.String()]; !present {
				continue
			}
			for i := range chunks {
				if !c.acks[uint16(i)] {
					resends = append(resends, chunkSend{addr: c.Addr, index: uint16(i)})
				}
			}
		}
		s.mu.RUnlock()
		pending := len(resends)
		for _, rs := range resends {
			s.sendTo(rs.addr, protocol.PackTrackChunk(rs.index, total, chunks[rs.index]))
		}
		if pending == 0 {
			s.log.Info().Msg("track transfer complete")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("track transfer timed out with %d chunks unacknowledged", pending)
		case <-resend.C:
		}
	}
}

func splitChunks(raw []byte, size int) [][]byte {
	if len(raw) == 0 {
		return [][]byte{nil}
	}
	chunks := make([][]byte, 0, (len(raw)+size-1)/size)
	for off := 0; off < len(raw); off += size {
		end := off + size
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, raw[off:end])
	}
	return chunks
}
