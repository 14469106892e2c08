package room

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/protocol"
	"github.com/slipstream-racing/slipstream/internal/relay"
	"github.com/slipstream-racing/slipstream/internal/server"
	"github.com/slipstream-racing/slipstream/internal/util"
)

const (
	cleanupInterval  = 5 * time.Second
	codeAllocRetries = 100
	defaultRoomName  = "main"
)

// ManagerConfig bounds the room fleet.
type ManagerConfig struct {
	MaxRooms int

	// MultiRoom enables client-created rooms. When false the manager runs a
	// single default room and every joining player lands in it.
	MultiRoom bool

	// Template seeds each new room's Config; Code, Name, and Private are
	// filled per room.
	Template Config
}

// Manager owns the room fleet on one shared session: creation, code
// allocation, player-to-room association, admin reassignment, and cleanup
// of abandoned rooms.
type Manager struct {
	gs  *server.GameServer
	bus *events.EventBus
	cfg ManagerConfig
	log zerolog.Logger

	mu       sync.RWMutex
	rooms    map[string]*Room
	cancels  map[string]context.CancelFunc
	byPlayer map[byte]string

	defaultCode string

	runCtx  context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewManager wires the manager onto the session and the event bus.
func NewManager(gs *server.GameServer, bus *events.EventBus, cfg ManagerConfig) *Manager {
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = 16
	}
	m := &Manager{
		gs:       gs,
		bus:      bus,
		cfg:      cfg,
		log:      util.ComponentLogger("roommgr"),
		rooms:    make(map[string]*Room),
		cancels:  make(map[string]context.CancelFunc),
		byPlayer: make(map[byte]string),
	}
	bus.Subscribe(events.EventPlayerJoined, "roommgr.playerJoined", m.onPlayerJoined)
	bus.Subscribe(events.EventPlayerLeft, "roommgr.playerLeft", m.onPlayerLeft)
	return m
}

// Start launches the op consumer and cleanup loop. In single-room mode the
// default room is created here.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx, m.cancel = context.WithCancel(ctx)
	if !m.cfg.MultiRoom {
		room, err := m.CreateRoom(defaultRoomName, false, byte(m.cfg.Template.MaxPlayers))
		if err != nil {
			return fmt.Errorf("failed to create default room: %w", err)
		}
		m.mu.Lock()
		m.defaultCode = room.Code()
		m.mu.Unlock()
		// Session-level joins land in the default room, so its state gates
		// them: JOIN_REJECT(racing) while a race is underway.
		m.gs.SetJoinGate(func() protocol.RejectReason {
			if r := m.DefaultRoom(); r != nil {
				return r.AdmitJoin()
			}
			return protocol.RejectNone
		})
	}

	m.wg.Add(2)
	go m.opLoop(m.runCtx)
	go m.cleanupLoop(m.runCtx)
	m.log.Info().Bool("multi_room", m.cfg.MultiRoom).Int("max_rooms", m.cfg.MaxRooms).Msg("room manager started")
	return nil
}

// Stop halts every room and the manager's own goroutines. Safe to call
// before the Start context is cancelled; the loops are released here.
func (m *Manager) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for code, r := range m.rooms {
		rooms = append(rooms, r)
		m.cancels[code]()
	}
	m.mu.Unlock()
	for _, r := range rooms {
		r.Stop()
	}
	m.wg.Wait()
	m.log.Info().Msg("room manager stopped")
}

// CreateRoom allocates a collision-checked code and starts the room's
// driving loop.
func (m *Manager) CreateRoom(name string, private bool, maxPlayers byte) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rooms) >= m.cfg.MaxRooms {
		return nil, fmt.Errorf("room limit of %d reached", m.cfg.MaxRooms)
	}

	var code string
	for i := 0; ; i++ {
		if i >= codeAllocRetries {
			return nil, fmt.Errorf("could not allocate a unique room code")
		}
		c, err := relay.GenerateCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate room code: %w", err)
		}
		if _, taken := m.rooms[c]; !taken {
			code = c
			break
		}
	}

	cfg := m.cfg.Template
	cfg.Code = code
	cfg.Name = name
	cfg.Private = private
	if maxPlayers > 0 {
		cfg.MaxPlayers = int(maxPlayers)
	}

	var net RoomNet = m.gs
	if m.cfg.MultiRoom {
		net = m.gs.RoomNet(code)
	}
	r := New(cfg, net, m.bus)

	ctx, cancel := context.WithCancel(m.runCtx)
	m.rooms[code] = r
	m.cancels[code] = cancel
	go r.Run(ctx)

	m.log.Info().Str("code", code).Str("name", name).Bool("private", private).Msg("room created")
	m.emit(events.EventRoomCreated, events.RoomPayload{
		Code:      code,
		Name:      name,
		TrackName: cfg.TrackName,
		Private:   private,
	})
	return r, nil
}

// destroyRoom stops a room and drops it from the fleet. Caller must not
// hold mu.
func (m *Manager) destroyRoom(code string) {
	m.mu.Lock()
	r, ok := m.rooms[code]
	if !ok {
		m.mu.Unlock()
		return
	}
	cancel := m.cancels[code]
	delete(m.rooms, code)
	delete(m.cancels, code)
	for id, c := range m.byPlayer {
		if c == code {
			delete(m.byPlayer, id)
		}
	}
	m.mu.Unlock()

	cancel()
	r.Stop()
	m.log.Info().Str("code", code).Msg("room destroyed")
	m.emit(events.EventRoomDestroyed, events.RoomPayload{Code: code})
}

func (m *Manager) opLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.gs.Ops():
			m.handleOp(op)
		}
	}
}

func (m *Manager) handleOp(op server.RoomOp) {
	switch op.Kind {
	case server.OpCreate:
		m.handleCreate(op)
	case server.OpJoin:
		m.handleJoin(op)
	case server.OpLeave:
		m.leavePlayer(op.From)
	case server.OpList:
		m.gs.SendToAddr(op.Addr, protocol.PackRoomList(m.ListRooms()))
	case server.OpConfig:
		m.handleConfig(op)
	}
}

func (m *Manager) handleCreate(op server.RoomOp) {
	m.leavePlayer(op.From)
	r, err := m.CreateRoom(op.Name, op.Private, op.MaxPlayers)
	if err != nil {
		m.log.Info().Err(err).Uint8("player", op.From).Msg("room create refused")
		m.gs.SendToAddr(op.Addr, protocol.PackRoomReject(protocol.RoomRejectCap))
		return
	}
	m.assign(op.From, r)
	r.SetAdmin(op.From)
	m.gs.SendToAddr(op.Addr, protocol.PackRoomCreateOK(r.Code(), protocol.JoinAccept{
		PlayerID:   op.From,
		MaxPlayers: byte(m.roomMax(r)),
		IsAdmin:    true,
		MultiRoom:  true,
	}))
}

func (m *Manager) handleJoin(op server.RoomOp) {
	code := strings.ToUpper(strings.TrimSpace(op.Code))
	m.mu.RLock()
	r, ok := m.rooms[code]
	m.mu.RUnlock()
	if !ok {
		m.gs.SendToAddr(op.Addr, protocol.PackRoomReject(protocol.RoomRejectNotFound))
		return
	}
	if r.State() != protocol.RoomLobby {
		m.gs.SendToAddr(op.Addr, protocol.PackRoomReject(protocol.RoomRejectRacing))
		return
	}
	if max := m.roomMax(r); max > 0 && r.Info().Players >= byte(max) {
		m.gs.SendToAddr(op.Addr, protocol.PackRoomReject(protocol.RoomRejectFull))
		return
	}

	m.leavePlayer(op.From)
	m.assign(op.From, r)
	// An adminless lobby hands admin to whoever arrives first.
	if r.AdminID() == protocol.NoAdmin {
		r.SetAdmin(op.From)
	}
	m.gs.SendToAddr(op.Addr, protocol.PackRoomAccept(code, protocol.JoinAccept{
		PlayerID:   op.From,
		MaxPlayers: byte(m.roomMax(r)),
		IsAdmin:    op.From == r.AdminID(),
		MultiRoom:  true,
	}))
	m.log.Info().Uint8("player", op.From).Str("code", code).Msg("player joined room")
}

func (m *Manager) handleConfig(op server.RoomOp) {
	r := m.roomOf(op.From)
	if r == nil {
		return
	}
	if err := r.ApplyConfig(op.From, op.Config); err != nil {
		m.log.Info().Err(err).Uint8("player", op.From).Msg("config change refused")
	}
}

// roomOf returns the room a player currently belongs to, or nil.
func (m *Manager) roomOf(playerID byte) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[m.byPlayer[playerID]]
}

func (m *Manager) assign(playerID byte, r *Room) {
	m.gs.AssignRoom(playerID, r.Code())
	m.mu.Lock()
	m.byPlayer[playerID] = r.Code()
	m.mu.Unlock()
}

// leavePlayer clears a player's room association and runs admin
// reassignment in the room left behind.
func (m *Manager) leavePlayer(playerID byte) {
	m.mu.Lock()
	code, ok := m.byPlayer[playerID]
	delete(m.byPlayer, playerID)
	r := m.rooms[code]
	m.mu.Unlock()
	if !ok || r == nil {
		return
	}
	m.gs.AssignRoom(playerID, "")
	r.PlayerLeft(playerID)
}

func (m *Manager) onPlayerJoined(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.PlayerPayload)
	if !ok {
		return nil
	}
	m.mu.RLock()
	code := m.defaultCode
	r := m.rooms[code]
	m.mu.RUnlock()
	if m.cfg.MultiRoom || r == nil {
		return nil
	}
	m.assign(p.PlayerID, r)
	return nil
}

func (m *Manager) onPlayerLeft(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.PlayerPayload)
	if !ok {
		return nil
	}
	m.leavePlayer(p.PlayerID)
	return nil
}

// cleanupLoop destroys abandoned rooms. Rooms are never destroyed mid-race,
// and the default room is permanent.
func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	m.mu.RLock()
	var doomed []string
	for code, r := range m.rooms {
		if code == m.defaultCode {
			continue
		}
		state := r.State()
		if state != protocol.RoomLobby && state != protocol.RoomDone {
			continue
		}
		if r.Info().Players == 0 {
			doomed = append(doomed, code)
		}
	}
	m.mu.RUnlock()
	for _, code := range doomed {
		m.destroyRoom(code)
	}
}

// ListRooms returns the public listing, excluding private rooms.
func (m *Manager) ListRooms() []protocol.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		info := r.Info()
		if info.Private {
			continue
		}
		out = append(out, info)
	}
	return out
}

// Rooms returns every room including private ones, for the admin surfaces.
func (m *Manager) Rooms() []protocol.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r.Info())
	}
	return out
}

// Room looks a room up by code.
func (m *Manager) Room(code string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[strings.ToUpper(code)]
}

// DefaultRoom returns the single-room-mode room, or nil.
func (m *Manager) DefaultRoom() *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[m.defaultCode]
}

func (m *Manager) roomMax(r *Room) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.MaxPlayers
}

func (m *Manager) emit(t events.EventType, payload interface{}) {
	m.bus.Emit(context.Background(), events.Event{Type: t, Source: "roommgr", Payload: payload})
}
