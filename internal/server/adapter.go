package server

import (
	"context"
	"time"

	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/protocol"
)

// RoomNetAdapter presents one room's slice of the shared session. Every
// accessor filters the session's tables by room code, so a room built on an
// adapter behaves exactly like a room owning the whole session.
type RoomNetAdapter struct {
	s    *GameServer
	code string
}

// RoomNet returns the filtered view for one room code.
func (s *GameServer) RoomNet(code string) *RoomNetAdapter {
	return &RoomNetAdapter{s: s, code: code}
}

func (a *RoomNetAdapter) Broadcast(pkt []byte) {
	a.s.broadcastRoom(a.code, pkt)
}

func (a *RoomNetAdapter) BroadcastRepeated(pkt []byte, times int, gap time.Duration) {
	a.s.broadcastRepeatedRoom(a.code, pkt, times, gap)
}

func (a *RoomNetAdapter) SendTo(playerID byte, pkt []byte) bool {
	if !a.member(playerID) {
		return false
	}
	return a.s.SendTo(playerID, pkt)
}

func (a *RoomNetAdapter) Players() []PlayerInfo {
	return a.s.roomPlayers(a.code)
}

func (a *RoomNetAdapter) PlayerCount() int {
	return len(a.s.roomPlayers(a.code))
}

func (a *RoomNetAdapter) PopInputs() map[byte]protocol.InputState {
	return a.s.popInputsRoom(a.code)
}

func (a *RoomNetAdapter) DrainInputs() map[byte][]protocol.InputState {
	return a.s.drainInputsRoom(a.code)
}

func (a *RoomNetAdapter) SendTrack(ctx context.Context, raw []byte) error {
	return a.s.sendTrackRoom(ctx, a.code, raw)
}

func (a *RoomNetAdapter) Kick(playerID byte, cause events.LeaveCause) bool {
	if !a.member(playerID) {
		return false
	}
	return a.s.Kick(playerID, cause)
}

func (a *RoomNetAdapter) member(playerID byte) bool {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	c, ok := a.s.byID[playerID]
	return ok && c.RoomCode == a.code
}
