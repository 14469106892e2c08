package server

import (
	"net"
	"time"

	"github.com/slipstream-racing/slipstream/internal/protocol"
)

// ClientInfo is one connected player's transport-side record. All fields are
// guarded by the owning GameServer's mutex.
type ClientInfo struct {
	Addr     net.Addr
	PlayerID byte
	Name     string
	RoomCode string // empty until a room assigns this player
	JoinedAt time.Time
	LastSeen time.Time

	// Chunk indexes acknowledged during the current track transfer.
	acks map[uint16]bool
}

// PlayerInfo is the immutable snapshot of a client handed to other layers.
type PlayerInfo struct {
	PlayerID byte
	Name     string
	RoomCode string
	Addr     string
	JoinedAt time.Time
}

// RoomOpKind classifies a decoded room-management request.
type RoomOpKind byte

const (
	OpCreate RoomOpKind = iota + 1
	OpJoin
	OpLeave
	OpList
	OpConfig
)

// String returns the string representation of RoomOpKind.
func (k RoomOpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpJoin:
		return "join"
	case OpLeave:
		return "leave"
	case OpList:
		return "list"
	case OpConfig:
		return "config"
	default:
		return "unknown"
	}
}

// RoomOp is one room-management request decoded by the session's receive
// loop and queued for the room manager. Replies go back through SendToAddr.
type RoomOp struct {
	Kind       RoomOpKind
	From       byte
	Addr       net.Addr
	Name       string
	Code       string
	Private    bool
	MaxPlayers byte
	Config     protocol.RoomConfig
}
