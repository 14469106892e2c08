// Package relay implements the UDP forwarding protocol and server that move
// opaque game packets between peers in a room. The relay never interprets
// the payloads it forwards.
package relay

import (
	"crypto/rand"
	"fmt"
)

// Command is the leading byte of every relay packet. The range is disjoint
// from game packet types so a misrouted datagram is recognizable.
type Command byte

const (
	CmdCreateRoom  Command = 0xA0
	CmdRoomCreated Command = 0xA1
	CmdJoinRoom    Command = 0xA2
	CmdJoinOK      Command = 0xA3
	CmdJoinFail    Command = 0xA4
	CmdLeaveRoom   Command = 0xA5
	CmdPeerLeft    Command = 0xA6
	CmdHeartbeat   Command = 0xA7
	CmdForward     Command = 0xA8
)

// String returns the string representation of Command.
func (c Command) String() string {
	switch c {
	case CmdCreateRoom:
		return "create_room"
	case CmdRoomCreated:
		return "room_created"
	case CmdJoinRoom:
		return "join_room"
	case CmdJoinOK:
		return "join_ok"
	case CmdJoinFail:
		return "join_fail"
	case CmdLeaveRoom:
		return "leave_room"
	case CmdPeerLeft:
		return "peer_left"
	case CmdHeartbeat:
		return "heartbeat"
	case CmdForward:
		return "forward"
	default:
		return "unknown"
	}
}

// Forward targets. Any other value addresses that specific slot.
const (
	TargetHost      byte = 0x00
	TargetBroadcast byte = 0xFF
)

// FailReason explains a refused create/join.
type FailReason byte

const (
	FailNotFound   FailReason = 1
	FailFull       FailReason = 2
	FailServerFull FailReason = 3
)

// String returns the string representation of FailReason.
func (r FailReason) String() string {
	switch r {
	case FailNotFound:
		return "room not found"
	case FailFull:
		return "room full"
	case FailServerFull:
		return "relay room limit reached"
	default:
		return "unknown"
	}
}

const (
	// CodeLen is the fixed room code length on the wire.
	CodeLen = 4

	// CodeAlphabet excludes characters players confuse when reading codes
	// aloud (0/O, 1/I/L).
	CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	// MaxPeers is one host (slot 0) plus three clients.
	MaxPeers = 4

	// ForwardHeaderSize is [cmd:1][code:4][target:1].
	ForwardHeaderSize = 1 + CodeLen + 1
)

// GenerateCode returns a random room code from the confusion-free alphabet.
func GenerateCode() (string, error) {
	buf := make([]byte, CodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate room code: %w", err)
	}
	for i := range buf {
		buf[i] = CodeAlphabet[int(buf[i])%len(CodeAlphabet)]
	}
	return string(buf), nil
}

// PackCreateRoom builds a room creation request.
func PackCreateRoom() []byte {
	return []byte{byte(CmdCreateRoom)}
}

// PackRoomCreated builds a creation confirmation carrying the new code.
func PackRoomCreated(code string) []byte {
	return append([]byte{byte(CmdRoomCreated)}, code[:CodeLen]...)
}

// PackJoinRoom builds a join request for a room code.
func PackJoinRoom(code string) []byte {
	return append([]byte{byte(CmdJoinRoom)}, code[:CodeLen]...)
}

// PackJoinOK builds a join confirmation carrying the assigned slot.
func PackJoinOK(slot byte) []byte {
	return []byte{byte(CmdJoinOK), slot}
}

// PackJoinFail builds a join refusal.
func PackJoinFail(reason FailReason) []byte {
	return []byte{byte(CmdJoinFail), byte(reason)}
}

// PackLeaveRoom builds a voluntary departure notice.
func PackLeaveRoom() []byte {
	return []byte{byte(CmdLeaveRoom)}
}

// PackPeerLeft builds the departure notification sent to remaining peers.
func PackPeerLeft(slot byte) []byte {
	return []byte{byte(CmdPeerLeft), slot}
}

// PackHeartbeat builds a liveness packet for a joined room.
func PackHeartbeat(code string) []byte {
	return append([]byte{byte(CmdHeartbeat)}, code[:CodeLen]...)
}

// PackForward wraps a game packet for relaying. On delivery the relay
// replaces target with the sender's slot, so receivers learn who sent it.
func PackForward(code string, target byte, payload []byte) []byte {
	out := make([]byte, 0, ForwardHeaderSize+len(payload))
	out = append(out, byte(CmdForward))
	out = append(out, code[:CodeLen]...)
	out = append(out, target)
	return append(out, payload...)
}

// UnpackForward splits a forward packet into (code, target-or-sender,
// payload). The payload aliases the input buffer.
func UnpackForward(data []byte) (code string, target byte, payload []byte, err error) {
	if len(data) < ForwardHeaderSize || Command(data[0]) != CmdForward {
		return "", 0, nil, fmt.Errorf("malformed forward packet (%d bytes)", len(data))
	}
	return string(data[1 : 1+CodeLen]), data[1+CodeLen], data[ForwardHeaderSize:], nil
}
