// Package protocol implements the binary wire format shared by the race
// client, the dedicated server, and the relay. Every game packet starts with
// a 1-byte type tag and a 2-byte big-endian sequence field. All pack/unpack
// functions are pure: they take and return plain data and never touch
// sockets or globals.
package protocol

// PacketType is the leading byte of every game packet.
type PacketType byte

const (
	PktJoinRequest  PacketType = 0x01
	PktJoinAccept   PacketType = 0x02
	PktJoinReject   PacketType = 0x03
	PktPlayerInput  PacketType = 0x10
	PktSnapshot     PacketType = 0x20
	PktLobbyState   PacketType = 0x30
	PktRaceStart    PacketType = 0x31
	PktTrackList    PacketType = 0x32
	PktRoomList     PacketType = 0x33
	PktTrackData    PacketType = 0x35
	PktTrackAck     PacketType = 0x36
	PktPowerupEvent PacketType = 0x40
	PktReturnLobby  PacketType = 0x50
	PktRoomCreate   PacketType = 0x60
	PktRoomCreateOK PacketType = 0x61
	PktRoomJoin     PacketType = 0x62
	PktRoomAccept   PacketType = 0x63
	PktRoomReject   PacketType = 0x64
	PktRoomLeave    PacketType = 0x65
	PktConfigChange PacketType = 0x70
	PktConfigState  PacketType = 0x71
	PktPing         PacketType = 0xF0
	PktPong         PacketType = 0xF1
	PktDisconnect   PacketType = 0xFF
)

// packetTypeStrings maps PacketType values to their log-friendly names.
var packetTypeStrings = map[PacketType]string{
	PktJoinRequest:  "join_request",
	PktJoinAccept:   "join_accept",
	PktJoinReject:   "join_reject",
	PktPlayerInput:  "player_input",
	PktSnapshot:     "snapshot",
	PktLobbyState:   "lobby_state",
	PktRaceStart:    "race_start",
	PktTrackList:    "track_list",
	PktRoomList:     "room_list",
	PktTrackData:    "track_data",
	PktTrackAck:     "track_ack",
	PktPowerupEvent: "powerup_event",
	PktReturnLobby:  "return_lobby",
	PktRoomCreate:   "room_create",
	PktRoomCreateOK: "room_create_ok",
	PktRoomJoin:     "room_join",
	PktRoomAccept:   "room_accept",
	PktRoomReject:   "room_reject",
	PktRoomLeave:    "room_leave",
	PktConfigChange: "config_change",
	PktConfigState:  "config_state",
	PktPing:         "ping",
	PktPong:         "pong",
	PktDisconnect:   "disconnect",
}

// String returns the string representation of PacketType.
func (t PacketType) String() string {
	if s, ok := packetTypeStrings[t]; ok {
		return s
	}
	return "unknown"
}

// Wire-level sizing and scaling constants. The quantization scales are part
// of the wire contract: encode multiplies, decode divides by the same value.
const (
	HeaderSize    = 3 // [type:1][seq:2 big-endian]
	MaxPacketSize = 2048
	MaxNameLen    = 20
	InputSize     = 7 // [player_id:1][accel:1][turn:1][brake:1][use_item:1][seq:2]

	// Up to this many recent inputs ride in one redundant input packet.
	InputRedundancy = 3

	// Track descriptions travel as UTF-8 JSON sliced into chunks this size.
	TrackChunkSize = 1024

	EffectDurationScale = 10  // 0.1s steps, max 25.5s
	DriftTimerScale     = 100 // 0.01s steps, max 2.55s
	DriftChargeScale    = 255 // unit interval in one byte

	AxisScale = 127 // accel/turn floats in [-1,1] carried as int8
)

// RejectReason explains a refused join.
type RejectReason byte

const (
	RejectNone   RejectReason = 0
	RejectFull   RejectReason = 1
	RejectRacing RejectReason = 2
)

// String returns the string representation of RejectReason.
func (r RejectReason) String() string {
	switch r {
	case RejectFull:
		return "room full"
	case RejectRacing:
		return "race in progress"
	default:
		return "unknown"
	}
}

// RoomRejectReason explains a refused room create/join.
type RoomRejectReason byte

const (
	RoomRejectNotFound RoomRejectReason = 1
	RoomRejectFull     RoomRejectReason = 2
	RoomRejectRacing   RoomRejectReason = 3
	RoomRejectCap      RoomRejectReason = 4
)

// String returns the string representation of RoomRejectReason.
func (r RoomRejectReason) String() string {
	switch r {
	case RoomRejectNotFound:
		return "room not found"
	case RoomRejectFull:
		return "room full"
	case RoomRejectRacing:
		return "race in progress"
	case RoomRejectCap:
		return "server room limit reached"
	default:
		return "unknown"
	}
}

// EffectType identifies a timed car effect. Wire encoding is a 16-bit mask
// with bit index == effect value, followed by one quantized duration byte
// per set bit in ascending bit order.
type EffectType int

const (
	EffectBoost EffectType = iota
	EffectShield
	EffectSlow
	EffectOilSlip
	EffectStunned
	EffectShocked
	EffectMagnet
	EffectGhost
	EffectShrunk
	EffectAutopilot

	EffectCount // number of defined effects, not a wire value
)

var effectStrings = map[EffectType]string{
	EffectBoost:     "boost",
	EffectShield:    "shield",
	EffectSlow:      "slow",
	EffectOilSlip:   "oil_slip",
	EffectStunned:   "stunned",
	EffectShocked:   "shocked",
	EffectMagnet:    "magnet",
	EffectGhost:     "ghost",
	EffectShrunk:    "shrunk",
	EffectAutopilot: "autopilot",
}

// String returns the string representation of EffectType.
func (e EffectType) String() string {
	if s, ok := effectStrings[e]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes EffectType as a JSON string (e.g. "boost").
func (e EffectType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.String() + `"`), nil
}

// ItemType identifies a held or spawned power-up item. Zero means no item.
type ItemType byte

const (
	ItemNone         ItemType = 0
	ItemBoost        ItemType = 1
	ItemShield       ItemType = 2
	ItemOil          ItemType = 3
	ItemMine         ItemType = 4
	ItemMissile      ItemType = 5
	ItemLightning    ItemType = 6
	ItemMagnet       ItemType = 7
	ItemGhost        ItemType = 8
	ItemShrink       ItemType = 9
	ItemSwap         ItemType = 10
	ItemTeleport     ItemType = 11
	ItemSmartMissile ItemType = 12
)

var itemStrings = map[ItemType]string{
	ItemNone:         "none",
	ItemBoost:        "boost",
	ItemShield:       "shield",
	ItemOil:          "oil",
	ItemMine:         "mine",
	ItemMissile:      "missile",
	ItemLightning:    "lightning",
	ItemMagnet:       "magnet",
	ItemGhost:        "ghost",
	ItemShrink:       "shrink",
	ItemSwap:         "swap",
	ItemTeleport:     "teleport",
	ItemSmartMissile: "smart_missile",
}

// String returns the string representation of ItemType.
func (i ItemType) String() string {
	if s, ok := itemStrings[i]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes ItemType as a JSON string (e.g. "missile").
func (i ItemType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.String() + `"`), nil
}

// ProjectileType identifies an in-flight projectile.
type ProjectileType byte

const (
	ProjectileMissile      ProjectileType = 1
	ProjectileSmartMissile ProjectileType = 2
)

// String returns the string representation of ProjectileType.
func (p ProjectileType) String() string {
	switch p {
	case ProjectileMissile:
		return "missile"
	case ProjectileSmartMissile:
		return "smart_missile"
	default:
		return "unknown"
	}
}

// HazardType identifies a track hazard dropped during a race.
type HazardType byte

const (
	HazardOil  HazardType = 1
	HazardMine HazardType = 2
)

// String returns the string representation of HazardType.
func (h HazardType) String() string {
	switch h {
	case HazardOil:
		return "oil"
	case HazardMine:
		return "mine"
	default:
		return "unknown"
	}
}

// PowerupEventKind classifies a power-up event broadcast.
type PowerupEventKind byte

const (
	PowerupPickup  PowerupEventKind = 1
	PowerupUse     PowerupEventKind = 2
	PowerupHit     PowerupEventKind = 3
	PowerupExpired PowerupEventKind = 4
	PowerupFinish  PowerupEventKind = 5
)

// String returns the string representation of PowerupEventKind.
func (k PowerupEventKind) String() string {
	switch k {
	case PowerupPickup:
		return "pickup"
	case PowerupUse:
		return "use"
	case PowerupHit:
		return "hit"
	case PowerupExpired:
		return "expired"
	case PowerupFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// RoomState is the coarse lifecycle state published in room listings.
type RoomState byte

const (
	RoomLobby RoomState = iota
	RoomCountdown
	RoomRacing
	RoomDone
)

var roomStateStrings = map[RoomState]string{
	RoomLobby:     "lobby",
	RoomCountdown: "countdown",
	RoomRacing:    "racing",
	RoomDone:      "done",
}

// String returns the string representation of RoomState.
func (s RoomState) String() string {
	if str, ok := roomStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes RoomState as a JSON string (e.g. "lobby").
func (s RoomState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// NoAdmin is the wire value for "this room has no admin".
const NoAdmin byte = 0xFF
