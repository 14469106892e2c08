package protocol

// InputState is one sample of a player's controls. Accel and Turn are in
// [-1, 1]; Seq wraps at 65536 and orders samples per player.
type InputState struct {
	PlayerID byte
	Accel    float64
	Turn     float64
	Brake    bool
	UseItem  bool
	Seq      uint16
}

// CarState is the authoritative per-car slice of a snapshot.
type CarState struct {
	PlayerID       byte
	X, Y           float32
	VX, VY         float32
	Angle          float32
	Lap            byte
	NextCheckpoint byte
	Item           ItemType

	// Active timed effects. Durations are in seconds; an effect with zero
	// remaining duration is inactive and is not encoded.
	Effects map[EffectType]float64

	DriftTime   float64 // seconds, quantized to 0.01s on the wire
	DriftMT     float64 // mini-turbo window, same quantization
	DriftCharge float64 // [0,1], one byte on the wire
	Drifting    bool
	Finished    bool
	FinishTime  float32

	// Last input sequence the server had applied for this player when the
	// snapshot was encoded. Clients reconcile prediction against it.
	LastInputSeq uint16
}

// ProjectileState is one in-flight projectile in a snapshot.
type ProjectileState struct {
	ID     uint16
	Type   ProjectileType
	X, Y   float32
	VX, VY float32
	Owner  byte
}

// HazardState is one dropped hazard in a snapshot.
type HazardState struct {
	ID    uint16
	Type  HazardType
	X, Y  float32
	Owner byte
}

// ItemState is one power-up pickup on the track.
type ItemState struct {
	ID     uint16
	Type   ItemType
	X, Y   float32
	Active bool
}

// Snapshot is one broadcast capture of full authoritative world state.
// Value type: clients buffer received snapshots and never mutate them.
type Snapshot struct {
	Seq         uint16
	RaceTime    float32
	ServerTick  uint32
	Cars        []CarState
	Projectiles []ProjectileState
	Hazards     []HazardState
	Items       []ItemState
}

// LobbyPlayer is one roster entry in a lobby broadcast.
type LobbyPlayer struct {
	PlayerID byte
	Name     string
}

// LobbyState is the periodic lobby broadcast: roster, bots, track, admin.
type LobbyState struct {
	Players   []LobbyPlayer
	BotCount  byte
	TrackName string
	AdminID   byte // NoAdmin when the room has no admin
}

// PowerupEvent is a simulation-emitted event rebroadcast to clients.
type PowerupEvent struct {
	Kind     PowerupEventKind
	PlayerID byte
	TargetID byte
	X, Y     float32
}

// JoinAccept carries the server's response to a successful join.
type JoinAccept struct {
	PlayerID   byte
	MaxPlayers byte
	IsAdmin    bool
	MultiRoom  bool
}

// RoomInfo is the compact public view of a room for the lobby browser.
type RoomInfo struct {
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	TrackName  string    `json:"track"`
	Players    byte      `json:"players"`
	MaxPlayers byte      `json:"max_players"`
	State      RoomState `json:"state"`
	Private    bool      `json:"private"`
}

// RoomConfig carries an admin's room configuration change, and the server's
// authoritative echo of the room configuration.
type RoomConfig struct {
	TrackName  string
	BotCount   byte
	Laps       byte
	ForceStart bool
}

// SeqNewer reports whether sequence a is newer than b under 16-bit
// wraparound: true iff the wrapped difference lands in (0, 32768).
func SeqNewer(a, b uint16) bool {
	d := (a - b) & 0xFFFF
	return d > 0 && d < 32768
}
