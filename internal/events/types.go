// Package events defines the publish-subscribe event system that connects
// the network session, rooms, and the observability surfaces (API,
// telemetry, results store) without direct callback wiring.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Player lifecycle. Every departure cause (explicit disconnect,
	// heartbeat timeout, relay peer loss, kick) funnels into EventPlayerLeft.
	EventPlayerJoined EventType = "player_joined"
	EventPlayerLeft   EventType = "player_left"
	EventPlayerKicked EventType = "player_kicked"

	// Room lifecycle
	EventRoomCreated   EventType = "room_created"
	EventRoomDestroyed EventType = "room_destroyed"
	EventRaceStarted   EventType = "race_started"
	EventRaceFinished  EventType = "race_finished"
	EventPlayerFinish  EventType = "player_finished"

	// Health
	EventTickLag EventType = "tick_lag"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// LeaveCause classifies why a player left. Consumers that only care that
// the player is gone may ignore it.
type LeaveCause int

const (
	LeaveDisconnect LeaveCause = iota
	LeaveTimeout
	LeaveRelayLost
	LeaveKicked
)

// leaveCauseStrings maps LeaveCause values to their JSON string form.
var leaveCauseStrings = map[LeaveCause]string{
	LeaveDisconnect: "disconnect",
	LeaveTimeout:    "timeout",
	LeaveRelayLost:  "relay_lost",
	LeaveKicked:     "kicked",
}

// String returns the string representation of LeaveCause.
func (c LeaveCause) String() string {
	if s, ok := leaveCauseStrings[c]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes LeaveCause as a JSON string (e.g. "timeout").
func (c LeaveCause) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// PlayerPayload carries player join/leave data.
type PlayerPayload struct {
	RoomCode string
	PlayerID byte
	Slot     byte
	Name     string
	Cause    LeaveCause
}

// RoomPayload carries room lifecycle data.
type RoomPayload struct {
	Code      string
	Name      string
	TrackName string
	Players   int
	Private   bool
}

// RaceFinishedPayload carries final standings when a race ends.
type RaceFinishedPayload struct {
	RoomCode  string
	TrackName string
	Results   []RaceResult
}

// RaceResult is one player's final outcome.
type RaceResult struct {
	PlayerID   byte
	Name       string
	FinishTime float64
	Laps       int
	Finished   bool
}

// PlayerFinishPayload is emitted the tick a player crosses the line.
type PlayerFinishPayload struct {
	RoomCode   string
	PlayerID   byte
	FinishTime float64
}

// TickLagPayload is emitted when the driving loop snaps its clock forward
// after falling too far behind.
type TickLagPayload struct {
	RoomCode     string
	BacklogTicks int
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
