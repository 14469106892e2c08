package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// ErrTruncated signals a payload below the minimum length for its type.
// Recognized-but-shorter legacy payloads are not truncation errors; unpack
// functions carry explicit backward-compatible branches for those.
var ErrTruncated = errors.New("truncated packet")

// Header is the decoded packet envelope.
type Header struct {
	Type PacketType
	Seq  uint16
}

// ParseHeader splits a datagram into its envelope and payload.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("header: %w (%d bytes)", ErrTruncated, len(data))
	}
	h := Header{
		Type: PacketType(data[0]),
		Seq:  binary.BigEndian.Uint16(data[1:3]),
	}
	return h, data[HeaderSize:], nil
}

// readString reads a length-prefixed string.
// Format: [length:1][string bytes...]
func readString(r *bytes.Reader) (string, error) {
	length, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// UnpackJoinRequest decodes a join request payload.
func UnpackJoinRequest(payload []byte) (string, error) {
	r := bytes.NewReader(payload)
	name, err := readString(r)
	if err != nil {
		return "", fmt.Errorf("join request name: %w", ErrTruncated)
	}
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	return name, nil
}

// UnpackJoinAccept decodes a join accept payload. Older servers sent fewer
// trailing fields; those decode with the missing flags defaulted, not as
// errors.
func UnpackJoinAccept(payload []byte) (JoinAccept, error) {
	if len(payload) < 1 {
		return JoinAccept{}, fmt.Errorf("join accept: %w", ErrTruncated)
	}
	a := JoinAccept{PlayerID: payload[0], MaxPlayers: 4}
	if len(payload) >= 2 {
		a.MaxPlayers = payload[1]
	}
	if len(payload) >= 3 {
		a.IsAdmin = payload[2] != 0
	}
	if len(payload) >= 4 {
		a.MultiRoom = payload[3] != 0
	}
	return a, nil
}

// UnpackJoinReject decodes a join rejection payload.
func UnpackJoinReject(payload []byte) (RejectReason, error) {
	if len(payload) < 1 {
		return RejectNone, fmt.Errorf("join reject: %w", ErrTruncated)
	}
	return RejectReason(payload[0]), nil
}

// UnpackInputs decodes an input payload in either form: the redundant form
// with a leading count byte, or the legacy single-input form. The result is
// ordered newest first, matching the encode order.
func UnpackInputs(payload []byte) ([]InputState, error) {
	// Legacy form: exactly one bare input record, no count byte.
	if len(payload) == InputSize {
		in, err := readInput(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("legacy input: %w", err)
		}
		return []InputState{in}, nil
	}
	if len(payload) < 1 {
		return nil, fmt.Errorf("input: %w", ErrTruncated)
	}
	count := int(payload[0])
	if count > InputRedundancy {
		return nil, fmt.Errorf("input count %d exceeds redundancy limit", count)
	}
	if len(payload) != 1+count*InputSize {
		return nil, fmt.Errorf("input: %w (count %d, %d bytes)", ErrTruncated, count, len(payload))
	}
	r := bytes.NewReader(payload[1:])
	inputs := make([]InputState, 0, count)
	for i := 0; i < count; i++ {
		in, err := readInput(r)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func readInput(r *bytes.Reader) (InputState, error) {
	var raw struct {
		PlayerID byte
		Accel    int8
		Turn     int8
		Brake    byte
		UseItem  byte
		Seq      uint16
	}
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return InputState{}, ErrTruncated
	}
	return InputState{
		PlayerID: raw.PlayerID,
		Accel:    float64(raw.Accel) / AxisScale,
		Turn:     float64(raw.Turn) / AxisScale,
		Brake:    raw.Brake != 0,
		UseItem:  raw.UseItem != 0,
		Seq:      raw.Seq,
	}, nil
}

// UnpackSnapshot decodes a state snapshot payload. The envelope sequence is
// passed in because it is part of the snapshot identity.
func UnpackSnapshot(seq uint16, payload []byte) (*Snapshot, error) {
	r := bytes.NewReader(payload)
	s := &Snapshot{Seq: seq}

	if err := binary.Read(r, binary.BigEndian, &s.RaceTime); err != nil {
		return nil, fmt.Errorf("snapshot race time: %w", ErrTruncated)
	}
	if err := binary.Read(r, binary.BigEndian, &s.ServerTick); err != nil {
		return nil, fmt.Errorf("snapshot tick: %w", ErrTruncated)
	}

	carCount, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("snapshot car count: %w", ErrTruncated)
	}
	s.Cars = make([]CarState, 0, carCount)
	for i := byte(0); i < carCount; i++ {
		c, err := readCar(r)
		if err != nil {
			return nil, fmt.Errorf("snapshot car %d: %w", i, err)
		}
		s.Cars = append(s.Cars, c)
	}

	projCount, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("snapshot projectile count: %w", ErrTruncated)
	}
	s.Projectiles = make([]ProjectileState, 0, projCount)
	for i := byte(0); i < projCount; i++ {
		var raw struct {
			ID     uint16
			Type   byte
			X, Y   float32
			VX, VY float32
			Owner  byte
		}
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("snapshot projectile %d: %w", i, ErrTruncated)
		}
		s.Projectiles = append(s.Projectiles, ProjectileState{
			ID: raw.ID, Type: ProjectileType(raw.Type),
			X: raw.X, Y: raw.Y, VX: raw.VX, VY: raw.VY, Owner: raw.Owner,
		})
	}

	hazardCount, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("snapshot hazard count: %w", ErrTruncated)
	}
	s.Hazards = make([]HazardState, 0, hazardCount)
	for i := byte(0); i < hazardCount; i++ {
		var raw struct {
			ID    uint16
			Type  byte
			X, Y  float32
			Owner byte
		}
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("snapshot hazard %d: %w", i, ErrTruncated)
		}
		s.Hazards = append(s.Hazards, HazardState{
			ID: raw.ID, Type: HazardType(raw.Type),
			X: raw.X, Y: raw.Y, Owner: raw.Owner,
		})
	}

	itemCount, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("snapshot item count: %w", ErrTruncated)
	}
	s.Items = make([]ItemState, 0, itemCount)
	for i := byte(0); i < itemCount; i++ {
		var raw struct {
			ID     uint16
			Type   byte
			X, Y   float32
			Active byte
		}
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("snapshot item %d: %w", i, ErrTruncated)
		}
		s.Items = append(s.Items, ItemState{
			ID: raw.ID, Type: ItemType(raw.Type),
			X: raw.X, Y: raw.Y, Active: raw.Active != 0,
		})
	}

	return s, nil
}

func readCar(r *bytes.Reader) (CarState, error) {
	var raw struct {
		PlayerID       byte
		X, Y           float32
		VX, VY         float32
		Angle          float32
		Lap            byte
		NextCheckpoint byte
		Item           byte
		EffectMask     uint16
	}
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return CarState{}, ErrTruncated
	}
	c := CarState{
		PlayerID: raw.PlayerID,
		X:        raw.X, Y: raw.Y, VX: raw.VX, VY: raw.VY,
		Angle:          raw.Angle,
		Lap:            raw.Lap,
		NextCheckpoint: raw.NextCheckpoint,
		Item:           ItemType(raw.Item),
	}

	if n := bits.OnesCount16(raw.EffectMask); n > 0 {
		c.Effects = make(map[EffectType]float64, n)
		for e := EffectType(0); e < EffectCount; e++ {
			if raw.EffectMask&(1<<uint(e)) == 0 {
				continue
			}
			q, err := r.ReadByte()
			if err != nil {
				return CarState{}, ErrTruncated
			}
			if q > 0 {
				c.Effects[e] = float64(q) / EffectDurationScale
			}
		}
	}

	var tail struct {
		DriftTime   byte
		DriftMT     byte
		DriftCharge byte
		Flags       byte
		FinishTime  float32
		LastInput   uint16
	}
	if err := binary.Read(r, binary.BigEndian, &tail); err != nil {
		return CarState{}, ErrTruncated
	}
	c.DriftTime = float64(tail.DriftTime) / DriftTimerScale
	c.DriftMT = float64(tail.DriftMT) / DriftTimerScale
	c.DriftCharge = float64(tail.DriftCharge) / DriftChargeScale
	c.Drifting = tail.Flags&1 != 0
	c.Finished = tail.Flags&2 != 0
	c.FinishTime = tail.FinishTime
	c.LastInputSeq = tail.LastInput
	return c, nil
}

// UnpackLobbyState decodes a lobby broadcast payload.
func UnpackLobbyState(payload []byte) (*LobbyState, error) {
	r := bytes.NewReader(payload)
	count, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("lobby player count: %w", ErrTruncated)
	}
	ls := &LobbyState{Players: make([]LobbyPlayer, 0, count)}
	for i := byte(0); i < count; i++ {
		id, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("lobby player %d id: %w", i, ErrTruncated)
		}
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("lobby player %d name: %w", i, ErrTruncated)
		}
		ls.Players = append(ls.Players, LobbyPlayer{PlayerID: id, Name: name})
	}
	if ls.BotCount, err = r.ReadByte(); err != nil {
		return nil, fmt.Errorf("lobby bot count: %w", ErrTruncated)
	}
	if ls.TrackName, err = readString(r); err != nil {
		return nil, fmt.Errorf("lobby track name: %w", ErrTruncated)
	}
	if ls.AdminID, err = r.ReadByte(); err != nil {
		return nil, fmt.Errorf("lobby admin id: %w", ErrTruncated)
	}
	return ls, nil
}

// UnpackRaceStart decodes a race start payload into countdown seconds and
// the racing player count.
func UnpackRaceStart(payload []byte) (countdown byte, players byte, err error) {
	if len(payload) < 2 {
		return 0, 0, fmt.Errorf("race start: %w", ErrTruncated)
	}
	return payload[0], payload[1], nil
}

// UnpackTrackChunk decodes a track chunk payload into (total, bytes). The
// chunk index rides in the envelope sequence field.
func UnpackTrackChunk(payload []byte) (total uint16, chunk []byte, err error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("track chunk: %w", ErrTruncated)
	}
	return binary.BigEndian.Uint16(payload[:2]), payload[2:], nil
}

// UnpackTrackList decodes a track enumeration response.
func UnpackTrackList(payload []byte) ([]string, error) {
	r := bytes.NewReader(payload)
	count, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("track list count: %w", ErrTruncated)
	}
	names := make([]string, 0, count)
	for i := byte(0); i < count; i++ {
		n, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("track list name %d: %w", i, ErrTruncated)
		}
		names = append(names, n)
	}
	return names, nil
}

// UnpackPowerupEvent decodes a power-up event payload.
func UnpackPowerupEvent(payload []byte) (PowerupEvent, error) {
	var raw struct {
		Kind     byte
		PlayerID byte
		TargetID byte
		X, Y     float32
	}
	if err := binary.Read(bytes.NewReader(payload), binary.BigEndian, &raw); err != nil {
		return PowerupEvent{}, fmt.Errorf("powerup event: %w", ErrTruncated)
	}
	return PowerupEvent{
		Kind:     PowerupEventKind(raw.Kind),
		PlayerID: raw.PlayerID,
		TargetID: raw.TargetID,
		X:        raw.X, Y: raw.Y,
	}, nil
}

// UnpackRoomCreate decodes a room creation request.
func UnpackRoomCreate(payload []byte) (name string, private bool, maxPlayers byte, err error) {
	r := bytes.NewReader(payload)
	if name, err = readString(r); err != nil {
		return "", false, 0, fmt.Errorf("room create name: %w", ErrTruncated)
	}
	p, err := r.ReadByte()
	if err != nil {
		return "", false, 0, fmt.Errorf("room create private flag: %w", ErrTruncated)
	}
	if maxPlayers, err = r.ReadByte(); err != nil {
		return "", false, 0, fmt.Errorf("room create max players: %w", ErrTruncated)
	}
	return name, p != 0, maxPlayers, nil
}

// UnpackRoomCreateOK decodes a room creation confirmation.
func UnpackRoomCreateOK(payload []byte) (code string, a JoinAccept, err error) {
	return unpackRoomAck(payload, "room create ok")
}

// UnpackRoomJoin decodes a join-by-code request.
func UnpackRoomJoin(payload []byte) (code, name string, err error) {
	r := bytes.NewReader(payload)
	if code, err = readString(r); err != nil {
		return "", "", fmt.Errorf("room join code: %w", ErrTruncated)
	}
	if name, err = readString(r); err != nil {
		return "", "", fmt.Errorf("room join name: %w", ErrTruncated)
	}
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	return code, name, nil
}

// UnpackRoomAccept decodes a room join confirmation.
func UnpackRoomAccept(payload []byte) (code string, a JoinAccept, err error) {
	return unpackRoomAck(payload, "room accept")
}

func unpackRoomAck(payload []byte, what string) (string, JoinAccept, error) {
	r := bytes.NewReader(payload)
	code, err := readString(r)
	if err != nil {
		return "", JoinAccept{}, fmt.Errorf("%s code: %w", what, ErrTruncated)
	}
	var raw struct {
		PlayerID   byte
		MaxPlayers byte
		IsAdmin    byte
	}
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return "", JoinAccept{}, fmt.Errorf("%s identity: %w", what, ErrTruncated)
	}
	return code, JoinAccept{
		PlayerID:   raw.PlayerID,
		MaxPlayers: raw.MaxPlayers,
		IsAdmin:    raw.IsAdmin != 0,
		MultiRoom:  true,
	}, nil
}

// UnpackRoomReject decodes a room rejection payload.
func UnpackRoomReject(payload []byte) (RoomRejectReason, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("room reject: %w", ErrTruncated)
	}
	return RoomRejectReason(payload[0]), nil
}

// UnpackRoomList decodes a public room list response.
func UnpackRoomList(payload []byte) ([]RoomInfo, error) {
	r := bytes.NewReader(payload)
	count, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("room list count: %w", ErrTruncated)
	}
	rooms := make([]RoomInfo, 0, count)
	for i := byte(0); i < count; i++ {
		var info RoomInfo
		if info.Code, err = readString(r); err != nil {
			return nil, fmt.Errorf("room list entry %d code: %w", i, ErrTruncated)
		}
		if info.Name, err = readString(r); err != nil {
			return nil, fmt.Errorf("room list entry %d name: %w", i, ErrTruncated)
		}
		if info.TrackName, err = readString(r); err != nil {
			return nil, fmt.Errorf("room list entry %d track: %w", i, ErrTruncated)
		}
		var raw struct {
			Players    byte
			MaxPlayers byte
			State      byte
			Private    byte
		}
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("room list entry %d: %w", i, ErrTruncated)
		}
		info.Players = raw.Players
		info.MaxPlayers = raw.MaxPlayers
		info.State = RoomState(raw.State)
		info.Private = raw.Private != 0
		rooms = append(rooms, info)
	}
	return rooms, nil
}

// UnpackRoomConfig decodes a config change request or config state echo.
func UnpackRoomConfig(payload []byte) (RoomConfig, error) {
	r := bytes.NewReader(payload)
	var cfg RoomConfig
	var err error
	if cfg.TrackName, err = readString(r); err != nil {
		return RoomConfig{}, fmt.Errorf("room config track: %w", ErrTruncated)
	}
	var raw struct {
		BotCount   byte
		Laps       byte
		ForceStart byte
	}
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return RoomConfig{}, fmt.Errorf("room config: %w", ErrTruncated)
	}
	cfg.BotCount = raw.BotCount
	cfg.Laps = raw.Laps
	cfg.ForceStart = raw.ForceStart != 0
	return cfg, nil
}

// UnpackPing decodes a ping payload into the sender's timestamp.
func UnpackPing(payload []byte) (float64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("ping: %w", ErrTruncated)
	}
	var ts float64
	if err := binary.Read(bytes.NewReader(payload), binary.BigEndian, &ts); err != nil {
		return 0, fmt.Errorf("ping timestamp: %w", ErrTruncated)
	}
	return ts, nil
}

// UnpackPong decodes a pong payload into (echoed timestamp, server clock).
// Older peers omit the server clock; that decodes as zero, not an error.
func UnpackPong(payload []byte) (echoed float64, serverTime float64, err error) {
	if len(payload) < 8 {
		return 0, 0, fmt.Errorf("pong: %w", ErrTruncated)
	}
	r := bytes.NewReader(payload)
	if err := binary.Read(r, binary.BigEndian, &echoed); err != nil {
		return 0, 0, fmt.Errorf("pong echo: %w", ErrTruncated)
	}
	if len(payload) >= 16 {
		if err := binary.Read(r, binary.BigEndian, &serverTime); err != nil {
			return 0, 0, fmt.Errorf("pong server time: %w", ErrTruncated)
		}
	}
	return echoed, serverTime, nil
}

// UnpackDisconnect decodes a disconnect payload. An empty payload is legal
// and yields player id zero.
func UnpackDisconnect(payload []byte) byte {
	if len(payload) < 1 {
		return 0
	}
	return payload[0]
}
