package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// PacketBuilder constructs binary game packets. All multi-byte fields are
// big-endian on this wire.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a builder pre-filled with the packet envelope.
func NewPacketBuilder(t PacketType, seq uint16) *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.WriteByte(byte(t))
	binary.Write(&b.buf, binary.BigEndian, seq)
	return b
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteInt8 writes a signed byte.
func (b *PacketBuilder) WriteInt8(v int8) *PacketBuilder {
	b.buf.WriteByte(byte(v))
	return b
}

// WriteBool writes a bool as one byte.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		b.buf.WriteByte(1)
	} else {
		b.buf.WriteByte(0)
	}
	return b
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteUint32 writes a uint32 in big-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteFloat32 writes a float32 in big-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteFloat64 writes a float64 in big-endian order.
func (b *PacketBuilder) WriteFloat64(v float64) *PacketBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteString writes a length-prefixed UTF-8 string.
// Format: [length:1][string bytes...]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	data := []byte(s)
	if len(data) > 255 {
		data = data[:255]
	}
	b.buf.WriteByte(byte(len(data)))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// clampAxis converts a [-1,1] float to a scaled int8.
func clampAxis(v float64) int8 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int8(math.Round(v * AxisScale))
}

// QuantizeDuration packs a duration in seconds into one byte at 0.1s
// resolution, clamped to 25.5s.
func QuantizeDuration(sec float64) byte {
	if sec <= 0 {
		return 0
	}
	q := math.Round(sec * EffectDurationScale)
	if q > 255 {
		q = 255
	}
	return byte(q)
}

// QuantizeDriftTimer packs a drift timer into one byte at 0.01s resolution.
func QuantizeDriftTimer(sec float64) byte {
	if sec <= 0 {
		return 0
	}
	q := math.Round(sec * DriftTimerScale)
	if q > 255 {
		q = 255
	}
	return byte(q)
}

// QuantizeCharge packs a [0,1] charge fraction into one byte.
func QuantizeCharge(frac float64) byte {
	if frac <= 0 {
		return 0
	}
	if frac >= 1 {
		return 255
	}
	return byte(math.Round(frac * DriftChargeScale))
}

// ---- Pack functions, one per packet kind ----

// PackJoinRequest creates a join request. Names longer than MaxNameLen
// bytes are truncated.
func PackJoinRequest(name string) []byte {
	data := []byte(name)
	if len(data) > MaxNameLen {
		data = data[:MaxNameLen]
	}
	return NewPacketBuilder(PktJoinRequest, 0).
		WriteString(string(data)).
		Build()
}

// PackJoinAccept creates a join accept with the assigned identity.
func PackJoinAccept(a JoinAccept) []byte {
	return NewPacketBuilder(PktJoinAccept, 0).
		WriteByte(a.PlayerID).
		WriteByte(a.MaxPlayers).
		WriteBool(a.IsAdmin).
		WriteBool(a.MultiRoom).
		Build()
}

// PackJoinReject creates a join rejection with a reason code.
func PackJoinReject(reason RejectReason) []byte {
	return NewPacketBuilder(PktJoinReject, 0).
		WriteByte(byte(reason)).
		Build()
}

// PackInputs creates a redundant input packet carrying up to
// InputRedundancy recent samples, newest first. The envelope sequence is
// the newest sample's sequence.
func PackInputs(inputs []InputState) []byte {
	if len(inputs) > InputRedundancy {
		inputs = inputs[:InputRedundancy]
	}
	var seq uint16
	if len(inputs) > 0 {
		seq = inputs[0].Seq
	}
	b := NewPacketBuilder(PktPlayerInput, seq).
		WriteByte(byte(len(inputs)))
	for _, in := range inputs {
		writeInput(b, in)
	}
	return b.Build()
}

// PackInputLegacy creates the single-input legacy form (no count byte).
func PackInputLegacy(in InputState) []byte {
	b := NewPacketBuilder(PktPlayerInput, in.Seq)
	writeInput(b, in)
	return b.Build()
}

func writeInput(b *PacketBuilder, in InputState) {
	b.WriteByte(in.PlayerID).
		WriteInt8(clampAxis(in.Accel)).
		WriteInt8(clampAxis(in.Turn)).
		WriteBool(in.Brake).
		WriteBool(in.UseItem).
		WriteUint16(in.Seq)
}

// PackSnapshot creates a full state snapshot. Entity counts precede their
// payloads so a decoder can iterate without look-ahead.
func PackSnapshot(s *Snapshot) []byte {
	b := NewPacketBuilder(PktSnapshot, s.Seq).
		WriteFloat32(s.RaceTime).
		WriteUint32(s.ServerTick).
		WriteByte(byte(len(s.Cars)))
	for i := range s.Cars {
		writeCar(b, &s.Cars[i])
	}
	b.WriteByte(byte(len(s.Projectiles)))
	for _, p := range s.Projectiles {
		b.WriteUint16(p.ID).
			WriteByte(byte(p.Type)).
			WriteFloat32(p.X).WriteFloat32(p.Y).
			WriteFloat32(p.VX).WriteFloat32(p.VY).
			WriteByte(p.Owner)
	}
	b.WriteByte(byte(len(s.Hazards)))
	for _, h := range s.Hazards {
		b.WriteUint16(h.ID).
			WriteByte(byte(h.Type)).
			WriteFloat32(h.X).WriteFloat32(h.Y).
			WriteByte(h.Owner)
	}
	b.WriteByte(byte(len(s.Items)))
	for _, it := range s.Items {
		b.WriteUint16(it.ID).
			WriteByte(byte(it.Type)).
			WriteFloat32(it.X).WriteFloat32(it.Y).
			WriteBool(it.Active)
	}
	return b.Build()
}

func writeCar(b *PacketBuilder, c *CarState) {
	b.WriteByte(c.PlayerID).
		WriteFloat32(c.X).WriteFloat32(c.Y).
		WriteFloat32(c.VX).WriteFloat32(c.VY).
		WriteFloat32(c.Angle).
		WriteByte(c.Lap).
		WriteByte(c.NextCheckpoint).
		WriteByte(byte(c.Item))

	// Effect mask, then one duration byte per set bit in ascending order.
	// Zero-duration effects are inactive and never encoded.
	var mask uint16
	active := make([]EffectType, 0, len(c.Effects))
	for e, d := range c.Effects {
		if d <= 0 || e < 0 || e >= EffectCount {
			continue
		}
		mask |= 1 << uint(e)
		active = append(active, e)
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	b.WriteUint16(mask)
	for _, e := range active {
		b.WriteByte(QuantizeDuration(c.Effects[e]))
	}

	b.WriteByte(QuantizeDriftTimer(c.DriftTime)).
		WriteByte(QuantizeDriftTimer(c.DriftMT)).
		WriteByte(QuantizeCharge(c.DriftCharge))

	var flags byte
	if c.Drifting {
		flags |= 1
	}
	if c.Finished {
		flags |= 2
	}
	b.WriteByte(flags).
		WriteFloat32(c.FinishTime).
		WriteUint16(c.LastInputSeq)
}

// PackLobbyState creates the periodic lobby broadcast.
func PackLobbyState(ls *LobbyState) []byte {
	b := NewPacketBuilder(PktLobbyState, 0).
		WriteByte(byte(len(ls.Players)))
	for _, p := range ls.Players {
		b.WriteByte(p.PlayerID).WriteString(p.Name)
	}
	return b.WriteByte(ls.BotCount).
		WriteString(ls.TrackName).
		WriteByte(ls.AdminID).
		Build()
}

// PackRaceStart creates the race start announcement.
func PackRaceStart(countdown byte, playerCount byte) []byte {
	return NewPacketBuilder(PktRaceStart, 0).
		WriteByte(countdown).
		WriteByte(playerCount).
		Build()
}

// PackTrackChunk wraps one slice of the serialized track. The envelope
// sequence field carries the chunk index.
func PackTrackChunk(index uint16, total uint16, chunk []byte) []byte {
	return NewPacketBuilder(PktTrackData, index).
		WriteUint16(total).
		WriteBytes(chunk).
		Build()
}

// PackTrackAck acknowledges one received track chunk by index.
func PackTrackAck(index uint16) []byte {
	return NewPacketBuilder(PktTrackAck, index).Build()
}

// PackTrackListRequest asks the server to enumerate its tracks.
func PackTrackListRequest() []byte {
	return NewPacketBuilder(PktTrackList, 0).Build()
}

// PackTrackList creates the track enumeration response.
func PackTrackList(names []string) []byte {
	b := NewPacketBuilder(PktTrackList, 0).
		WriteByte(byte(len(names)))
	for _, n := range names {
		b.WriteString(n)
	}
	return b.Build()
}

// PackPowerupEvent creates a power-up event broadcast.
func PackPowerupEvent(ev PowerupEvent) []byte {
	return NewPacketBuilder(PktPowerupEvent, 0).
		WriteByte(byte(ev.Kind)).
		WriteByte(ev.PlayerID).
		WriteByte(ev.TargetID).
		WriteFloat32(ev.X).
		WriteFloat32(ev.Y).
		Build()
}

// PackReturnLobby announces the post-race reset to the lobby.
func PackReturnLobby() []byte {
	return NewPacketBuilder(PktReturnLobby, 0).Build()
}

// PackRoomCreate asks a multi-room server to create a room.
func PackRoomCreate(name string, private bool, maxPlayers byte) []byte {
	return NewPacketBuilder(PktRoomCreate, 0).
		WriteString(name).
		WriteBool(private).
		WriteByte(maxPlayers).
		Build()
}

// PackRoomCreateOK confirms room creation with the assigned code.
func PackRoomCreateOK(code string, a JoinAccept) []byte {
	return NewPacketBuilder(PktRoomCreateOK, 0).
		WriteString(code).
		WriteByte(a.PlayerID).
		WriteByte(a.MaxPlayers).
		WriteBool(a.IsAdmin).
		Build()
}

// PackRoomJoin asks to join a room by code.
func PackRoomJoin(code, name string) []byte {
	data := []byte(name)
	if len(data) > MaxNameLen {
		data = data[:MaxNameLen]
	}
	return NewPacketBuilder(PktRoomJoin, 0).
		WriteString(code).
		WriteString(string(data)).
		Build()
}

// PackRoomAccept confirms a room join.
func PackRoomAccept(code string, a JoinAccept) []byte {
	return NewPacketBuilder(PktRoomAccept, 0).
		WriteString(code).
		WriteByte(a.PlayerID).
		WriteByte(a.MaxPlayers).
		WriteBool(a.IsAdmin).
		Build()
}

// PackRoomReject refuses a room create/join with a reason code.
func PackRoomReject(reason RoomRejectReason) []byte {
	return NewPacketBuilder(PktRoomReject, 0).
		WriteByte(byte(reason)).
		Build()
}

// PackRoomLeave announces a voluntary room departure.
func PackRoomLeave() []byte {
	return NewPacketBuilder(PktRoomLeave, 0).Build()
}

// PackRoomListRequest asks for the public room list.
func PackRoomListRequest() []byte {
	return NewPacketBuilder(PktRoomList, 0).Build()
}

// PackRoomList creates the public room list response.
func PackRoomList(rooms []RoomInfo) []byte {
	b := NewPacketBuilder(PktRoomList, 0).
		WriteByte(byte(len(rooms)))
	for _, r := range rooms {
		b.WriteString(r.Code).
			WriteString(r.Name).
			WriteString(r.TrackName).
			WriteByte(r.Players).
			WriteByte(r.MaxPlayers).
			WriteByte(byte(r.State)).
			WriteBool(r.Private)
	}
	return b.Build()
}

// PackConfigChange carries an admin's room configuration request.
func PackConfigChange(cfg RoomConfig) []byte {
	return NewPacketBuilder(PktConfigChange, 0).
		WriteString(cfg.TrackName).
		WriteByte(cfg.BotCount).
		WriteByte(cfg.Laps).
		WriteBool(cfg.ForceStart).
		Build()
}

// PackConfigState echoes the authoritative room configuration.
func PackConfigState(cfg RoomConfig) []byte {
	return NewPacketBuilder(PktConfigState, 0).
		WriteString(cfg.TrackName).
		WriteByte(cfg.BotCount).
		WriteByte(cfg.Laps).
		WriteBool(cfg.ForceStart).
		Build()
}

// PackPing carries the sender's timestamp (seconds) for RTT measurement.
func PackPing(sentAt float64) []byte {
	return NewPacketBuilder(PktPing, 0).
		WriteFloat64(sentAt).
		Build()
}

// PackPong echoes the ping timestamp plus the responder's own clock, so the
// requester can compute RTT and estimate clock offset.
func PackPong(echoed float64, serverTime float64) []byte {
	return NewPacketBuilder(PktPong, 0).
		WriteFloat64(echoed).
		WriteFloat64(serverTime).
		Build()
}

// PackDisconnect announces a departure. PlayerID may be zero when the
// sender's identity is implied by its address.
func PackDisconnect(playerID byte) []byte {
	return NewPacketBuilder(PktDisconnect, 0).
		WriteByte(playerID).
		Build()
}
