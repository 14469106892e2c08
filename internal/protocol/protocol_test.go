package protocol

import (
	"errors"
	"math"
	"testing"
)

func TestSeqNewerWraparound(t *testing.T) {
	if !SeqNewer(5, 65530) {
		t.Fatalf("5 should be newer than 65530 across the wrap")
	}
	if SeqNewer(5, 10) {
		t.Fatalf("5 should not be newer than 10")
	}
	if SeqNewer(7, 7) {
		t.Fatalf("a sequence is never newer than itself")
	}
	if !SeqNewer(10, 5) {
		t.Fatalf("10 should be newer than 5")
	}
	// Exactly half the ring away is not newer in either direction.
	if SeqNewer(0, 32768) || SeqNewer(32768, 0) {
		t.Fatalf("opposite ring positions must not order")
	}
}

func TestSeqNewerMatchesCircularOrder(t *testing.T) {
	// Spot-check the full contract at the boundaries rather than all 2^32
	// pairs: every delta in (0, 32768) is newer, everything else is not.
	base := uint16(40000)
	for _, delta := range []uint16{1, 2, 100, 32767} {
		if !SeqNewer(base+delta, base) {
			t.Fatalf("delta %d should order newer", delta)
		}
	}
	for _, delta := range []uint16{0, 32768, 32769, 65535} {
		if SeqNewer(base+delta, base) {
			t.Fatalf("delta %d should not order newer", delta)
		}
	}
}

func TestEffectDurationQuantizationRoundTrip(t *testing.T) {
	car := CarState{
		PlayerID: 2,
		Effects:  map[EffectType]float64{EffectBoost: 2.3},
	}
	snap := &Snapshot{Seq: 1, Cars: []CarState{car}}

	data := PackSnapshot(snap)
	h, payload, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	decoded, err := UnpackSnapshot(h.Seq, payload)
	if err != nil {
		t.Fatalf("unpack snapshot: %v", err)
	}

	got := decoded.Cars[0].Effects[EffectBoost]
	if math.Abs(got-2.3) > 0.05 {
		t.Fatalf("duration 2.3 decoded to %v, want within one quantization step", got)
	}
}

func TestZeroDurationEffectNotEncoded(t *testing.T) {
	car := CarState{
		Effects: map[EffectType]float64{
			EffectBoost:  0.0,
			EffectShield: 1.5,
		},
	}
	data := PackSnapshot(&Snapshot{Cars: []CarState{car}})
	h, payload, _ := ParseHeader(data)
	decoded, err := UnpackSnapshot(h.Seq, payload)
	if err != nil {
		t.Fatalf("unpack snapshot: %v", err)
	}

	effects := decoded.Cars[0].Effects
	if _, ok := effects[EffectBoost]; ok {
		t.Fatalf("zero-duration effect must not appear in the decoded list")
	}
	if d := effects[EffectShield]; d != 1.5 {
		t.Fatalf("shield duration = %v, want 1.5", d)
	}
}

func TestRedundantInputRoundTrip(t *testing.T) {
	inputs := []InputState{
		{PlayerID: 1, Accel: 1, Turn: -0.5, Brake: false, UseItem: true, Seq: 12},
		{PlayerID: 1, Accel: 1, Turn: -0.5, Seq: 11},
		{PlayerID: 1, Accel: 0.5, Turn: 0, Seq: 10},
	}
	data := PackInputs(inputs)

	h, payload, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if h.Type != PktPlayerInput {
		t.Fatalf("type = %v, want player_input", h.Type)
	}
	if h.Seq != 12 {
		t.Fatalf("envelope seq = %d, want newest sample's 12", h.Seq)
	}

	decoded, err := UnpackInputs(payload)
	if err != nil {
		t.Fatalf("unpack inputs: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("decoded %d inputs, want 3", len(decoded))
	}
	for i, want := range []uint16{12, 11, 10} {
		if decoded[i].Seq != want {
			t.Fatalf("input %d seq = %d, want %d (newest first)", i, decoded[i].Seq, want)
		}
	}
	if !decoded[0].UseItem || decoded[0].Brake {
		t.Fatalf("flags lost in round trip: %+v", decoded[0])
	}
	if math.Abs(decoded[0].Turn+0.5) > 1.0/AxisScale {
		t.Fatalf("turn decoded to %v, want about -0.5", decoded[0].Turn)
	}
}

func TestLegacySingleInputDecodes(t *testing.T) {
	data := PackInputLegacy(InputState{PlayerID: 3, Accel: -1, Seq: 77})
	_, payload, _ := ParseHeader(data)

	decoded, err := UnpackInputs(payload)
	if err != nil {
		t.Fatalf("unpack legacy input: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("decoded %d inputs, want 1", len(decoded))
	}
	if decoded[0].Seq != 77 || decoded[0].PlayerID != 3 {
		t.Fatalf("legacy input corrupted: %+v", decoded[0])
	}
}

func TestJoinAcceptLegacyShortPayloads(t *testing.T) {
	// Full modern payload.
	full := PackJoinAccept(JoinAccept{PlayerID: 2, MaxPlayers: 4, IsAdmin: true, MultiRoom: true})
	_, payload, _ := ParseHeader(full)
	a, err := UnpackJoinAccept(payload)
	if err != nil {
		t.Fatalf("unpack full accept: %v", err)
	}
	if a.PlayerID != 2 || !a.IsAdmin || !a.MultiRoom {
		t.Fatalf("full accept corrupted: %+v", a)
	}

	// Older peers sent just [player_id][max_players]; flags default off.
	a, err = UnpackJoinAccept(payload[:2])
	if err != nil {
		t.Fatalf("short accept must decode, got %v", err)
	}
	if a.PlayerID != 2 || a.MaxPlayers != 4 || a.IsAdmin {
		t.Fatalf("short accept decoded wrong: %+v", a)
	}

	// Bare player id is the oldest form.
	a, err = UnpackJoinAccept(payload[:1])
	if err != nil {
		t.Fatalf("minimal accept must decode, got %v", err)
	}
	if a.PlayerID != 2 {
		t.Fatalf("minimal accept player id = %d, want 2", a.PlayerID)
	}

	// Empty payload is below the minimum and must fail.
	if _, err := UnpackJoinAccept(nil); !errors.Is(err, ErrTruncated) {
		t.Fatalf("empty accept: got %v, want ErrTruncated", err)
	}
}

func TestTruncatedSnapshotFailsCleanly(t *testing.T) {
	snap := &Snapshot{
		Seq:  9,
		Cars: []CarState{{PlayerID: 1, DriftCharge: 0.5}},
	}
	data := PackSnapshot(snap)

	h, payload, _ := ParseHeader(data)
	if _, err := UnpackSnapshot(h.Seq, payload[:len(payload)-4]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("truncated snapshot: got %v, want ErrTruncated", err)
	}
}

func TestNameTruncation(t *testing.T) {
	long := "abcdefghijklmnopqrstuvwxyz"
	data := PackJoinRequest(long)
	_, payload, _ := ParseHeader(data)
	name, err := UnpackJoinRequest(payload)
	if err != nil {
		t.Fatalf("unpack join request: %v", err)
	}
	if name != long[:MaxNameLen] {
		t.Fatalf("name = %q, want %d-byte truncation", name, MaxNameLen)
	}
}

func TestLobbyStateRoundTrip(t *testing.T) {
	ls := &LobbyState{
		Players: []LobbyPlayer{
			{PlayerID: 0, Name: "host"},
			{PlayerID: 1, Name: "guest"},
		},
		BotCount:  2,
		TrackName: "figure-eight",
		AdminID:   0,
	}
	data := PackLobbyState(ls)
	_, payload, _ := ParseHeader(data)

	decoded, err := UnpackLobbyState(payload)
	if err != nil {
		t.Fatalf("unpack lobby state: %v", err)
	}
	if len(decoded.Players) != 2 || decoded.Players[1].Name != "guest" {
		t.Fatalf("roster corrupted: %+v", decoded.Players)
	}
	if decoded.BotCount != 2 || decoded.TrackName != "figure-eight" || decoded.AdminID != 0 {
		t.Fatalf("lobby fields corrupted: %+v", decoded)
	}
}

func TestPongCarriesEchoAndServerClock(t *testing.T) {
	data := PackPong(123.456, 99.5)
	_, payload, _ := ParseHeader(data)
	echoed, serverTime, err := UnpackPong(payload)
	if err != nil {
		t.Fatalf("unpack pong: %v", err)
	}
	if echoed != 123.456 || serverTime != 99.5 {
		t.Fatalf("pong decoded (%v, %v), want (123.456, 99.5)", echoed, serverTime)
	}

	// A pong from an older peer carries only the echo.
	echoed, serverTime, err = UnpackPong(payload[:8])
	if err != nil {
		t.Fatalf("short pong must decode, got %v", err)
	}
	if echoed != 123.456 || serverTime != 0 {
		t.Fatalf("short pong decoded (%v, %v), want (123.456, 0)", echoed, serverTime)
	}
}

func TestRoomListRoundTrip(t *testing.T) {
	rooms := []RoomInfo{
		{Code: "KX42", Name: "night race", TrackName: "oval", Players: 2, MaxPlayers: 4, State: RoomLobby},
		{Code: "P9QM", Name: "pros only", TrackName: "gp", Players: 4, MaxPlayers: 4, State: RoomRacing, Private: true},
	}
	data := PackRoomList(rooms)
	_, payload, _ := ParseHeader(data)

	decoded, err := UnpackRoomList(payload)
	if err != nil {
		t.Fatalf("unpack room list: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d rooms, want 2", len(decoded))
	}
	if decoded[0].Code != "KX42" || decoded[0].State != RoomLobby {
		t.Fatalf("room 0 corrupted: %+v", decoded[0])
	}
	if !decoded[1].Private || decoded[1].State != RoomRacing {
		t.Fatalf("room 1 corrupted: %+v", decoded[1])
	}
}
