package sim

import (
	"testing"

	"github.com/slipstream-racing/slipstream/internal/protocol"
)

const dt = 1.0 / 60.0

func stepFor(w *KinematicWorld, seconds float64, inputs map[byte]protocol.InputState) {
	for i := 0; i < int(seconds/dt); i++ {
		w.Step(dt, inputs)
	}
}

func TestThrottleMovesCarForward(t *testing.T) {
	track := DefaultTrack()
	w := NewKinematicWorld(track, []RosterEntry{{PlayerID: 0, Name: "p0"}}, 3)

	before := w.Snapshot().Cars[0]
	stepFor(w, 2, map[byte]protocol.InputState{
		0: {PlayerID: 0, Accel: 1.0, Seq: 1},
	})
	after := w.Snapshot().Cars[0]

	moved := (after.X-before.X)*(after.X-before.X) + (after.Y-before.Y)*(after.Y-before.Y)
	if moved < 100*100 {
		t.Fatalf("car barely moved under full throttle: before (%.1f,%.1f) after (%.1f,%.1f)",
			before.X, before.Y, after.X, after.Y)
	}
	if after.LastInputSeq != 1 {
		t.Fatalf("snapshot carries input seq %d, want 1", after.LastInputSeq)
	}
}

func TestCoastingCarStops(t *testing.T) {
	track := DefaultTrack()
	w := NewKinematicWorld(track, []RosterEntry{{PlayerID: 0, Name: "p0"}}, 3)

	stepFor(w, 1, map[byte]protocol.InputState{0: {Accel: 1.0}})
	stepFor(w, 5, nil)

	car := w.Snapshot().Cars[0]
	if car.VX*car.VX+car.VY*car.VY > 1 {
		t.Fatalf("car still moving after 5s of coasting: v=(%.2f,%.2f)", car.VX, car.VY)
	}
}

func TestBotsCompleteTheRace(t *testing.T) {
	track := DefaultTrack()
	w := NewKinematicWorld(track, []RosterEntry{
		{PlayerID: 0, Name: "bot-1", Bot: true},
		{PlayerID: 1, Name: "bot-2", Bot: true},
	}, 1)

	stepFor(w, 120, nil)

	if !w.RaceOver() {
		snap := w.Snapshot()
		t.Fatalf("bots did not finish within 120s: laps %d/%d, next checkpoints %d/%d",
			snap.Cars[0].Lap, snap.Cars[1].Lap, snap.Cars[0].NextCheckpoint, snap.Cars[1].NextCheckpoint)
	}
	results := w.Results()
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].FinishTime <= 0 || results[0].FinishTime > results[1].FinishTime {
		t.Fatalf("results not ordered by finish time: %v", results)
	}
}

func TestFinishEmitsEvent(t *testing.T) {
	track := DefaultTrack()
	w := NewKinematicWorld(track, []RosterEntry{{PlayerID: 3, Name: "bot", Bot: true}}, 1)

	stepFor(w, 120, nil)

	var finish *protocol.PowerupEvent
	for _, ev := range w.DrainEvents() {
		if ev.Kind == protocol.PowerupFinish {
			finish = &ev
			break
		}
	}
	if finish == nil {
		t.Fatal("no finish event emitted")
	}
	if finish.PlayerID != 3 {
		t.Fatalf("finish event for player %d, want 3", finish.PlayerID)
	}
	if got := w.DrainEvents(); len(got) != 0 {
		t.Fatalf("events not cleared after drain: %d left", len(got))
	}
}

func TestFinishedCarIgnoresInput(t *testing.T) {
	track := DefaultTrack()
	w := NewKinematicWorld(track, []RosterEntry{{PlayerID: 0, Name: "bot", Bot: true}}, 1)
	stepFor(w, 120, nil)
	if !w.RaceOver() {
		t.Skip("bot did not finish, covered by TestBotsCompleteTheRace")
	}

	at := w.Snapshot().Cars[0]
	stepFor(w, 1, map[byte]protocol.InputState{0: {Accel: 1.0}})
	after := w.Snapshot().Cars[0]
	if at.X != after.X || at.Y != after.Y {
		t.Fatalf("finished car moved: (%.1f,%.1f) -> (%.1f,%.1f)", at.X, at.Y, after.X, after.Y)
	}
	if after.FinishTime != at.FinishTime {
		t.Fatalf("finish time changed after race end: %.2f -> %.2f", at.FinishTime, after.FinishTime)
	}
}

func TestTrackRoundTrip(t *testing.T) {
	track := DefaultTrack()
	raw, err := track.Raw()
	if err != nil {
		t.Fatalf("encode track: %v", err)
	}
	parsed, err := ParseTrack(raw)
	if err != nil {
		t.Fatalf("parse track: %v", err)
	}
	if parsed.Name != track.Name || len(parsed.Checkpoints) != len(track.Checkpoints) {
		t.Fatalf("track did not survive transfer encoding: %+v", parsed)
	}
}

func TestParseTrackRejectsDegenerate(t *testing.T) {
	if _, err := ParseTrack([]byte(`{"name":"bad","checkpoints":[{"x":0,"y":0}]}`)); err == nil {
		t.Fatal("track with one checkpoint accepted")
	}
	if _, err := ParseTrack([]byte(`not json`)); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}

func TestStragglerGracePeriodEndsRace(t *testing.T) {
	track := DefaultTrack()
	w := NewKinematicWorld(track, []RosterEntry{
		{PlayerID: 0, Name: "parked"},
		{PlayerID: 3, Name: "bot", Bot: true},
	}, 1)

	// Drive until the bot crosses the line. The human never moves.
	for i := 0; i < int(300/dt) && w.firstFinish == 0; i++ {
		w.Step(dt, nil)
	}
	if w.firstFinish == 0 {
		t.Fatal("bot never finished")
	}
	if w.RaceOver() {
		t.Fatal("race ended with a human still on track and grace remaining")
	}

	stepFor(w, finishGraceSec-1, nil)
	if w.RaceOver() {
		t.Fatalf("race ended %.0fs into the grace period", finishGraceSec-1)
	}

	stepFor(w, 2, nil)
	if !w.RaceOver() {
		t.Fatal("race still running after the straggler grace elapsed")
	}
}
