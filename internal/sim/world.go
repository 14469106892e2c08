package sim

import (
	"math"
	"sort"

	"github.com/slipstream-racing/slipstream/internal/protocol"
)

// Driving constants for the built-in kinematic model.
const (
	acceleration = 420.0 // units/s^2 at full throttle
	brakeForce   = 700.0
	rollFriction = 180.0 // deceleration when coasting
	maxSpeed     = 620.0
	reverseSpeed = 140.0
	turnRate     = 2.6 // rad/s at full steering authority
	minAuthority = 0.35
	minTurnSpeed = 20.0
	botThrottle  = 0.85
	botSteerGain = 2.0

	// Stragglers get this long after the winner crosses before the race
	// ends without them.
	finishGraceSec = 15.0
)

// RosterEntry is one participant handed to a world at construction.
type RosterEntry struct {
	PlayerID byte
	Name     string
	Bot      bool
}

// Result is one finisher's line in the final standings.
type Result struct {
	PlayerID   byte
	Name       string
	Bot        bool
	FinishTime float64
	Laps       int
}

// World is the authoritative race simulation driven by the room loop. A
// world is stepped from a single goroutine and is not safe for concurrent
// use; the room serializes all access.
type World interface {
	// Step advances the simulation by dt seconds, applying at most one
	// input sample per player.
	Step(dt float64, inputs map[byte]protocol.InputState)

	// Snapshot captures the full authoritative state for broadcast.
	Snapshot() protocol.Snapshot

	// RaceOver reports whether the race has ended: every human participant
	// finished, or the grace period after the first finisher elapsed.
	RaceOver() bool

	// DrainEvents returns and clears events produced since the last call.
	DrainEvents() []protocol.PowerupEvent

	// Results returns the standings ordered by finish. Meaningful once
	// RaceOver is true, best-effort before.
	Results() []Result
}

type car struct {
	entry    RosterEntry
	x, y     float64
	vx, vy   float64
	angle    float64
	speed    float64
	lap      int
	next     int // next checkpoint index
	finished bool
	finishAt float64
	lastSeq  uint16
	hasInput bool
}

// KinematicWorld is the built-in World: straight-line kinematics, checkpoint
// lap counting, and waypoint-chasing bots. No items or collisions.
type KinematicWorld struct {
	track    *Track
	laps     int
	cars     []*car
	byID     map[byte]*car
	raceTime float64
	tick     uint32
	snapSeq  uint16
	events   []protocol.PowerupEvent

	firstFinish float64 // 0 until someone crosses the line
}

// NewKinematicWorld places the roster on the grid. Order in the roster is
// grid order.
func NewKinematicWorld(track *Track, roster []RosterEntry, laps int) *KinematicWorld {
	if laps < 1 {
		laps = 1
	}
	w := &KinematicWorld{
		track: track,
		laps:  laps,
		byID:  make(map[byte]*car, len(roster)),
	}
	for i, entry := range roster {
		p := track.Spawn(i)
		c := &car{
			entry: entry,
			x:     p.X,
			y:     p.Y,
			angle: track.SpawnAngle,
			next:  0,
		}
		w.cars = append(w.cars, c)
		w.byID[entry.PlayerID] = c
	}
	return w
}

func (w *KinematicWorld) Step(dt float64, inputs map[byte]protocol.InputState) {
	w.raceTime += dt
	w.tick++
	for _, c := range w.cars {
		if c.finished {
			continue
		}
		var in protocol.InputState
		if c.entry.Bot {
			in = w.botInput(c)
		} else if sample, ok := inputs[c.entry.PlayerID]; ok {
			in = sample
			c.lastSeq = sample.Seq
			c.hasInput = true
		}
		w.stepCar(c, in, dt)
		w.advanceCheckpoints(c)
	}
}

func (w *KinematicWorld) stepCar(c *car, in protocol.InputState, dt float64) {
	switch {
	case in.Brake:
		c.speed -= brakeForce * dt
	case in.Accel != 0:
		c.speed += acceleration * in.Accel * dt
	default:
		// Coasting friction toward zero.
		if c.speed > 0 {
			c.speed = math.Max(0, c.speed-rollFriction*dt)
		} else {
			c.speed = math.Min(0, c.speed+rollFriction*dt)
		}
	}
	c.speed = math.Max(-reverseSpeed, math.Min(c.speed, maxSpeed))

	// Steering authority falls off with speed so top-speed turns are wide.
	if math.Abs(in.Turn) > 0.01 && math.Abs(c.speed) > minTurnSpeed {
		authority := math.Max(minAuthority, 1.0-math.Abs(c.speed)/maxSpeed*0.6)
		c.angle += in.Turn * turnRate * authority * dt
	}

	c.vx = math.Cos(c.angle) * c.speed
	c.vy = math.Sin(c.angle) * c.speed
	c.x += c.vx * dt
	c.y += c.vy * dt
}

func (w *KinematicWorld) advanceCheckpoints(c *car) {
	cp := w.track.Checkpoints[c.next]
	dx, dy := c.x-cp.X, c.y-cp.Y
	if dx*dx+dy*dy > CheckpointRadius*CheckpointRadius {
		return
	}
	c.next++
	if c.next < len(w.track.Checkpoints) {
		return
	}
	c.next = 0
	c.lap++
	if c.lap >= w.laps {
		c.finished = true
		c.finishAt = w.raceTime
		if w.firstFinish == 0 {
			w.firstFinish = w.raceTime
		}
		w.events = append(w.events, protocol.PowerupEvent{
			Kind:     protocol.PowerupFinish,
			PlayerID: c.entry.PlayerID,
			X:        float32(c.x),
			Y:        float32(c.y),
		})
	}
}

// botInput chases the next checkpoint. Speed is capped by approach distance
// and heading error so the turning radius stays inside the capture radius.
func (w *KinematicWorld) botInput(c *car) protocol.InputState {
	cp := w.track.Checkpoints[c.next]
	dx, dy := cp.X-c.x, cp.Y-c.y
	dist := math.Hypot(dx, dy)
	want := math.Atan2(dy, dx)
	diff := math.Atan2(math.Sin(want-c.angle), math.Cos(want-c.angle))
	turn := math.Max(-1, math.Min(1, diff*botSteerGain))

	target := math.Min(maxSpeed*botThrottle, math.Max(120, dist*1.5))
	if math.Abs(diff) > 0.8 {
		target = 120
	}
	if c.speed > target {
		return protocol.InputState{Brake: true, Turn: turn}
	}
	return protocol.InputState{Accel: botThrottle, Turn: turn}
}

func (w *KinematicWorld) Snapshot() protocol.Snapshot {
	snap := protocol.Snapshot{
		Seq:        w.snapSeq,
		RaceTime:   float32(w.raceTime),
		ServerTick: w.tick,
		Cars:       make([]protocol.CarState, 0, len(w.cars)),
	}
	w.snapSeq++
	for _, c := range w.cars {
		snap.Cars = append(snap.Cars, protocol.CarState{
			PlayerID:       c.entry.PlayerID,
			X:              float32(c.x),
			Y:              float32(c.y),
			VX:             float32(c.vx),
			VY:             float32(c.vy),
			Angle:          float32(c.angle),
			Lap:            byte(c.lap),
			NextCheckpoint: byte(c.next),
			Finished:       c.finished,
			FinishTime:     float32(c.finishAt),
			LastInputSeq:   c.lastSeq,
		})
	}
	return snap
}

func (w *KinematicWorld) RaceOver() bool {
	if w.firstFinish > 0 && w.raceTime-w.firstFinish >= finishGraceSec {
		return true
	}
	humans := 0
	for _, c := range w.cars {
		if c.entry.Bot {
			continue
		}
		humans++
		if !c.finished {
			return false
		}
	}
	return humans > 0 || w.allBotsFinished()
}

func (w *KinematicWorld) allBotsFinished() bool {
	for _, c := range w.cars {
		if !c.finished {
			return false
		}
	}
	return len(w.cars) > 0
}

func (w *KinematicWorld) DrainEvents() []protocol.PowerupEvent {
	out := w.events
	w.events = nil
	return out
}

func (w *KinematicWorld) Results() []Result {
	results := make([]Result, 0, len(w.cars))
	for _, c := range w.cars {
		results = append(results, Result{
			PlayerID:   c.entry.PlayerID,
			Name:       c.entry.Name,
			Bot:        c.entry.Bot,
			FinishTime: c.finishAt,
			Laps:       c.lap,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.FinishTime > 0 && b.FinishTime > 0 {
			return a.FinishTime < b.FinishTime
		}
		if (a.FinishTime > 0) != (b.FinishTime > 0) {
			return a.FinishTime > 0
		}
		return a.Laps > b.Laps
	})
	return results
}
