package room

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/protocol"
	"github.com/slipstream-racing/slipstream/internal/server"
	"github.com/slipstream-racing/slipstream/internal/sim"
	"github.com/slipstream-racing/slipstream/internal/util"
)

// RoomNet is what a room requires from the network layer. The shared
// session satisfies it directly for single-room play; RoomNetAdapter
// satisfies it with per-room filtering when one session hosts many rooms.
type RoomNet interface {
	Broadcast(pkt []byte)
	BroadcastRepeated(pkt []byte, times int, gap time.Duration)
	SendTo(playerID byte, pkt []byte) bool
	Players() []server.PlayerInfo
	PlayerCount() int
	PopInputs() map[byte]protocol.InputState
	DrainInputs() map[byte][]protocol.InputState
	SendTrack(ctx context.Context, raw []byte) error
	Kick(playerID byte, cause events.LeaveCause) bool
}

const (
	lobbyBroadcastInterval = 250 * time.Millisecond
	criticalRepeats        = 3
	criticalGap            = 10 * time.Millisecond
	maxBacklogTicks        = 10
	firstBotID             = 200
)

// Config is a room's driving parameters. Track, bots, and laps are the
// admin-adjustable subset.
type Config struct {
	Code            string
	Name            string
	TrackName       string
	TrackDir        string
	Laps            int
	BotCount        int
	MinPlayers      int
	MaxPlayers      int
	TickRate        int
	SnapshotDivisor int
	CountdownSec    float64
	AutoStartDelay  time.Duration
	DoneResetDelay  time.Duration
	Private         bool
}

// Room runs one race lifecycle: LOBBY, COUNTDOWN, RACING, DONE, and back to
// LOBBY. All state transitions happen on the room's own driving goroutine;
// external calls only flip flags read by that goroutine.
type Room struct {
	net RoomNet
	bus *events.EventBus
	log zerolog.Logger

	mu           sync.RWMutex
	cfg          Config
	state        protocol.RoomState
	adminID      byte
	forceStart   bool
	autoStartAt  time.Time // zero when the timer is not armed
	countdownEnd time.Time
	resetAt      time.Time

	world     sim.World
	snapTicks int
	lastSnap  protocol.Snapshot
	haveSnap  bool

	// newWorld builds the simulation at race start. Swappable by tests.
	newWorld func(track *sim.Track, roster []sim.RosterEntry, laps int) sim.World

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a room in LOBBY with no admin.
func New(cfg Config, net RoomNet, bus *events.EventBus) *Room {
	if cfg.TickRate <= 0 {
		cfg.TickRate = 60
	}
	if cfg.SnapshotDivisor <= 0 {
		cfg.SnapshotDivisor = 2
	}
	if cfg.Laps <= 0 {
		cfg.Laps = 3
	}
	if cfg.MinPlayers <= 0 {
		cfg.MinPlayers = 1
	}
	return &Room{
		net:     net,
		bus:     bus,
		log:     util.ComponentLogger("room").With().Str("room", cfg.Code).Logger(),
		cfg:     cfg,
		state:   protocol.RoomLobby,
		adminID: protocol.NoAdmin,
		newWorld: func(track *sim.Track, roster []sim.RosterEntry, laps int) sim.World {
			return sim.NewKinematicWorld(track, roster, laps)
		},
	}
}

// Run drives the room until the context is canceled or Stop is called. The
// loop is a fixed-timestep accumulator; when the backlog exceeds
// maxBacklogTicks the clock snaps forward instead of fast-forwarding.
func (r *Room) Run(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	tick := time.Second / time.Duration(r.tickRate())
	dt := tick.Seconds()
	last := time.Now()
	var acc time.Duration
	lastLobby := time.Time{}

	r.log.Info().Msg("room running")
	for !r.stopped.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		acc += now.Sub(last)
		last = now

		if clamped, backlog := clampBacklog(acc, tick); backlog > 0 {
			r.log.Warn().Int("backlog_ticks", backlog).Msg("driving loop behind, snapping clock forward")
			r.emit(events.EventTickLag, events.TickLagPayload{
				RoomCode:     r.Code(),
				BacklogTicks: backlog,
			})
			acc = clamped
		}
		for acc >= tick {
			acc -= tick
			lastLobby = r.tick(dt, lastLobby)
		}

		time.Sleep(tick - acc)
	}
}

// clampBacklog bounds the accumulator. A backlog over maxBacklogTicks
// collapses to a single tick instead of replaying the whole gap; the
// returned backlog is non-zero only when the clamp fired.
func clampBacklog(acc, tick time.Duration) (time.Duration, int) {
	if backlog := int(acc / tick); backlog > maxBacklogTicks {
		return tick, backlog
	}
	return acc, 0
}

// Stop halts the driving loop and waits for it to exit.
func (r *Room) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	r.wg.Wait()
	r.log.Info().Msg("room stopped")
}

func (r *Room) tick(dt float64, lastLobby time.Time) time.Time {
	now := time.Now()
	switch r.State() {
	case protocol.RoomLobby:
		if now.Sub(lastLobby) >= lobbyBroadcastInterval {
			r.broadcastLobby()
			lastLobby = now
		}
		r.updateAutoStart(now)
		if r.shouldStart(now) {
			r.startRace()
		}
	case protocol.RoomCountdown:
		// Inputs sent early are stale by green light.
		r.net.DrainInputs()
		r.mu.RLock()
		over := now.After(r.countdownEnd)
		r.mu.RUnlock()
		if over {
			r.setState(protocol.RoomRacing)
			r.log.Info().Msg("race started")
		}
	case protocol.RoomRacing:
		r.stepWorld(dt)
	case protocol.RoomDone:
		if now.Sub(lastLobby) >= lobbyBroadcastInterval {
			r.broadcastLobby()
			lastLobby = now
		}
		r.mu.RLock()
		reset := now.After(r.resetAt)
		r.mu.RUnlock()
		if reset {
			r.resetToLobby()
		}
	}
	return lastLobby
}

// updateAutoStart arms or disarms the unattended start timer. Rooms with an
// admin never auto-start.
func (r *Room) updateAutoStart(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.AutoStartDelay <= 0 || r.adminID != protocol.NoAdmin {
		r.autoStartAt = time.Time{}
		return
	}
	if r.net.PlayerCount() >= r.cfg.MinPlayers {
		if r.autoStartAt.IsZero() {
			r.autoStartAt = now.Add(r.cfg.AutoStartDelay)
			r.log.Info().Dur("delay", r.cfg.AutoStartDelay).Msg("auto-start timer armed")
		}
	} else if !r.autoStartAt.IsZero() {
		r.autoStartAt = time.Time{}
		r.log.Info().Msg("auto-start timer disarmed, not enough players")
	}
}

func (r *Room) shouldStart(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forceStart {
		r.forceStart = false
		return r.net.PlayerCount() > 0 || r.cfg.BotCount > 0
	}
	return !r.autoStartAt.IsZero() && now.After(r.autoStartAt)
}

// startRace transfers the track, announces the start, and builds the world.
// The track transfer blocks the driving loop on purpose; the accumulator
// snap-forward absorbs the stall.
func (r *Room) startRace() {
	track, raw, err := r.loadTrack()
	if err != nil {
		r.log.Error().Err(err).Msg("race start aborted, track unavailable")
		r.mu.Lock()
		r.autoStartAt = time.Time{}
		r.mu.Unlock()
		return
	}

	if err := r.net.SendTrack(context.Background(), raw); err != nil {
		r.log.Warn().Err(err).Msg("track transfer incomplete, starting anyway")
	}

	roster := r.buildRoster()
	r.mu.Lock()
	r.world = r.newWorld(track, roster, r.cfg.Laps)
	r.snapTicks = 0
	r.countdownEnd = time.Now().Add(time.Duration(r.cfg.CountdownSec * float64(time.Second)))
	r.autoStartAt = time.Time{}
	r.state = protocol.RoomCountdown
	players := byte(r.net.PlayerCount())
	r.mu.Unlock()

	r.net.BroadcastRepeated(protocol.PackRaceStart(3, players), criticalRepeats, criticalGap)
	r.log.Info().Str("track", track.Name).Int("roster", len(roster)).Msg("countdown started")
	r.emit(events.EventRaceStarted, events.RoomPayload{
		Code:      r.cfg.Code,
		Name:      r.cfg.Name,
		TrackName: track.Name,
		Players:   int(players),
	})
}

func (r *Room) loadTrack() (*sim.Track, []byte, error) {
	r.mu.RLock()
	name, dir := r.cfg.TrackName, r.cfg.TrackDir
	r.mu.RUnlock()
	if name == "" || dir == "" {
		track := sim.DefaultTrack()
		raw, err := track.Raw()
		return track, raw, err
	}
	return sim.FindTrack(dir, name)
}

func (r *Room) buildRoster() []sim.RosterEntry {
	var roster []sim.RosterEntry
	for _, p := range r.net.Players() {
		roster = append(roster, sim.RosterEntry{PlayerID: p.PlayerID, Name: p.Name})
	}
	r.mu.RLock()
	bots := r.cfg.BotCount
	r.mu.RUnlock()
	for i := 0; i < bots; i++ {
		roster = append(roster, sim.RosterEntry{
			PlayerID: byte(firstBotID + i),
			Name:     fmt.Sprintf("bot-%d", i+1),
			Bot:      true,
		})
	}
	return roster
}

func (r *Room) stepWorld(dt float64) {
	r.mu.Lock()
	world := r.world
	divisor := r.cfg.SnapshotDivisor
	r.mu.Unlock()
	if world == nil {
		r.setState(protocol.RoomLobby)
		return
	}

	world.Step(dt, r.net.PopInputs())

	r.mu.Lock()
	r.snapTicks++
	sendSnap := r.snapTicks%divisor == 0
	r.mu.Unlock()
	if sendSnap {
		snap := world.Snapshot()
		r.mu.Lock()
		r.lastSnap = snap
		r.haveSnap = true
		r.mu.Unlock()
		r.net.Broadcast(protocol.PackSnapshot(&snap))
	}

	for _, ev := range world.DrainEvents() {
		r.net.BroadcastRepeated(protocol.PackPowerupEvent(ev), criticalRepeats, 0)
		if ev.Kind == protocol.PowerupFinish {
			r.emit(events.EventPlayerFinish, events.PlayerFinishPayload{
				RoomCode: r.cfg.Code,
				PlayerID: ev.PlayerID,
			})
		}
	}

	if world.RaceOver() {
		r.finishRace(world)
	}
}

func (r *Room) finishRace(world sim.World) {
	results := world.Results()
	r.mu.Lock()
	r.state = protocol.RoomDone
	r.resetAt = time.Now().Add(r.cfg.DoneResetDelay)
	track := r.cfg.TrackName
	r.mu.Unlock()

	// One last snapshot so every client sees the final order.
	snap := world.Snapshot()
	r.mu.Lock()
	r.lastSnap = snap
	r.haveSnap = true
	r.mu.Unlock()
	r.net.BroadcastRepeated(protocol.PackSnapshot(&snap), criticalRepeats, criticalGap)

	payload := events.RaceFinishedPayload{RoomCode: r.cfg.Code, TrackName: track}
	for _, res := range results {
		if res.Bot {
			continue
		}
		payload.Results = append(payload.Results, events.RaceResult{
			PlayerID:   res.PlayerID,
			Name:       res.Name,
			FinishTime: res.FinishTime,
			Laps:       res.Laps,
			Finished:   res.FinishTime > 0,
		})
	}
	r.log.Info().Int("finishers", len(payload.Results)).Msg("race finished")
	r.emit(events.EventRaceFinished, payload)
}

func (r *Room) resetToLobby() {
	r.mu.Lock()
	r.world = nil
	r.state = protocol.RoomLobby
	r.autoStartAt = time.Time{}
	r.haveSnap = false
	r.mu.Unlock()
	r.net.BroadcastRepeated(protocol.PackReturnLobby(), criticalRepeats, criticalGap)
	r.log.Info().Msg("room reset to lobby")
}

func (r *Room) broadcastLobby() {
	r.mu.RLock()
	ls := protocol.LobbyState{
		BotCount:  byte(r.cfg.BotCount),
		TrackName: r.cfg.TrackName,
		AdminID:   r.adminID,
	}
	r.mu.RUnlock()
	if ls.TrackName == "" {
		ls.TrackName = sim.DefaultTrack().Name
	}
	for _, p := range r.net.Players() {
		ls.Players = append(ls.Players, protocol.LobbyPlayer{PlayerID: p.PlayerID, Name: p.Name})
	}
	r.net.Broadcast(protocol.PackLobbyState(&ls))
}

// ApplyConfig handles an admin's configuration change. Non-admin senders
// are refused; changes mid-race are refused.
func (r *Room) ApplyConfig(from byte, cfg protocol.RoomConfig) error {
	r.mu.Lock()
	if r.adminID == protocol.NoAdmin || from != r.adminID {
		r.mu.Unlock()
		return fmt.Errorf("player %d is not the room admin", from)
	}
	if r.state != protocol.RoomLobby {
		r.mu.Unlock()
		return fmt.Errorf("room is %s, config is only adjustable in the lobby", r.state)
	}
	if cfg.TrackName != "" {
		r.cfg.TrackName = cfg.TrackName
	}
	r.cfg.BotCount = int(cfg.BotCount)
	if cfg.Laps > 0 {
		r.cfg.Laps = int(cfg.Laps)
	}
	if cfg.ForceStart {
		r.forceStart = true
	}
	echo := protocol.RoomConfig{
		TrackName: r.cfg.TrackName,
		BotCount:  byte(r.cfg.BotCount),
		Laps:      byte(r.cfg.Laps),
	}
	r.mu.Unlock()

	r.net.Broadcast(protocol.PackConfigState(echo))
	r.emit(events.EventConfigChanged, events.ConfigChangedPayload{
		Section: "room",
		Key:     r.cfg.Code,
		Value:   echo,
	})
	return nil
}

// Snapshot returns the most recently broadcast world state. The bool is
// false in the lobby, before a race has produced a snapshot.
func (r *Room) Snapshot() (protocol.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSnap, r.haveSnap
}

// ForceStart arms an immediate race start, used by the admin surfaces that
// bypass the wire config packet.
func (r *Room) ForceStart() {
	r.mu.Lock()
	r.forceStart = true
	r.mu.Unlock()
}

// Kick removes a player from the session. Reports whether the player was
// a member of this room.
func (r *Room) Kick(playerID byte) bool {
	return r.net.Kick(playerID, events.LeaveKicked)
}

// AdmitJoin gates session-level joins when this room is the only room.
func (r *Room) AdmitJoin() protocol.RejectReason {
	if r.State() != protocol.RoomLobby {
		return protocol.RejectRacing
	}
	return protocol.RejectNone
}

// PlayerLeft reacts to a departure: disarm the countdown when the room
// empties, reassign the admin when the admin left.
func (r *Room) PlayerLeft(playerID byte) {
	r.mu.Lock()
	wasAdmin := playerID == r.adminID
	if wasAdmin {
		r.adminID = protocol.NoAdmin
	}
	r.mu.Unlock()
	if wasAdmin {
		r.promoteAdmin()
	}
}

// promoteAdmin hands admin to the lowest remaining player id, if any.
func (r *Room) promoteAdmin() {
	players := r.net.Players()
	if len(players) == 0 {
		return
	}
	lowest := players[0].PlayerID
	for _, p := range players[1:] {
		if p.PlayerID < lowest {
			lowest = p.PlayerID
		}
	}
	r.SetAdmin(lowest)
	r.log.Info().Uint8("player", lowest).Msg("admin reassigned")
}

// SetAdmin assigns the room admin; protocol.NoAdmin clears it.
func (r *Room) SetAdmin(playerID byte) {
	r.mu.Lock()
	r.adminID = playerID
	r.mu.Unlock()
}

// AdminID returns the room admin, or protocol.NoAdmin.
func (r *Room) AdminID() byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adminID
}

// State returns the current lifecycle state.
func (r *Room) State() protocol.RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Room) setState(s protocol.RoomState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Code returns the room's join code.
func (r *Room) Code() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Code
}

// Info returns the public listing entry for this room.
func (r *Room) Info() protocol.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return protocol.RoomInfo{
		Code:       r.cfg.Code,
		Name:       r.cfg.Name,
		TrackName:  r.cfg.TrackName,
		Players:    byte(r.net.PlayerCount()),
		MaxPlayers: byte(r.cfg.MaxPlayers),
		State:      r.state,
		Private:    r.cfg.Private,
	}
}

func (r *Room) tickRate() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.TickRate
}

func (r *Room) emit(t events.EventType, payload interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(context.Background(), events.Event{Type: t, Source: "room", Payload: payload})
}
