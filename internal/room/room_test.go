package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/protocol"
	"github.com/slipstream-racing/slipstream/internal/server"
	"github.com/slipstream-racing/slipstream/internal/sim"
)

type fakeNet struct {
	mu        sync.Mutex
	players   []server.PlayerInfo
	packets   [][]byte
	trackSent int
}

func (f *fakeNet) Broadcast(pkt []byte) {
	f.mu.Lock()
	f.packets = append(f.packets, pkt)
	f.mu.Unlock()
}

func (f *fakeNet) BroadcastRepeated(pkt []byte, times int, gap time.Duration) {
	for i := 0; i < times; i++ {
		f.Broadcast(pkt)
	}
}

func (f *fakeNet) SendTo(playerID byte, pkt []byte) bool {
	f.Broadcast(pkt)
	return true
}

func (f *fakeNet) Players() []server.PlayerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]server.PlayerInfo(nil), f.players...)
}

func (f *fakeNet) PlayerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.players)
}

func (f *fakeNet) PopInputs() map[byte]protocol.InputState     { return nil }
func (f *fakeNet) DrainInputs() map[byte][]protocol.InputState { return nil }

func (f *fakeNet) SendTrack(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	f.trackSent++
	f.mu.Unlock()
	return nil
}

func (f *fakeNet) Kick(playerID byte, cause events.LeaveCause) bool { return true }

func (f *fakeNet) setPlayers(ps ...server.PlayerInfo) {
	f.mu.Lock()
	f.players = ps
	f.mu.Unlock()
}

func (f *fakeNet) trackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trackSent
}

func (f *fakeNet) countType(t protocol.PacketType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, pkt := range f.packets {
		if h, _, err := protocol.ParseHeader(pkt); err == nil && h.Type == t {
			n++
		}
	}
	return n
}

// fakeWorld counts steps and finishes on demand.
type fakeWorld struct {
	mu        sync.Mutex
	steps     int
	overAfter int
}

func (w *fakeWorld) Step(dt float64, inputs map[byte]protocol.InputState) {
	w.mu.Lock()
	w.steps++
	w.mu.Unlock()
}

func (w *fakeWorld) Snapshot() protocol.Snapshot { return protocol.Snapshot{} }

func (w *fakeWorld) RaceOver() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.overAfter > 0 && w.steps >= w.overAfter
}

func (w *fakeWorld) DrainEvents() []protocol.PowerupEvent { return nil }

func (w *fakeWorld) Results() []sim.Result {
	return []sim.Result{{PlayerID: 0, Name: "p0", FinishTime: 1.5, Laps: 1}}
}

func (w *fakeWorld) stepCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.steps
}

func testConfig() Config {
	return Config{
		Code:            "TEST",
		Name:            "test",
		Laps:            1,
		MinPlayers:      1,
		MaxPlayers:      4,
		TickRate:        120,
		SnapshotDivisor: 2,
		CountdownSec:    0.1,
		AutoStartDelay:  100 * time.Millisecond,
		DoneResetDelay:  150 * time.Millisecond,
	}
}

func runRoom(t *testing.T, r *Room) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
}

func waitState(t *testing.T, r *Room, want protocol.RoomState, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room stuck in %v, wanted %v within %v", r.State(), want, within)
}

func TestAutoStartRunsFullLifecycle(t *testing.T) {
	net := &fakeNet{}
	net.setPlayers(server.PlayerInfo{PlayerID: 0, Name: "p0"})
	bus := events.NewEventBus()
	r := New(testConfig(), net, bus)
	world := &fakeWorld{overAfter: 30}
	r.newWorld = func(*sim.Track, []sim.RosterEntry, int) sim.World { return world }

	runRoom(t, r)

	waitState(t, r, protocol.RoomRacing, 2*time.Second)
	waitState(t, r, protocol.RoomDone, 2*time.Second)
	waitState(t, r, protocol.RoomLobby, 2*time.Second)

	if net.trackCount() == 0 {
		t.Fatal("race started without a track transfer")
	}
	if n := net.countType(protocol.PktRaceStart); n < 3 {
		t.Fatalf("race start broadcast %d times, want at least 3", n)
	}
	if n := net.countType(protocol.PktReturnLobby); n < 3 {
		t.Fatalf("return-to-lobby broadcast %d times, want at least 3", n)
	}
}

func TestAutoStartDisarmsWhenRoomEmpties(t *testing.T) {
	net := &fakeNet{}
	net.setPlayers(server.PlayerInfo{PlayerID: 0, Name: "p0"})
	cfg := testConfig()
	cfg.AutoStartDelay = 250 * time.Millisecond
	r := New(cfg, net, events.NewEventBus())

	runRoom(t, r)

	time.Sleep(100 * time.Millisecond)
	net.setPlayers()
	time.Sleep(400 * time.Millisecond)

	if got := r.State(); got != protocol.RoomLobby {
		t.Fatalf("race started from an empty room, state %v", got)
	}
	// The player returns; the timer must restart from zero, not resume.
	net.setPlayers(server.PlayerInfo{PlayerID: 0, Name: "p0"})
	time.Sleep(150 * time.Millisecond)
	if got := r.State(); got != protocol.RoomLobby {
		t.Fatalf("timer resumed instead of restarting, state %v", got)
	}
	waitState(t, r, protocol.RoomCountdown, 2*time.Second)
}

func TestAdminPresenceBlocksAutoStart(t *testing.T) {
	net := &fakeNet{}
	net.setPlayers(server.PlayerInfo{PlayerID: 0, Name: "admin"})
	r := New(testConfig(), net, events.NewEventBus())
	r.SetAdmin(0)

	runRoom(t, r)

	time.Sleep(400 * time.Millisecond)
	if got := r.State(); got != protocol.RoomLobby {
		t.Fatalf("room with an admin auto-started, state %v", got)
	}
}

func TestForceStartFromAdmin(t *testing.T) {
	net := &fakeNet{}
	net.setPlayers(server.PlayerInfo{PlayerID: 0, Name: "admin"})
	r := New(testConfig(), net, events.NewEventBus())
	r.SetAdmin(0)

	runRoom(t, r)

	if err := r.ApplyConfig(0, protocol.RoomConfig{ForceStart: true}); err != nil {
		t.Fatalf("admin force start refused: %v", err)
	}
	waitState(t, r, protocol.RoomCountdown, 2*time.Second)
}

func TestConfigChangeRejectedFromNonAdmin(t *testing.T) {
	net := &fakeNet{}
	net.setPlayers(
		server.PlayerInfo{PlayerID: 0, Name: "admin"},
		server.PlayerInfo{PlayerID: 1, Name: "guest"},
	)
	r := New(testConfig(), net, events.NewEventBus())
	r.SetAdmin(0)

	if err := r.ApplyConfig(1, protocol.RoomConfig{BotCount: 7}); err == nil {
		t.Fatal("non-admin config change accepted")
	}
	if err := r.ApplyConfig(0, protocol.RoomConfig{BotCount: 2, Laps: 5}); err != nil {
		t.Fatalf("admin config change refused: %v", err)
	}
	if n := net.countType(protocol.PktConfigState); n == 0 {
		t.Fatal("accepted config change was not echoed")
	}
}

func TestSnapshotCadenceFollowsDivisor(t *testing.T) {
	net := &fakeNet{}
	net.setPlayers(server.PlayerInfo{PlayerID: 0, Name: "p0"})
	cfg := testConfig()
	cfg.AutoStartDelay = 30 * time.Millisecond
	cfg.CountdownSec = 0.05
	r := New(cfg, net, events.NewEventBus())
	world := &fakeWorld{}
	r.newWorld = func(*sim.Track, []sim.RosterEntry, int) sim.World { return world }

	runRoom(t, r)
	waitState(t, r, protocol.RoomRacing, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for world.stepCount() < 40 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	steps := world.stepCount()
	snaps := net.countType(protocol.PktSnapshot)
	if snaps == 0 {
		t.Fatal("no snapshots broadcast while racing")
	}
	// Every 2nd tick, with slack for the race between counters.
	if snaps > steps/2+2 || snaps < steps/2-2 {
		t.Fatalf("%d snapshots for %d steps with divisor 2", snaps, steps)
	}
}

func TestAdminReassignedToLowestRemaining(t *testing.T) {
	net := &fakeNet{}
	net.setPlayers(
		server.PlayerInfo{PlayerID: 2, Name: "a"},
		server.PlayerInfo{PlayerID: 4, Name: "b"},
	)
	r := New(testConfig(), net, events.NewEventBus())
	r.SetAdmin(1)

	r.PlayerLeft(1)
	if got := r.AdminID(); got != 2 {
		t.Fatalf("admin went to %d, want lowest remaining id 2", got)
	}

	// A non-admin departure changes nothing.
	r.PlayerLeft(4)
	if got := r.AdminID(); got != 2 {
		t.Fatalf("admin changed to %d on non-admin departure", got)
	}
}

func TestBacklogClampSnapsClockForward(t *testing.T) {
	tick := time.Second / 60

	if acc, backlog := clampBacklog(5*tick, tick); acc != 5*tick || backlog != 0 {
		t.Fatalf("small backlog altered: acc=%v backlog=%d", acc, backlog)
	}
	if acc, backlog := clampBacklog(maxBacklogTicks*tick, tick); acc != maxBacklogTicks*tick || backlog != 0 {
		t.Fatalf("backlog at the limit clamped: acc=%v backlog=%d", acc, backlog)
	}

	// A two second stall collapses to a single tick instead of replaying
	// 120 simulation steps.
	acc, backlog := clampBacklog(2*time.Second, tick)
	if acc != tick {
		t.Fatalf("clamped accumulator = %v, want one tick %v", acc, tick)
	}
	if backlog != 120 {
		t.Fatalf("reported backlog = %d ticks, want 120", backlog)
	}
}
