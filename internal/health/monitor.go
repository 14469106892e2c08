// Package health samples host utilization and watches the driving loops
// for sustained tick lag. The API, console, and telemetry read from it.
package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/util"
)

const (
	sampleInterval = 5 * time.Second
	lagWindow      = 30 * time.Second

	// A handful of snap-forwards in the window means the host cannot keep
	// the tick rate and the operator should know.
	lagAlertThreshold = 5
)

// SystemStats is one utilization sample.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedMB     uint64  `json:"mem_used_mb"`
	MemPercent    float64 `json:"mem_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Monitor owns the sampling goroutine and the lag event window.
type Monitor struct {
	bus *events.EventBus
	log zerolog.Logger

	started time.Time

	mu       sync.Mutex
	latest   SystemStats
	lagTimes map[string][]time.Time // room code to recent snap-forwards

	wg sync.WaitGroup
}

// NewMonitor subscribes to tick-lag events immediately so nothing is missed
// between construction and Start.
func NewMonitor(bus *events.EventBus) *Monitor {
	m := &Monitor{
		bus:      bus,
		log:      util.ComponentLogger("health"),
		started:  time.Now(),
		lagTimes: make(map[string][]time.Time),
	}
	bus.Subscribe(events.EventTickLag, "health.tickLag", m.onTickLag)
	return m
}

// Start launches the sampling loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sample()
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
	m.log.Info().Msg("health monitor started")
}

// Wait blocks until the sampling loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) sample() {
	stats := SystemStats{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(m.started).Seconds()),
	}
	if cpuPct, err := util.GetCPUUsage(); err == nil {
		stats.CPUPercent = cpuPct
	} else {
		m.log.Debug().Err(err).Msg("cpu sample failed")
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		stats.MemUsedMB = mem.Used
		stats.MemPercent = mem.UsedPercent
	} else {
		m.log.Debug().Err(err).Msg("memory sample failed")
	}

	m.mu.Lock()
	m.latest = stats
	m.mu.Unlock()
}

func (m *Monitor) onTickLag(ctx context.Context, ev events.Event) error {
	payload, ok := ev.Payload.(events.TickLagPayload)
	if !ok {
		return nil
	}
	now := time.Now()

	m.mu.Lock()
	times := append(m.lagTimes[payload.RoomCode], now)
	cutoff := now.Add(-lagWindow)
	for len(times) > 0 && times[0].Before(cutoff) {
		times = times[1:]
	}
	m.lagTimes[payload.RoomCode] = times
	recent := len(times)
	m.mu.Unlock()

	if recent == lagAlertThreshold {
		m.log.Warn().Str("room", payload.RoomCode).Int("events", recent).
			Dur("window", lagWindow).Msg("sustained tick lag")
	}
	return nil
}

// Stats returns the most recent utilization sample.
func (m *Monitor) Stats() SystemStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.latest
	stats.UptimeSeconds = int64(time.Since(m.started).Seconds())
	return stats
}

// RecentLag reports snap-forward counts per room over the lag window.
func (m *Monitor) RecentLag() map[string]int {
	cutoff := time.Now().Add(-lagWindow)
	out := make(map[string]int)

	m.mu.Lock()
	defer m.mu.Unlock()
	for code, times := range m.lagTimes {
		n := 0
		for _, t := range times {
			if t.After(cutoff) {
				n++
			}
		}
		if n > 0 {
			out[code] = n
		}
	}
	return out
}
