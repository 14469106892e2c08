package client

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	offsetWindow  = 9
	arrivalWindow = 30
	minInterp     = 50 * time.Millisecond
	maxInterp     = 300 * time.Millisecond
	rttSmoothing  = 0.125
)

// netStats tracks link quality: smoothed RTT, a median-filtered server
// clock offset, and snapshot inter-arrival jitter for the adaptive
// interpolation delay.
type netStats struct {
	mu sync.Mutex

	smoothedRTT time.Duration
	offsets     []float64 // seconds, ring of offsetWindow

	lastArrival time.Time
	intervals   []float64 // seconds, ring of arrivalWindow
}

func (n *netStats) pongArrived(echoed, serverTime float64, now time.Time) {
	nowSec := float64(now.UnixNano()) / 1e9
	rtt := nowSec - echoed
	if rtt < 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	d := time.Duration(rtt * float64(time.Second))
	if n.smoothedRTT == 0 {
		n.smoothedRTT = d
	} else {
		n.smoothedRTT = time.Duration(float64(n.smoothedRTT)*(1-rttSmoothing) + float64(d)*rttSmoothing)
	}

	if serverTime > 0 {
		// Server clock sampled mid-flight, so offset is against the
		// client's clock at the halfway point.
		offset := serverTime - (echoed + rtt/2)
		n.offsets = append(n.offsets, offset)
		if len(n.offsets) > offsetWindow {
			n.offsets = n.offsets[1:]
		}
	}
}

func (n *netStats) snapshotArrived(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.lastArrival.IsZero() {
		n.intervals = append(n.intervals, now.Sub(n.lastArrival).Seconds())
		if len(n.intervals) > arrivalWindow {
			n.intervals = n.intervals[1:]
		}
	}
	n.lastArrival = now
}

func (n *netStats) rtt() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.smoothedRTT
}

// clockOffset is the median of the recent offset samples. The median rides
// out the asymmetric-latency outliers that wreck a mean.
func (n *netStats) clockOffset() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.offsets) == 0 {
		return 0
	}
	sorted := append([]float64(nil), n.offsets...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// interpolationDelay is mean inter-arrival plus two standard deviations,
// clamped. Two sigma keeps the playout buffer ahead of nearly all jitter
// without drifting far behind the server.
func (n *netStats) interpolationDelay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.intervals) < 2 {
		return minInterp * 2
	}
	var sum float64
	for _, v := range n.intervals {
		sum += v
	}
	mean := sum / float64(len(n.intervals))
	var variance float64
	for _, v := range n.intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(n.intervals))
	delay := time.Duration((mean + 2*math.Sqrt(variance)) * float64(time.Second))
	if delay < minInterp {
		return minInterp
	}
	if delay > maxInterp {
		return maxInterp
	}
	return delay
}
