package client

import (
	"testing"
	"time"
)

func feedArrivals(n *netStats, start time.Time, gaps ...time.Duration) {
	now := start
	n.snapshotArrived(now)
	for _, g := range gaps {
		now = now.Add(g)
		n.snapshotArrived(now)
	}
}

func TestInterpolationDelayBeforeSamples(t *testing.T) {
	var n netStats
	if got := n.interpolationDelay(); got != 2*minInterp {
		t.Fatalf("cold-start delay %v, want %v", got, 2*minInterp)
	}
}

func TestInterpolationDelayTracksSteadyStream(t *testing.T) {
	var n netStats
	feedArrivals(&n, time.Unix(0, 0),
		50*time.Millisecond, 50*time.Millisecond, 50*time.Millisecond,
		50*time.Millisecond, 50*time.Millisecond, 50*time.Millisecond)

	// Zero jitter, so the delay is the mean interval floored at the clamp.
	if got := n.interpolationDelay(); got != minInterp {
		t.Fatalf("steady-stream delay %v, want %v", got, minInterp)
	}
}

func TestInterpolationDelayGrowsWithJitter(t *testing.T) {
	var steady, jittery netStats
	feedArrivals(&steady, time.Unix(0, 0),
		80*time.Millisecond, 80*time.Millisecond, 80*time.Millisecond, 80*time.Millisecond)
	feedArrivals(&jittery, time.Unix(0, 0),
		20*time.Millisecond, 180*time.Millisecond, 20*time.Millisecond, 100*time.Millisecond)

	if s, j := steady.interpolationDelay(), jittery.interpolationDelay(); j <= s {
		t.Fatalf("jittery delay %v not above steady delay %v", j, s)
	}
}

func TestInterpolationDelayClampedHigh(t *testing.T) {
	var n netStats
	feedArrivals(&n, time.Unix(0, 0),
		100*time.Millisecond, time.Second, 100*time.Millisecond, time.Second)

	if got := n.interpolationDelay(); got != maxInterp {
		t.Fatalf("delay %v under extreme jitter, want clamp %v", got, maxInterp)
	}
}

func TestClockOffsetUsesMedian(t *testing.T) {
	var n netStats
	base := time.Unix(100, 0)
	// Three clean samples at +2.0s and one wild outlier. The median must
	// stay with the cluster.
	for i, off := range []float64{2.0, 2.01, 30.0, 1.99} {
		sent := float64(base.UnixNano())/1e9 + float64(i)
		arrive := base.Add(time.Duration(i)*time.Second + 10*time.Millisecond)
		n.pongArrived(sent, sent+off, arrive)
	}

	got := n.clockOffset()
	if got < 1.9 || got > 2.1 {
		t.Fatalf("median offset %.3f, want about 2.0", got)
	}
}

func TestOffsetWindowSlides(t *testing.T) {
	var n netStats
	base := time.Unix(100, 0)
	// Fill the window with +10s offsets, then overwrite it with +1s ones.
	for i := 0; i < offsetWindow; i++ {
		sent := float64(base.UnixNano())/1e9 + float64(i)
		n.pongArrived(sent, sent+10, base.Add(time.Duration(i)*time.Second))
	}
	for i := offsetWindow; i < 2*offsetWindow; i++ {
		sent := float64(base.UnixNano())/1e9 + float64(i)
		n.pongArrived(sent, sent+1, base.Add(time.Duration(i)*time.Second))
	}

	if got := n.clockOffset(); got < 0.9 || got > 1.1 {
		t.Fatalf("offset %.3f after window slid, want about 1.0", got)
	}
}

func TestRTTSmoothingResistsSpikes(t *testing.T) {
	var n netStats
	base := time.Unix(100, 0)
	for i := 0; i < 10; i++ {
		sent := float64(base.UnixNano())/1e9 + float64(i)
		n.pongArrived(sent, 0, base.Add(time.Duration(i)*time.Second+40*time.Millisecond))
	}
	steady := n.rtt()

	spikeSent := float64(base.UnixNano())/1e9 + 10
	n.pongArrived(spikeSent, 0, base.Add(10*time.Second+400*time.Millisecond))

	after := n.rtt()
	if after <= steady {
		t.Fatalf("rtt %v did not rise after a spike from %v", after, steady)
	}
	if after > 120*time.Millisecond {
		t.Fatalf("one spike moved smoothed rtt to %v, smoothing too weak", after)
	}
}
