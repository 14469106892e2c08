package server

import (
	"testing"

	"github.com/slipstream-racing/slipstream/internal/protocol"
)

func seqs(q *InputQueue) []uint16 {
	var out []uint16
	for _, in := range q.DrainAll() {
		out = append(out, in.Seq)
	}
	return out
}

func TestQueueOrdersOutOfOrderArrivals(t *testing.T) {
	q := NewInputQueue(8)
	for _, s := range []uint16{5, 3, 7, 4, 6} {
		q.Push(protocol.InputState{Seq: s})
	}
	got := seqs(q)
	want := []uint16{3, 4, 5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
}

func TestQueueDropsDuplicates(t *testing.T) {
	q := NewInputQueue(8)
	if !q.Push(protocol.InputState{Seq: 10}) {
		t.Fatal("fresh sample rejected")
	}
	if q.Push(protocol.InputState{Seq: 10}) {
		t.Fatal("duplicate sample accepted")
	}
	if q.Len() != 1 {
		t.Fatalf("queue holds %d samples, want 1", q.Len())
	}
}

func TestQueueDropsAlreadyConsumed(t *testing.T) {
	q := NewInputQueue(8)
	q.Push(protocol.InputState{Seq: 20})
	q.Push(protocol.InputState{Seq: 21})
	if in, ok := q.PopOne(); !ok || in.Seq != 20 {
		t.Fatalf("popped %v %v, want seq 20", in, ok)
	}
	// A late retransmit of something already applied must not re-enter.
	if q.Push(protocol.InputState{Seq: 19}) {
		t.Fatal("stale sample accepted after pop")
	}
	if q.Push(protocol.InputState{Seq: 20}) {
		t.Fatal("already-popped sample accepted")
	}
	if q.Push(protocol.InputState{Seq: 22}) == false {
		t.Fatal("newer sample rejected")
	}
}

func TestQueueOrdersAcrossWraparound(t *testing.T) {
	q := NewInputQueue(8)
	q.Push(protocol.InputState{Seq: 65534})
	q.Push(protocol.InputState{Seq: 1})
	q.Push(protocol.InputState{Seq: 65535})
	q.Push(protocol.InputState{Seq: 0})
	got := seqs(q)
	want := []uint16{65534, 65535, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
}

func TestQueueEvictsOldestOnOverflow(t *testing.T) {
	q := NewInputQueue(4)
	for s := uint16(1); s <= 6; s++ {
		q.Push(protocol.InputState{Seq: s})
	}
	got := seqs(q)
	want := []uint16{3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
}

func TestDrainAllAdvancesConsumedMark(t *testing.T) {
	q := NewInputQueue(8)
	q.Push(protocol.InputState{Seq: 1})
	q.Push(protocol.InputState{Seq: 2})
	q.DrainAll()
	if q.Push(protocol.InputState{Seq: 2}) {
		t.Fatal("drained sample re-accepted")
	}
	if !q.Push(protocol.InputState{Seq: 3}) {
		t.Fatal("fresh sample rejected after drain")
	}
}
