package server

import (
	"sync"

	"github.com/slipstream-racing/slipstream/internal/protocol"
)

// DefaultQueueCap bounds a single player's pending inputs. At 60 Hz this is
// about half a second of backlog before the oldest samples are evicted.
const DefaultQueueCap = 32

// InputQueue holds one player's pending input samples ordered by sequence.
// Redundant retransmits and stale samples are dropped on insert, so every
// queued sample is applied at most once, in order, regardless of UDP
// reordering or duplication.
type InputQueue struct {
	mu  sync.Mutex
	buf []protocol.InputState // ascending by Seq under wraparound
	cap int

	lastOut uint16 // newest sequence handed to the consumer
	hasOut  bool
}

func NewInputQueue(capacity int) *InputQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	return &InputQueue{cap: capacity}
}

// Push inserts one sample at its sequence position. Returns false when the
// sample was dropped as a duplicate or as older than anything already
// consumed.
func (q *InputQueue) Push(in protocol.InputState) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.hasOut && !protocol.SeqNewer(in.Seq, q.lastOut) {
		return false
	}

	// Walk from the tail: most samples arrive in order.
	pos := len(q.buf)
	for pos > 0 {
		prev := q.buf[pos-1].Seq
		if prev == in.Seq {
			return false
		}
		if protocol.SeqNewer(in.Seq, prev) {
			break
		}
		pos--
	}

	q.buf = append(q.buf, protocol.InputState{})
	copy(q.buf[pos+1:], q.buf[pos:])
	q.buf[pos] = in

	if len(q.buf) > q.cap {
		q.buf = q.buf[1:]
	}
	return true
}

// PopOne removes and returns the oldest pending sample.
func (q *InputQueue) PopOne() (protocol.InputState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return protocol.InputState{}, false
	}
	out := q.buf[0]
	q.buf = q.buf[1:]
	q.lastOut = out.Seq
	q.hasOut = true
	return out, true
}

// DrainAll removes and returns every pending sample in order.
func (q *InputQueue) DrainAll() []protocol.InputState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	q.lastOut = out[len(out)-1].Seq
	q.hasOut = true
	return out
}

// Len reports the number of pending samples.
func (q *InputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
