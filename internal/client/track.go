package client

import (
	"sync"

	"github.com/slipstream-racing/slipstream/internal/protocol"
	"github.com/slipstream-racing/slipstream/internal/sim"
)

// trackReceiver reassembles a chunked track transfer. Chunks arrive in any
// order and may repeat; each is acknowledged every time it arrives so the
// server stops resending.
type trackReceiver struct {
	mu       sync.Mutex
	chunks   map[uint16][]byte
	total    uint16
	track    *sim.Track
	parseErr error
}

// accept stores one chunk and reports whether the transfer just completed.
func (t *trackReceiver) accept(index, total uint16, chunk []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.chunks == nil || t.total != total {
		// New transfer; drop any partial previous one.
		t.chunks = make(map[uint16][]byte, total)
		t.total = total
		t.track = nil
		t.parseErr = nil
	}
	if _, seen := t.chunks[index]; seen {
		return false
	}
	t.chunks[index] = append([]byte(nil), chunk...)
	if len(t.chunks) < int(total) {
		return false
	}

	var raw []byte
	for i := uint16(0); i < total; i++ {
		raw = append(raw, t.chunks[i]...)
	}
	t.track, t.parseErr = sim.ParseTrack(raw)
	return true
}

func (s *Session) handleTrackChunk(index uint16, payload []byte) {
	total, chunk, err := protocol.UnpackTrackChunk(payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("bad track chunk")
		return
	}
	done := s.track.accept(index, total, chunk)
	s.send(protocol.PackTrackAck(index))
	if done {
		s.track.mu.Lock()
		parseErr := s.track.parseErr
		s.track.mu.Unlock()
		if parseErr != nil {
			// A bad track is reported, not fatal; the session stays up.
			s.log.Error().Err(parseErr).Msg("received track does not parse")
		} else {
			s.log.Info().Uint16("chunks", total).Msg("track received")
		}
	}
}

// Track returns the fully received track, or nil with the parse error when
// the transfer completed but did not decode.
func (s *Session) Track() (*sim.Track, error) {
	s.track.mu.Lock()
	defer s.track.mu.Unlock()
	return s.track.track, s.track.parseErr
}
