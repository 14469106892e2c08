package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-racing/slipstream/internal/events"
)

const (
	spectatorSendBuffer = 32
	spectatorWriteWait  = 5 * time.Second
	spectatorPingPeriod = 30 * time.Second
	rosterPushInterval  = 2 * time.Second
	snapPushInterval    = 100 * time.Millisecond
)

var spectatorUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser spectators come from arbitrary origins; the feed is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// spectatorFrame is one JSON message on the feed.
type spectatorFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

var spectatorSeq atomic.Uint64

// handleSpectate upgrades the connection and streams room lifecycle events,
// live race snapshots, and a periodic roster refresh until the client goes
// away.
func (s *Server) handleSpectate(c *gin.Context) {
	code := c.Param("code")
	r := s.rooms.Room(code)
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	conn, err := spectatorUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("spectator upgrade failed")
		return
	}

	out := make(chan spectatorFrame, spectatorSendBuffer)
	forward := func(frameType string) func(context.Context, events.Event) error {
		return func(ctx context.Context, ev events.Event) error {
			if !payloadForRoom(ev.Payload, code) {
				return nil
			}
			select {
			case out <- spectatorFrame{Type: frameType, Data: ev.Payload}:
			default:
				// A slow spectator drops frames rather than stalling the bus.
			}
			return nil
		}
	}

	// Unique subscriber names so concurrent spectators don't evict each other.
	id := spectatorSeq.Add(1)
	subs := map[events.EventType]string{
		events.EventPlayerJoined:  fmt.Sprintf("spectate.%d.joined", id),
		events.EventPlayerLeft:    fmt.Sprintf("spectate.%d.left", id),
		events.EventRaceStarted:   fmt.Sprintf("spectate.%d.raceStarted", id),
		events.EventRaceFinished:  fmt.Sprintf("spectate.%d.raceFinished", id),
		events.EventPlayerFinish:  fmt.Sprintf("spectate.%d.playerFinish", id),
		events.EventConfigChanged: fmt.Sprintf("spectate.%d.config", id),
	}
	for evType, name := range subs {
		s.eventBus.Subscribe(evType, name, forward(string(evType)))
	}
	defer func() {
		for evType, name := range subs {
			s.eventBus.Unsubscribe(evType, name)
		}
		conn.Close()
	}()

	// Reader only consumes control frames; any data or error ends the feed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info().Str("room", code).Str("client", conn.RemoteAddr().String()).Msg("spectator connected")

	roster := time.NewTicker(rosterPushInterval)
	defer roster.Stop()
	snaps := time.NewTicker(snapPushInterval)
	defer snaps.Stop()
	ping := time.NewTicker(spectatorPingPeriod)
	defer ping.Stop()
	var lastSnapSeq uint16
	var sentSnap bool

	writeFrame := func(f spectatorFrame) bool {
		conn.SetWriteDeadline(time.Now().Add(spectatorWriteWait))
		if err := conn.WriteJSON(f); err != nil {
			log.Debug().Err(err).Str("room", code).Msg("spectator write failed")
			return false
		}
		return true
	}

	if !writeFrame(spectatorFrame{Type: "room", Data: r.Info()}) {
		return
	}
	for {
		select {
		case <-done:
			log.Info().Str("room", code).Msg("spectator disconnected")
			return
		case frame := <-out:
			if !writeFrame(frame) {
				return
			}
		case <-snaps.C:
			r := s.rooms.Room(code)
			if r == nil {
				continue
			}
			snap, ok := r.Snapshot()
			if !ok || (sentSnap && snap.Seq == lastSnapSeq) {
				continue
			}
			lastSnapSeq, sentSnap = snap.Seq, true
			if !writeFrame(spectatorFrame{Type: "snapshot", Data: snap}) {
				return
			}
		case <-roster.C:
			r := s.rooms.Room(code)
			if r == nil {
				writeFrame(spectatorFrame{Type: "room_closed"})
				return
			}
			if !writeFrame(spectatorFrame{Type: "room", Data: r.Info()}) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(spectatorWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// payloadForRoom filters bus payloads down to one room's events.
func payloadForRoom(payload interface{}, code string) bool {
	switch p := payload.(type) {
	case events.PlayerPayload:
		return p.RoomCode == code
	case events.RoomPayload:
		return p.Code == code
	case events.RaceFinishedPayload:
		return p.RoomCode == code
	case events.PlayerFinishPayload:
		return p.RoomCode == code
	case events.ConfigChangedPayload:
		return p.Key == code
	default:
		return false
	}
}
