package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slipstream-racing/slipstream/internal/protocol"
)

// ErrRoomRejected is returned when the server refuses a room operation.
type ErrRoomRejected struct {
	Reason protocol.RoomRejectReason
}

func (e ErrRoomRejected) Error() string {
	return fmt.Sprintf("room request rejected: %s", e.Reason)
}

const roomOpTimeout = 5 * time.Second

type roomReply struct {
	t       protocol.PacketType
	payload []byte
}

// roomOps matches room replies to the one outstanding blocking request.
// The protocol has no request ids; the session allows a single in-flight
// room operation, which mirrors how a menu UI drives these anyway.
type roomOps struct {
	mu      sync.Mutex
	pending chan roomReply
	tracks  chan []byte
}

func (r *roomOps) init() {}

func (r *roomOps) arm() (chan roomReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return nil, fmt.Errorf("another room request is already in flight")
	}
	r.pending = make(chan roomReply, 1)
	return r.pending, nil
}

func (r *roomOps) disarm() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}

func (r *roomOps) resolve(t protocol.PacketType, payload []byte) {
	r.mu.Lock()
	ch := r.pending
	r.mu.Unlock()
	if ch == nil {
		return
	}
	body := append([]byte(nil), payload...)
	select {
	case ch <- roomReply{t: t, payload: body}:
	default:
	}
}

func (r *roomOps) resolveTracks(payload []byte) {
	r.mu.Lock()
	ch := r.tracks
	r.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- append([]byte(nil), payload...):
	default:
	}
}

// roomRequest sends req with periodic re-sends until a room reply arrives.
func (s *Session) roomRequest(ctx context.Context, req []byte) (roomReply, error) {
	ch, err := s.rooms.arm()
	if err != nil {
		return roomReply{}, err
	}
	defer s.rooms.disarm()

	retry := time.NewTicker(s.opts.RetryInterval)
	defer retry.Stop()
	deadline := time.NewTimer(roomOpTimeout)
	defer deadline.Stop()

	s.send(req)
	for {
		select {
		case reply := <-ch:
			return reply, nil
		case <-retry.C:
			s.send(req)
		case <-deadline.C:
			return roomReply{}, fmt.Errorf("no room response within %v", roomOpTimeout)
		case <-ctx.Done():
			return roomReply{}, ctx.Err()
		}
	}
}

// CreateRoom asks the server for a new room and returns its join code.
// Blocking.
func (s *Session) CreateRoom(ctx context.Context, name string, private bool, maxPlayers byte) (string, protocol.JoinAccept, error) {
	reply, err := s.roomRequest(ctx, protocol.PackRoomCreate(name, private, maxPlayers))
	if err != nil {
		return "", protocol.JoinAccept{}, err
	}
	switch reply.t {
	case protocol.PktRoomCreateOK:
		return protocol.UnpackRoomCreateOK(reply.payload)
	case protocol.PktRoomReject:
		reason, rerr := protocol.UnpackRoomReject(reply.payload)
		if rerr != nil {
			return "", protocol.JoinAccept{}, rerr
		}
		return "", protocol.JoinAccept{}, ErrRoomRejected{Reason: reason}
	default:
		return "", protocol.JoinAccept{}, fmt.Errorf("unexpected room reply %s", reply.t)
	}
}

// JoinRoom joins an existing room by code. Blocking.
func (s *Session) JoinRoom(ctx context.Context, code string) (protocol.JoinAccept, error) {
	reply, err := s.roomRequest(ctx, protocol.PackRoomJoin(code, s.opts.Name))
	if err != nil {
		return protocol.JoinAccept{}, err
	}
	switch reply.t {
	case protocol.PktRoomAccept:
		_, a, aerr := protocol.UnpackRoomAccept(reply.payload)
		return a, aerr
	case protocol.PktRoomReject:
		reason, rerr := protocol.UnpackRoomReject(reply.payload)
		if rerr != nil {
			return protocol.JoinAccept{}, rerr
		}
		return protocol.JoinAccept{}, ErrRoomRejected{Reason: reason}
	default:
		return protocol.JoinAccept{}, fmt.Errorf("unexpected room reply %s", reply.t)
	}
}

// ListRooms fetches the public room listing. Blocking.
func (s *Session) ListRooms(ctx context.Context) ([]protocol.RoomInfo, error) {
	reply, err := s.roomRequest(ctx, protocol.PackRoomListRequest())
	if err != nil {
		return nil, err
	}
	if reply.t != protocol.PktRoomList {
		return nil, fmt.Errorf("unexpected room reply %s", reply.t)
	}
	return protocol.UnpackRoomList(reply.payload)
}

// LeaveRoom notifies the server and returns immediately; there is no reply.
func (s *Session) LeaveRoom() {
	s.send(protocol.PackRoomLeave())
}

// ListTracks fetches the server's track names. Blocking.
func (s *Session) ListTracks(ctx context.Context) ([]string, error) {
	s.rooms.mu.Lock()
	if s.rooms.tracks != nil {
		s.rooms.mu.Unlock()
		return nil, fmt.Errorf("another track request is already in flight")
	}
	ch := make(chan []byte, 1)
	s.rooms.tracks = ch
	s.rooms.mu.Unlock()
	defer func() {
		s.rooms.mu.Lock()
		s.rooms.tracks = nil
		s.rooms.mu.Unlock()
	}()

	retry := time.NewTicker(s.opts.RetryInterval)
	defer retry.Stop()
	deadline := time.NewTimer(roomOpTimeout)
	defer deadline.Stop()

	req := protocol.PackTrackListRequest()
	s.send(req)
	for {
		select {
		case payload := <-ch:
			return protocol.UnpackTrackList(payload)
		case <-retry.C:
			s.send(req)
		case <-deadline.C:
			return nil, fmt.Errorf("no track list within %v", roomOpTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendConfigChange submits an admin configuration change. The server echoes
// accepted changes as config state; non-admins are ignored.
func (s *Session) SendConfigChange(cfg protocol.RoomConfig) {
	s.send(protocol.PackConfigChange(cfg))
}
