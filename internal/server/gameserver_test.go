package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/network"
	"github.com/slipstream-racing/slipstream/internal/protocol"
)

func startTestServer(t *testing.T, opts Options) (*GameServer, string) {
	t.Helper()
	conn, err := network.ListenUDP(context.Background(), 0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	bus := events.NewEventBus()
	srv := NewGameServer(conn, opts, bus)
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	port := conn.LocalAddr().(*net.UDPAddr).Port
	return srv, fmt.Sprintf("127.0.0.1:%d", port)
}

func dialServer(t *testing.T, addr string) *net.UDPConn {
	t.Helper()
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvType(t *testing.T, conn *net.UDPConn, want protocol.PacketType) (protocol.Header, []byte) {
	t.Helper()
	buf := make([]byte, protocol.MaxPacketSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("waiting for %v: %v", want, err)
		}
		h, payload, err := protocol.ParseHeader(buf[:n])
		if err != nil {
			continue
		}
		if h.Type == want {
			out := make([]byte, len(payload))
			copy(out, payload)
			return h, out
		}
	}
}

func join(t *testing.T, conn *net.UDPConn, name string) protocol.JoinAccept {
	t.Helper()
	if _, err := conn.Write(protocol.PackJoinRequest(name)); err != nil {
		t.Fatalf("send join: %v", err)
	}
	_, payload := recvType(t, conn, protocol.PktJoinAccept)
	a, err := protocol.UnpackJoinAccept(payload)
	if err != nil {
		t.Fatalf("decode accept: %v", err)
	}
	return a
}

func TestRepeatedJoinKeepsIdentity(t *testing.T) {
	srv, addr := startTestServer(t, DefaultOptions())
	conn := dialServer(t, addr)

	first := join(t, conn, "alice")
	second := join(t, conn, "alice")

	if first.PlayerID != second.PlayerID {
		t.Fatalf("retransmitted join changed identity: %d then %d", first.PlayerID, second.PlayerID)
	}
	if n := srv.PlayerCount(); n != 1 {
		t.Fatalf("server tracks %d players after duplicate join, want 1", n)
	}
}

func TestPlayerIDsAreDense(t *testing.T) {
	srv, addr := startTestServer(t, DefaultOptions())

	a := join(t, dialServer(t, addr), "p0")
	b := join(t, dialServer(t, addr), "p1")
	c := join(t, dialServer(t, addr), "p2")
	if a.PlayerID != 0 || b.PlayerID != 1 || c.PlayerID != 2 {
		t.Fatalf("ids not dense from 0: %d %d %d", a.PlayerID, b.PlayerID, c.PlayerID)
	}
	if srv.PlayerCount() != 3 {
		t.Fatalf("player count %d, want 3", srv.PlayerCount())
	}
}

func TestLocalHostReservesSlotZero(t *testing.T) {
	opts := DefaultOptions()
	opts.LocalHost = true
	_, addr := startTestServer(t, opts)

	a := join(t, dialServer(t, addr), "guest")
	if a.PlayerID != 1 {
		t.Fatalf("remote id %d with a local host, want 1", a.PlayerID)
	}
}

func TestFullServerRejectsJoin(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPlayers = 1
	_, addr := startTestServer(t, opts)

	join(t, dialServer(t, addr), "first")

	late := dialServer(t, addr)
	if _, err := late.Write(protocol.PackJoinRequest("late")); err != nil {
		t.Fatalf("send join: %v", err)
	}
	_, payload := recvType(t, late, protocol.PktJoinReject)
	reason, err := protocol.UnpackJoinReject(payload)
	if err != nil || reason != protocol.RejectFull {
		t.Fatalf("got reason %v (%v), want full", reason, err)
	}
}

func TestReorderedInputsDrainInOrder(t *testing.T) {
	srv, addr := startTestServer(t, DefaultOptions())
	conn := dialServer(t, addr)
	accept := join(t, conn, "driver")

	// Two redundant packets arriving out of order, sharing samples.
	newer := protocol.PackInputs([]protocol.InputState{{Seq: 4}, {Seq: 3}, {Seq: 2}})
	older := protocol.PackInputs([]protocol.InputState{{Seq: 3}, {Seq: 2}, {Seq: 1}})
	if _, err := conn.Write(newer); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := conn.Write(older); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Both packets must be queued before consumption starts; a drain between
	// them would legitimately discard the older samples as already applied.
	time.Sleep(200 * time.Millisecond)

	var got []uint16
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 4 && time.Now().Before(deadline) {
		for _, ins := range srv.DrainInputs() {
			for _, in := range ins {
				got = append(got, in.Seq)
				if in.PlayerID != accept.PlayerID {
					t.Fatalf("input attributed to %d, want %d", in.PlayerID, accept.PlayerID)
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := []uint16{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
}

func TestSilentClientTimesOut(t *testing.T) {
	opts := DefaultOptions()
	opts.ClientTimeout = 300 * time.Millisecond
	opts.SweepInterval = 50 * time.Millisecond

	conn, err := network.ListenUDP(context.Background(), 0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	bus := events.NewEventBus()
	left := make(chan events.PlayerPayload, 1)
	bus.Subscribe(events.EventPlayerLeft, "test.left", func(ctx context.Context, ev events.Event) error {
		left <- ev.Payload.(events.PlayerPayload)
		return nil
	})
	srv := NewGameServer(conn, opts, bus)
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	addr := fmt.Sprintf("127.0.0.1:%d", conn.LocalAddr().(*net.UDPAddr).Port)
	join(t, dialServer(t, addr), "ghost")

	select {
	case p := <-left:
		if p.Cause != events.LeaveTimeout {
			t.Fatalf("departure cause %v, want timeout", p.Cause)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("silent client never timed out")
	}
	if srv.PlayerCount() != 0 {
		t.Fatalf("player count %d after timeout, want 0", srv.PlayerCount())
	}
}

func TestTrackTransferCompletesOnAcks(t *testing.T) {
	srv, addr := startTestServer(t, DefaultOptions())
	conn := dialServer(t, addr)
	join(t, conn, "downloader")

	raw := make([]byte, protocol.TrackChunkSize*2+100) // 3 chunks
	for i := range raw {
		raw[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() { done <- srv.SendTrack(context.Background(), raw) }()

	received := make(map[uint16][]byte)
	var total uint16
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("reading chunks: %v", err)
		}
		h, payload, perr := protocol.ParseHeader(buf[:n])
		if perr != nil || h.Type != protocol.PktTrackData {
			continue
		}
		tot, chunk, cerr := protocol.UnpackTrackChunk(payload)
		if cerr != nil {
			t.Fatalf("bad chunk: %v", cerr)
		}
		total = tot
		if _, seen := received[h.Seq]; !seen {
			received[h.Seq] = append([]byte(nil), chunk...)
		}
		conn.Write(protocol.PackTrackAck(h.Seq))
		if len(received) == int(total) {
			break
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("transfer failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("transfer never completed after all acks")
	}

	var assembled []byte
	for i := uint16(0); i < total; i++ {
		assembled = append(assembled, received[i]...)
	}
	if len(assembled) != len(raw) {
		t.Fatalf("reassembled %d bytes, want %d", len(assembled), len(raw))
	}
	for i := range raw {
		if assembled[i] != raw[i] {
			t.Fatalf("byte %d corrupted", i)
		}
	}
}

func TestTrackTransferNoClients(t *testing.T) {
	srv, _ := startTestServer(t, DefaultOptions())
	if err := srv.SendTrack(context.Background(), []byte("{}")); err != nil {
		t.Fatalf("transfer with no clients: %v", err)
	}
}

func TestPingEchoesTimestamp(t *testing.T) {
	_, addr := startTestServer(t, DefaultOptions())
	conn := dialServer(t, addr)
	join(t, conn, "pinger")

	sent := 1234.5678
	if _, err := conn.Write(protocol.PackPing(sent)); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	_, payload := recvType(t, conn, protocol.PktPong)
	echoed, serverTime, err := protocol.UnpackPong(payload)
	if err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if echoed != sent {
		t.Fatalf("pong echoed %v, want %v", echoed, sent)
	}
	if serverTime <= 0 {
		t.Fatalf("pong server clock %v, want positive", serverTime)
	}
}

func TestRoomOpsQueuedForManager(t *testing.T) {
	opts := DefaultOptions()
	opts.MultiRoom = true
	srv, addr := startTestServer(t, opts)
	conn := dialServer(t, addr)
	accept := join(t, conn, "creator")
	if !accept.MultiRoom {
		t.Fatal("accept does not advertise room support")
	}

	if _, err := conn.Write(protocol.PackRoomCreate("friday night", true, 4)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case op := <-srv.Ops():
		if op.Kind != OpCreate || op.From != accept.PlayerID || op.Name != "friday night" || !op.Private {
			t.Fatalf("queued op %+v does not match request", op)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("room create never reached the op queue")
	}
}

func TestRoomOpsRejectedWhenSingleRoom(t *testing.T) {
	_, addr := startTestServer(t, DefaultOptions())
	conn := dialServer(t, addr)
	join(t, conn, "hopeful")

	if _, err := conn.Write(protocol.PackRoomCreate("nope", false, 4)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, payload := recvType(t, conn, protocol.PktRoomReject)
	reason, err := protocol.UnpackRoomReject(payload)
	if err != nil || reason != protocol.RoomRejectNotFound {
		t.Fatalf("got %v (%v), want not-found rejection", reason, err)
	}
}

func TestJoinGateRejectsNewcomers(t *testing.T) {
	srv, addr := startTestServer(t, DefaultOptions())

	racer := dialServer(t, addr)
	accepted := join(t, racer, "racer")

	srv.SetJoinGate(func() protocol.RejectReason { return protocol.RejectRacing })

	late := dialServer(t, addr)
	late.Write(protocol.PackJoinRequest("late"))
	_, payload := recvType(t, late, protocol.PktJoinReject)
	reason, err := protocol.UnpackJoinReject(payload)
	if err != nil || reason != protocol.RejectRacing {
		t.Fatalf("got %v (%v), want racing rejection", reason, err)
	}

	// A known client's retransmitted join bypasses the gate.
	again := join(t, racer, "racer")
	if again.PlayerID != accepted.PlayerID {
		t.Fatalf("retransmit through gate changed identity: %d then %d", accepted.PlayerID, again.PlayerID)
	}
}
