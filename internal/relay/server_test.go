package relay

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

func startTestRelay(t *testing.T, cfg Config) (*Server, *net.UDPAddr) {
	t.Helper()
	cfg.Port = 0
	srv := NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return srv, srv.Addr().(*net.UDPAddr)
}

func dialRelay(t *testing.T, addr *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: addr.Port})
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvPacket(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read from relay: %v", err)
	}
	return buf[:n]
}

func createRoom(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	conn.Write(PackCreateRoom())
	resp := recvPacket(t, conn)
	if Command(resp[0]) != CmdRoomCreated {
		t.Fatalf("create response = %v, want room_created", Command(resp[0]))
	}
	return string(resp[1 : 1+CodeLen])
}

func joinRoom(t *testing.T, conn *net.UDPConn, code string) byte {
	t.Helper()
	conn.Write(PackJoinRoom(code))
	resp := recvPacket(t, conn)
	if Command(resp[0]) != CmdJoinOK {
		t.Fatalf("join response = %v, want join_ok", Command(resp[0]))
	}
	return resp[1]
}

func TestCreateAndJoinAssignsSequentialSlots(t *testing.T) {
	_, addr := startTestRelay(t, DefaultConfig())

	host := dialRelay(t, addr)
	code := createRoom(t, host)
	if len(code) != CodeLen {
		t.Fatalf("code %q has wrong length", code)
	}
	for _, c := range code {
		if !strings.ContainsRune(CodeAlphabet, c) {
			t.Fatalf("code %q contains %q, outside the confusion-free alphabet", code, c)
		}
	}

	guest := dialRelay(t, addr)
	if slot := joinRoom(t, guest, code); slot != 1 {
		t.Fatalf("first guest slot = %d, want 1", slot)
	}
	guest2 := dialRelay(t, addr)
	if slot := joinRoom(t, guest2, code); slot != 2 {
		t.Fatalf("second guest slot = %d, want 2", slot)
	}
}

func TestJoinUnknownCodeFails(t *testing.T) {
	_, addr := startTestRelay(t, DefaultConfig())

	conn := dialRelay(t, addr)
	conn.Write(PackJoinRoom("ZZZZ"))
	resp := recvPacket(t, conn)
	if Command(resp[0]) != CmdJoinFail || FailReason(resp[1]) != FailNotFound {
		t.Fatalf("join of unknown code: got % x, want join_fail/not_found", resp)
	}
}

func TestJoinFullRoomFails(t *testing.T) {
	_, addr := startTestRelay(t, DefaultConfig())

	host := dialRelay(t, addr)
	code := createRoom(t, host)
	for i := 0; i < MaxPeers-1; i++ {
		joinRoom(t, dialRelay(t, addr), code)
	}

	late := dialRelay(t, addr)
	late.Write(PackJoinRoom(code))
	resp := recvPacket(t, late)
	if Command(resp[0]) != CmdJoinFail || FailReason(resp[1]) != FailFull {
		t.Fatalf("join of full room: got % x, want join_fail/full", resp)
	}
}

func TestRejoinIsIdempotent(t *testing.T) {
	_, addr := startTestRelay(t, DefaultConfig())

	host := dialRelay(t, addr)
	code := createRoom(t, host)

	guest := dialRelay(t, addr)
	first := joinRoom(t, guest, code)
	second := joinRoom(t, guest, code)
	if first != second {
		t.Fatalf("re-join returned slot %d, want original slot %d", second, first)
	}
}

func TestBroadcastForwardExcludesSender(t *testing.T) {
	_, addr := startTestRelay(t, DefaultConfig())

	host := dialRelay(t, addr)
	code := createRoom(t, host)
	guest1 := dialRelay(t, addr)
	slot1 := joinRoom(t, guest1, code)
	guest2 := dialRelay(t, addr)
	joinRoom(t, guest2, code)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	guest1.Write(PackForward(code, TargetBroadcast, payload))

	// Host and the other guest both receive it, stamped with the sender's
	// slot in place of the broadcast target.
	for _, conn := range []*net.UDPConn{host, guest2} {
		got := recvPacket(t, conn)
		gotCode, sender, gotPayload, err := UnpackForward(got)
		if err != nil {
			t.Fatalf("unpack forward: %v", err)
		}
		if gotCode != code || sender != slot1 {
			t.Fatalf("forward meta = (%q, %d), want (%q, %d)", gotCode, sender, code, slot1)
		}
		if string(gotPayload) != string(payload) {
			t.Fatalf("forward payload corrupted: % x", gotPayload)
		}
	}

	// The sender must never hear its own broadcast.
	buf := make([]byte, 64)
	guest1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := guest1.Read(buf); err == nil {
		t.Fatalf("sender received its own broadcast: % x", buf[:n])
	} else if !os.IsTimeout(err) {
		t.Fatalf("unexpected read error: %v", err)
	}
}

func TestForwardToHostTarget(t *testing.T) {
	_, addr := startTestRelay(t, DefaultConfig())

	host := dialRelay(t, addr)
	code := createRoom(t, host)
	guest := dialRelay(t, addr)
	slot := joinRoom(t, guest, code)

	guest.Write(PackForward(code, TargetHost, []byte{0x01}))
	got := recvPacket(t, host)
	_, sender, _, err := UnpackForward(got)
	if err != nil {
		t.Fatalf("unpack forward: %v", err)
	}
	if sender != slot {
		t.Fatalf("host saw sender slot %d, want %d", sender, slot)
	}
}

func TestHostTimeoutDestroysRoom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeerTimeout = 300 * time.Millisecond
	cfg.SweepInterval = 100 * time.Millisecond
	srv, addr := startTestRelay(t, cfg)

	host := dialRelay(t, addr)
	code := createRoom(t, host)
	guest := dialRelay(t, addr)
	joinRoom(t, guest, code)

	// Only the guest heartbeats; the host goes silent past the timeout.
	deadline := time.Now().Add(2 * time.Second)
	var notified bool
	for time.Now().Before(deadline) {
		guest.Write(PackHeartbeat(code))
		guest.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		buf := make([]byte, 64)
		n, err := guest.Read(buf)
		if err == nil && n >= 2 && Command(buf[0]) == CmdPeerLeft && buf[1] == 0 {
			notified = true
			break
		}
	}
	if !notified {
		t.Fatalf("guest never notified of host departure")
	}

	if stats := srv.Stats(); stats.Rooms != 0 {
		t.Fatalf("room survived host eviction: %+v", stats)
	}
}

func TestLeaveNotifiesRemainingPeers(t *testing.T) {
	_, addr := startTestRelay(t, DefaultConfig())

	host := dialRelay(t, addr)
	code := createRoom(t, host)
	guest := dialRelay(t, addr)
	slot := joinRoom(t, guest, code)

	guest.Write(PackLeaveRoom())
	got := recvPacket(t, host)
	if Command(got[0]) != CmdPeerLeft || got[1] != slot {
		t.Fatalf("host notification = % x, want peer_left(%d)", got, slot)
	}
}
