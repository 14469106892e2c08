package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/slipstream-racing/slipstream/internal/protocol"
	"github.com/slipstream-racing/slipstream/internal/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Port = 0
	srv := relay.NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	port := srv.Addr().(*net.UDPAddr).Port
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func TestRelayConnTransparentRoundTrip(t *testing.T) {
	addr := startRelay(t)

	host, err := DialRelay(addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { host.Close() })

	code, err := host.CreateRoom()
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if !host.IsHost() || host.Slot() != 0 {
		t.Fatalf("creator should be host at slot 0, got slot %d", host.Slot())
	}

	guest, err := DialRelay(addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { guest.Close() })
	if err := guest.JoinRoom(code); err != nil {
		t.Fatalf("join room: %v", err)
	}

	// Guest sends a join request "to the server"; the host must receive it
	// attributed to the guest's slot, exactly as if it were a direct packet.
	want := protocol.PackJoinRequest("guest")
	if _, err := guest.WriteTo(want, PeerAddr{Slot: 0}); err != nil {
		t.Fatalf("guest send: %v", err)
	}

	buf := make([]byte, protocol.MaxPacketSize)
	host.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := host.ReadFrom(buf)
	if err != nil {
		t.Fatalf("host read: %v", err)
	}
	peer, ok := from.(PeerAddr)
	if !ok || peer.Slot != guest.Slot() {
		t.Fatalf("packet attributed to %v, want guest slot %d", from, guest.Slot())
	}
	if string(buf[:n]) != string(want) {
		t.Fatalf("payload corrupted in transit: % x", buf[:n])
	}

	// And the reverse direction: host replies to the guest's slot.
	accept := protocol.PackJoinAccept(protocol.JoinAccept{PlayerID: 1, MaxPlayers: 4})
	if _, err := host.WriteTo(accept, PeerAddr{Slot: guest.Slot()}); err != nil {
		t.Fatalf("host send: %v", err)
	}
	guest.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err = guest.ReadFrom(buf)
	if err != nil {
		t.Fatalf("guest read: %v", err)
	}
	if peer, ok := from.(PeerAddr); !ok || peer.Slot != 0 {
		t.Fatalf("reply attributed to %v, want host slot 0", from)
	}
	h, _, err := protocol.ParseHeader(buf[:n])
	if err != nil || h.Type != protocol.PktJoinAccept {
		t.Fatalf("reply decoded as %v (%v), want join_accept", h.Type, err)
	}
}

func TestRelayConnInjectsSyntheticDisconnect(t *testing.T) {
	addr := startRelay(t)

	host, err := DialRelay(addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { host.Close() })
	code, err := host.CreateRoom()
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	guest, err := DialRelay(addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	if err := guest.JoinRoom(code); err != nil {
		t.Fatalf("join room: %v", err)
	}
	guestSlot := guest.Slot()
	guest.Close()

	// The relay reports the departure; the adapter must surface it as an
	// ordinary disconnect packet from the departed peer's address.
	buf := make([]byte, 64)
	host.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		n, from, err := host.ReadFrom(buf)
		if err != nil {
			t.Fatalf("host never saw the synthetic disconnect: %v", err)
		}
		h, _, perr := protocol.ParseHeader(buf[:n])
		if perr != nil {
			continue
		}
		if h.Type == protocol.PktDisconnect {
			if peer, ok := from.(PeerAddr); !ok || peer.Slot != guestSlot {
				t.Fatalf("disconnect attributed to %v, want slot %d", from, guestSlot)
			}
			return
		}
	}
}

func TestRelayConnJoinUnknownRoom(t *testing.T) {
	addr := startRelay(t)

	conn, err := DialRelay(addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	err = conn.JoinRoom("ZZZZ")
	var rejected ErrRelayRejected
	if !errors.As(err, &rejected) || rejected.Reason != relay.FailNotFound {
		t.Fatalf("join of unknown room: got %v, want not-found rejection", err)
	}
}

func TestRelayConnReadDeadline(t *testing.T) {
	addr := startRelay(t)

	host, err := DialRelay(addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { host.Close() })
	if _, err := host.CreateRoom(); err != nil {
		t.Fatalf("create room: %v", err)
	}

	buf := make([]byte, 64)
	host.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	start := time.Now()
	_, _, err = host.ReadFrom(buf)
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("read with no traffic returned %v, want net timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("deadline not honored, read blocked %v", time.Since(start))
	}
}
