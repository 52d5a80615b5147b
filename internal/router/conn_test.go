package router

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
	"github.com/LuminariMUD/i3gateway/internal/state"
	"github.com/LuminariMUD/i3gateway/pkg/lpc"
	"github.com/LuminariMUD/i3gateway/pkg/packet"
)

func testRouterConfig(addr string) config.RouterConfig {
	return config.RouterConfig{
		Routers:           []config.RouterEndpoint{{Name: "*i3", Address: addr}},
		KeepaliveInterval: time.Hour, // keep keepalives out of the way
		ConnectionTimeout: 10 * time.Second,
		DialTimeout:       2 * time.Second,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        50 * time.Millisecond,
	}
}

func testMudConfig() config.MudConfig {
	return config.MudConfig{
		Name:       "TestMud",
		PlayerPort: 4000,
		Mudlib:     "testlib",
		BaseMudlib: "testlib",
		Driver:     "testdrv",
		MudType:    "LP",
		OpenStatus: "open",
		AdminEmail: "admin@test",
		Services:   map[string]int{"tell": 1},
	}
}

// fakeRouter accepts one connection and speaks just enough of the
// protocol to complete a handshake.
type fakeRouter struct {
	ln    net.Listener
	codec lpc.Codec
}

func newFakeRouter(t *testing.T) *fakeRouter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakeRouter{ln: ln}
}

func (f *fakeRouter) addr() string { return f.ln.Addr().String() }

func (f *fakeRouter) accept(t *testing.T) net.Conn {
	t.Helper()
	conn, err := f.ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fakeRouter) readPacket(t *testing.T, conn net.Conn) packet.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, err := f.codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("router read: %v", err)
	}
	p, err := packet.FromSequence(raw.([]any))
	if err != nil {
		t.Fatalf("router decode: %v", err)
	}
	return p
}

func (f *fakeRouter) writePacket(t *testing.T, conn net.Conn, p packet.Packet) {
	t.Helper()
	if err := f.codec.WriteFrame(conn, packet.ToSequence(p)); err != nil {
		t.Fatalf("router write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeToReady(t *testing.T) {
	fake := newFakeRouter(t)
	store := state.NewStore()
	store.SetPassword(99)
	conn := New(testRouterConfig(fake.addr()), testMudConfig(), store, zerolog.Nop(), nil)

	var mu sync.Mutex
	var inbound []packet.Kind
	conn.OnPacket = func(p packet.Packet) {
		mu.Lock()
		inbound = append(inbound, p.Kind())
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { conn.Run(ctx); close(done) }()

	peer := fake.accept(t)
	req := fake.readPacket(t, peer)
	startup, ok := req.(*packet.StartupReq3)
	if !ok {
		t.Fatalf("first packet = %T", req)
	}
	if startup.Hdr.OriginatorMud != "TestMud" || startup.Password != 99 {
		t.Fatalf("startup = %#v", startup)
	}
	if len(packet.ToSequence(startup)) != 20 {
		t.Fatal("startup not in 20-field form")
	}

	fake.writePacket(t, peer, &packet.StartupReply{
		Hdr:        packet.ReplyHeader(&startup.Hdr),
		RouterList: []any{[]any{"*i3", fake.addr()}},
		Password:   1234,
	})
	waitFor(t, "ready state", conn.Ready)
	if store.Password() != 1234 {
		t.Fatalf("password = %d", store.Password())
	}

	// Mudlist diffs flow into the store and on to the dispatcher.
	fake.writePacket(t, peer, &packet.Mudlist{
		Hdr:       packet.Header{TTL: 199, OriginatorMud: "*i3", TargetMud: "TestMud"},
		MudlistID: 7,
		Info:      map[string]any{"Beta": []any{-1, "1.2.3.4", 4000, 0, 0, "lib", "base", "drv", "LP", "open", "a@b", map[string]any{"tell": 1}}},
	})
	waitFor(t, "mudlist applied", func() bool {
		_, ok := store.Mud("Beta")
		return ok
	})

	// Outbound traffic reaches the router.
	if err := conn.Send(&packet.Tell{
		Hdr:     packet.Header{TTL: packet.TTLCeiling, OriginatorMud: "TestMud", OriginatorUser: "alice", TargetMud: "Beta", TargetUser: "bob"},
		Visname: "alice",
		Message: "hi",
	}); err != nil {
		t.Fatal(err)
	}
	sent := fake.readPacket(t, peer)
	if sent.Kind() != packet.KindTell {
		t.Fatalf("router saw %s", sent.Kind())
	}

	cancel()
	peer.Close()
	<-done
	mu.Lock()
	defer mu.Unlock()
	if len(inbound) == 0 {
		t.Fatal("dispatcher saw no packets")
	}
}

func TestMudlistAloneMarksReady(t *testing.T) {
	fake := newFakeRouter(t)
	store := state.NewStore()
	conn := New(testRouterConfig(fake.addr()), testMudConfig(), store, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	peer := fake.accept(t)
	fake.readPacket(t, peer) // startup-req-3
	fake.writePacket(t, peer, &packet.Mudlist{
		Hdr:       packet.Header{TTL: 199, OriginatorMud: "*i3", TargetMud: "TestMud"},
		MudlistID: 1,
		Info:      map[string]any{},
	})
	waitFor(t, "ready via mudlist", conn.Ready)
}

func TestSendWhileDisconnected(t *testing.T) {
	store := state.NewStore()
	conn := New(testRouterConfig("127.0.0.1:1"), testMudConfig(), store, zerolog.Nop(), nil)
	err := conn.Send(&packet.OOBReq{})
	if err != ErrNotConnected {
		t.Fatalf("got %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	fake := newFakeRouter(t)
	store := state.NewStore()
	conn := New(testRouterConfig(fake.addr()), testMudConfig(), store, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	first := fake.accept(t)
	startup := fake.readPacket(t, first).(*packet.StartupReq3)
	fake.writePacket(t, first, &packet.StartupReply{
		Hdr:        packet.ReplyHeader(&startup.Hdr),
		RouterList: []any{},
		Password:   1,
	})
	waitFor(t, "first ready", conn.Ready)

	// Kill the connection; the manager must dial again and re-handshake.
	first.Close()
	second := fake.accept(t)
	startup2 := fake.readPacket(t, second).(*packet.StartupReq3)
	if startup2.Password != 1 {
		t.Fatalf("reconnect lost password: %d", startup2.Password)
	}
	fake.writePacket(t, second, &packet.StartupReply{
		Hdr:        packet.ReplyHeader(&startup2.Hdr),
		RouterList: []any{},
		Password:   1,
	})
	waitFor(t, "second ready", conn.Ready)
}

func TestKeepaliveTracksLinkActivity(t *testing.T) {
	store := state.NewStore()
	conn := New(testRouterConfig("127.0.0.1:1"), testMudConfig(), store, zerolog.Nop(), nil)

	// A connection that never carried a frame reads as long idle, so
	// the first keepalive tick would fire.
	if conn.idleSince() < time.Hour {
		t.Fatal("fresh connection not idle")
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go io.Copy(io.Discard, server)

	if err := conn.writePacket(client, &packet.OOBReq{
		Hdr: packet.Header{TTL: 200, OriginatorMud: "TestMud", TargetMud: "*i3"},
	}); err != nil {
		t.Fatal(err)
	}
	if conn.idleSince() > time.Second {
		t.Fatal("outbound frame did not refresh the activity clock")
	}
	if conn.idleSince() >= conn.keepaliveInterval() {
		t.Fatal("active link would still emit a keepalive")
	}
}

func TestStateString(t *testing.T) {
	if StateReady.String() != "ready" || StateDisconnected.String() != "disconnected" {
		t.Fatal("state names wrong")
	}
}
