package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	sum := sha256.Sum256([]byte("pepper" + "s3cret"))
	kr, err := NewKeyring([]config.APIKey{
		{ID: "mud-1", Key: "plainkey", Capabilities: []string{CapTell, CapChannel}},
		{ID: "mud-2", Salt: "pepper", Hash: hex.EncodeToString(sum[:]), Capabilities: []string{CapAll}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return kr
}

func TestKeyringVerify(t *testing.T) {
	kr := testKeyring(t)

	cred, err := kr.Verify("plainkey")
	if err != nil {
		t.Fatal(err)
	}
	if cred.ID != "mud-1" {
		t.Fatalf("id = %q", cred.ID)
	}
	if !cred.Can(CapTell) || cred.Can(CapAdmin) {
		t.Fatal("capability grants wrong")
	}

	cred, err = kr.Verify("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if cred.ID != "mud-2" || !cred.Can(CapAdmin) {
		t.Fatalf("wildcard cred = %#v", cred)
	}

	if _, err := kr.Verify("wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("got %v", err)
	}
}

func TestKeyringDefaultCapabilities(t *testing.T) {
	kr, err := NewKeyring([]config.APIKey{{ID: "k", Key: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	cred, err := kr.Verify("x")
	if err != nil {
		t.Fatal(err)
	}
	if !cred.Can(CapTell) || !cred.Can(CapInfo) || cred.Can(CapAdmin) {
		t.Fatalf("default caps = %v", cred.Capabilities())
	}
}

func TestRateLimiterMethodOverride(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, map[string]float64{"locate": 1})
	if !rl.Allow("tell") || !rl.Allow("tell") {
		t.Fatal("session bucket too tight")
	}
	if !rl.Allow("locate") {
		t.Fatal("first locate rejected")
	}
	if rl.Allow("locate") {
		t.Fatal("locate burst not enforced")
	}
}

func newTestManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	return NewManager(
		config.APIConfig{
			MaxSessions:   maxSessions,
			RatePerSecond: 100,
			RateBurst:     100,
		},
		config.QueueConfig{Capacity: 10, MessageTTL: time.Minute},
		testKeyring(t),
		zerolog.Nop(),
		nil,
	)
}

func TestManagerLifecycle(t *testing.T) {
	m := newTestManager(t, 0)

	sess, err := m.Authenticate("plainkey", "websocket", "127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Count() != 1 {
		t.Fatalf("count = %d", m.Count())
	}
	if got, ok := m.Get(sess.ID); !ok || got != sess {
		t.Fatal("lookup failed")
	}

	closed := false
	sess.OnClose(func() { closed = true })
	sess.Close()
	sess.Close() // idempotent
	if !closed {
		t.Fatal("close hook not run")
	}
	if m.Count() != 0 {
		t.Fatalf("count after close = %d", m.Count())
	}
	if sess.Send([]byte("x"), PriorityDefault) {
		t.Fatal("send on closed session succeeded")
	}
}

func TestManagerRejectsBadKeyAndLimit(t *testing.T) {
	m := newTestManager(t, 1)
	if _, err := m.Authenticate("nope", "tcp", "127.0.0.1:2"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("got %v", err)
	}

	first, err := m.Authenticate("plainkey", "tcp", "127.0.0.1:3")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Authenticate("s3cret", "tcp", "127.0.0.1:4"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("got %v", err)
	}
	first.Close()
	if _, err := m.Authenticate("s3cret", "tcp", "127.0.0.1:5"); err != nil {
		t.Fatalf("slot not reclaimed: %v", err)
	}
}

func TestManagerIPAllowlist(t *testing.T) {
	m := NewManager(
		config.APIConfig{
			AllowedIPs:    []string{"10.0.0.0/8", "192.168.1.5"},
			RatePerSecond: 100,
			RateBurst:     100,
		},
		config.QueueConfig{Capacity: 10, MessageTTL: time.Minute},
		testKeyring(t),
		zerolog.Nop(),
		nil,
	)

	if _, err := m.Authenticate("plainkey", "tcp", "10.1.2.3:5000"); err != nil {
		t.Fatalf("CIDR match rejected: %v", err)
	}
	if _, err := m.Authenticate("plainkey", "tcp", "192.168.1.5:5000"); err != nil {
		t.Fatalf("bare address match rejected: %v", err)
	}
	if _, err := m.Authenticate("plainkey", "tcp", "203.0.113.9:5000"); !errors.Is(err, ErrIPNotAllowed) {
		t.Fatalf("got %v", err)
	}
}

func TestSweepSparesBoundSessions(t *testing.T) {
	m := NewManager(
		config.APIConfig{
			RatePerSecond:  100,
			RateBurst:      100,
			SessionTimeout: 20 * time.Millisecond,
		},
		config.QueueConfig{Capacity: 10, MessageTTL: time.Minute},
		testKeyring(t),
		zerolog.Nop(),
		nil,
	)
	sess, err := m.Authenticate("plainkey", "websocket", "127.0.0.1:8")
	if err != nil {
		t.Fatal(err)
	}
	sess.Bind()

	// Idle but attached: the sweeper must leave it alone.
	time.Sleep(50 * time.Millisecond)
	m.sweep()
	if sess.Closed() {
		t.Fatal("session with a live transport closed by the idle sweeper")
	}

	// Detached and idle past the timeout: now it goes.
	sess.Unbind()
	time.Sleep(50 * time.Millisecond)
	m.sweep()
	if !sess.Closed() {
		t.Fatal("idle unbound session survived the sweep")
	}
}

func TestReconnectGetsFreshSession(t *testing.T) {
	m := newTestManager(t, 0)
	first, err := m.Authenticate("plainkey", "websocket", "127.0.0.1:6")
	if err != nil {
		t.Fatal(err)
	}
	first.Send([]byte("pending"), PriorityDefault)
	first.Close()

	second, err := m.Authenticate("plainkey", "websocket", "127.0.0.1:7")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("session id reused")
	}
	if _, ok := second.Queue.Pop(); ok {
		t.Fatal("queued state leaked across sessions")
	}
}
