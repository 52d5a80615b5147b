package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
	"github.com/LuminariMUD/i3gateway/internal/events"
	"github.com/LuminariMUD/i3gateway/internal/rpc"
	"github.com/LuminariMUD/i3gateway/internal/session"
)

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Keys:           []config.APIKey{{ID: "test", Key: "sekrit", Capabilities: []string{"*"}}},
		MaxSessions:    10,
		WriteTimeout:   5 * time.Second,
		PingInterval:   time.Minute,
		MaxMessageSize: 64 << 10,
		RatePerSecond:  100,
		RateBurst:      100,
	}
}

func newTestStack(t *testing.T) (*session.Manager, *events.Bridge, *rpc.Server) {
	t.Helper()
	keyring, err := session.NewKeyring(testAPIConfig().Keys)
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(testAPIConfig(), config.QueueConfig{Capacity: 100, MessageTTL: time.Minute}, keyring, zerolog.Nop(), nil)
	bridge := events.NewBridge(zerolog.Nop(), nil, nil)
	srv := rpc.NewServer(zerolog.Nop(), nil)
	srv.RegisterUnlimited("ping", "", func(context.Context, *session.Session, json.RawMessage) (any, *rpc.Error) {
		return map[string]any{"pong": true}, nil
	})
	return sessions, bridge, srv
}

func dialTCPServer(t *testing.T) (net.Conn, *events.Bridge) {
	t.Helper()
	sessions, bridge, srv := newTestStack(t)
	ts := NewTCPServer(testAPIConfig(), sessions, bridge, srv, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ts.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bridge
}

func writeJSONLine(t *testing.T, conn net.Conn, v string) {
	t.Helper()
	if _, err := conn.Write([]byte(v + "\n")); err != nil {
		t.Fatal(err)
	}
}

func readResponse(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(line, &out); err != nil {
		t.Fatalf("bad frame %q: %v", line, err)
	}
	return out
}

// readWelcome consumes the greeting the server writes on accept.
func readWelcome(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	frame := readResponse(t, r)
	if frame["method"] != "welcome" {
		t.Fatalf("first frame = %#v", frame)
	}
	return frame
}

func TestTCPWelcomeOnConnect(t *testing.T) {
	conn, _ := dialTCPServer(t)
	r := bufio.NewReader(conn)

	// The greeting arrives before the client sends anything.
	frame := readWelcome(t, r)
	params, _ := frame["params"].(map[string]any)
	if params["protocol"] != "jsonrpc-2.0" {
		t.Fatalf("params = %#v", params)
	}
	if params["auth_required"] != true {
		t.Fatalf("params = %#v", params)
	}
}

func TestTCPAuthenticateAndCall(t *testing.T) {
	conn, _ := dialTCPServer(t)
	r := bufio.NewReader(conn)
	readWelcome(t, r)

	writeJSONLine(t, conn, `{"jsonrpc":"2.0","id":1,"method":"authenticate","params":{"api_key":"sekrit"}}`)
	auth := readResponse(t, r)
	result, ok := auth["result"].(map[string]any)
	if !ok {
		t.Fatalf("auth reply = %#v", auth)
	}
	if result["status"] != "authenticated" {
		t.Fatalf("auth result = %#v", result)
	}
	if id, _ := result["session_id"].(string); id == "" {
		t.Fatalf("no session id in %#v", result)
	}

	writeJSONLine(t, conn, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	pong := readResponse(t, r)
	if pong["error"] != nil {
		t.Fatalf("ping reply = %#v", pong)
	}
}

func TestTCPRejectsBadKey(t *testing.T) {
	conn, _ := dialTCPServer(t)
	r := bufio.NewReader(conn)
	readWelcome(t, r)

	writeJSONLine(t, conn, `{"jsonrpc":"2.0","id":1,"method":"authenticate","params":{"api_key":"wrong"}}`)
	reply := readResponse(t, r)
	errObj, ok := reply["error"].(map[string]any)
	if !ok || errObj["code"].(float64) != float64(rpc.CodeNotAuthenticated) {
		t.Fatalf("reply = %#v", reply)
	}
	// The server hangs up after a failed handshake.
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Fatal("connection still open after auth failure")
	}
}

func TestTCPRequiresAuthenticateFirst(t *testing.T) {
	conn, _ := dialTCPServer(t)
	r := bufio.NewReader(conn)
	readWelcome(t, r)

	writeJSONLine(t, conn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	reply := readResponse(t, r)
	errObj, ok := reply["error"].(map[string]any)
	if !ok || errObj["code"].(float64) != float64(rpc.CodeNotAuthenticated) {
		t.Fatalf("reply = %#v", reply)
	}
}

func TestTCPReceivesEvents(t *testing.T) {
	conn, bridge := dialTCPServer(t)
	r := bufio.NewReader(conn)
	readWelcome(t, r)

	writeJSONLine(t, conn, `{"jsonrpc":"2.0","id":1,"method":"authenticate","params":{"api_key":"sekrit"}}`)
	readResponse(t, r)

	// The auth reply is queued after Subscribe, so seeing it means the
	// subscription is live.
	bridge.Publish(events.New(events.TypeTellReceived, map[string]any{"message": "hi"}))

	frame := readResponse(t, r)
	if frame["method"] != events.TypeTellReceived {
		t.Fatalf("frame = %#v", frame)
	}
	params, _ := frame["params"].(map[string]any)
	if params["message"] != "hi" || params["timestamp"] == nil {
		t.Fatalf("params = %#v", params)
	}
}
