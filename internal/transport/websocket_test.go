package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/events"
	"github.com/LuminariMUD/i3gateway/internal/rpc"
)

func dialWSServer(t *testing.T, key string) (*websocket.Conn, *events.Bridge, *httptest.Server) {
	t.Helper()
	sessions, bridge, srv := newTestStack(t)
	ws := NewWSServer(testAPIConfig(), sessions, bridge, srv, zerolog.Nop())

	hs := httptest.NewServer(ws)
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	header := http.Header{}
	if key != "" {
		header.Set(apiKeyHeader, key)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial: %v (status %d)", err, resp.StatusCode)
		}
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn, bridge, hs
}

func readWSFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("bad frame %q: %v", raw, err)
	}
	return out
}

func TestWSWelcomeAndCall(t *testing.T) {
	conn, _, _ := dialWSServer(t, "sekrit")

	welcome := readWSFrame(t, conn)
	if welcome["method"] != "session" {
		t.Fatalf("welcome = %#v", welcome)
	}
	params, _ := welcome["params"].(map[string]any)
	if id, _ := params["session_id"].(string); id == "" {
		t.Fatalf("welcome params = %#v", params)
	}

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	reply := readWSFrame(t, conn)
	if reply["error"] != nil || reply["id"].(float64) != 1 {
		t.Fatalf("reply = %#v", reply)
	}
}

func TestWSRejectsBadKey(t *testing.T) {
	sessions, bridge, srv := newTestStack(t)
	ws := NewWSServer(testAPIConfig(), sessions, bridge, srv, zerolog.Nop())
	hs := httptest.NewServer(ws)
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	header := http.Header{}
	header.Set(apiKeyHeader, "wrong")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("dial succeeded with bad key")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %#v", resp)
	}
}

func TestWSQueryParamAuth(t *testing.T) {
	sessions, bridge, srv := newTestStack(t)
	ws := NewWSServer(testAPIConfig(), sessions, bridge, srv, zerolog.Nop())
	hs := httptest.NewServer(ws)
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "?api_key=sekrit"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
}

func TestWSReceivesEvents(t *testing.T) {
	conn, bridge, _ := dialWSServer(t, "sekrit")
	readWSFrame(t, conn) // welcome; queued after Subscribe

	bridge.Publish(events.New(events.TypeChannelMessage, map[string]any{"message": "hi"}))
	frame := readWSFrame(t, conn)
	if frame["method"] != events.TypeChannelMessage {
		t.Fatalf("frame = %#v", frame)
	}
	params, _ := frame["params"].(map[string]any)
	if params["message"] != "hi" || params["timestamp"] == nil {
		t.Fatalf("params = %#v", params)
	}
}

func TestWSFirstCallAuth(t *testing.T) {
	sessions, bridge, srv := newTestStack(t)
	ws := NewWSServer(testAPIConfig(), sessions, bridge, srv, zerolog.Nop())
	hs := httptest.NewServer(ws)
	defer hs.Close()

	// No key on the upgrade: the server accepts the socket and expects
	// authenticate as the first call.
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"authenticate","params":{"api_key":"sekrit"}}`)); err != nil {
		t.Fatal(err)
	}

	welcome := readWSFrame(t, conn)
	if welcome["method"] != "session" {
		t.Fatalf("welcome = %#v", welcome)
	}
	auth := readWSFrame(t, conn)
	result, _ := auth["result"].(map[string]any)
	if result["status"] != "authenticated" {
		t.Fatalf("auth reply = %#v", auth)
	}
}

func TestWSFirstCallAuthRejectsBadKey(t *testing.T) {
	sessions, bridge, srv := newTestStack(t)
	ws := NewWSServer(testAPIConfig(), sessions, bridge, srv, zerolog.Nop())
	hs := httptest.NewServer(ws)
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"authenticate","params":{"api_key":"wrong"}}`)); err != nil {
		t.Fatal(err)
	}
	reply := readWSFrame(t, conn)
	errObj, _ := reply["error"].(map[string]any)
	if errObj == nil || errObj["code"].(float64) != float64(rpc.CodeNotAuthenticated) {
		t.Fatalf("reply = %#v", reply)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after auth failure")
	}
}
