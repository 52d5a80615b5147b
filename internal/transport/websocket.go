// Package transport exposes the JSON-RPC surface to clients over
// WebSocket and newline-delimited TCP. Both transports hand decoded
// frames to the same rpc.Server and drain the same per-session
// priority queues.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
	"github.com/LuminariMUD/i3gateway/internal/events"
	"github.com/LuminariMUD/i3gateway/internal/logging"
	"github.com/LuminariMUD/i3gateway/internal/rpc"
	"github.com/LuminariMUD/i3gateway/internal/session"
)

// apiKeyHeader carries the credential on the upgrade request. A query
// parameter is accepted for clients that cannot set headers.
const apiKeyHeader = "X-API-Key"

// WSServer upgrades HTTP requests and runs one read/write pump pair per
// session.
type WSServer struct {
	cfg      config.APIConfig
	sessions *session.Manager
	bridge   *events.Bridge
	rpc      *rpc.Server
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSServer builds the WebSocket endpoint handler.
func NewWSServer(cfg config.APIConfig, sessions *session.Manager, bridge *events.Bridge, srv *rpc.Server, logger zerolog.Logger) *WSServer {
	return &WSServer{
		cfg:      cfg,
		sessions: sessions,
		bridge:   bridge,
		rpc:      srv,
		logger:   logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are programs, not browsers; origin carries no trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates, upgrades, and serves one client connection.
// Clients present their key in the upgrade request; a connection
// arriving without one must make authenticate its first call.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(apiKeyHeader)
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}

	var sess *session.Session
	if key != "" {
		var err error
		sess, err = s.sessions.Authenticate(key, "websocket", r.RemoteAddr)
		if err != nil {
			status := http.StatusUnauthorized
			if err == session.ErrTooManySessions {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		if sess != nil {
			sess.Close()
		}
		return
	}

	var authReply []byte
	if sess == nil {
		var ok bool
		sess, authReply, ok = s.firstCallAuth(conn, r.RemoteAddr)
		if !ok {
			conn.Close()
			return
		}
	}

	sess.Bind()
	s.bridge.Subscribe(sess)
	s.welcome(sess)
	// Queued after Subscribe so the write loop owns the socket from here.
	if authReply != nil {
		sess.Send(authReply, session.PriorityHighest)
	}

	done := make(chan struct{})
	sess.OnClose(func() { close(done) })

	go s.writePump(conn, sess, done)
	s.readPump(r.Context(), conn, sess)
}

// firstCallAuth consumes the mandatory authenticate call from a
// connection that upgraded without a key. Rejections are written
// directly since no write loop exists yet.
func (s *WSServer) firstCallAuth(conn *websocket.Conn, remote string) (*session.Session, []byte, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, false
	}

	sess, reply, rerr := authenticateFrame(s.sessions, raw, "websocket", remote)
	if rerr != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
		_ = conn.WriteMessage(websocket.TextMessage, rerr)
		return nil, nil, false
	}
	return sess, reply, true
}

// welcome queues the session id so the client learns it before any
// event arrives.
func (s *WSServer) welcome(sess *session.Session) {
	payload, err := rpc.Notification("session", map[string]any{"session_id": sess.ID})
	if err != nil {
		return
	}
	sess.Send(payload, session.PriorityHighest)
}

func (s *WSServer) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (s *WSServer) pingInterval() time.Duration {
	if s.cfg.PingInterval > 0 {
		return s.cfg.PingInterval
	}
	return 54 * time.Second
}

// pongWait gives the peer one full ping interval plus slack to answer.
func (s *WSServer) pongWait() time.Duration {
	return s.pingInterval() * 10 / 9
}

// readPump decodes frames and dispatches them until the peer goes away.
// Responses are queued at the highest band so they overtake buffered
// events.
func (s *WSServer) readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	defer logging.RecoverPanic(s.logger, "ws.reader")
	defer sess.Close()
	defer sess.Unbind()
	defer conn.Close()

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	conn.SetPongHandler(func(string) error {
		// Pongs count as activity; an event-only listener is not idle.
		sess.Touch()
		return conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	})

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("websocket read error")
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if resp := s.rpc.Dispatch(ctx, sess, raw); resp != nil {
			sess.Send(resp, session.PriorityHighest)
		}
	}
}

// writePump drains the session queue onto the wire and keeps the
// connection alive with pings.
func (s *WSServer) writePump(conn *websocket.Conn, sess *session.Session, done <-chan struct{}) {
	defer logging.RecoverPanic(s.logger, "ws.writer")
	defer conn.Close()

	ticker := time.NewTicker(s.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-sess.Queue.Notify():
			for {
				payload, ok := sess.Queue.Pop()
				if !ok {
					break
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					sess.Close()
					return
				}
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Close()
				return
			}
		}
	}
}
