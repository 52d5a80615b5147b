package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
	"github.com/LuminariMUD/i3gateway/internal/events"
	"github.com/LuminariMUD/i3gateway/internal/logging"
	"github.com/LuminariMUD/i3gateway/internal/rpc"
	"github.com/LuminariMUD/i3gateway/internal/session"
)

// TCPServer speaks newline-delimited JSON-RPC. The first line of every
// connection must be an authenticate call; everything after it goes
// through the shared method table.
type TCPServer struct {
	cfg      config.APIConfig
	sessions *session.Manager
	bridge   *events.Bridge
	rpc      *rpc.Server
	logger   zerolog.Logger
}

// NewTCPServer builds the line-protocol listener handler.
func NewTCPServer(cfg config.APIConfig, sessions *session.Manager, bridge *events.Bridge, srv *rpc.Server, logger zerolog.Logger) *TCPServer {
	return &TCPServer{
		cfg:      cfg,
		sessions: sessions,
		bridge:   bridge,
		rpc:      srv,
		logger:   logger.With().Str("component", "tcp").Logger(),
	}
}

// Serve accepts connections until ctx is cancelled or the listener
// closes.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer logging.RecoverPanic(s.logger, "tcp.conn")
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	maxLine := int(s.cfg.MaxMessageSize)
	if maxLine <= 0 {
		maxLine = 64 << 10
	}
	scanner.Buffer(make([]byte, 4096), maxLine)

	s.greet(conn)

	sess, reply, ok := s.authenticate(conn, scanner, remote)
	if !ok {
		return
	}
	defer sess.Close()
	defer sess.Unbind()
	sess.Bind()

	s.bridge.Subscribe(sess)

	// The reply goes through the queue so the write loop owns the socket
	// exclusively.
	if reply != nil {
		sess.Send(reply, session.PriorityHighest)
	}
	done := make(chan struct{})
	sess.OnClose(func() { close(done) })
	go s.writeLoop(conn, sess, done)

	for scanner.Scan() {
		s.refreshReadDeadline(conn)
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer across lines; dispatch synchronously.
		if resp := s.rpc.Dispatch(ctx, sess, line); resp != nil {
			sess.Send(resp, session.PriorityHighest)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("tcp read error")
	}
}

// greet announces the protocol on accept, before the client's first
// line. Written directly since no session exists yet.
func (s *TCPServer) greet(conn net.Conn) {
	payload, err := rpc.Notification("welcome", map[string]any{
		"protocol":      "jsonrpc-2.0",
		"auth_required": true,
	})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
	_, _ = conn.Write(append(payload, '\n'))
}

// authenticate consumes the mandatory first line. Rejections are
// written directly since no session exists yet; the success reply is
// returned serialized for the caller to queue.
func (s *TCPServer) authenticate(conn net.Conn, scanner *bufio.Scanner, remote string) (*session.Session, []byte, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	if !scanner.Scan() {
		return nil, nil, false
	}
	s.refreshReadDeadline(conn)

	sess, reply, reject := authenticateFrame(s.sessions, scanner.Bytes(), "tcp", remote)
	if reject != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
		_, _ = conn.Write(reject)
		_, _ = conn.Write([]byte{'\n'})
		return nil, nil, false
	}
	return sess, reply, true
}

func (s *TCPServer) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}

// refreshReadDeadline pushes the idle cutoff forward after each line.
func (s *TCPServer) refreshReadDeadline(conn net.Conn) {
	if s.cfg.SessionTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SessionTimeout))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
}

// writeLoop drains the session queue, one frame per line. Payloads are
// shared between sessions, so the newline goes through a local buffer
// rather than an append.
func (s *TCPServer) writeLoop(conn net.Conn, sess *session.Session, done <-chan struct{}) {
	defer logging.RecoverPanic(s.logger, "tcp.writer")
	defer conn.Close()

	w := bufio.NewWriter(conn)
	for {
		select {
		case <-done:
			return
		case <-sess.Queue.Notify():
			for {
				payload, ok := sess.Queue.Pop()
				if !ok {
					break
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
				w.Write(payload)
				w.WriteByte('\n')
				if err := w.Flush(); err != nil {
					sess.Close()
					return
				}
			}
		}
	}
}
