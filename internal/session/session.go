// Package session tracks authenticated API clients: their credentials,
// rate limits, and banded outbound queues.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one authenticated client connection.
type Session struct {
	ID        string
	Cred      *Credential
	Transport string // "websocket" or "tcp"
	Remote    string
	Created   time.Time

	Queue   *Queue
	Limiter *RateLimiter

	mu         sync.Mutex
	lastActive time.Time
	bound      bool
	closed     bool
	onClose    []func()
}

// NewSession creates a session with a fresh identifier. Reconnecting
// clients always receive a new session; queued state never carries over.
func NewSession(cred *Credential, transport, remote string, queue *Queue, limiter *RateLimiter) *Session {
	now := time.Now()
	return &Session{
		ID:         uuid.NewString(),
		Cred:       cred,
		Transport:  transport,
		Remote:     remote,
		Created:    now,
		Queue:      queue,
		Limiter:    limiter,
		lastActive: now,
	}
}

// Touch records client activity for idle tracking.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the last client request.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Bind marks a transport as attached. The idle sweeper never closes a
// bound session; an attached client that only listens for events is not
// idle.
func (s *Session) Bind() {
	s.mu.Lock()
	s.bound = true
	s.mu.Unlock()
}

// Unbind marks the transport as detached and restarts the idle clock,
// giving the session its full timeout before the sweeper may claim it.
func (s *Session) Unbind() {
	s.mu.Lock()
	s.bound = false
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Bound reports whether a transport is attached.
func (s *Session) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Send buffers an outbound payload at the given priority. Returns false
// if the session is closed or the queue rejected the message.
func (s *Session) Send(payload []byte, priority int) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	return s.Queue.Push(payload, priority)
}

// OnClose registers a hook invoked exactly once when the session closes.
// A hook registered after close runs immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Close marks the session dead and runs close hooks. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
