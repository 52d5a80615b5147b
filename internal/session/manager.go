package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
	"github.com/LuminariMUD/i3gateway/internal/metrics"
)

var (
	ErrTooManySessions = errors.New("session: session limit reached")
	ErrIPNotAllowed    = errors.New("session: client address not allowed")
)

// Manager owns the session registry and the background sweeper that
// expires stale queue entries and idle sessions.
type Manager struct {
	cfg     config.APIConfig
	qcfg    config.QueueConfig
	keyring *Keyring
	logger  zerolog.Logger
	metrics *metrics.Registry

	// allowed is nil when every source address is accepted.
	allowed []*net.IPNet

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds the registry.
func NewManager(cfg config.APIConfig, qcfg config.QueueConfig, keyring *Keyring, logger zerolog.Logger, reg *metrics.Registry) *Manager {
	m := &Manager{
		cfg:      cfg,
		qcfg:     qcfg,
		keyring:  keyring,
		logger:   logger.With().Str("component", "sessions").Logger(),
		metrics:  reg,
		sessions: make(map[string]*Session),
	}
	for _, entry := range cfg.AllowedIPs {
		ipnet := parseAllowedIP(entry)
		if ipnet == nil {
			m.logger.Warn().Str("entry", entry).Msg("unparseable allowed_ips entry ignored")
			continue
		}
		m.allowed = append(m.allowed, ipnet)
	}
	return m
}

// parseAllowedIP accepts a CIDR block or a bare address.
func parseAllowedIP(entry string) *net.IPNet {
	if _, ipnet, err := net.ParseCIDR(entry); err == nil {
		return ipnet
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

func (m *Manager) remoteAllowed(remote string) bool {
	if len(m.allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipnet := range m.allowed {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Authenticate verifies an API key and opens a session for it.
func (m *Manager) Authenticate(key, transport, remote string) (*Session, error) {
	if !m.remoteAllowed(remote) {
		if m.metrics != nil {
			m.metrics.AuthFailures.Inc()
		}
		m.logger.Warn().Str("remote", remote).Str("transport", transport).Msg("address not in allowlist")
		return nil, ErrIPNotAllowed
	}
	cred, err := m.keyring.Verify(key)
	if err != nil {
		if m.metrics != nil {
			m.metrics.AuthFailures.Inc()
		}
		m.logger.Warn().Str("remote", remote).Str("transport", transport).Msg("authentication failed")
		return nil, err
	}
	return m.open(cred, transport, remote)
}

func (m *Manager) open(cred *Credential, transport, remote string) (*Session, error) {
	var dropped func(string)
	if m.metrics != nil {
		dropped = func(reason string) {
			m.metrics.QueueDropped.WithLabelValues(reason).Inc()
		}
	}
	queue := NewQueue(m.qcfg.Capacity, m.qcfg.MessageTTL, dropped)
	limiter := NewRateLimiter(m.cfg.RatePerSecond, m.cfg.RateBurst, m.cfg.MethodRates)
	sess := NewSession(cred, transport, remote, queue, limiter)

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.sessions[sess.ID] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsTotal.Inc()
		m.metrics.SessionsActive.Set(float64(count))
	}
	m.logger.Info().
		Str("session_id", sess.ID).
		Str("key_id", cred.ID).
		Str("transport", transport).
		Str("remote", remote).
		Msg("session opened")

	sess.OnClose(func() { m.remove(sess.ID) })
	return sess, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(count))
	}
	m.logger.Info().Str("session_id", id).Msg("session closed")
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Range calls fn for every session in a point-in-time snapshot.
func (m *Manager) Range(fn func(*Session)) {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every session, used at shutdown.
func (m *Manager) CloseAll() {
	m.Range(func(s *Session) { s.Close() })
}

// Run sweeps queues and idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	every := m.qcfg.SweepEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	depth := 0
	m.Range(func(s *Session) {
		s.Queue.Sweep()
		depth += s.Queue.Len()
		if m.cfg.SessionTimeout > 0 && !s.Bound() && time.Since(s.LastActive()) > m.cfg.SessionTimeout {
			m.logger.Info().Str("session_id", s.ID).Msg("closing idle session")
			s.Close()
		}
	})
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(depth))
	}
}
