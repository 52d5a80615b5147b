package events

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/metrics"
	"github.com/LuminariMUD/i3gateway/internal/session"
)

// notification is the JSON-RPC push frame wrapping an event. The event
// type is the method; the payload plus a timestamp is the params.
type notification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// Exporter mirrors published events to an external system.
type Exporter interface {
	Export(e Event, payload []byte)
}

// subscription records what one session wants to hear.
type subscription struct {
	sess *session.Session

	mu          sync.Mutex
	types       map[string]bool // empty means all types
	channels    map[string]bool // the channels this session joined
	excludeSelf bool
}

func (sub *subscription) wants(e Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.excludeSelf && e.OriginMud != "" && sub.sess.Cred != nil &&
		sub.sess.Cred.MudName == e.OriginMud {
		return false
	}
	if len(sub.types) > 0 && !sub.types[e.Type] {
		return false
	}
	// Channel traffic goes only to sessions that joined the channel.
	if e.Channel != "" && !sub.channels[e.Channel] {
		return false
	}
	return true
}

// Bridge routes events to subscribed sessions.
type Bridge struct {
	logger   zerolog.Logger
	metrics  *metrics.Registry
	exporter Exporter

	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewBridge creates an empty bridge. exporter may be nil.
func NewBridge(logger zerolog.Logger, reg *metrics.Registry, exporter Exporter) *Bridge {
	return &Bridge{
		logger:   logger.With().Str("component", "events").Logger(),
		metrics:  reg,
		exporter: exporter,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe registers a session. It receives every non-channel event
// except its own mud's traffic; channel traffic starts flowing once it
// joins channels. The subscription is removed when the session closes.
func (b *Bridge) Subscribe(sess *session.Session) {
	sub := &subscription{
		sess:        sess,
		types:       make(map[string]bool),
		channels:    make(map[string]bool),
		excludeSelf: true,
	}
	b.mu.Lock()
	b.subs[sess.ID] = sub
	b.mu.Unlock()
	sess.OnClose(func() {
		b.mu.Lock()
		delete(b.subs, sess.ID)
		b.mu.Unlock()
	})
}

// SetTypeFilter restricts a session to the named event types. An empty
// list clears the filter.
func (b *Bridge) SetTypeFilter(sessionID string, types []string) bool {
	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	sub.types = make(map[string]bool, len(types))
	for _, t := range types {
		sub.types[t] = true
	}
	sub.mu.Unlock()
	return true
}

// SetChannels replaces a session's joined-channel set wholesale.
func (b *Bridge) SetChannels(sessionID string, channels []string) bool {
	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	sub.channels = make(map[string]bool, len(channels))
	for _, c := range channels {
		sub.channels[c] = true
	}
	sub.mu.Unlock()
	return true
}

// JoinChannel adds one channel to a session's joined set.
func (b *Bridge) JoinChannel(sessionID, channel string) bool {
	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	sub.channels[channel] = true
	sub.mu.Unlock()
	return true
}

// LeaveChannel removes one channel from a session's joined set.
func (b *Bridge) LeaveChannel(sessionID, channel string) bool {
	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	delete(sub.channels, channel)
	sub.mu.Unlock()
	return true
}

// ChannelInUse reports whether any session still wants the channel's
// traffic.
func (b *Bridge) ChannelInUse(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.mu.Lock()
		joined := sub.channels[channel]
		sub.mu.Unlock()
		if joined {
			return true
		}
	}
	return false
}

// SetExcludeSelf controls whether a session hears events originated by
// its own mud. On by default.
func (b *Bridge) SetExcludeSelf(sessionID string, exclude bool) bool {
	b.mu.RLock()
	sub, ok := b.subs[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	sub.excludeSelf = exclude
	sub.mu.Unlock()
	return true
}

// Publish fans an event out to every interested session.
func (b *Bridge) Publish(e Event) {
	params := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		params[k] = v
	}
	params["timestamp"] = e.Timestamp
	payload, err := json.Marshal(notification{JSONRPC: "2.0", Method: e.Type, Params: params})
	if err != nil {
		b.logger.Error().Err(err).Str("type", e.Type).Msg("event marshal failed")
		return
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	priority := Priority(e.Type)
	delivered := 0
	for _, sub := range subs {
		// Error packets carry operator detail; only admin keys hear them.
		if e.Type == TypeErrorOccurred && (sub.sess.Cred == nil || !sub.sess.Cred.Can(session.CapAdmin)) {
			continue
		}
		if !sub.wants(e) {
			continue
		}
		if sub.sess.Send(payload, priority) {
			delivered++
		}
	}
	if b.metrics != nil && delivered > 0 {
		b.metrics.EventsDelivered.WithLabelValues(e.Type).Add(float64(delivered))
	}
	if b.exporter != nil {
		b.exporter.Export(e, payload)
	}
	b.logger.Debug().Str("type", e.Type).Int("delivered", delivered).Msg("event published")
}
