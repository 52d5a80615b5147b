// Package events fans gateway events out to subscribed client sessions
// and, optionally, mirrors them onto NATS for out-of-process consumers.
package events

import (
	"time"

	"github.com/LuminariMUD/i3gateway/internal/session"
)

// Event type names pushed to API clients. The type doubles as the
// JSON-RPC notification method.
const (
	TypeTellReceived       = "tell_received"
	TypeEmotetoReceived    = "emoteto_received"
	TypeChannelMessage     = "channel_message"
	TypeChannelEmote       = "channel_emote"
	TypeChannelTarget      = "channel_targeted_emote"
	TypeMudOnline          = "mud_online"
	TypeMudOffline         = "mud_offline"
	TypeChannelAdded       = "channel_added"
	TypeChannelRemoved     = "channel_removed"
	TypeChannelJoined      = "channel_joined"
	TypeChannelLeft        = "channel_left"
	TypeUserStatusChanged  = "user_status_changed"
	TypeGatewayState       = "gateway_state"
	TypeGatewayReconnected = "gateway_reconnected"
	TypeErrorOccurred      = "error_occurred"
	TypeShutdownWarning    = "shutdown_warning"
)

// Event is one occurrence pushed to clients.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`

	// Channel is set for channel traffic so subscriptions can filter.
	Channel string `json:"-"`
	// OriginMud names the mud whose traffic caused the event, used for
	// exclude_self filtering. Empty for gateway-internal events.
	OriginMud string `json:"-"`
}

// New builds an event stamped with the current time.
func New(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// Priority maps an event type to its outbound queue band. Gateway state
// changes and errors preempt chat traffic; info replies trail it.
func Priority(eventType string) int {
	switch eventType {
	case TypeGatewayState, TypeGatewayReconnected, TypeShutdownWarning:
		return session.PriorityHighest
	case TypeErrorOccurred:
		return 2
	case TypeTellReceived, TypeEmotetoReceived:
		return 3
	case TypeMudOnline, TypeMudOffline, TypeChannelAdded, TypeChannelRemoved,
		TypeChannelJoined, TypeChannelLeft, TypeUserStatusChanged:
		return 7
	default:
		return session.PriorityDefault
	}
}
