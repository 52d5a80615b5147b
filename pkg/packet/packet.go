// Package packet defines the typed packet model for the intermud wire
// protocol. Every packet kind is a record with a fixed positional layout:
// position 0 is the kind, 1 the TTL, 2-5 the addressing header, 6+ the
// kind-specific payload. Translation to and from lpc value trees is
// positional, never by name.
package packet

import (
	"fmt"
)

// Kind discriminates the packet family. The set is closed.
type Kind string

const (
	KindTell          Kind = "tell"
	KindEmoteTo       Kind = "emoteto"
	KindChannelM      Kind = "channel-m"
	KindChannelE      Kind = "channel-e"
	KindChannelT      Kind = "channel-t"
	KindChannelAdd    Kind = "channel-add"
	KindChannelRemove Kind = "channel-remove"
	KindChannelAdmin  Kind = "channel-admin"
	KindChannelFilter Kind = "channel-filter"
	KindChannelWho    Kind = "channel-who"
	KindChannelListen Kind = "channel-listen"
	KindChanlistReply Kind = "chanlist-reply"
	KindWhoReq        Kind = "who-req"
	KindWhoReply      Kind = "who-reply"
	KindFingerReq     Kind = "finger-req"
	KindFingerReply   Kind = "finger-reply"
	KindLocateReq     Kind = "locate-req"
	KindLocateReply   Kind = "locate-reply"
	KindStartupReq3   Kind = "startup-req-3"
	KindStartupReply  Kind = "startup-reply"
	KindShutdown      Kind = "shutdown"
	KindMudlist       Kind = "mudlist"
	KindError         Kind = "error"
	KindAuthMudReq    Kind = "auth-mud-req"
	KindAuthMudReply  Kind = "auth-mud-reply"
	KindOOBReq        Kind = "oob-req"
	KindOOBBegin      Kind = "oob-begin"
	KindMail          Kind = "mail"
	KindMailAck       Kind = "mail-ack"
	KindNews          Kind = "news"
	KindNewsReadReq   Kind = "news-read-req"
	KindFile          Kind = "file"
)

// TTLCeiling is the policy ceiling for newly built and reply packets.
const TTLCeiling = 200

// headerLen is the number of positional fields shared by every kind.
const headerLen = 6

// Header carries the fields common to every packet: TTL and the four
// addressing fields. Empty addressing strings encode as integer 0 on the
// wire, which is how the protocol spells "no user" and "broadcast".
type Header struct {
	TTL            int
	OriginatorMud  string
	OriginatorUser string
	TargetMud      string
	TargetUser     string
}

// Packet is implemented by every kind record.
type Packet interface {
	Kind() Kind
	Header() *Header

	// payload returns the kind-specific positions 6+.
	payload() []any

	// decodePayload fills the record from positions 6+. Length has
	// already been checked against payloadLen.
	decodePayload(fields []any) error

	// payloadLen is the exact number of kind-specific fields.
	payloadLen() int

	// Validate applies kind-specific rules beyond field presence.
	Validate() error
}

// ValidationError reports a packet that violates its kind's layout or
// rules.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("packet %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("packet %s: field %s: %s", e.Kind, e.Field, e.Reason)
}

func invalid(kind Kind, field, reason string) error {
	return &ValidationError{Kind: kind, Field: field, Reason: reason}
}

// IsBroadcast reports whether a target mud field addresses every mud.
func IsBroadcast(targetMud string) bool {
	return targetMud == "" || targetMud == "*"
}

// factories maps kinds to empty record constructors.
var factories = map[Kind]func() Packet{
	KindTell:          func() Packet { return &Tell{} },
	KindEmoteTo:       func() Packet { return &EmoteTo{} },
	KindChannelM:      func() Packet { return &ChannelMessage{} },
	KindChannelE:      func() Packet { return &ChannelEmote{} },
	KindChannelT:      func() Packet { return &ChannelTargetedEmote{} },
	KindChannelAdd:    func() Packet { return &ChannelAdd{} },
	KindChannelRemove: func() Packet { return &ChannelRemove{} },
	KindChannelAdmin:  func() Packet { return &ChannelAdmin{} },
	KindChannelFilter: func() Packet { return &ChannelFilter{} },
	KindChannelWho:    func() Packet { return &ChannelWho{} },
	KindChannelListen: func() Packet { return &ChannelListen{} },
	KindChanlistReply: func() Packet { return &ChanlistReply{} },
	KindWhoReq:        func() Packet { return &WhoReq{} },
	KindWhoReply:      func() Packet { return &WhoReply{} },
	KindFingerReq:     func() Packet { return &FingerReq{} },
	KindFingerReply:   func() Packet { return &FingerReply{} },
	KindLocateReq:     func() Packet { return &LocateReq{} },
	KindLocateReply:   func() Packet { return &LocateReply{} },
	KindStartupReq3:   func() Packet { return &StartupReq3{} },
	KindStartupReply:  func() Packet { return &StartupReply{} },
	KindShutdown:      func() Packet { return &Shutdown{} },
	KindMudlist:       func() Packet { return &Mudlist{} },
	KindError:         func() Packet { return &Error{} },
	KindAuthMudReq:    func() Packet { return &AuthMudReq{} },
	KindAuthMudReply:  func() Packet { return &AuthMudReply{} },
	KindOOBReq:        func() Packet { return &OOBReq{} },
	KindOOBBegin:      func() Packet { return &OOBBegin{} },
	KindMail:          func() Packet { return &Mail{} },
	KindMailAck:       func() Packet { return &MailAck{} },
	KindNews:          func() Packet { return &News{} },
	KindNewsReadReq:   func() Packet { return &NewsReadReq{} },
	KindFile:          func() Packet { return &File{} },
}

// KnownKind reports whether k names a packet kind.
func KnownKind(k Kind) bool {
	_, ok := factories[k]
	return ok
}

// ToSequence writes p's positional fields as an lpc value tree.
func ToSequence(p Packet) []any {
	h := p.Header()
	seq := make([]any, 0, headerLen+p.payloadLen())
	seq = append(seq,
		string(p.Kind()),
		h.TTL,
		addrOut(h.OriginatorMud),
		addrOut(h.OriginatorUser),
		addrOut(h.TargetMud),
		addrOut(h.TargetUser),
	)
	return append(seq, p.payload()...)
}

// FromSequence validates the positional layout, coerces each field to its
// declared type, applies kind defaults, and returns the typed record.
func FromSequence(seq []any) (Packet, error) {
	if len(seq) < headerLen {
		return nil, invalid("", "", fmt.Sprintf("sequence has %d fields, need at least %d", len(seq), headerLen))
	}
	name, ok := seq[0].(string)
	if !ok {
		return nil, invalid("", "kind", fmt.Sprintf("expected string, got %T", seq[0]))
	}
	kind := Kind(name)
	factory, ok := factories[kind]
	if !ok {
		return nil, invalid(kind, "kind", "unknown packet kind")
	}
	p := factory()

	if len(seq) != headerLen+p.payloadLen() {
		return nil, invalid(kind, "", fmt.Sprintf("sequence has %d fields, kind requires exactly %d", len(seq), headerLen+p.payloadLen()))
	}

	h := p.Header()
	ttl, ok := seq[1].(int)
	if !ok {
		return nil, invalid(kind, "ttl", fmt.Sprintf("expected integer, got %T", seq[1]))
	}
	if ttl < 0 || ttl > TTLCeiling {
		return nil, invalid(kind, "ttl", fmt.Sprintf("%d outside 0..%d", ttl, TTLCeiling))
	}
	h.TTL = ttl

	var err error
	if h.OriginatorMud, err = addrIn(kind, "originator_mud", seq[2]); err != nil {
		return nil, err
	}
	if h.OriginatorUser, err = addrIn(kind, "originator_user", seq[3]); err != nil {
		return nil, err
	}
	if h.TargetMud, err = addrIn(kind, "target_mud", seq[4]); err != nil {
		return nil, err
	}
	if h.TargetUser, err = addrIn(kind, "target_user", seq[5]); err != nil {
		return nil, err
	}

	if err := p.decodePayload(seq[headerLen:]); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ReplyHeader builds the header for a reply to req: addresses swapped,
// TTL reset to the policy ceiling.
func ReplyHeader(req *Header) Header {
	return Header{
		TTL:            TTLCeiling,
		OriginatorMud:  req.TargetMud,
		OriginatorUser: req.TargetUser,
		TargetMud:      req.OriginatorMud,
		TargetUser:     req.OriginatorUser,
	}
}

// NewError builds an error packet addressed back to req's originator.
func NewError(req *Header, code, message string, offending any) *Error {
	return &Error{
		Hdr:       ReplyHeader(req),
		Code:      code,
		Message:   message,
		BadPacket: offending,
	}
}

// Field coercion helpers. Addressing and most string slots tolerate the
// protocol's 0-for-absent convention.

func addrOut(s string) any {
	if s == "" {
		return 0
	}
	return s
}

func addrIn(kind Kind, field string, v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case int:
		if val == 0 {
			return "", nil
		}
		return "", invalid(kind, field, fmt.Sprintf("expected string or 0, got %d", val))
	case nil:
		return "", nil
	default:
		return "", invalid(kind, field, fmt.Sprintf("expected string, got %T", v))
	}
}

// fieldString coerces a required string payload slot; null and 0 become
// the empty string and are rejected later by Validate where non-empty is
// required.
func fieldString(kind Kind, field string, v any) (string, error) {
	return addrIn(kind, field, v)
}

func fieldInt(kind Kind, field string, v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case nil:
		return 0, nil
	default:
		return 0, invalid(kind, field, fmt.Sprintf("expected integer, got %T", v))
	}
}

// fieldMap coerces a mapping slot. When required is false, null is
// accepted and returned as a nil map; an absent mapping is emitted as the
// null marker on encode, never as an empty map.
func fieldMap(kind Kind, field string, v any, required bool) (map[string]any, error) {
	switch val := v.(type) {
	case map[string]any:
		return val, nil
	case nil:
		if required {
			return nil, invalid(kind, field, "required mapping is absent")
		}
		return nil, nil
	default:
		return nil, invalid(kind, field, fmt.Sprintf("expected mapping, got %T", v))
	}
}

func fieldList(kind Kind, field string, v any, required bool) ([]any, error) {
	switch val := v.(type) {
	case []any:
		return val, nil
	case nil:
		if required {
			return nil, invalid(kind, field, "required list is absent")
		}
		return nil, nil
	default:
		return nil, invalid(kind, field, fmt.Sprintf("expected list, got %T", v))
	}
}

func mapOut(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func listOut(l []any) any {
	if l == nil {
		return nil
	}
	return l
}
