// Package services implements the gateway's application logic: inbound
// packets become client events, client RPC calls become outbound
// packets, and information queries are answered from the replica or by
// asking the network.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminariMUD/i3gateway/internal/config"
	"github.com/LuminariMUD/i3gateway/internal/events"
	"github.com/LuminariMUD/i3gateway/internal/metrics"
	"github.com/LuminariMUD/i3gateway/internal/router"
	"github.com/LuminariMUD/i3gateway/internal/rpc"
	"github.com/LuminariMUD/i3gateway/internal/state"
	"github.com/LuminariMUD/i3gateway/pkg/packet"
)

// queryTimeout bounds how long an RPC waits for a network reply.
// Locate fans out to the whole network and returns the first sighting,
// so it gets a much shorter leash.
const (
	queryTimeout  = 30 * time.Second
	locateTimeout = 5 * time.Second
)

// Dispatcher ties the router connection, the state replica, and the
// event bridge together.
type Dispatcher struct {
	mud     config.MudConfig
	conn    *router.Conn
	store   *state.Store
	users   *state.Users
	bridge  *events.Bridge
	history *state.History
	logger  zerolog.Logger
	metrics *metrics.Registry

	pending     *pendingTable
	whoCache    *state.TTLCache
	fingerCache *state.TTLCache

	startedAt time.Time
}

// NewDispatcher wires the dispatcher and registers it for inbound
// packets and state changes.
func NewDispatcher(mud config.MudConfig, scfg config.StateConfig, conn *router.Conn, store *state.Store, bridge *events.Bridge, logger zerolog.Logger, reg *metrics.Registry) *Dispatcher {
	cacheTTL := scfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	d := &Dispatcher{
		mud:         mud,
		conn:        conn,
		store:       store,
		users:       state.NewUsers(),
		bridge:      bridge,
		history:     state.NewHistory(scfg.HistorySize),
		logger:      logger.With().Str("component", "dispatcher").Logger(),
		metrics:     reg,
		pending:     newPendingTable(),
		whoCache:    state.NewTTLCache(cacheTTL),
		fingerCache: state.NewTTLCache(cacheTTL),
		startedAt:   time.Now(),
	}
	conn.OnPacket = d.HandlePacket
	conn.OnStateChange = d.handleStateChange
	conn.OnMudlistChanges = d.publishMudlistChanges
	conn.OnChanlistChanges = d.publishChanlistChanges
	return d
}

// queryKey normalizes a pending-table or cache key. Mud and user names
// compare case-insensitively on the network, and replies may carry a
// different casing than the request.
func queryKey(kind string, parts ...string) string {
	key := kind
	for _, p := range parts {
		key += ":" + strings.ToLower(p)
	}
	return key
}

func (d *Dispatcher) handleStateChange(old, next router.State, routerName string) {
	d.bridge.Publish(events.New(events.TypeGatewayState, map[string]any{
		"state":  next.String(),
		"router": routerName,
	}))
	if next == router.StateReady {
		d.bridge.Publish(events.New(events.TypeGatewayReconnected, map[string]any{
			"router": routerName,
		}))
		// Subscriptions do not survive on the router side; renew them.
		go d.RelistenChannels()
	}
}

// publishFrom tags the event with its originating mud before fanning
// it out, so exclude_self filtering can apply.
func (d *Dispatcher) publishFrom(originMud, eventType string, data map[string]any) {
	e := events.New(eventType, data)
	e.OriginMud = originMud
	d.bridge.Publish(e)
}

// HandlePacket processes one inbound packet from the router.
func (d *Dispatcher) HandlePacket(p packet.Packet) {
	h := p.Header()
	if h.TTL <= 0 {
		if d.metrics != nil {
			d.metrics.PacketErrors.WithLabelValues("ttl_expired").Inc()
		}
		d.logger.Debug().Str("kind", string(p.Kind())).Str("from", h.OriginatorMud).Msg("packet ttl expired")
		return
	}
	switch pkt := p.(type) {
	case *packet.Tell:
		d.publishFrom(h.OriginatorMud, events.TypeTellReceived, map[string]any{
			"from_mud":  h.OriginatorMud,
			"from_user": h.OriginatorUser,
			"to_user":   h.TargetUser,
			"visname":   pkt.Visname,
			"message":   pkt.Message,
		})

	case *packet.EmoteTo:
		d.publishFrom(h.OriginatorMud, events.TypeEmotetoReceived, map[string]any{
			"from_mud":  h.OriginatorMud,
			"from_user": h.OriginatorUser,
			"to_user":   h.TargetUser,
			"visname":   pkt.Visname,
			"message":   pkt.Message,
		})

	case *packet.ChannelMessage:
		d.channelTraffic(events.TypeChannelMessage, h, pkt.Channel, pkt.Visname, pkt.Message, nil)

	case *packet.ChannelEmote:
		d.channelTraffic(events.TypeChannelEmote, h, pkt.Channel, pkt.Visname, pkt.Message, nil)

	case *packet.ChannelTargetedEmote:
		d.channelTraffic(events.TypeChannelTarget, h, pkt.Channel, pkt.Visname, pkt.MessageOthers, map[string]any{
			"target_mud":     pkt.TargMud,
			"target_user":    pkt.TargUser,
			"target_visname": pkt.TargVisname,
			"message_target": pkt.MessageTarget,
		})

	case *packet.Mudlist, *packet.ChanlistReply:
		// Applied by the connection; presence events flow through the
		// change callbacks.

	case *packet.WhoReply:
		d.whoCache.Put(queryKey("who", h.OriginatorMud), pkt.Who)
		d.pending.resolve(queryKey("who", h.OriginatorMud), pkt.Who)

	case *packet.FingerReply:
		reply := fingerResult(pkt)
		d.fingerCache.Put(queryKey("finger", h.OriginatorMud, pkt.Visname), reply)
		d.pending.resolve(queryKey("finger", h.OriginatorMud, pkt.Visname), reply)

	case *packet.LocateReply:
		d.pending.resolve(queryKey("locate", pkt.LocatedUser), map[string]any{
			"mud":       pkt.LocatedMud,
			"user":      pkt.LocatedUser,
			"idle_time": pkt.IdleTime,
			"status":    pkt.Status,
		})

	case *packet.WhoReq:
		d.send(&packet.WhoReply{Hdr: packet.ReplyHeader(h), Who: d.whoRoster()})

	case *packet.FingerReq:
		d.answerFinger(h, pkt.User)

	case *packet.LocateReq:
		// Silence means "not here"; only the hosting mud answers.
		if u, ok := d.users.Get(pkt.User); ok && u.Online {
			// The request was a broadcast, so the reply header names us
			// explicitly.
			hdr := packet.ReplyHeader(h)
			hdr.OriginatorMud = d.mud.Name
			d.send(&packet.LocateReply{
				Hdr:         hdr,
				LocatedMud:  d.mud.Name,
				LocatedUser: u.Visname,
				IdleTime:    u.IdleSeconds(),
				Status:      u.StatusMessage,
			})
		}

	case *packet.ChannelWho:
		// One kind serves both directions: a populated user list is the
		// reply, an empty one the request.
		if len(pkt.Users) > 0 {
			d.pending.resolve(queryKey("chanwho", h.OriginatorMud, pkt.Channel), pkt.Users)
			break
		}
		d.send(&packet.ChannelWho{
			Hdr:     packet.ReplyHeader(h),
			Channel: pkt.Channel,
			Users:   d.onlineVisnames(),
		})

	case *packet.Error:
		d.logger.Warn().
			Str("code", pkt.Code).
			Str("message", pkt.Message).
			Str("from", h.OriginatorMud).
			Msg("error packet received")
		d.publishFrom(h.OriginatorMud, events.TypeErrorOccurred, map[string]any{
			"code":     pkt.Code,
			"message":  pkt.Message,
			"from_mud": h.OriginatorMud,
			"to_user":  h.TargetUser,
		})

	case *packet.Shutdown:
		d.bridge.Publish(events.New(events.TypeShutdownWarning, map[string]any{
			"mud":           h.OriginatorMud,
			"restart_delay": pkt.RestartDelay,
		}))

	case *packet.StartupReply, *packet.OOBReq, *packet.OOBBegin:
		// Connection-level traffic; nothing to route.

	case *packet.Mail, *packet.MailAck, *packet.News, *packet.NewsReadReq, *packet.File,
		*packet.AuthMudReq, *packet.AuthMudReply, *packet.ChannelFilter,
		*packet.ChannelAdmin:
		// Recognized but unsupported services get a polite refusal when
		// they address us directly.
		if !packet.IsBroadcast(h.TargetMud) {
			d.send(packet.NewError(h, packet.ErrCodeNotImp, fmt.Sprintf("service %s not implemented", p.Kind()), nil))
		}

	default:
		d.logger.Debug().Str("kind", string(p.Kind())).Msg("unrouted packet")
	}
}

func (d *Dispatcher) channelTraffic(eventType string, h *packet.Header, channel, visname, message string, extra map[string]any) {
	kind := "m"
	switch eventType {
	case events.TypeChannelEmote:
		kind = "e"
	case events.TypeChannelTarget:
		kind = "t"
	}
	d.history.Append(state.HistoryEntry{
		Channel: channel,
		Mud:     h.OriginatorMud,
		User:    h.OriginatorUser,
		Visname: visname,
		Kind:    kind,
		Message: message,
		At:      time.Now().UTC(),
	})
	data := map[string]any{
		"channel":   channel,
		"from_mud":  h.OriginatorMud,
		"from_user": h.OriginatorUser,
		"visname":   visname,
		"message":   message,
	}
	for k, v := range extra {
		data[k] = v
	}
	e := events.New(eventType, data)
	e.Channel = channel
	e.OriginMud = h.OriginatorMud
	d.bridge.Publish(e)
}

// whoRoster snapshots local online users in who-reply row layout:
// visname, idle seconds, title.
func (d *Dispatcher) whoRoster() []any {
	online := d.users.Online()
	rows := make([]any, 0, len(online))
	for _, u := range online {
		rows = append(rows, []any{u.Visname, u.IdleSeconds(), u.Title})
	}
	return rows
}

func (d *Dispatcher) onlineVisnames() []any {
	online := d.users.Online()
	names := make([]any, 0, len(online))
	for _, u := range online {
		names = append(names, u.Visname)
	}
	return names
}

func (d *Dispatcher) answerFinger(h *packet.Header, user string) {
	u, ok := d.users.Get(user)
	if !ok {
		d.send(packet.NewError(h, packet.ErrCodeUnkUser, fmt.Sprintf("no such user: %s", user), nil))
		return
	}
	ip := u.IPAddr
	if d.mud.HideIP {
		ip = ""
	}
	d.send(&packet.FingerReply{
		Hdr:      packet.ReplyHeader(h),
		Visname:  u.Visname,
		Title:    u.Title,
		RealName: u.RealName,
		Email:    u.Email,
		LoginOut: u.LoginAt.Format(time.ANSIC),
		IdleTime: u.IdleSeconds(),
		IPName:   ip,
		Level:    u.Level,
	})
}

// UpsertUser records local user presence and announces the change.
func (d *Dispatcher) UpsertUser(u state.UserSession) {
	d.users.Upsert(u)
	d.bridge.Publish(events.New(events.TypeUserStatusChanged, map[string]any{
		"user":           u.UserName,
		"online":         u.Online,
		"status_message": u.StatusMessage,
	}))
}

// publishMudlistChanges emits online/offline events for state
// transitions only; an info refresh of an already-online mud stays
// quiet.
func (d *Dispatcher) publishMudlistChanges(changes []state.MudChange) {
	for _, ch := range changes {
		switch {
		case ch.Up && !ch.WasUp:
			data := map[string]any{"mud": ch.Name}
			if m, ok := d.store.Mud(ch.Name); ok {
				data["driver"] = m.Driver
				data["mudlib"] = m.Mudlib
			}
			d.bridge.Publish(events.New(events.TypeMudOnline, data))
		case !ch.Up && ch.WasUp:
			d.bridge.Publish(events.New(events.TypeMudOffline, map[string]any{"mud": ch.Name}))
		}
	}
}

func (d *Dispatcher) publishChanlistChanges(changes []state.ChannelChange) {
	for _, ch := range changes {
		switch {
		case ch.Removed:
			d.bridge.Publish(events.New(events.TypeChannelRemoved, map[string]any{"channel": ch.Name}))
		case ch.Added:
			data := map[string]any{"channel": ch.Name}
			if c, ok := d.store.Channel(ch.Name); ok {
				data["owner"] = c.Owner
				data["type"] = c.Type
			}
			d.bridge.Publish(events.New(events.TypeChannelAdded, data))
		}
	}
}

func (d *Dispatcher) send(p packet.Packet) {
	if err := d.conn.Send(p); err != nil {
		d.logger.Warn().Err(err).Str("kind", string(p.Kind())).Msg("outbound packet dropped")
	}
}

func fingerResult(pkt *packet.FingerReply) map[string]any {
	return map[string]any{
		"visname":       pkt.Visname,
		"title":         pkt.Title,
		"real_name":     pkt.RealName,
		"email":         pkt.Email,
		"loginout_time": pkt.LoginOut,
		"idle_time":     pkt.IdleTime,
		"ip_name":       pkt.IPName,
		"level":         pkt.Level,
		"extra_info":    pkt.ExtraInfo,
	}
}

// header builds the addressing header for outbound traffic.
func (d *Dispatcher) header(fromUser, targetMud, targetUser string) packet.Header {
	return packet.Header{
		TTL:            packet.TTLCeiling,
		OriginatorMud:  d.mud.Name,
		OriginatorUser: fromUser,
		TargetMud:      targetMud,
		TargetUser:     targetUser,
	}
}

// resolveTarget finds a destination mud and checks it is up and offers
// the service.
func (d *Dispatcher) resolveTarget(name, service string) (*state.MudInfo, *rpc.Error) {
	m, candidates, ok := d.store.ResolveMud(name)
	if !ok {
		if len(candidates) > 1 {
			return nil, rpc.Errorf(rpc.CodeGatewayError, "mud name %q is ambiguous", name).WithData(candidates)
		}
		return nil, rpc.Errorf(rpc.CodeGatewayError, "unknown mud %q", name)
	}
	if !m.Up() {
		return nil, rpc.Errorf(rpc.CodeGatewayError, "mud %q is down", m.Name)
	}
	if service != "" && len(m.Services) > 0 && !m.HasService(service) {
		return nil, rpc.Errorf(rpc.CodeGatewayError, "mud %q does not offer %s", m.Name, service)
	}
	return m, nil
}

func (d *Dispatcher) requireReady() *rpc.Error {
	if !d.conn.Ready() {
		return rpc.Errorf(rpc.CodeGatewayError, "gateway is not connected to the network")
	}
	return nil
}

func (d *Dispatcher) sendChecked(p packet.Packet) *rpc.Error {
	if err := d.conn.Send(p); err != nil {
		return rpc.Errorf(rpc.CodeGatewayError, "send failed: %v", err)
	}
	return nil
}

// SendTell delivers a private message to a user on another mud.
func (d *Dispatcher) SendTell(fromUser, visname, targetMud, targetUser, message string) *rpc.Error {
	if rerr := d.requireReady(); rerr != nil {
		return rerr
	}
	m, rerr := d.resolveTarget(targetMud, "tell")
	if rerr != nil {
		return rerr
	}
	if visname == "" {
		visname = fromUser
	}
	return d.sendChecked(&packet.Tell{
		Hdr:     d.header(fromUser, m.Name, targetUser),
		Visname: visname,
		Message: message,
	})
}

// SendEmoteTo delivers a targeted emote.
func (d *Dispatcher) SendEmoteTo(fromUser, visname, targetMud, targetUser, message string) *rpc.Error {
	if rerr := d.requireReady(); rerr != nil {
		return rerr
	}
	m, rerr := d.resolveTarget(targetMud, "emoteto")
	if rerr != nil {
		return rerr
	}
	if visname == "" {
		visname = fromUser
	}
	return d.sendChecked(&packet.EmoteTo{
		Hdr:     d.header(fromUser, m.Name, targetUser),
		Visname: visname,
		Message: message,
	})
}

// SendChannelMessage broadcasts on a channel.
func (d *Dispatcher) SendChannelMessage(channel, fromUser, visname, message string, emote bool) *rpc.Error {
	if rerr := d.requireReady(); rerr != nil {
		return rerr
	}
	if _, ok := d.store.Channel(channel); !ok {
		return rpc.Errorf(rpc.CodeInvalidParams, "unknown channel %q", channel)
	}
	if visname == "" {
		visname = fromUser
	}
	hdr := d.header(fromUser, "", "")
	var p packet.Packet
	if emote {
		p = &packet.ChannelEmote{Hdr: hdr, Channel: channel, Visname: visname, Message: message}
	} else {
		p = &packet.ChannelMessage{Hdr: hdr, Channel: channel, Visname: visname, Message: message}
	}
	if rerr := d.sendChecked(p); rerr != nil {
		return rerr
	}
	// Local echo into history so API clients share one timeline.
	kind := "m"
	if emote {
		kind = "e"
	}
	d.history.Append(state.HistoryEntry{
		Channel: channel,
		Mud:     d.mud.Name,
		User:    fromUser,
		Visname: visname,
		Kind:    kind,
		Message: message,
		At:      time.Now().UTC(),
	})
	return nil
}

// SendChannelTargeted broadcasts a targeted emote on a channel.
func (d *Dispatcher) SendChannelTargeted(channel, fromUser, visname, targetMud, targetUser, msgOthers, msgTarget string) *rpc.Error {
	if rerr := d.requireReady(); rerr != nil {
		return rerr
	}
	if _, ok := d.store.Channel(channel); !ok {
		return rpc.Errorf(rpc.CodeInvalidParams, "unknown channel %q", channel)
	}
	if visname == "" {
		visname = fromUser
	}
	return d.sendChecked(&packet.ChannelTargetedEmote{
		Hdr:           d.header(fromUser, "", ""),
		Channel:       channel,
		TargMud:       targetMud,
		TargUser:      targetUser,
		MessageOthers: msgOthers,
		MessageTarget: msgTarget,
		Visname:       visname,
		TargVisname:   targetUser,
	})
}

// JoinChannel subscribes the gateway to channel traffic.
func (d *Dispatcher) JoinChannel(channel string) *rpc.Error {
	if rerr := d.requireReady(); rerr != nil {
		return rerr
	}
	if _, ok := d.store.Channel(channel); !ok {
		return rpc.Errorf(rpc.CodeInvalidParams, "unknown channel %q", channel)
	}
	rerr := d.sendChecked(&packet.ChannelListen{
		Hdr:     d.header("", d.conn.CurrentRouter().Name, ""),
		Channel: channel,
		On:      true,
	})
	if rerr != nil {
		return rerr
	}
	d.store.SetListening(channel, true)
	// A list-change event, not channel traffic: every subscriber hears
	// it, member or not.
	d.bridge.Publish(events.New(events.TypeChannelJoined, map[string]any{"channel": channel}))
	return nil
}

// LeaveChannel drops the gateway's subscription.
func (d *Dispatcher) LeaveChannel(channel string) *rpc.Error {
	if rerr := d.requireReady(); rerr != nil {
		return rerr
	}
	rerr := d.sendChecked(&packet.ChannelListen{
		Hdr:     d.header("", d.conn.CurrentRouter().Name, ""),
		Channel: channel,
		On:      false,
	})
	if rerr != nil {
		return rerr
	}
	d.store.SetListening(channel, false)
	d.bridge.Publish(events.New(events.TypeChannelLeft, map[string]any{"channel": channel}))
	return nil
}

// RelistenChannels re-sends channel-listen for every subscribed channel,
// used after a reconnect.
func (d *Dispatcher) RelistenChannels() {
	for _, channel := range d.store.ListeningChannels() {
		if rerr := d.sendChecked(&packet.ChannelListen{
			Hdr:     d.header("", d.conn.CurrentRouter().Name, ""),
			Channel: channel,
			On:      true,
		}); rerr != nil {
			d.logger.Warn().Str("channel", channel).Str("error", rerr.Message).Msg("relisten failed")
		}
	}
}

// Who asks a mud for its online roster, serving recent results from
// cache.
func (d *Dispatcher) Who(ctx context.Context, targetMud string) (any, *rpc.Error) {
	if rerr := d.requireReady(); rerr != nil {
		return nil, rerr
	}
	m, rerr := d.resolveTarget(targetMud, "who")
	if rerr != nil {
		return nil, rerr
	}
	if cached, ok := d.whoCache.Get(queryKey("who", m.Name)); ok {
		return cached, nil
	}
	if rerr := d.sendChecked(&packet.WhoReq{Hdr: d.header("", m.Name, "")}); rerr != nil {
		return nil, rerr
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return d.pending.wait(ctx, queryKey("who", m.Name))
}

// Finger asks a mud about one user.
func (d *Dispatcher) Finger(ctx context.Context, targetMud, user string) (any, *rpc.Error) {
	if rerr := d.requireReady(); rerr != nil {
		return nil, rerr
	}
	m, rerr := d.resolveTarget(targetMud, "finger")
	if rerr != nil {
		return nil, rerr
	}
	if cached, ok := d.fingerCache.Get(queryKey("finger", m.Name, user)); ok {
		return cached, nil
	}
	if rerr := d.sendChecked(&packet.FingerReq{Hdr: d.header("", m.Name, ""), User: user}); rerr != nil {
		return nil, rerr
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return d.pending.wait(ctx, queryKey("finger", m.Name, user))
}

// Locate broadcasts a search for a user across the network and returns
// the first sighting.
func (d *Dispatcher) Locate(ctx context.Context, user string) (any, *rpc.Error) {
	if rerr := d.requireReady(); rerr != nil {
		return nil, rerr
	}
	if rerr := d.sendChecked(&packet.LocateReq{Hdr: d.header("", "", ""), User: user}); rerr != nil {
		return nil, rerr
	}
	ctx, cancel := context.WithTimeout(ctx, locateTimeout)
	defer cancel()
	return d.pending.wait(ctx, queryKey("locate", user))
}

// ChannelWho asks a mud which of its users listen to a channel.
func (d *Dispatcher) ChannelWho(ctx context.Context, targetMud, channel string) (any, *rpc.Error) {
	if rerr := d.requireReady(); rerr != nil {
		return nil, rerr
	}
	m, rerr := d.resolveTarget(targetMud, "channel")
	if rerr != nil {
		return nil, rerr
	}
	if rerr := d.sendChecked(&packet.ChannelWho{
		Hdr:     d.header("", m.Name, ""),
		Channel: channel,
		Users:   []any{},
	}); rerr != nil {
		return nil, rerr
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return d.pending.wait(ctx, queryKey("chanwho", m.Name, channel))
}

// History returns recent traffic on a channel.
func (d *Dispatcher) History(channel string, limit int) []state.HistoryEntry {
	return d.history.Recent(channel, limit)
}

// Uptime reports how long the dispatcher has been running.
func (d *Dispatcher) Uptime() time.Duration {
	return time.Since(d.startedAt)
}
