package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/LuminariMUD/i3gateway/internal/rpc"
	"github.com/LuminariMUD/i3gateway/internal/session"
	"github.com/LuminariMUD/i3gateway/internal/state"
)

// RegisterMethods installs every API method on the RPC server.
func RegisterMethods(srv *rpc.Server, d *Dispatcher, sessions *session.Manager) {
	pong := func(_ context.Context, _ *session.Session, _ json.RawMessage) (any, *rpc.Error) {
		return map[string]any{"pong": time.Now().UTC().Format(time.RFC3339)}, nil
	}
	srv.RegisterUnlimited("ping", "", pong)
	// heartbeat is ping under another name; line-protocol clients use it
	// to hold their idle deadline open.
	srv.RegisterUnlimited("heartbeat", "", pong)

	srv.Register("tell", session.CapTell, d.rpcTell)
	srv.Register("emoteto", session.CapTell, d.rpcEmoteTo)

	srv.Register("channel_send", session.CapChannel, d.rpcChannelSend(false))
	srv.Register("channel_emote", session.CapChannel, d.rpcChannelSend(true))
	srv.Register("channel_target", session.CapChannel, d.rpcChannelTarget)
	srv.Register("channel_join", session.CapChannel, d.rpcChannelJoin)
	srv.Register("channel_leave", session.CapChannel, d.rpcChannelLeave)
	srv.Register("channel_list", session.CapInfo, d.rpcChannelList)
	srv.Register("channel_who", session.CapInfo, d.rpcChannelWho)
	srv.Register("channel_history", session.CapInfo, d.rpcChannelHistory)

	srv.Register("who", session.CapInfo, d.rpcWho)
	srv.Register("finger", session.CapInfo, d.rpcFinger)
	srv.Register("locate", session.CapInfo, d.rpcLocate)
	srv.Register("mudlist", session.CapInfo, d.rpcMudlist)
	srv.Register("mud_info", session.CapInfo, d.rpcMudInfo)

	srv.Register("subscribe", "", d.rpcSubscribe)
	srv.Register("user_update", "", d.rpcUserUpdate)
	srv.Register("status", session.CapInfo, d.statusHandler(sessions))
	srv.Register("stats", session.CapAdmin, d.statsHandler(sessions))
	srv.Register("reconnect", session.CapAdmin, d.rpcReconnect)
}

// messageID gives send results a correlatable identifier.
func messageID(kind, target string) string {
	return fmt.Sprintf("%s_%s_%d", kind, target, time.Now().UnixNano())
}

func decode[T any](params json.RawMessage) (*T, *rpc.Error) {
	var v T
	if len(params) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "invalid params: %v", err)
	}
	return &v, nil
}

type tellParams struct {
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
	FromUser   string `json:"from_user"`
	Visname    string `json:"visname"`
	Message    string `json:"message"`
}

func (p *tellParams) check() *rpc.Error {
	if p.TargetMud == "" || p.TargetUser == "" || p.FromUser == "" || p.Message == "" {
		return rpc.Errorf(rpc.CodeInvalidParams, "target_mud, target_user, from_user and message are required")
	}
	return nil
}

func (d *Dispatcher) rpcTell(_ context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[tellParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if rerr := p.check(); rerr != nil {
		return nil, rerr
	}
	if rerr := d.SendTell(p.FromUser, p.Visname, p.TargetMud, p.TargetUser, p.Message); rerr != nil {
		return nil, rerr
	}
	return map[string]any{"status": "sent", "message_id": messageID("tell", p.TargetMud)}, nil
}

func (d *Dispatcher) rpcEmoteTo(_ context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[tellParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if rerr := p.check(); rerr != nil {
		return nil, rerr
	}
	if rerr := d.SendEmoteTo(p.FromUser, p.Visname, p.TargetMud, p.TargetUser, p.Message); rerr != nil {
		return nil, rerr
	}
	return map[string]any{"status": "sent", "message_id": messageID("emoteto", p.TargetMud)}, nil
}

type channelSendParams struct {
	Channel  string `json:"channel"`
	FromUser string `json:"from_user"`
	Visname  string `json:"visname"`
	Message  string `json:"message"`
}

func (d *Dispatcher) rpcChannelSend(emote bool) rpc.Handler {
	return func(_ context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
		p, rerr := decode[channelSendParams](params)
		if rerr != nil {
			return nil, rerr
		}
		if p.Channel == "" || p.FromUser == "" || p.Message == "" {
			return nil, rpc.Errorf(rpc.CodeInvalidParams, "channel, from_user and message are required")
		}
		if rerr := d.SendChannelMessage(p.Channel, p.FromUser, p.Visname, p.Message, emote); rerr != nil {
			return nil, rerr
		}
		return map[string]any{"status": "sent"}, nil
	}
}

type channelTargetParams struct {
	Channel       string `json:"channel"`
	TargetMud     string `json:"target_mud"`
	TargetUser    string `json:"target_user"`
	FromUser      string `json:"from_user"`
	Visname       string `json:"visname"`
	MessageOthers string `json:"message_others"`
	MessageTarget string `json:"message_target"`
}

func (d *Dispatcher) rpcChannelTarget(_ context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[channelTargetParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.Channel == "" || p.FromUser == "" || p.MessageOthers == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "channel, from_user and message_others are required")
	}
	if rerr := d.SendChannelTargeted(p.Channel, p.FromUser, p.Visname, p.TargetMud, p.TargetUser, p.MessageOthers, p.MessageTarget); rerr != nil {
		return nil, rerr
	}
	return map[string]any{"status": "sent"}, nil
}

type channelParams struct {
	Channel string `json:"channel"`
	Limit   int    `json:"limit"`
}

func (d *Dispatcher) rpcChannelJoin(_ context.Context, sess *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[channelParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.Channel == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "channel is required")
	}
	if rerr := d.JoinChannel(p.Channel); rerr != nil {
		return nil, rerr
	}
	// The session only hears the channel once it is in its joined set.
	d.bridge.JoinChannel(sess.ID, p.Channel)
	return map[string]any{"listening": true}, nil
}

func (d *Dispatcher) rpcChannelLeave(_ context.Context, sess *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[channelParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.Channel == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "channel is required")
	}
	d.bridge.LeaveChannel(sess.ID, p.Channel)
	// Keep the router-level subscription while other sessions still
	// listen.
	if d.bridge.ChannelInUse(p.Channel) {
		return map[string]any{"listening": false}, nil
	}
	if rerr := d.LeaveChannel(p.Channel); rerr != nil {
		return nil, rerr
	}
	return map[string]any{"listening": false}, nil
}

func (d *Dispatcher) rpcChannelList(_ context.Context, _ *session.Session, _ json.RawMessage) (any, *rpc.Error) {
	channels := d.store.Channels()
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	out := make([]map[string]any, 0, len(channels))
	for _, c := range channels {
		out = append(out, map[string]any{
			"name":      c.Name,
			"owner":     c.Owner,
			"type":      c.Type,
			"listening": d.store.Listening(c.Name),
		})
	}
	return map[string]any{"channels": out}, nil
}

type channelWhoParams struct {
	Channel   string `json:"channel"`
	TargetMud string `json:"target_mud"`
}

func (d *Dispatcher) rpcChannelWho(ctx context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[channelWhoParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.Channel == "" || p.TargetMud == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "channel and target_mud are required")
	}
	users, rerr := d.ChannelWho(ctx, p.TargetMud, p.Channel)
	if rerr != nil {
		return nil, rerr
	}
	return map[string]any{"channel": p.Channel, "users": users}, nil
}

func (d *Dispatcher) rpcChannelHistory(_ context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[channelParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.Channel == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "channel is required")
	}
	entries := d.History(p.Channel, p.Limit)
	if entries == nil {
		entries = []state.HistoryEntry{}
	}
	return map[string]any{"messages": entries}, nil
}

type whoParams struct {
	TargetMud string `json:"target_mud"`
	User      string `json:"user"`
}

func (d *Dispatcher) rpcWho(ctx context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[whoParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.TargetMud == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "target_mud is required")
	}
	who, rerr := d.Who(ctx, p.TargetMud)
	if rerr != nil {
		return nil, rerr
	}
	return map[string]any{"who": who}, nil
}

func (d *Dispatcher) rpcFinger(ctx context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[whoParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.TargetMud == "" || p.User == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "target_mud and user are required")
	}
	return d.Finger(ctx, p.TargetMud, p.User)
}

func (d *Dispatcher) rpcLocate(ctx context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[whoParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.User == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "user is required")
	}
	return d.Locate(ctx, p.User)
}

type mudlistParams struct {
	OnlyUp bool `json:"only_up"`
}

func (d *Dispatcher) rpcMudlist(_ context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[mudlistParams](params)
	if rerr != nil {
		return nil, rerr
	}
	muds := d.store.Muds(p.OnlyUp)
	sort.Slice(muds, func(i, j int) bool { return muds[i].Name < muds[j].Name })
	return map[string]any{"muds": muds}, nil
}

type mudInfoParams struct {
	Mud string `json:"mud"`
}

func (d *Dispatcher) rpcMudInfo(_ context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[mudInfoParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.Mud == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "mud is required")
	}
	m, candidates, ok := d.store.ResolveMud(p.Mud)
	if !ok {
		if len(candidates) > 1 {
			return nil, rpc.Errorf(rpc.CodeGatewayError, "mud name %q is ambiguous", p.Mud).WithData(candidates)
		}
		return nil, rpc.Errorf(rpc.CodeGatewayError, "unknown mud %q", p.Mud)
	}
	return m, nil
}

type subscribeParams struct {
	Types       []string `json:"types"`
	Channels    []string `json:"channels"`
	ExcludeSelf *bool    `json:"exclude_self"`
}

func (d *Dispatcher) rpcSubscribe(_ context.Context, sess *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[subscribeParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.Types != nil {
		d.bridge.SetTypeFilter(sess.ID, p.Types)
	}
	if p.Channels != nil {
		d.bridge.SetChannels(sess.ID, p.Channels)
	}
	if p.ExcludeSelf != nil {
		d.bridge.SetExcludeSelf(sess.ID, *p.ExcludeSelf)
	}
	return map[string]any{"subscribed": true}, nil
}

type userUpdateParams struct {
	User          string `json:"user"`
	Visname       string `json:"visname"`
	Online        *bool  `json:"online"`
	Level         string `json:"level"`
	Title         string `json:"title"`
	RealName      string `json:"real_name"`
	Email         string `json:"email"`
	IPAddr        string `json:"ip_addr"`
	StatusMessage string `json:"status_message"`
}

// rpcUserUpdate lets the client mud report its player roster, which
// backs the gateway's answers to who, finger and locate requests.
func (d *Dispatcher) rpcUserUpdate(_ context.Context, _ *session.Session, params json.RawMessage) (any, *rpc.Error) {
	p, rerr := decode[userUpdateParams](params)
	if rerr != nil {
		return nil, rerr
	}
	if p.User == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "user is required")
	}
	online := true
	if p.Online != nil {
		online = *p.Online
	}
	d.UpsertUser(state.UserSession{
		UserName:      p.User,
		Visname:       p.Visname,
		Online:        online,
		Level:         p.Level,
		Title:         p.Title,
		RealName:      p.RealName,
		Email:         p.Email,
		IPAddr:        p.IPAddr,
		StatusMessage: p.StatusMessage,
	})
	return map[string]any{"user": p.User, "online": online}, nil
}

func (d *Dispatcher) statusHandler(sessions *session.Manager) rpc.Handler {
	return func(_ context.Context, _ *session.Session, _ json.RawMessage) (any, *rpc.Error) {
		mudlistID, chanlistID := d.store.IDs()
		return map[string]any{
			"mud_name":    d.mud.Name,
			"state":       d.conn.State().String(),
			"router":      d.conn.CurrentRouter().Name,
			"mudlist_id":  mudlistID,
			"chanlist_id": chanlistID,
			"muds_known":  len(d.store.Muds(false)),
			"muds_up":     len(d.store.Muds(true)),
			"channels":    len(d.store.Channels()),
			"listening":   d.store.ListeningChannels(),
			"sessions":    sessions.Count(),
			"uptime_sec":  int(d.Uptime().Seconds()),
		}, nil
	}
}

func (d *Dispatcher) statsHandler(sessions *session.Manager) rpc.Handler {
	return func(_ context.Context, _ *session.Session, _ json.RawMessage) (any, *rpc.Error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		stats := map[string]any{
			"goroutines":   runtime.NumGoroutine(),
			"heap_alloc":   ms.HeapAlloc,
			"heap_objects": ms.HeapObjects,
			"gc_cycles":    ms.NumGC,
			"sessions":     sessions.Count(),
			"uptime_sec":   int(d.Uptime().Seconds()),
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			stats["system_memory_used_percent"] = vm.UsedPercent
		}
		if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
			stats["system_cpu_percent"] = percents[0]
		}
		if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
				stats["process_rss"] = rss.RSS
			}
		}
		return stats, nil
	}
}

func (d *Dispatcher) rpcReconnect(_ context.Context, _ *session.Session, _ json.RawMessage) (any, *rpc.Error) {
	d.conn.Reconnect()
	return map[string]any{"reconnecting": true}, nil
}
