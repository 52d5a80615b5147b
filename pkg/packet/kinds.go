package packet

import "fmt"

// Tell is a private message to one user on one mud. Serializes to exactly
// 8 positions: header + visname + message.
type Tell struct {
	Hdr     Header
	Visname string
	Message string
}

func (p *Tell) Kind() Kind      { return KindTell }
func (p *Tell) Header() *Header { return &p.Hdr }
func (p *Tell) payloadLen() int { return 2 }

func (p *Tell) payload() []any { return []any{p.Visname, p.Message} }

func (p *Tell) decodePayload(f []any) error {
	var err error
	if p.Visname, err = fieldString(KindTell, "visname", f[0]); err != nil {
		return err
	}
	if p.Message, err = fieldString(KindTell, "message", f[1]); err != nil {
		return err
	}
	if p.Visname == "" {
		p.Visname = p.Hdr.OriginatorUser
	}
	return nil
}

func (p *Tell) Validate() error {
	if p.Hdr.OriginatorUser == "" {
		return invalid(KindTell, "originator_user", "must be non-empty")
	}
	if p.Hdr.TargetUser == "" {
		return invalid(KindTell, "target_user", "must be non-empty")
	}
	if p.Message == "" {
		return invalid(KindTell, "message", "must be non-empty")
	}
	return nil
}

// EmoteTo is a targeted emote; same layout as tell.
type EmoteTo struct {
	Hdr     Header
	Visname string
	Message string
}

func (p *EmoteTo) Kind() Kind      { return KindEmoteTo }
func (p *EmoteTo) Header() *Header { return &p.Hdr }
func (p *EmoteTo) payloadLen() int { return 2 }
func (p *EmoteTo) payload() []any  { return []any{p.Visname, p.Message} }

func (p *EmoteTo) decodePayload(f []any) error {
	var err error
	if p.Visname, err = fieldString(KindEmoteTo, "visname", f[0]); err != nil {
		return err
	}
	if p.Message, err = fieldString(KindEmoteTo, "message", f[1]); err != nil {
		return err
	}
	if p.Visname == "" {
		p.Visname = p.Hdr.OriginatorUser
	}
	return nil
}

func (p *EmoteTo) Validate() error {
	if p.Hdr.OriginatorUser == "" {
		return invalid(KindEmoteTo, "originator_user", "must be non-empty")
	}
	if p.Hdr.TargetUser == "" {
		return invalid(KindEmoteTo, "target_user", "must be non-empty")
	}
	if p.Message == "" {
		return invalid(KindEmoteTo, "message", "must be non-empty")
	}
	return nil
}

// ChannelMessage is a plain message on a channel.
type ChannelMessage struct {
	Hdr     Header
	Channel string
	Visname string
	Message string
}

func (p *ChannelMessage) Kind() Kind      { return KindChannelM }
func (p *ChannelMessage) Header() *Header { return &p.Hdr }
func (p *ChannelMessage) payloadLen() int { return 3 }
func (p *ChannelMessage) payload() []any  { return []any{p.Channel, p.Visname, p.Message} }

func (p *ChannelMessage) decodePayload(f []any) error {
	var err error
	if p.Channel, err = fieldString(KindChannelM, "channel", f[0]); err != nil {
		return err
	}
	if p.Visname, err = fieldString(KindChannelM, "visname", f[1]); err != nil {
		return err
	}
	if p.Message, err = fieldString(KindChannelM, "message", f[2]); err != nil {
		return err
	}
	if p.Visname == "" {
		p.Visname = p.Hdr.OriginatorUser
	}
	return nil
}

func (p *ChannelMessage) Validate() error {
	if p.Channel == "" {
		return invalid(KindChannelM, "channel", "must be non-empty")
	}
	if p.Message == "" {
		return invalid(KindChannelM, "message", "must be non-empty")
	}
	return nil
}

// ChannelEmote is an emote on a channel; same layout as channel-m.
type ChannelEmote struct {
	Hdr     Header
	Channel string
	Visname string
	Message string
}

func (p *ChannelEmote) Kind() Kind      { return KindChannelE }
func (p *ChannelEmote) Header() *Header { return &p.Hdr }
func (p *ChannelEmote) payloadLen() int { return 3 }
func (p *ChannelEmote) payload() []any  { return []any{p.Channel, p.Visname, p.Message} }

func (p *ChannelEmote) decodePayload(f []any) error {
	var err error
	if p.Channel, err = fieldString(KindChannelE, "channel", f[0]); err != nil {
		return err
	}
	if p.Visname, err = fieldString(KindChannelE, "visname", f[1]); err != nil {
		return err
	}
	if p.Message, err = fieldString(KindChannelE, "message", f[2]); err != nil {
		return err
	}
	if p.Visname == "" {
		p.Visname = p.Hdr.OriginatorUser
	}
	return nil
}

func (p *ChannelEmote) Validate() error {
	if p.Channel == "" {
		return invalid(KindChannelE, "channel", "must be non-empty")
	}
	if p.Message == "" {
		return invalid(KindChannelE, "message", "must be non-empty")
	}
	return nil
}

// ChannelTargetedEmote carries a targeted emote with distinct texts for
// the room and the target.
type ChannelTargetedEmote struct {
	Hdr           Header
	Channel       string
	TargMud       string
	TargUser      string
	MessageOthers string
	MessageTarget string
	Visname       string
	TargVisname   string
}

func (p *ChannelTargetedEmote) Kind() Kind      { return KindChannelT }
func (p *ChannelTargetedEmote) Header() *Header { return &p.Hdr }
func (p *ChannelTargetedEmote) payloadLen() int { return 7 }

func (p *ChannelTargetedEmote) payload() []any {
	return []any{p.Channel, p.TargMud, p.TargUser, p.MessageOthers, p.MessageTarget, p.Visname, p.TargVisname}
}

func (p *ChannelTargetedEmote) decodePayload(f []any) error {
	fields := []struct {
		name string
		dst  *string
	}{
		{"channel", &p.Channel},
		{"targetted_mud", &p.TargMud},
		{"targetted_user", &p.TargUser},
		{"message_others", &p.MessageOthers},
		{"message_target", &p.MessageTarget},
		{"visname", &p.Visname},
		{"targetted_visname", &p.TargVisname},
	}
	for i, spec := range fields {
		s, err := fieldString(KindChannelT, spec.name, f[i])
		if err != nil {
			return err
		}
		*spec.dst = s
	}
	if p.Visname == "" {
		p.Visname = p.Hdr.OriginatorUser
	}
	return nil
}

func (p *ChannelTargetedEmote) Validate() error {
	if p.Channel == "" {
		return invalid(KindChannelT, "channel", "must be non-empty")
	}
	if p.MessageOthers == "" {
		return invalid(KindChannelT, "message_others", "must be non-empty")
	}
	return nil
}

// ChannelAdd asks the router to add the originator mud to a channel.
type ChannelAdd struct {
	Hdr     Header
	Channel string
}

func (p *ChannelAdd) Kind() Kind      { return KindChannelAdd }
func (p *ChannelAdd) Header() *Header { return &p.Hdr }
func (p *ChannelAdd) payloadLen() int { return 1 }
func (p *ChannelAdd) payload() []any  { return []any{p.Channel} }

func (p *ChannelAdd) decodePayload(f []any) error {
	var err error
	p.Channel, err = fieldString(KindChannelAdd, "channel", f[0])
	return err
}

func (p *ChannelAdd) Validate() error {
	if p.Channel == "" {
		return invalid(KindChannelAdd, "channel", "must be non-empty")
	}
	return nil
}

// ChannelRemove asks the router to remove the originator mud from a
// channel.
type ChannelRemove struct {
	Hdr     Header
	Channel string
}

func (p *ChannelRemove) Kind() Kind      { return KindChannelRemove }
func (p *ChannelRemove) Header() *Header { return &p.Hdr }
func (p *ChannelRemove) payloadLen() int { return 1 }
func (p *ChannelRemove) payload() []any  { return []any{p.Channel} }

func (p *ChannelRemove) decodePayload(f []any) error {
	var err error
	p.Channel, err = fieldString(KindChannelRemove, "channel", f[0])
	return err
}

func (p *ChannelRemove) Validate() error {
	if p.Channel == "" {
		return invalid(KindChannelRemove, "channel", "must be non-empty")
	}
	return nil
}

// ChannelAdmin adjusts a channel's member mud lists.
type ChannelAdmin struct {
	Hdr        Header
	Channel    string
	AddMuds    []any
	RemoveMuds []any
}

func (p *ChannelAdmin) Kind() Kind      { return KindChannelAdmin }
func (p *ChannelAdmin) Header() *Header { return &p.Hdr }
func (p *ChannelAdmin) payloadLen() int { return 3 }

func (p *ChannelAdmin) payload() []any {
	return []any{p.Channel, listOut(p.AddMuds), listOut(p.RemoveMuds)}
}

func (p *ChannelAdmin) decodePayload(f []any) error {
	var err error
	if p.Channel, err = fieldString(KindChannelAdmin, "channel", f[0]); err != nil {
		return err
	}
	if p.AddMuds, err = fieldList(KindChannelAdmin, "add_muds", f[1], false); err != nil {
		return err
	}
	if p.RemoveMuds, err = fieldList(KindChannelAdmin, "remove_muds", f[2], false); err != nil {
		return err
	}
	return nil
}

func (p *ChannelAdmin) Validate() error {
	if p.Channel == "" {
		return invalid(KindChannelAdmin, "channel", "must be non-empty")
	}
	return nil
}

// ChannelFilter carries a packet through a channel's filter hook.
type ChannelFilter struct {
	Hdr     Header
	Channel string
	Content []any
}

func (p *ChannelFilter) Kind() Kind      { return KindChannelFilter }
func (p *ChannelFilter) Header() *Header { return &p.Hdr }
func (p *ChannelFilter) payloadLen() int { return 2 }
func (p *ChannelFilter) payload() []any  { return []any{p.Channel, listOut(p.Content)} }

func (p *ChannelFilter) decodePayload(f []any) error {
	var err error
	if p.Channel, err = fieldString(KindChannelFilter, "channel", f[0]); err != nil {
		return err
	}
	if p.Content, err = fieldList(KindChannelFilter, "content", f[1], false); err != nil {
		return err
	}
	return nil
}

func (p *ChannelFilter) Validate() error {
	if p.Channel == "" {
		return invalid(KindChannelFilter, "channel", "must be non-empty")
	}
	return nil
}

// ChannelWho requests or carries the listener list of a channel. A request
// travels with a null user list; the answer carries the list.
type ChannelWho struct {
	Hdr     Header
	Channel string
	Users   []any
}

func (p *ChannelWho) Kind() Kind      { return KindChannelWho }
func (p *ChannelWho) Header() *Header { return &p.Hdr }
func (p *ChannelWho) payloadLen() int { return 2 }
func (p *ChannelWho) payload() []any  { return []any{p.Channel, listOut(p.Users)} }

func (p *ChannelWho) decodePayload(f []any) error {
	var err error
	if p.Channel, err = fieldString(KindChannelWho, "channel", f[0]); err != nil {
		return err
	}
	if p.Users, err = fieldList(KindChannelWho, "users", f[1], false); err != nil {
		return err
	}
	return nil
}

func (p *ChannelWho) Validate() error {
	if p.Channel == "" {
		return invalid(KindChannelWho, "channel", "must be non-empty")
	}
	return nil
}

// ChannelListen toggles the originator mud's subscription to a channel.
// The flag travels as the string "1" or "0"; a literal integer is accepted
// on decode but never emitted.
type ChannelListen struct {
	Hdr     Header
	Channel string
	On      bool
}

func (p *ChannelListen) Kind() Kind      { return KindChannelListen }
func (p *ChannelListen) Header() *Header { return &p.Hdr }
func (p *ChannelListen) payloadLen() int { return 2 }

func (p *ChannelListen) payload() []any {
	flag := "0"
	if p.On {
		flag = "1"
	}
	return []any{p.Channel, flag}
}

func (p *ChannelListen) decodePayload(f []any) error {
	var err error
	if p.Channel, err = fieldString(KindChannelListen, "channel", f[0]); err != nil {
		return err
	}
	switch v := f[1].(type) {
	case string:
		p.On = v == "1"
	case int:
		p.On = v != 0
	default:
		return invalid(KindChannelListen, "on_or_off", fmt.Sprintf("expected \"1\"/\"0\", got %T", f[1]))
	}
	return nil
}

func (p *ChannelListen) Validate() error {
	if p.Channel == "" {
		return invalid(KindChannelListen, "channel", "must be non-empty")
	}
	return nil
}

// ChanlistReply delivers the router's channel list diff.
type ChanlistReply struct {
	Hdr        Header
	ChanlistID int
	Channels   map[string]any
}

func (p *ChanlistReply) Kind() Kind      { return KindChanlistReply }
func (p *ChanlistReply) Header() *Header { return &p.Hdr }
func (p *ChanlistReply) payloadLen() int { return 2 }
func (p *ChanlistReply) payload() []any  { return []any{p.ChanlistID, p.Channels} }

func (p *ChanlistReply) decodePayload(f []any) error {
	var err error
	if p.ChanlistID, err = fieldInt(KindChanlistReply, "chanlist_id", f[0]); err != nil {
		return err
	}
	if p.Channels, err = fieldMap(KindChanlistReply, "channels", f[1], true); err != nil {
		return err
	}
	return nil
}

func (p *ChanlistReply) Validate() error { return nil }

// WhoReq asks a mud for its online users, with an optional filter mapping
// (level, race, guild).
type WhoReq struct {
	Hdr    Header
	Filter map[string]any
}

func (p *WhoReq) Kind() Kind      { return KindWhoReq }
func (p *WhoReq) Header() *Header { return &p.Hdr }
func (p *WhoReq) payloadLen() int { return 1 }
func (p *WhoReq) payload() []any  { return []any{mapOut(p.Filter)} }

func (p *WhoReq) decodePayload(f []any) error {
	var err error
	p.Filter, err = fieldMap(KindWhoReq, "filter", f[0], false)
	return err
}

func (p *WhoReq) Validate() error { return nil }

// WhoReply answers who-req with a list of [name, idle_seconds, level,
// extra] entries.
type WhoReply struct {
	Hdr Header
	Who []any
}

func (p *WhoReply) Kind() Kind      { return KindWhoReply }
func (p *WhoReply) Header() *Header { return &p.Hdr }
func (p *WhoReply) payloadLen() int { return 1 }
func (p *WhoReply) payload() []any  { return []any{p.Who} }

func (p *WhoReply) decodePayload(f []any) error {
	var err error
	p.Who, err = fieldList(KindWhoReply, "who", f[0], true)
	return err
}

func (p *WhoReply) Validate() error { return nil }

// FingerReq asks a mud about one user.
type FingerReq struct {
	Hdr  Header
	User string
}

func (p *FingerReq) Kind() Kind      { return KindFingerReq }
func (p *FingerReq) Header() *Header { return &p.Hdr }
func (p *FingerReq) payloadLen() int { return 1 }
func (p *FingerReq) payload() []any  { return []any{p.User} }

func (p *FingerReq) decodePayload(f []any) error {
	var err error
	p.User, err = fieldString(KindFingerReq, "user", f[0])
	return err
}

func (p *FingerReq) Validate() error {
	if p.User == "" {
		return invalid(KindFingerReq, "user", "must be non-empty")
	}
	return nil
}

// FingerReply answers finger-req.
type FingerReply struct {
	Hdr       Header
	Visname   string
	Title     string
	RealName  string
	Email     string
	LoginOut  string
	IdleTime  int
	IPName    string
	Level     string
	ExtraInfo map[string]any
}

func (p *FingerReply) Kind() Kind      { return KindFingerReply }
func (p *FingerReply) Header() *Header { return &p.Hdr }
func (p *FingerReply) payloadLen() int { return 9 }

func (p *FingerReply) payload() []any {
	return []any{p.Visname, p.Title, p.RealName, p.Email, p.LoginOut, p.IdleTime, p.IPName, p.Level, mapOut(p.ExtraInfo)}
}

func (p *FingerReply) decodePayload(f []any) error {
	strs := []struct {
		name string
		dst  *string
		idx  int
	}{
		{"visname", &p.Visname, 0},
		{"title", &p.Title, 1},
		{"real_name", &p.RealName, 2},
		{"email", &p.Email, 3},
		{"loginout_time", &p.LoginOut, 4},
		{"ip_name", &p.IPName, 6},
		{"level", &p.Level, 7},
	}
	for _, spec := range strs {
		s, err := fieldString(KindFingerReply, spec.name, f[spec.idx])
		if err != nil {
			return err
		}
		*spec.dst = s
	}
	var err error
	if p.IdleTime, err = fieldInt(KindFingerReply, "idle_time", f[5]); err != nil {
		return err
	}
	if p.ExtraInfo, err = fieldMap(KindFingerReply, "extra_info", f[8], false); err != nil {
		return err
	}
	return nil
}

func (p *FingerReply) Validate() error { return nil }

// LocateReq is broadcast to find a user anywhere on the network.
type LocateReq struct {
	Hdr  Header
	User string
}

func (p *LocateReq) Kind() Kind      { return KindLocateReq }
func (p *LocateReq) Header() *Header { return &p.Hdr }
func (p *LocateReq) payloadLen() int { return 1 }
func (p *LocateReq) payload() []any  { return []any{p.User} }

func (p *LocateReq) decodePayload(f []any) error {
	var err error
	p.User, err = fieldString(KindLocateReq, "user", f[0])
	return err
}

func (p *LocateReq) Validate() error {
	if p.User == "" {
		return invalid(KindLocateReq, "user", "must be non-empty")
	}
	return nil
}

// LocateReply is sent by the mud that found the user.
type LocateReply struct {
	Hdr         Header
	LocatedMud  string
	LocatedUser string
	IdleTime    int
	Status      string
}

func (p *LocateReply) Kind() Kind      { return KindLocateReply }
func (p *LocateReply) Header() *Header { return &p.Hdr }
func (p *LocateReply) payloadLen() int { return 4 }

func (p *LocateReply) payload() []any {
	return []any{p.LocatedMud, p.LocatedUser, p.IdleTime, addrOut(p.Status)}
}

func (p *LocateReply) decodePayload(f []any) error {
	var err error
	if p.LocatedMud, err = fieldString(KindLocateReply, "located_mud", f[0]); err != nil {
		return err
	}
	if p.LocatedUser, err = fieldString(KindLocateReply, "located_user", f[1]); err != nil {
		return err
	}
	if p.IdleTime, err = fieldInt(KindLocateReply, "idle_time", f[2]); err != nil {
		return err
	}
	if p.Status, err = fieldString(KindLocateReply, "status", f[3]); err != nil {
		return err
	}
	return nil
}

func (p *LocateReply) Validate() error {
	if p.LocatedMud == "" {
		return invalid(KindLocateReply, "located_mud", "must be non-empty")
	}
	return nil
}

// StartupReq3 is the 20-field handshake sent after dialing a router. The
// legacy 18-field form is rejected by the exact length check.
type StartupReq3 struct {
	Hdr           Header
	Password      int
	OldMudlistID  int
	OldChanlistID int
	PlayerPort    int
	IMudTCPPort   int
	IMudUDPPort   int
	Mudlib        string
	BaseMudlib    string
	Driver        string
	MudType       string
	OpenStatus    string
	AdminEmail    string
	Services      map[string]any
	OtherData     map[string]any
}

func (p *StartupReq3) Kind() Kind      { return KindStartupReq3 }
func (p *StartupReq3) Header() *Header { return &p.Hdr }
func (p *StartupReq3) payloadLen() int { return 14 }

func (p *StartupReq3) payload() []any {
	return []any{
		p.Password, p.OldMudlistID, p.OldChanlistID,
		p.PlayerPort, p.IMudTCPPort, p.IMudUDPPort,
		p.Mudlib, p.BaseMudlib, p.Driver, p.MudType, p.OpenStatus, p.AdminEmail,
		mapOut(p.Services), mapOut(p.OtherData),
	}
}

func (p *StartupReq3) decodePayload(f []any) error {
	ints := []struct {
		name string
		dst  *int
		idx  int
	}{
		{"password", &p.Password, 0},
		{"old_mudlist_id", &p.OldMudlistID, 1},
		{"old_chanlist_id", &p.OldChanlistID, 2},
		{"player_port", &p.PlayerPort, 3},
		{"imud_tcp_port", &p.IMudTCPPort, 4},
		{"imud_udp_port", &p.IMudUDPPort, 5},
	}
	for _, spec := range ints {
		n, err := fieldInt(KindStartupReq3, spec.name, f[spec.idx])
		if err != nil {
			return err
		}
		*spec.dst = n
	}
	strs := []struct {
		name string
		dst  *string
		idx  int
	}{
		{"mudlib", &p.Mudlib, 6},
		{"base_mudlib", &p.BaseMudlib, 7},
		{"driver", &p.Driver, 8},
		{"mud_type", &p.MudType, 9},
		{"open_status", &p.OpenStatus, 10},
		{"admin_email", &p.AdminEmail, 11},
	}
	for _, spec := range strs {
		s, err := fieldString(KindStartupReq3, spec.name, f[spec.idx])
		if err != nil {
			return err
		}
		*spec.dst = s
	}
	var err error
	if p.Services, err = fieldMap(KindStartupReq3, "services", f[12], false); err != nil {
		return err
	}
	if p.OtherData, err = fieldMap(KindStartupReq3, "other_data", f[13], false); err != nil {
		return err
	}
	return nil
}

func (p *StartupReq3) Validate() error {
	if p.Hdr.OriginatorMud == "" {
		return invalid(KindStartupReq3, "originator_mud", "must be non-empty")
	}
	return nil
}

// StartupReply completes the handshake from the router side.
type StartupReply struct {
	Hdr        Header
	RouterList []any
	Password   int
}

func (p *StartupReply) Kind() Kind      { return KindStartupReply }
func (p *StartupReply) Header() *Header { return &p.Hdr }
func (p *StartupReply) payloadLen() int { return 2 }
func (p *StartupReply) payload() []any  { return []any{p.RouterList, p.Password} }

func (p *StartupReply) decodePayload(f []any) error {
	var err error
	if p.RouterList, err = fieldList(KindStartupReply, "router_list", f[0], true); err != nil {
		return err
	}
	if p.Password, err = fieldInt(KindStartupReply, "password", f[1]); err != nil {
		return err
	}
	return nil
}

func (p *StartupReply) Validate() error { return nil }

// Shutdown announces a mud going down, with an advisory restart delay in
// seconds.
type Shutdown struct {
	Hdr          Header
	RestartDelay int
}

func (p *Shutdown) Kind() Kind      { return KindShutdown }
func (p *Shutdown) Header() *Header { return &p.Hdr }
func (p *Shutdown) payloadLen() int { return 1 }
func (p *Shutdown) payload() []any  { return []any{p.RestartDelay} }

func (p *Shutdown) decodePayload(f []any) error {
	var err error
	p.RestartDelay, err = fieldInt(KindShutdown, "restart_delay", f[0])
	return err
}

func (p *Shutdown) Validate() error { return nil }

// Mudlist delivers the router's mud list diff. A mud mapped to integer 0
// has left the network.
type Mudlist struct {
	Hdr       Header
	MudlistID int
	Info      map[string]any
}

func (p *Mudlist) Kind() Kind      { return KindMudlist }
func (p *Mudlist) Header() *Header { return &p.Hdr }
func (p *Mudlist) payloadLen() int { return 2 }
func (p *Mudlist) payload() []any  { return []any{p.MudlistID, p.Info} }

func (p *Mudlist) decodePayload(f []any) error {
	var err error
	if p.MudlistID, err = fieldInt(KindMudlist, "mudlist_id", f[0]); err != nil {
		return err
	}
	if p.Info, err = fieldMap(KindMudlist, "info", f[1], true); err != nil {
		return err
	}
	return nil
}

func (p *Mudlist) Validate() error { return nil }

// Error codes synthesized by the dispatcher.
const (
	ErrCodeUnkDst  = "unk-dst"
	ErrCodeUnkUser = "unk-user"
	ErrCodeNotImp  = "not-imp"
	ErrCodeBadPkt  = "bad-pkt"
)

// Error reports a protocol failure back to a packet's originator. The
// offending packet travels in the third payload slot when available.
type Error struct {
	Hdr       Header
	Code      string
	Message   string
	BadPacket any
}

func (p *Error) Kind() Kind      { return KindError }
func (p *Error) Header() *Header { return &p.Hdr }
func (p *Error) payloadLen() int { return 3 }
func (p *Error) payload() []any  { return []any{p.Code, p.Message, p.BadPacket} }

func (p *Error) decodePayload(f []any) error {
	var err error
	if p.Code, err = fieldString(KindError, "error_code", f[0]); err != nil {
		return err
	}
	if p.Message, err = fieldString(KindError, "error_message", f[1]); err != nil {
		return err
	}
	p.BadPacket = f[2]
	return nil
}

func (p *Error) Validate() error {
	if p.Code == "" {
		return invalid(KindError, "error_code", "must be non-empty")
	}
	return nil
}

// AuthMudReq opens mud-to-mud authentication.
type AuthMudReq struct {
	Hdr Header
	Key int
}

func (p *AuthMudReq) Kind() Kind      { return KindAuthMudReq }
func (p *AuthMudReq) Header() *Header { return &p.Hdr }
func (p *AuthMudReq) payloadLen() int { return 1 }
func (p *AuthMudReq) payload() []any  { return []any{p.Key} }

func (p *AuthMudReq) decodePayload(f []any) error {
	var err error
	p.Key, err = fieldInt(KindAuthMudReq, "key", f[0])
	return err
}

func (p *AuthMudReq) Validate() error { return nil }

// AuthMudReply answers auth-mud-req with a session key.
type AuthMudReply struct {
	Hdr        Header
	SessionKey int
}

func (p *AuthMudReply) Kind() Kind      { return KindAuthMudReply }
func (p *AuthMudReply) Header() *Header { return &p.Hdr }
func (p *AuthMudReply) payloadLen() int { return 1 }
func (p *AuthMudReply) payload() []any  { return []any{p.SessionKey} }

func (p *AuthMudReply) decodePayload(f []any) error {
	var err error
	p.SessionKey, err = fieldInt(KindAuthMudReply, "session_key", f[0])
	return err
}

func (p *AuthMudReply) Validate() error { return nil }

// OOBReq asks the target to open an out-of-band connection. It doubles as
// the connection keep-alive: a header-only packet addressed to the router.
type OOBReq struct {
	Hdr Header
}

func (p *OOBReq) Kind() Kind                { return KindOOBReq }
func (p *OOBReq) Header() *Header           { return &p.Hdr }
func (p *OOBReq) payloadLen() int           { return 0 }
func (p *OOBReq) payload() []any            { return nil }
func (p *OOBReq) decodePayload([]any) error { return nil }
func (p *OOBReq) Validate() error           { return nil }

// OOBBegin opens an out-of-band exchange with a session key.
type OOBBegin struct {
	Hdr        Header
	SessionKey int
}

func (p *OOBBegin) Kind() Kind      { return KindOOBBegin }
func (p *OOBBegin) Header() *Header { return &p.Hdr }
func (p *OOBBegin) payloadLen() int { return 1 }
func (p *OOBBegin) payload() []any  { return []any{p.SessionKey} }

func (p *OOBBegin) decodePayload(f []any) error {
	var err error
	p.SessionKey, err = fieldInt(KindOOBBegin, "session_key", f[0])
	return err
}

func (p *OOBBegin) Validate() error { return nil }

// Mail carries an intermud mail item.
type Mail struct {
	Hdr       Header
	ID        int
	SpoolName string
	ToList    map[string]any
	Subject   string
	Message   string
}

func (p *Mail) Kind() Kind      { return KindMail }
func (p *Mail) Header() *Header { return &p.Hdr }
func (p *Mail) payloadLen() int { return 5 }

func (p *Mail) payload() []any {
	return []any{p.ID, p.SpoolName, mapOut(p.ToList), p.Subject, p.Message}
}

func (p *Mail) decodePayload(f []any) error {
	var err error
	if p.ID, err = fieldInt(KindMail, "id", f[0]); err != nil {
		return err
	}
	if p.SpoolName, err = fieldString(KindMail, "spool_name", f[1]); err != nil {
		return err
	}
	if p.ToList, err = fieldMap(KindMail, "to_list", f[2], false); err != nil {
		return err
	}
	if p.Subject, err = fieldString(KindMail, "subject", f[3]); err != nil {
		return err
	}
	if p.Message, err = fieldString(KindMail, "message", f[4]); err != nil {
		return err
	}
	return nil
}

func (p *Mail) Validate() error { return nil }

// MailAck acknowledges delivery of mail items.
type MailAck struct {
	Hdr      Header
	Receipts map[string]any
}

func (p *MailAck) Kind() Kind      { return KindMailAck }
func (p *MailAck) Header() *Header { return &p.Hdr }
func (p *MailAck) payloadLen() int { return 1 }
func (p *MailAck) payload() []any  { return []any{mapOut(p.Receipts)} }

func (p *MailAck) decodePayload(f []any) error {
	var err error
	p.Receipts, err = fieldMap(KindMailAck, "receipts", f[0], false)
	return err
}

func (p *MailAck) Validate() error { return nil }

// News carries one news article.
type News struct {
	Hdr     Header
	Group   string
	ID      int
	Poster  string
	Subject string
	Body    string
}

func (p *News) Kind() Kind      { return KindNews }
func (p *News) Header() *Header { return &p.Hdr }
func (p *News) payloadLen() int { return 5 }

func (p *News) payload() []any {
	return []any{p.Group, p.ID, p.Poster, p.Subject, p.Body}
}

func (p *News) decodePayload(f []any) error {
	var err error
	if p.Group, err = fieldString(KindNews, "group", f[0]); err != nil {
		return err
	}
	if p.ID, err = fieldInt(KindNews, "id", f[1]); err != nil {
		return err
	}
	if p.Poster, err = fieldString(KindNews, "poster", f[2]); err != nil {
		return err
	}
	if p.Subject, err = fieldString(KindNews, "subject", f[3]); err != nil {
		return err
	}
	if p.Body, err = fieldString(KindNews, "body", f[4]); err != nil {
		return err
	}
	return nil
}

func (p *News) Validate() error { return nil }

// NewsReadReq asks for one article of a news group.
type NewsReadReq struct {
	Hdr   Header
	Group string
	ID    int
}

func (p *NewsReadReq) Kind() Kind      { return KindNewsReadReq }
func (p *NewsReadReq) Header() *Header { return &p.Hdr }
func (p *NewsReadReq) payloadLen() int { return 2 }
func (p *NewsReadReq) payload() []any  { return []any{p.Group, p.ID} }

func (p *NewsReadReq) decodePayload(f []any) error {
	var err error
	if p.Group, err = fieldString(KindNewsReadReq, "group", f[0]); err != nil {
		return err
	}
	if p.ID, err = fieldInt(KindNewsReadReq, "id", f[1]); err != nil {
		return err
	}
	return nil
}

func (p *NewsReadReq) Validate() error {
	if p.Group == "" {
		return invalid(KindNewsReadReq, "group", "must be non-empty")
	}
	return nil
}

// File carries an inline file transfer.
type File struct {
	Hdr      Header
	Filename string
	Contents string
}

func (p *File) Kind() Kind      { return KindFile }
func (p *File) Header() *Header { return &p.Hdr }
func (p *File) payloadLen() int { return 2 }
func (p *File) payload() []any  { return []any{p.Filename, p.Contents} }

func (p *File) decodePayload(f []any) error {
	var err error
	if p.Filename, err = fieldString(KindFile, "filename", f[0]); err != nil {
		return err
	}
	if p.Contents, err = fieldString(KindFile, "contents", f[1]); err != nil {
		return err
	}
	return nil
}

func (p *File) Validate() error {
	if p.Filename == "" {
		return invalid(KindFile, "filename", "must be non-empty")
	}
	return nil
}
