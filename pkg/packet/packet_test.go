package packet

import (
	"errors"
	"reflect"
	"testing"
)

func TestTellRoundTrip(t *testing.T) {
	p := &Tell{
		Hdr: Header{
			TTL:            200,
			OriginatorMud:  "Alpha",
			OriginatorUser: "alice",
			TargetMud:      "Beta",
			TargetUser:     "bob",
		},
		Visname: "alice",
		Message: "hi",
	}
	seq := ToSequence(p)
	want := []any{"tell", 200, "Alpha", "alice", "Beta", "bob", "alice", "hi"}
	if !reflect.DeepEqual(seq, want) {
		t.Fatalf("sequence mismatch:\n got %#v\nwant %#v", seq, want)
	}
	back, err := FromSequence(seq)
	if err != nil {
		t.Fatalf("FromSequence: %v", err)
	}
	if !reflect.DeepEqual(back, p) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", back, p)
	}
}

func TestTellExactLength(t *testing.T) {
	// tell is exactly 8 positions; both shorter and longer forms are
	// rejected.
	short := []any{"tell", 200, "Alpha", "alice", "Beta", "bob", "hi"}
	if _, err := FromSequence(short); err == nil {
		t.Fatal("7-field tell accepted")
	}
	long := []any{"tell", 200, "Alpha", "alice", "Beta", "bob", "alice", "hi", "extra"}
	if _, err := FromSequence(long); err == nil {
		t.Fatal("9-field tell accepted")
	}
}

func TestVisnameDefaultsToOriginator(t *testing.T) {
	seq := []any{"tell", 200, "Alpha", "alice", "Beta", "bob", 0, "hi"}
	p, err := FromSequence(seq)
	if err != nil {
		t.Fatal(err)
	}
	if p.(*Tell).Visname != "alice" {
		t.Fatalf("visname = %q, want originator fallback", p.(*Tell).Visname)
	}

	seq = []any{"channel-m", 200, "Alpha", "alice", 0, 0, "gossip", 0, "hi all"}
	p, err = FromSequence(seq)
	if err != nil {
		t.Fatal(err)
	}
	if p.(*ChannelMessage).Visname != "alice" {
		t.Fatalf("channel visname = %q, want originator fallback", p.(*ChannelMessage).Visname)
	}
}

func TestAddressingZeroMeansEmpty(t *testing.T) {
	seq := []any{"channel-m", 195, "Alpha", "alice", 0, 0, "gossip", "alice", "hi all"}
	p, err := FromSequence(seq)
	if err != nil {
		t.Fatal(err)
	}
	h := p.Header()
	if h.TargetMud != "" || h.TargetUser != "" {
		t.Fatalf("target = %q/%q, want empty", h.TargetMud, h.TargetUser)
	}
	if !IsBroadcast(h.TargetMud) {
		t.Fatal("empty target mud must be broadcast")
	}

	// Empty strings go back out as integer 0.
	out := ToSequence(p)
	if out[4] != 0 || out[5] != 0 {
		t.Fatalf("empty addressing encoded as %#v/%#v, want 0/0", out[4], out[5])
	}
}

func TestNonzeroIntAddressRejected(t *testing.T) {
	seq := []any{"tell", 200, 7, "alice", "Beta", "bob", "alice", "hi"}
	if _, err := FromSequence(seq); err == nil {
		t.Fatal("nonzero integer address accepted")
	}
}

func TestTTLRange(t *testing.T) {
	for _, ttl := range []int{-1, 201} {
		seq := []any{"tell", ttl, "Alpha", "alice", "Beta", "bob", "alice", "hi"}
		if _, err := FromSequence(seq); err == nil {
			t.Fatalf("ttl %d accepted", ttl)
		}
	}
	seq := []any{"tell", 0, "Alpha", "alice", "Beta", "bob", "alice", "hi"}
	if _, err := FromSequence(seq); err != nil {
		t.Fatalf("ttl 0 rejected: %v", err)
	}
}

func TestUnknownKind(t *testing.T) {
	seq := []any{"teleport", 200, "Alpha", "alice", "Beta", "bob", "x", "y"}
	_, err := FromSequence(seq)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
	if KnownKind("teleport") {
		t.Fatal("teleport reported as known")
	}
	if !KnownKind(KindMudlist) {
		t.Fatal("mudlist reported as unknown")
	}
}

func TestStartupReq3Layout(t *testing.T) {
	p := &StartupReq3{
		Hdr:         Header{TTL: 200, OriginatorMud: "Alpha", TargetMud: "*i3"},
		Password:    0,
		PlayerPort:  4000,
		IMudTCPPort: 4001,
		Mudlib:      "LuminariLib",
		BaseMudlib:  "tbaMUD",
		Driver:      "CircleMUD",
		MudType:     "Circle",
		OpenStatus:  "open for public",
		AdminEmail:  "admin@alpha.example",
		Services:    map[string]any{"tell": 1, "channel": 1},
	}
	seq := ToSequence(p)
	if len(seq) != 20 {
		t.Fatalf("startup-req-3 serialized to %d fields, want 20", len(seq))
	}
	back, err := FromSequence(seq)
	if err != nil {
		t.Fatalf("FromSequence: %v", err)
	}
	if !reflect.DeepEqual(back, p) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", back, p)
	}
}

func TestStartupReqLegacyFormRejected(t *testing.T) {
	// The 18-field startup-req form predates the services mapping and is
	// not spoken here.
	seq := []any{
		"startup-req-3", 200, "Alpha", 0, "*i3", 0,
		0, 0, 0,
		4000, 4001, 0,
		"LuminariLib", "tbaMUD", "CircleMUD", "Circle", "open", "admin@alpha.example",
	}
	if _, err := FromSequence(seq); err == nil {
		t.Fatal("18-field startup form accepted")
	}
}

func TestReplyHeaderSwapsAndResetsTTL(t *testing.T) {
	req := Header{
		TTL:            3,
		OriginatorMud:  "Alpha",
		OriginatorUser: "alice",
		TargetMud:      "Beta",
		TargetUser:     "bob",
	}
	rep := ReplyHeader(&req)
	if rep.TTL != TTLCeiling {
		t.Fatalf("reply ttl = %d, want %d", rep.TTL, TTLCeiling)
	}
	if rep.OriginatorMud != "Beta" || rep.OriginatorUser != "bob" ||
		rep.TargetMud != "Alpha" || rep.TargetUser != "alice" {
		t.Fatalf("reply header not swapped: %#v", rep)
	}
}

func TestNewErrorCarriesOffendingPacket(t *testing.T) {
	req := Header{TTL: 10, OriginatorMud: "Alpha", OriginatorUser: "alice", TargetMud: "Beta"}
	bad := []any{"tell", 10, "Alpha", "alice", "Beta", "ghost", "alice", "hi"}
	e := NewError(&req, ErrCodeUnkUser, "unknown user ghost", bad)

	seq := ToSequence(e)
	back, err := FromSequence(seq)
	if err != nil {
		t.Fatal(err)
	}
	got := back.(*Error)
	if got.Code != ErrCodeUnkUser {
		t.Fatalf("code = %q", got.Code)
	}
	if got.Hdr.TargetMud != "Alpha" || got.Hdr.TargetUser != "alice" {
		t.Fatalf("error not addressed to originator: %#v", got.Hdr)
	}
	if !reflect.DeepEqual(got.BadPacket, bad) {
		t.Fatalf("offending packet lost: %#v", got.BadPacket)
	}
}

func TestChannelListenFlag(t *testing.T) {
	p := &ChannelListen{Hdr: Header{TTL: 200, OriginatorMud: "Alpha", TargetMud: "*i3"}, Channel: "gossip", On: true}
	seq := ToSequence(p)
	if seq[7] != "1" {
		t.Fatalf("listen flag encoded as %#v, want \"1\"", seq[7])
	}

	// A literal integer flag from older peers is tolerated on decode.
	seq[7] = 0
	back, err := FromSequence(seq)
	if err != nil {
		t.Fatal(err)
	}
	if back.(*ChannelListen).On {
		t.Fatal("integer 0 decoded as listening")
	}
}

func TestMudlistRequiresInfoMapping(t *testing.T) {
	seq := []any{"mudlist", 199, "*i3", 0, "Alpha", 0, 5, nil}
	if _, err := FromSequence(seq); err == nil {
		t.Fatal("mudlist with null info accepted")
	}

	seq[7] = map[string]any{"Beta": 0}
	p, err := FromSequence(seq)
	if err != nil {
		t.Fatal(err)
	}
	ml := p.(*Mudlist)
	if ml.MudlistID != 5 {
		t.Fatalf("mudlist_id = %d", ml.MudlistID)
	}
	if _, ok := ml.Info["Beta"]; !ok {
		t.Fatal("info mapping lost")
	}
}

func TestWhoReqNullFilter(t *testing.T) {
	seq := []any{"who-req", 200, "Alpha", "alice", "Beta", 0, nil}
	p, err := FromSequence(seq)
	if err != nil {
		t.Fatal(err)
	}
	if p.(*WhoReq).Filter != nil {
		t.Fatal("null filter must stay nil")
	}
	// And a nil filter must go back out as the null marker, not an empty
	// mapping.
	out := ToSequence(p)
	if out[6] != nil {
		t.Fatalf("nil filter encoded as %#v", out[6])
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		seq  []any
	}{
		{"tell empty message", []any{"tell", 200, "Alpha", "alice", "Beta", "bob", "alice", ""}},
		{"tell no target user", []any{"tell", 200, "Alpha", "alice", "Beta", 0, "alice", "hi"}},
		{"channel-m no channel", []any{"channel-m", 200, "Alpha", "alice", 0, 0, 0, "alice", "hi"}},
		{"locate-req no user", []any{"locate-req", 200, "Alpha", "alice", 0, 0, 0}},
		{"startup no originator", []any{
			"startup-req-3", 200, 0, 0, "*i3", 0,
			0, 0, 0, 4000, 0, 0,
			"lib", "base", "drv", "type", "open", "a@b",
			map[string]any{}, nil,
		}},
		{"error empty code", []any{"error", 199, "*i3", 0, "Alpha", "alice", 0, "broken", nil}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromSequence(tc.seq); err == nil {
				t.Fatal("accepted")
			}
		})
	}
}

func TestAllKindsRoundTripHeader(t *testing.T) {
	// Every registered kind must survive encode/decode of a header-only
	// view with zero-value payload fields filled to pass validation where
	// needed.
	hdr := Header{TTL: 150, OriginatorMud: "Alpha", OriginatorUser: "alice", TargetMud: "Beta", TargetUser: "bob"}
	samples := []Packet{
		&Tell{Hdr: hdr, Visname: "alice", Message: "m"},
		&EmoteTo{Hdr: hdr, Visname: "alice", Message: "m"},
		&ChannelMessage{Hdr: hdr, Channel: "c", Visname: "alice", Message: "m"},
		&ChannelEmote{Hdr: hdr, Channel: "c", Visname: "alice", Message: "m"},
		&ChannelTargetedEmote{Hdr: hdr, Channel: "c", TargMud: "Beta", TargUser: "bob", MessageOthers: "m", MessageTarget: "m", Visname: "alice", TargVisname: "bob"},
		&ChannelAdd{Hdr: hdr, Channel: "c"},
		&ChannelRemove{Hdr: hdr, Channel: "c"},
		&ChannelAdmin{Hdr: hdr, Channel: "c", AddMuds: []any{"Beta"}},
		&ChannelFilter{Hdr: hdr, Channel: "c", Content: []any{"x"}},
		&ChannelWho{Hdr: hdr, Channel: "c"},
		&ChannelListen{Hdr: hdr, Channel: "c", On: true},
		&ChanlistReply{Hdr: hdr, ChanlistID: 1, Channels: map[string]any{"c": []any{"Alpha", 0}}},
		&WhoReq{Hdr: hdr},
		&WhoReply{Hdr: hdr, Who: []any{[]any{"alice", 0, 50, "wizard"}}},
		&FingerReq{Hdr: hdr, User: "bob"},
		&FingerReply{Hdr: hdr, Visname: "bob", IdleTime: 30},
		&LocateReq{Hdr: hdr, User: "bob"},
		&LocateReply{Hdr: hdr, LocatedMud: "Beta", LocatedUser: "bob", IdleTime: 5, Status: "active"},
		&StartupReq3{Hdr: hdr, Services: map[string]any{"tell": 1}},
		&StartupReply{Hdr: hdr, RouterList: []any{[]any{"*i3", "1.2.3.4 8080"}}, Password: 42},
		&Shutdown{Hdr: hdr, RestartDelay: 300},
		&Mudlist{Hdr: hdr, MudlistID: 9, Info: map[string]any{"Beta": 0}},
		&Error{Hdr: hdr, Code: "unk-dst", Message: "m"},
		&AuthMudReq{Hdr: hdr, Key: 1},
		&AuthMudReply{Hdr: hdr, SessionKey: 2},
		&OOBReq{Hdr: hdr},
		&OOBBegin{Hdr: hdr, SessionKey: 3},
		&Mail{Hdr: hdr, ID: 1, SpoolName: "s", ToList: map[string]any{"Beta": []any{"bob"}}, Subject: "s", Message: "m"},
		&MailAck{Hdr: hdr, Receipts: map[string]any{"Beta": []any{1}}},
		&News{Hdr: hdr, Group: "g", ID: 1, Poster: "alice", Subject: "s", Body: "b"},
		&NewsReadReq{Hdr: hdr, Group: "g", ID: 1},
		&File{Hdr: hdr, Filename: "f", Contents: "data"},
	}
	if len(samples) != len(factories) {
		t.Fatalf("sample set covers %d kinds, registry has %d", len(samples), len(factories))
	}
	for _, p := range samples {
		t.Run(string(p.Kind()), func(t *testing.T) {
			seq := ToSequence(p)
			if len(seq) != headerLen+p.payloadLen() {
				t.Fatalf("serialized to %d fields, want %d", len(seq), headerLen+p.payloadLen())
			}
			back, err := FromSequence(seq)
			if err != nil {
				t.Fatalf("FromSequence: %v", err)
			}
			if !reflect.DeepEqual(back, p) {
				t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", back, p)
			}
		})
	}
}
