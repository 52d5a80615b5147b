// Package state holds the gateway's view of the intermud network: the
// mudlist and chanlist replicas, short-lived query caches, and channel
// message history.
package state

import (
	"strings"
	"sync"
	"time"
)

// MudInfo is one mudlist entry. State -1 means up; a positive value is
// the advertised seconds until restart.
type MudInfo struct {
	Name       string         `json:"name"`
	State      int            `json:"state"`
	IPAddr     string         `json:"ip_addr"`
	PlayerPort int            `json:"player_port"`
	TCPPort    int            `json:"tcp_port"`
	UDPPort    int            `json:"udp_port"`
	Mudlib     string         `json:"mudlib"`
	BaseMudlib string         `json:"base_mudlib"`
	Driver     string         `json:"driver"`
	MudType    string         `json:"mud_type"`
	OpenStatus string         `json:"open_status"`
	AdminEmail string         `json:"admin_email"`
	Services   map[string]any `json:"services,omitempty"`
}

// Up reports whether the mud is currently reachable.
func (m *MudInfo) Up() bool { return m.State == -1 }

// HasService reports whether the mud advertises the named service.
func (m *MudInfo) HasService(name string) bool {
	if m.Services == nil {
		return false
	}
	v, ok := m.Services[name]
	if !ok {
		return false
	}
	n, ok := v.(int)
	return !ok || n != 0
}

// ChannelInfo is one chanlist entry. Type 0 is selectively banned, 1
// selectively admitted, 2 filtered.
type ChannelInfo struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Type  int    `json:"type"`
}

// Snapshot is the persistable replica state.
type Snapshot struct {
	MudlistID  int                     `json:"mudlist_id"`
	ChanlistID int                     `json:"chanlist_id"`
	Password   int                     `json:"password"`
	Muds       map[string]*MudInfo     `json:"muds"`
	Channels   map[string]*ChannelInfo `json:"channels"`
	SavedAt    time.Time               `json:"saved_at"`
}

// Persister saves and restores replica snapshots across restarts.
type Persister interface {
	Save(s *Snapshot) error
	Load() (*Snapshot, error)
}

// Store is the in-memory network state replica. All methods are safe
// for concurrent use.
type Store struct {
	mu         sync.RWMutex
	mudlistID  int
	chanlistID int
	password   int
	muds       map[string]*MudInfo
	channels   map[string]*ChannelInfo
	listening  map[string]bool
}

// NewStore creates an empty replica.
func NewStore() *Store {
	return &Store{
		muds:      make(map[string]*MudInfo),
		channels:  make(map[string]*ChannelInfo),
		listening: make(map[string]bool),
	}
}

// Restore replaces the replica with a persisted snapshot.
func (s *Store) Restore(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mudlistID = snap.MudlistID
	s.chanlistID = snap.ChanlistID
	s.password = snap.Password
	s.muds = make(map[string]*MudInfo, len(snap.Muds))
	for name, m := range snap.Muds {
		copied := *m
		s.muds[name] = &copied
	}
	s.channels = make(map[string]*ChannelInfo, len(snap.Channels))
	for name, c := range snap.Channels {
		copied := *c
		s.channels[name] = &copied
	}
}

// Snapshot copies the replica for persistence.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{
		MudlistID:  s.mudlistID,
		ChanlistID: s.chanlistID,
		Password:   s.password,
		Muds:       make(map[string]*MudInfo, len(s.muds)),
		Channels:   make(map[string]*ChannelInfo, len(s.channels)),
		SavedAt:    time.Now().UTC(),
	}
	for name, m := range s.muds {
		copied := *m
		snap.Muds[name] = &copied
	}
	for name, c := range s.channels {
		copied := *c
		snap.Channels[name] = &copied
	}
	return snap
}

// IDs returns the replica's mudlist and chanlist version counters, sent
// back to the router on startup so it only ships diffs.
func (s *Store) IDs() (mudlist, chanlist int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mudlistID, s.chanlistID
}

// Password returns the router-assigned password, 0 when never assigned.
func (s *Store) Password() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.password
}

// SetPassword records the password from a startup-reply.
func (s *Store) SetPassword(p int) {
	s.mu.Lock()
	s.password = p
	s.mu.Unlock()
}

// MudChange records one mudlist diff entry's effect on the replica.
type MudChange struct {
	Name  string
	WasUp bool
	Up    bool
}

// ApplyMudlist merges a mudlist diff. A mud mapped to integer 0 has
// left the network; its entry stays in the replica marked down so later
// lookups can answer "down" rather than "unknown". A 13-element info
// list upserts the entry.
func (s *Store) ApplyMudlist(id int, info map[string]any) []MudChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mudlistID = id

	changes := make([]MudChange, 0, len(info))
	for name, v := range info {
		prev, existed := s.muds[name]
		wasUp := existed && prev.Up()
		fields, ok := v.([]any)
		if !ok {
			if existed {
				prev.State = 0
				changes = append(changes, MudChange{Name: name, WasUp: wasUp})
			}
			continue
		}
		m := mudInfoFromFields(name, fields)
		s.muds[name] = m
		changes = append(changes, MudChange{Name: name, WasUp: wasUp, Up: m.Up()})
	}
	return changes
}

func mudInfoFromFields(name string, f []any) *MudInfo {
	m := &MudInfo{Name: name}
	get := func(i int) any {
		if i < len(f) {
			return f[i]
		}
		return nil
	}
	m.State, _ = get(0).(int)
	m.IPAddr, _ = get(1).(string)
	m.PlayerPort, _ = get(2).(int)
	m.TCPPort, _ = get(3).(int)
	m.UDPPort, _ = get(4).(int)
	m.Mudlib, _ = get(5).(string)
	m.BaseMudlib, _ = get(6).(string)
	m.Driver, _ = get(7).(string)
	m.MudType, _ = get(8).(string)
	m.OpenStatus, _ = get(9).(string)
	m.AdminEmail, _ = get(10).(string)
	m.Services, _ = get(11).(map[string]any)
	return m
}

// ChannelChange records one chanlist diff entry's effect. Refreshes of
// an existing channel produce no change entry.
type ChannelChange struct {
	Name    string
	Added   bool
	Removed bool
}

// ApplyChanlist merges a chanlist diff. A channel mapped to 0 is
// removed; a [owner, type] list upserts.
func (s *Store) ApplyChanlist(id int, channels map[string]any) []ChannelChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chanlistID = id

	changes := make([]ChannelChange, 0, len(channels))
	for name, v := range channels {
		_, existed := s.channels[name]
		fields, ok := v.([]any)
		if !ok {
			if existed {
				delete(s.channels, name)
				changes = append(changes, ChannelChange{Name: name, Removed: true})
			}
			continue
		}
		c := &ChannelInfo{Name: name}
		if len(fields) > 0 {
			c.Owner, _ = fields[0].(string)
		}
		if len(fields) > 1 {
			c.Type, _ = fields[1].(int)
		}
		s.channels[name] = c
		if !existed {
			changes = append(changes, ChannelChange{Name: name, Added: true})
		}
	}
	return changes
}

// Mud looks up one mud by exact name.
func (s *Store) Mud(name string) (*MudInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.muds[name]
	if !ok {
		return nil, false
	}
	copied := *m
	return &copied, true
}

// ResolveMud finds a mud by case-insensitive prefix. Exact matches win;
// an ambiguous prefix returns the candidate names and ok false.
func (s *Store) ResolveMud(name string) (match *MudInfo, candidates []string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, found := s.muds[name]; found {
		copied := *m
		return &copied, nil, true
	}
	lower := strings.ToLower(name)
	for mudName, m := range s.muds {
		ml := strings.ToLower(mudName)
		if ml == lower {
			copied := *m
			return &copied, nil, true
		}
		if strings.HasPrefix(ml, lower) {
			candidates = append(candidates, mudName)
			match = m
		}
	}
	if len(candidates) == 1 {
		copied := *match
		return &copied, nil, true
	}
	return nil, candidates, false
}

// Muds returns all entries, optionally filtered to muds currently up.
func (s *Store) Muds(onlyUp bool) []*MudInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MudInfo, 0, len(s.muds))
	for _, m := range s.muds {
		if onlyUp && !m.Up() {
			continue
		}
		copied := *m
		out = append(out, &copied)
	}
	return out
}

// Channel looks up one channel.
func (s *Store) Channel(name string) (*ChannelInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[name]
	if !ok {
		return nil, false
	}
	copied := *c
	return &copied, true
}

// Channels returns all known channels.
func (s *Store) Channels() []*ChannelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ChannelInfo, 0, len(s.channels))
	for _, c := range s.channels {
		copied := *c
		out = append(out, &copied)
	}
	return out
}

// SetListening records the gateway's own subscription to a channel.
func (s *Store) SetListening(channel string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.listening[channel] = true
	} else {
		delete(s.listening, channel)
	}
}

// Listening reports whether the gateway subscribes to a channel.
func (s *Store) Listening(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listening[channel]
}

// ListeningChannels returns the channels the gateway subscribes to.
func (s *Store) ListeningChannels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.listening))
	for name := range s.listening {
		out = append(out, name)
	}
	return out
}
