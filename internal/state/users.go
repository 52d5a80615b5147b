package state

import (
	"strings"
	"sync"
	"time"
)

// UserSession is one local user the gateway advertises to the network.
// The client mud reports its users through the API; who, finger and
// locate requests from other muds are answered from this table.
type UserSession struct {
	UserName      string    `json:"user_name"`
	Visname       string    `json:"visname"`
	Online        bool      `json:"online"`
	Level         string    `json:"level"`
	Title         string    `json:"title"`
	RealName      string    `json:"real_name,omitempty"`
	Email         string    `json:"email,omitempty"`
	IPAddr        string    `json:"ip_addr,omitempty"`
	StatusMessage string    `json:"status_message,omitempty"`
	LoginAt       time.Time `json:"login_at"`
	LastActive    time.Time `json:"last_active"`
}

// IdleSeconds reports how long the user has been inactive.
func (u *UserSession) IdleSeconds() int {
	if u.LastActive.IsZero() {
		return 0
	}
	return int(time.Since(u.LastActive).Seconds())
}

// Users tracks local user presence. Lookups are case-insensitive.
type Users struct {
	mu    sync.RWMutex
	byKey map[string]*UserSession
}

// NewUsers creates an empty presence table.
func NewUsers() *Users {
	return &Users{byKey: make(map[string]*UserSession)}
}

// Upsert records or updates one user. A first sighting of an online
// user stamps the login time; going offline clears nothing so finger
// can still answer for recently seen users.
func (t *Users) Upsert(u UserSession) {
	key := strings.ToLower(u.UserName)
	if u.Visname == "" {
		u.Visname = u.UserName
	}
	now := time.Now().UTC()
	u.LastActive = now

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, seen := t.byKey[key]
	if u.Online && (!seen || !prev.Online) {
		u.LoginAt = now
	} else if seen {
		u.LoginAt = prev.LoginAt
	}
	copied := u
	t.byKey[key] = &copied
}

// Get returns one user by name.
func (t *Users) Get(name string) (*UserSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.byKey[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	copied := *u
	return &copied, true
}

// Online returns every user currently marked online.
func (t *Users) Online() []*UserSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*UserSession, 0, len(t.byKey))
	for _, u := range t.byKey {
		if !u.Online {
			continue
		}
		copied := *u
		out = append(out, &copied)
	}
	return out
}
