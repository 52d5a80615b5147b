package state

import (
	"container/list"
	"sync"
	"time"
)

// TTLCache is a small expiring cache for who/finger query results.
type TTLCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]cacheItem

	now func() time.Time
}

type cacheItem struct {
	value   any
	expires time.Time
}

// NewTTLCache creates a cache whose entries expire after ttl.
func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{
		ttl:   ttl,
		items: make(map[string]cacheItem),
		now:   time.Now,
	}
}

// Get returns the cached value if present and not expired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.now().After(item.expires) {
		delete(c.items, key)
		return nil, false
	}
	return item.value, true
}

// Put stores a value under key.
func (c *TTLCache) Put(key string, value any) {
	c.mu.Lock()
	c.items[key] = cacheItem{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Sweep drops expired entries and returns how many were removed.
func (c *TTLCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, item := range c.items {
		if now.After(item.expires) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// HistoryEntry is one retained channel message.
type HistoryEntry struct {
	Channel string    `json:"channel"`
	Mud     string    `json:"mud"`
	User    string    `json:"user"`
	Visname string    `json:"visname"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// History keeps the last N messages per channel.
type History struct {
	mu    sync.Mutex
	size  int
	rings map[string]*list.List
}

// NewHistory creates a history retaining size messages per channel.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 100
	}
	return &History{size: size, rings: make(map[string]*list.List)}
}

// Append records a channel message, evicting the oldest past capacity.
func (h *History) Append(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring, ok := h.rings[e.Channel]
	if !ok {
		ring = list.New()
		h.rings[e.Channel] = ring
	}
	ring.PushBack(e)
	for ring.Len() > h.size {
		ring.Remove(ring.Front())
	}
}

// Recent returns up to limit most recent messages on a channel, oldest
// first. limit <= 0 means all retained.
func (h *History) Recent(channel string, limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring, ok := h.rings[channel]
	if !ok {
		return nil
	}
	n := ring.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryEntry, 0, n)
	el := ring.Back()
	for i := 0; i < n && el != nil; i++ {
		out = append(out, el.Value.(HistoryEntry))
		el = el.Prev()
	}
	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
