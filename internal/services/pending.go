package services

import (
	"context"
	"sync"

	"github.com/LuminariMUD/i3gateway/internal/rpc"
)

// pendingTable correlates request packets with their replies. Keys are
// kind-scoped ("who:SomeMud", "locate:username"); at most one waiter
// per key, later requests for the same key share the first reply.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string][]chan any
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string][]chan any)}
}

// wait blocks for a reply under key until ctx expires.
func (t *pendingTable) wait(ctx context.Context, key string) (any, *rpc.Error) {
	ch := make(chan any, 1)
	t.mu.Lock()
	t.waiters[key] = append(t.waiters[key], ch)
	t.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		t.mu.Lock()
		remaining := t.waiters[key][:0]
		for _, w := range t.waiters[key] {
			if w != ch {
				remaining = append(remaining, w)
			}
		}
		if len(remaining) == 0 {
			delete(t.waiters, key)
		} else {
			t.waiters[key] = remaining
		}
		t.mu.Unlock()
		return nil, rpc.Errorf(rpc.CodeGatewayError, "no reply from the network")
	}
}

// resolve wakes every waiter under key. Returns false when nobody was
// waiting.
func (t *pendingTable) resolve(key string, v any) bool {
	t.mu.Lock()
	waiters := t.waiters[key]
	delete(t.waiters, key)
	t.mu.Unlock()
	for _, ch := range waiters {
		ch <- v
	}
	return len(waiters) > 0
}
