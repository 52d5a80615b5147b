package session

import (
	"container/list"
	"sync"
	"time"
)

// Priority bands for outbound messages. 1 is most urgent, 10 least.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// queued is one message waiting for delivery to a client.
type queued struct {
	payload  []byte
	priority int
	enqueued time.Time
}

// Queue is a banded outbound buffer. Delivery order is by priority
// band, FIFO within a band. When full, the oldest message of the lowest
// occupied band is evicted to admit a more urgent one; a message no more
// urgent than everything buffered is dropped instead.
type Queue struct {
	mu       sync.Mutex
	bands    [PriorityLowest + 1]*list.List
	size     int
	capacity int
	ttl      time.Duration

	// notify wakes the drainer when the queue becomes non-empty.
	notify chan struct{}

	dropped func(reason string)
	now     func() time.Time
}

// NewQueue creates a queue holding at most capacity messages, each
// expiring after ttl. dropped, when non-nil, observes evictions by
// reason ("full", "expired").
func NewQueue(capacity int, ttl time.Duration, dropped func(reason string)) *Queue {
	q := &Queue{
		capacity: capacity,
		ttl:      ttl,
		notify:   make(chan struct{}, 1),
		dropped:  dropped,
		now:      time.Now,
	}
	for i := PriorityHighest; i <= PriorityLowest; i++ {
		q.bands[i] = list.New()
	}
	return q
}

// Notify returns the channel signalled when messages are available.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Push buffers a message. Priorities outside the band range are
// clamped. Returns false when the message was dropped for backpressure.
func (q *Queue) Push(payload []byte, priority int) bool {
	if priority < PriorityHighest {
		priority = PriorityHighest
	}
	if priority > PriorityLowest {
		priority = PriorityLowest
	}

	q.mu.Lock()
	if q.size >= q.capacity {
		// Find the lowest occupied band to sacrifice from.
		victim := -1
		for band := PriorityLowest; band >= PriorityHighest; band-- {
			if q.bands[band].Len() > 0 {
				victim = band
				break
			}
		}
		if victim == -1 || victim < priority {
			// Nothing buffered is less urgent than the newcomer.
			q.mu.Unlock()
			q.drop("full")
			return false
		}
		q.bands[victim].Remove(q.bands[victim].Front())
		q.size--
		q.drop("full")
	}
	q.bands[priority].PushBack(queued{payload: payload, priority: priority, enqueued: q.now()})
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the most urgent buffered message, skipping expired ones.
// ok is false when the queue is empty.
func (q *Queue) Pop() (payload []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for band := PriorityHighest; band <= PriorityLowest; band++ {
		ring := q.bands[band]
		for ring.Len() > 0 {
			front := ring.Front()
			msg := front.Value.(queued)
			ring.Remove(front)
			q.size--
			if q.ttl > 0 && now.Sub(msg.enqueued) > q.ttl {
				q.drop("expired")
				continue
			}
			return msg.payload, true
		}
	}
	return nil, false
}

// Peek returns the most urgent buffered message without removing it.
// Expired messages encountered on the way are discarded.
func (q *Queue) Peek() (payload []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for band := PriorityHighest; band <= PriorityLowest; band++ {
		ring := q.bands[band]
		for ring.Len() > 0 {
			front := ring.Front()
			msg := front.Value.(queued)
			if q.ttl > 0 && now.Sub(msg.enqueued) > q.ttl {
				ring.Remove(front)
				q.size--
				q.drop("expired")
				continue
			}
			return msg.payload, true
		}
	}
	return nil, false
}

// Sweep drops expired messages without delivering anything. Returns the
// number removed.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ttl <= 0 {
		return 0
	}
	now := q.now()
	removed := 0
	for band := PriorityHighest; band <= PriorityLowest; band++ {
		ring := q.bands[band]
		for el := ring.Front(); el != nil; {
			next := el.Next()
			if now.Sub(el.Value.(queued).enqueued) > q.ttl {
				ring.Remove(el)
				q.size--
				removed++
				q.drop("expired")
			}
			el = next
		}
	}
	return removed
}

func (q *Queue) drop(reason string) {
	if q.dropped != nil {
		q.dropped(reason)
	}
}
