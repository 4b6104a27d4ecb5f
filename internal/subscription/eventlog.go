package subscription

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EventStatus classifies the outcome of looking up an event number.
type EventStatus int

const (
	EventOK EventStatus = iota
	EventExpired
	EventNotYetAssigned
)

// eventLog is the bounded, monotonic, gap-free per-subscription event log.
// Event numbers are never reused: once the retention capacity's worth of
// events have been appended, the oldest numbers fall out of retention but
// stay reserved — queries for them report "expired" rather than resolving
// to a different event. Appends are serialized by mu so numbering stays
// contiguous under concurrent producers.
//
// The backing lru.Cache is used purely as a fixed-capacity FIFO ring: keys
// are only ever inserted in increasing order via Add (never re-inserted),
// and read back with Peek so a read never perturbs eviction order.
type eventLog struct {
	mu       sync.Mutex
	cache    *lru.Cache[uint64, *SubscriptionEvent]
	capacity int
	next     uint64 // next event number to assign
}

func newEventLog(capacity int) *eventLog {
	c, err := lru.New[uint64, *SubscriptionEvent](capacity)
	if err != nil {
		// capacity is always a positive compile-time constant here.
		panic(err)
	}
	return &eventLog{cache: c, capacity: capacity, next: 1}
}

// append assigns the next monotonic event number, stores the event under
// it, and returns the assigned number, atomically with respect to other
// concurrent appends.
func (l *eventLog) append(build func(number uint64) *SubscriptionEvent) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	l.next++
	ev := build(n)
	l.cache.Add(n, ev)
	return n
}

func (l *eventLog) oldestRetained() uint64 {
	if int(l.next-1) <= l.capacity {
		return 1
	}
	return l.next - uint64(l.capacity)
}

// get returns the event for number, or reports why it is unavailable.
func (l *eventLog) get(number uint64) (*SubscriptionEvent, EventStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if number == 0 || number >= l.next {
		return nil, EventNotYetAssigned
	}
	if number < l.oldestRetained() {
		return nil, EventExpired
	}
	ev, ok := l.cache.Peek(number)
	if !ok {
		return nil, EventExpired
	}
	return ev, EventOK
}

// rangeEvents returns the retained events with number in [since, until]
// (0 means unbounded on that side), in ascending event-number order.
func (l *eventLog) rangeEvents(since, until uint64) []*SubscriptionEvent {
	l.mu.Lock()
	lo := l.oldestRetained()
	hi := l.next - 1
	l.mu.Unlock()

	if since > lo {
		lo = since
	}
	if until != 0 && until < hi {
		hi = until
	}
	if lo > hi {
		return nil
	}
	out := make([]*SubscriptionEvent, 0, hi-lo+1)
	for n := lo; n <= hi; n++ {
		if ev, status := l.get(n); status == EventOK {
			out = append(out, ev)
		}
	}
	return out
}

// count returns the total number of events ever appended, regardless of
// retention (eventsSinceSubscriptionStart).
func (l *eventLog) count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}
