package subscription

import (
	"fmt"
	"sync"
	"time"
)

// Registry is the Subscription Registry. It is shared
// read/write; per-subscription mutation serializes on that subscription's
// own entry, so cross-subscription operations proceed in parallel.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Create inserts a new subscription in state requested, filling in channel
// defaults. It does not validate def; callers validate before calling it.
func (r *Registry) Create(def Definition) *Subscription {
	sub := newSubscription(def)
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub
}

// Get returns a subscription by id, or (nil, false).
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// Update replaces a subscription's definition while preserving its event
// log and counters.
func (r *Registry) Update(id string, def Definition) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription: %s not found", id)
	}
	if def.Channel.TimeoutSeconds <= 0 {
		def.Channel.TimeoutSeconds = defaultTimeoutSeconds
	}
	if def.Channel.MaxEventsPerNotification <= 0 {
		def.Channel.MaxEventsPerNotification = defaultMaxEventsPerNotification
	}
	if def.Channel.ContentLevel == "" {
		def.Channel.ContentLevel = ContentIDOnly
	}
	sub.mu.Lock()
	sub.Def = def
	sub.mu.Unlock()
	return sub, nil
}

// Delete transitions a subscription to off and removes it from the
// registry. The Dispatcher still needs telling so it can cancel any
// in-flight NotifyRequests for this subscription (see Engine.DeleteSubscription).
func (r *Registry) Delete(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	sub.MarkOff()
	delete(r.subs, id)
	return sub, true
}

// All returns every subscription currently registered, in no particular
// order. Used by the Heartbeat & Timeout Scheduler and the Subscription
// collection endpoint; the Event Generator's fan-out uses ByTopic.
func (r *Registry) All() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// ByTopic returns every non-off subscription whose topicUrl matches and
// whose state is one the Event Generator must still consider: requested,
// active, or error.
func (r *Registry) ByTopic(topicURL string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.subs {
		if s.Def.TopicURL != topicURL {
			continue
		}
		switch s.Snapshot().State {
		case StateRequested, StateActive, StateError:
			out = append(out, s)
		}
	}
	return out
}

// MatchesFilters evaluates this subscription's filters against a candidate
// resource.
func (s *Subscription) MatchesFilters(resourceType string, resource map[string]interface{}) bool {
	if resource == nil {
		return len(s.Def.Filters) == 0
	}
	return matchesFilters(s.Def.Filters, resourceType, resource)
}

// AppendEvent atomically allocates the next event number and stores the
// event. build receives the assigned number so it can be embedded in the
// constructed SubscriptionEvent.
func (s *Subscription) AppendEvent(build func(number uint64) SubscriptionEvent) *SubscriptionEvent {
	n := s.eventLog.append(func(number uint64) *SubscriptionEvent {
		ev := build(number)
		return &ev
	})
	ev, _ := s.eventLog.get(n)
	return ev
}

// Events returns the retained events in [since, until] ascending order, for
// the $events operation. until == 0 means unbounded.
func (s *Subscription) Events(since, until uint64) []*SubscriptionEvent {
	return s.eventLog.rangeEvents(since, until)
}

// EventCount returns the total number of events ever appended for this
// subscription (eventsSinceSubscriptionStart).
func (s *Subscription) EventCount() uint64 {
	return s.eventLog.count()
}

// EventByNumber looks up a single event by its assigned number, reporting
// whether it is retained, expired, or not yet assigned.
func (s *Subscription) EventByNumber(number uint64) (*SubscriptionEvent, EventStatus) {
	return s.eventLog.get(number)
}

// RecordDeliverySuccess applies a successful delivery's state transition:
// resets errorCount, updates lastCommunication, and moves error or requested
// into active.
func (s *Subscription) RecordDeliverySuccess(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorCount = 0
	s.LastCommunication = now
	if s.State == StateError || s.State == StateRequested {
		s.State = StateActive
	}
}

// RecordDeliveryFailure applies a failed or exhausted-retry delivery's state
// transition: increments errorCount once per NotifyRequest and, at
// errorLimit, moves to off. It never moves a subscription out of off.
func (s *Subscription) RecordDeliveryFailure(errorLimit uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateOff {
		return
	}
	s.ErrorCount++
	if s.ErrorCount >= errorLimit {
		s.State = StateOff
		return
	}
	if s.ErrorCount > 0 && s.State == StateActive {
		s.State = StateError
	}
}

// MarkVerified transitions requested -> active immediately, for channels
// whose registration-time verification succeeds synchronously.
func (s *Subscription) MarkVerified(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateRequested {
		s.State = StateActive
		s.LastCommunication = now
	}
}

// MarkOff forces a transition to off, e.g. from the heartbeat/timeout
// scheduler on end-of-life or handshake timeout, or from subscription
// deletion.
func (s *Subscription) MarkOff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateOff
}

// SetVerificationDeadline records the point by which an unconfirmed
// rest-hook handshake must succeed before the scheduler retires the
// subscription for handshake-timeout.
func (s *Subscription) SetVerificationDeadline(deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VerificationDeadline = deadline
}
