// Package subscription is the Subscription Registry and Filter Evaluator:
// subscription CRUD, the per-subscription event log with bounded retention,
// the requested/active/error/off state machine, and per-candidate filter
// matching.
package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one of the four subscription lifecycle states.
type State string

const (
	StateRequested State = "requested"
	StateActive    State = "active"
	StateError     State = "error"
	StateOff       State = "off"
)

// Comparator is one of the standard ordering comparators a Filter may use.
type Comparator string

const (
	ComparatorEq Comparator = "eq"
	ComparatorNe Comparator = "ne"
	ComparatorGt Comparator = "gt"
	ComparatorGe Comparator = "ge"
	ComparatorLt Comparator = "lt"
	ComparatorLe Comparator = "le"
)

// Filter is one (name, comparator, modifier, value) entry of a
// subscription's per-resource-type filter list.
type Filter struct {
	Name       string     `json:"name"`
	Comparator Comparator `json:"comparator,omitempty"`
	Modifier   string     `json:"modifier,omitempty"` // "" or "contains"
	Value      string     `json:"value"`
}

// Channel is the delivery channel configuration of a subscription.
type Channel struct {
	System                   string       `json:"system,omitempty"`
	Code                     string       `json:"code"` // rest-hook, email, chat-message, websocket
	Endpoint                 string       `json:"endpoint,omitempty"`
	Headers                  []string     `json:"headers,omitempty"`
	ContentType              string       `json:"contentType,omitempty"`
	ContentLevel             ContentLevel `json:"contentLevel,omitempty"`
	HeartbeatSeconds         int          `json:"heartbeatSeconds,omitempty"`
	TimeoutSeconds           int          `json:"timeoutSeconds,omitempty"`
	MaxEventsPerNotification int          `json:"maxEventsPerNotification,omitempty"`
}

// ContentLevel is one of the three notification bundle content levels.
type ContentLevel string

const (
	ContentEmpty        ContentLevel = "empty"
	ContentIDOnly       ContentLevel = "id-only"
	ContentFullResource ContentLevel = "full-resource"
)

const defaultTimeoutSeconds = 30
const defaultMaxEventsPerNotification = 20
const defaultEventLogCap = 1000

// Definition is the caller-supplied, mutable half of a Subscription: the
// fields an update(id, subscriptionDef) call replaces wholesale while the
// registry preserves the event log and counters.
type Definition struct {
	TopicURL string              `json:"topicUrl"`
	Filters  map[string][]Filter `json:"filters,omitempty"` // resourceType -> filters; "*" applies to any type
	Channel  Channel             `json:"channel"`
}

// Subscription is a registered subscription's stored representation. State,
// ErrorCount, LastCommunication, and VerificationDeadline are mutated
// concurrently by the dispatcher's worker pool and the heartbeat scheduler,
// so all reads and writes of those fields go through mu — read them via
// Snapshot rather than touching the fields directly outside this package.
type Subscription struct {
	ID  string     `json:"id"`
	Def Definition `json:"definition"`

	mu sync.Mutex

	State             State     `json:"status"`
	ErrorCount        uint32    `json:"errorCount"`
	LastCommunication time.Time `json:"lastCommunication"`
	CreatedAt         time.Time `json:"createdAt"`

	// VerificationDeadline is the handshake timeout for an unconfirmed
	// rest-hook verification; zero means no deadline was set.
	VerificationDeadline time.Time `json:"-"`

	eventLog *eventLog
}

// Snapshot is a consistent point-in-time read of a Subscription's
// concurrently-mutated fields.
type Snapshot struct {
	State                State
	ErrorCount           uint32
	LastCommunication    time.Time
	VerificationDeadline time.Time
}

// Snapshot takes a consistent read of the fields the dispatcher and
// scheduler mutate concurrently.
func (s *Subscription) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:                s.State,
		ErrorCount:           s.ErrorCount,
		LastCommunication:    s.LastCommunication,
		VerificationDeadline: s.VerificationDeadline,
	}
}

func newSubscription(def Definition) *Subscription {
	if def.Channel.TimeoutSeconds <= 0 {
		def.Channel.TimeoutSeconds = defaultTimeoutSeconds
	}
	if def.Channel.MaxEventsPerNotification <= 0 {
		def.Channel.MaxEventsPerNotification = defaultMaxEventsPerNotification
	}
	if def.Channel.ContentLevel == "" {
		def.Channel.ContentLevel = ContentIDOnly
	}
	return &Subscription{
		ID:        uuid.NewString(),
		Def:       def,
		State:     StateRequested,
		CreatedAt: time.Now(),
		eventLog:  newEventLog(defaultEventLogCap),
	}
}

// SubscriptionEvent is one entry of a subscription's event log.
type SubscriptionEvent struct {
	EventNumber           uint64
	Timestamp             time.Time
	FocusResourceRef      string
	AdditionalContextRefs []string
	FocusSnapshot         []byte // retained iff ContentLevel == full-resource
}
