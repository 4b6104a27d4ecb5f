package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/store"
	"github.com/ehr/subscriptions/internal/subscription"
	"github.com/ehr/subscriptions/internal/topic"
)

type fakeStoreReader struct {
	resources map[string]json.RawMessage
}

func newFakeStoreReader() *fakeStoreReader {
	return &fakeStoreReader{resources: make(map[string]json.RawMessage)}
}

func (f *fakeStoreReader) put(resourceType, id string, body json.RawMessage) {
	f.resources[resourceType+"/"+id] = body
}

func (f *fakeStoreReader) Get(resourceType, id string) (json.RawMessage, bool) {
	body, ok := f.resources[resourceType+"/"+id]
	return body, ok
}

func encounterCreateTopic() *topic.Topic {
	return &topic.Topic{
		URL:    "http://example.org/SubscriptionTopic/encounter-start",
		Status: "active",
		Triggers: []topic.Trigger{
			{
				ResourceType: "Encounter",
				Interactions: []topic.Interaction{store.Create},
				CanFilterBy: []topic.FilterParamDef{
					{ResourceType: "Encounter", Name: "status"},
				},
				NotificationShape: []string{"subject.reference"},
			},
		},
	}
}

func TestGenerator_MatchedChangeAppendsEventAndDispatches(t *testing.T) {
	topics := topic.New()
	h := topics.Register(encounterCreateTopic())

	subs := subscription.New()
	sub := subs.Create(subscription.Definition{
		TopicURL: h.URL(),
		Channel:  subscription.Channel{Code: "rest-hook", Endpoint: "http://example.org/hook"},
	})

	storeRd := newFakeStoreReader()
	storeRd.put("Patient", "p1", json.RawMessage(`{"resourceType":"Patient","id":"p1"}`))

	var dispatched []NotifyRequest
	dispatch := func(req NotifyRequest) { dispatched = append(dispatched, req) }

	g := NewGenerator(Config{}, topics, subs, storeRd, nil, dispatch, zerolog.Nop())

	change := store.Change{
		Kind:         store.Create,
		ResourceType: "Encounter",
		ResourceID:   "e1",
		Current:      json.RawMessage(`{"resourceType":"Encounter","id":"e1","status":"planned","subject":{"reference":"Patient/p1"}}`),
	}
	g.handle(context.Background(), change)

	if len(dispatched) != 1 {
		t.Fatalf("expected 1 dispatched request, got %d", len(dispatched))
	}
	if dispatched[0].SubscriptionID != sub.ID {
		t.Fatalf("expected request for subscription %s, got %s", sub.ID, dispatched[0].SubscriptionID)
	}
	if dispatched[0].Type != NotificationEvent {
		t.Fatalf("expected NotificationEvent, got %s", dispatched[0].Type)
	}

	events := sub.Events(0, 0)
	if len(events) != 1 {
		t.Fatalf("expected 1 retained event, got %d", len(events))
	}
	if events[0].FocusResourceRef != "Encounter/e1" {
		t.Fatalf("expected focus ref Encounter/e1, got %s", events[0].FocusResourceRef)
	}
	if len(events[0].AdditionalContextRefs) != 1 || events[0].AdditionalContextRefs[0] != "Patient/p1" {
		t.Fatalf("expected resolved additional context Patient/p1, got %v", events[0].AdditionalContextRefs)
	}
}

func TestGenerator_UnresolvableNotificationShapeDoesNotDropEvent(t *testing.T) {
	topics := topic.New()
	h := topics.Register(encounterCreateTopic())

	subs := subscription.New()
	subs.Create(subscription.Definition{
		TopicURL: h.URL(),
		Channel:  subscription.Channel{Code: "rest-hook", Endpoint: "http://example.org/hook"},
	})

	storeRd := newFakeStoreReader() // Patient/p1 deliberately absent

	var dispatched []NotifyRequest
	g := NewGenerator(Config{}, topics, subs, storeRd, nil, func(r NotifyRequest) { dispatched = append(dispatched, r) }, zerolog.Nop())

	change := store.Change{
		Kind:         store.Create,
		ResourceType: "Encounter",
		ResourceID:   "e2",
		Current:      json.RawMessage(`{"resourceType":"Encounter","id":"e2","subject":{"reference":"Patient/p1"}}`),
	}
	g.handle(context.Background(), change)

	if len(dispatched) != 1 {
		t.Fatalf("expected event to still be dispatched despite unresolved reference, got %d", len(dispatched))
	}
}

func TestGenerator_FilterRejectsNonMatchingCandidate(t *testing.T) {
	topics := topic.New()
	h := topics.Register(encounterCreateTopic())

	subs := subscription.New()
	subs.Create(subscription.Definition{
		TopicURL: h.URL(),
		Filters:  map[string][]subscription.Filter{"Encounter": {{Name: "status", Value: "in-progress"}}},
		Channel:  subscription.Channel{Code: "rest-hook", Endpoint: "http://example.org/hook"},
	})

	var dispatched []NotifyRequest
	g := NewGenerator(Config{}, topics, subs, newFakeStoreReader(), nil, func(r NotifyRequest) { dispatched = append(dispatched, r) }, zerolog.Nop())

	change := store.Change{
		Kind:         store.Create,
		ResourceType: "Encounter",
		ResourceID:   "e3",
		Current:      json.RawMessage(`{"resourceType":"Encounter","id":"e3","status":"planned"}`),
	}
	g.handle(context.Background(), change)

	if len(dispatched) != 0 {
		t.Fatalf("expected filter mismatch to suppress dispatch, got %d", len(dispatched))
	}
}

func TestGenerator_OnChangeUnblocksOnStop(t *testing.T) {
	topics := topic.New()
	subs := subscription.New()
	g := NewGenerator(Config{IngressQueueCapacity: 1, GeneratorWorkers: 1}, topics, subs, newFakeStoreReader(), nil, func(NotifyRequest) {}, zerolog.Nop())

	g.OnChange(context.Background(), store.Change{ResourceType: "X"}) // fills the capacity-1 queue; no workers running to drain it

	done := make(chan struct{})
	go func() {
		g.OnChange(context.Background(), store.Change{ResourceType: "X"}) // blocks until g.stop closes
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(g.stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnChange did not return after stop was signaled")
	}
}
