// Package store is the Change Feed Adapter: it normalizes an
// in-memory resource store's create/update/delete mutations into
// (kind, resourceType, previous, current) tuples and hands them to every
// registered Listener before the mutation is acknowledged to its caller.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ChangeKind identifies the interaction that produced a Change.
type ChangeKind string

const (
	Create ChangeKind = "create"
	Update ChangeKind = "update"
	Delete ChangeKind = "delete"
)

// Change is one mutation: (kind, resourceType, previous?, current?). Previous
// is present for update/delete; Current is present for create/update.
type Change struct {
	Kind         ChangeKind
	ResourceType string
	ResourceID   string
	Previous     json.RawMessage
	Current      json.RawMessage
	Timestamp    time.Time
}

// Listener is notified synchronously for every accepted mutation. The store
// must not acknowledge the write to its caller until every listener's
// OnChange call has returned.
type Listener interface {
	OnChange(ctx context.Context, change Change)
}

// Store is a minimal in-memory resource store, treated as an external
// collaborator by the engine: CRUD semantics are intentionally bare-bones
// here, existing only so the engine has something to observe and to resolve
// full-resource/context reference lookups against.
type Store struct {
	mu         sync.RWMutex
	resources  map[string]map[string]json.RawMessage // resourceType -> id -> body
	tombstones map[string]map[string]bool             // resourceType -> id -> deleted

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		resources:  make(map[string]map[string]json.RawMessage),
		tombstones: make(map[string]map[string]bool),
	}
}

// AddListener registers a Listener to be invoked for every subsequent change.
func (s *Store) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Get returns the current body of a resource, or (nil, false) if absent.
func (s *Store) Get(resourceType, id string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.resources[resourceType]
	if !ok {
		return nil, false
	}
	body, ok := byID[id]
	return body, ok
}

// Resolve implements engine.ResourceResolver: it reports a resource's
// current body, whether it was found, and whether it was found tombstoned
// (deleted), so the Notification Bundler can represent a since-deleted
// focus/additional-context reference with a deleted marker.
func (s *Store) Resolve(resourceType, id string) (body []byte, found bool, deleted bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byID, ok := s.resources[resourceType]; ok {
		if raw, ok := byID[id]; ok {
			return []byte(raw), true, false
		}
	}
	if tombstoned, ok := s.tombstones[resourceType]; ok && tombstoned[id] {
		return nil, false, true
	}
	return nil, false, false
}

// Create inserts a new resource and fires a Create change to all listeners
// before returning, guaranteeing the caller's write acknowledgement follows
// event emission.
func (s *Store) Create(ctx context.Context, resourceType, id string, body json.RawMessage) error {
	s.mu.Lock()
	byID, ok := s.resources[resourceType]
	if !ok {
		byID = make(map[string]json.RawMessage)
		s.resources[resourceType] = byID
	}
	if _, exists := byID[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("store: %s/%s already exists", resourceType, id)
	}
	byID[id] = body
	s.mu.Unlock()

	s.fire(ctx, Change{
		Kind:         Create,
		ResourceType: resourceType,
		ResourceID:   id,
		Current:      body,
		Timestamp:    time.Now(),
	})
	return nil
}

// Update replaces an existing resource and fires an Update change carrying
// both the previous and current bodies.
func (s *Store) Update(ctx context.Context, resourceType, id string, body json.RawMessage) error {
	s.mu.Lock()
	byID, ok := s.resources[resourceType]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: %s/%s not found", resourceType, id)
	}
	previous, ok := byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: %s/%s not found", resourceType, id)
	}
	byID[id] = body
	s.mu.Unlock()

	s.fire(ctx, Change{
		Kind:         Update,
		ResourceType: resourceType,
		ResourceID:   id,
		Previous:     previous,
		Current:      body,
		Timestamp:    time.Now(),
	})
	return nil
}

// Delete removes a resource and fires a Delete change carrying its last body
// as Previous.
func (s *Store) Delete(ctx context.Context, resourceType, id string) error {
	s.mu.Lock()
	byID, ok := s.resources[resourceType]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: %s/%s not found", resourceType, id)
	}
	previous, ok := byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: %s/%s not found", resourceType, id)
	}
	delete(byID, id)
	tombstoned, ok := s.tombstones[resourceType]
	if !ok {
		tombstoned = make(map[string]bool)
		s.tombstones[resourceType] = tombstoned
	}
	tombstoned[id] = true
	s.mu.Unlock()

	s.fire(ctx, Change{
		Kind:         Delete,
		ResourceType: resourceType,
		ResourceID:   id,
		Previous:     previous,
		Timestamp:    time.Now(),
	})
	return nil
}

// fire synchronously invokes every listener in registration order. This
// runs before the mutating call above returns to its own caller.
func (s *Store) fire(ctx context.Context, change Change) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnChange(ctx, change)
	}
}
