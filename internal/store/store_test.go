package store

import (
	"context"
	"encoding/json"
	"testing"
)

type recordingListener struct {
	changes []Change
}

func (r *recordingListener) OnChange(ctx context.Context, change Change) {
	r.changes = append(r.changes, change)
}

func TestStore_CreateFiresChangeBeforeReturning(t *testing.T) {
	s := New()
	l := &recordingListener{}
	s.AddListener(l)

	body := json.RawMessage(`{"resourceType":"Encounter","id":"e1","status":"planned"}`)
	if err := s.Create(context.Background(), "Encounter", "e1", body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(l.changes) != 1 {
		t.Fatalf("expected 1 change fired, got %d", len(l.changes))
	}
	c := l.changes[0]
	if c.Kind != Create || c.ResourceType != "Encounter" || c.ResourceID != "e1" {
		t.Fatalf("unexpected change: %+v", c)
	}
	if string(c.Current) != string(body) {
		t.Fatalf("expected current body %s, got %s", body, c.Current)
	}
}

func TestStore_CreateDuplicateIDFails(t *testing.T) {
	s := New()
	ctx := context.Background()
	body := json.RawMessage(`{}`)
	if err := s.Create(ctx, "Encounter", "e1", body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Create(ctx, "Encounter", "e1", body); err == nil {
		t.Fatalf("expected error creating duplicate resource")
	}
}

func TestStore_UpdateCarriesPreviousAndCurrent(t *testing.T) {
	s := New()
	l := &recordingListener{}
	s.AddListener(l)
	ctx := context.Background()

	before := json.RawMessage(`{"status":"planned"}`)
	after := json.RawMessage(`{"status":"in-progress"}`)
	if err := s.Create(ctx, "Encounter", "e1", before); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Update(ctx, "Encounter", "e1", after); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(l.changes) != 2 {
		t.Fatalf("expected 2 changes fired, got %d", len(l.changes))
	}
	update := l.changes[1]
	if string(update.Previous) != string(before) {
		t.Fatalf("expected previous %s, got %s", before, update.Previous)
	}
	if string(update.Current) != string(after) {
		t.Fatalf("expected current %s, got %s", after, update.Current)
	}
}

func TestStore_UpdateMissingResourceFails(t *testing.T) {
	s := New()
	if err := s.Update(context.Background(), "Encounter", "missing", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error updating a resource that was never created")
	}
}

func TestStore_DeleteTombstonesAndResolveReportsDeleted(t *testing.T) {
	s := New()
	ctx := context.Background()
	body := json.RawMessage(`{"status":"planned"}`)
	if err := s.Create(ctx, "Encounter", "e1", body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Delete(ctx, "Encounter", "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := s.Get("Encounter", "e1"); ok {
		t.Fatalf("expected deleted resource to be absent from Get")
	}

	_, found, deleted := s.Resolve("Encounter", "e1")
	if found {
		t.Fatalf("expected Resolve found=false for a deleted resource")
	}
	if !deleted {
		t.Fatalf("expected Resolve deleted=true for a tombstoned resource")
	}
}

func TestStore_ResolveUnknownResourceIsNeitherFoundNorDeleted(t *testing.T) {
	s := New()
	_, found, deleted := s.Resolve("Encounter", "never-existed")
	if found || deleted {
		t.Fatalf("expected found=false deleted=false for an unknown resource, got found=%v deleted=%v", found, deleted)
	}
}

func TestStore_ListenersInvokedInRegistrationOrder(t *testing.T) {
	s := New()
	var order []int
	s.AddListener(listenerFunc(func(ctx context.Context, change Change) { order = append(order, 1) }))
	s.AddListener(listenerFunc(func(ctx context.Context, change Change) { order = append(order, 2) }))

	if err := s.Create(context.Background(), "Encounter", "e1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected listeners invoked in registration order, got %v", order)
	}
}

type listenerFunc func(ctx context.Context, change Change)

func (f listenerFunc) OnChange(ctx context.Context, change Change) { f(ctx, change) }
