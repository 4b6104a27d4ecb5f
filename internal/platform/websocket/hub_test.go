package websocket

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(id string, subs ...string) *Client {
	return &Client{ID: id, SubscriptionIDs: subs, Send: make(chan []byte, 4)}
}

func TestHub_DeliverReachesAttachedClient(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newTestClient("c1", "sub-1")
	h.Register(c)

	if !h.Deliver("sub-1", []byte("payload")) {
		t.Fatalf("expected Deliver to report a connected client")
	}
	select {
	case msg := <-c.Send:
		if string(msg) != "payload" {
			t.Fatalf("expected payload, got %s", msg)
		}
	default:
		t.Fatalf("expected a message queued on the client's Send channel")
	}
}

func TestHub_DeliverWithNoClientReturnsFalse(t *testing.T) {
	h := NewHub(zerolog.Nop())
	if h.Deliver("sub-unknown", []byte("x")) {
		t.Fatalf("expected Deliver to report false with no attached client")
	}
}

func TestHub_UnregisterStopsDelivery(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newTestClient("c1", "sub-1")
	h.Register(c)
	h.Unregister(c)

	if h.Deliver("sub-1", []byte("x")) {
		t.Fatalf("expected Deliver to report false after the client unregistered")
	}
	if h.ClientCount() != 0 {
		t.Fatalf("expected ClientCount 0 after unregister, got %d", h.ClientCount())
	}
}

func TestHub_AttachAddsAdditionalSubscription(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newTestClient("c1", "sub-1")
	h.Register(c)
	h.Attach(c, []string{"sub-2"})

	if !h.Deliver("sub-2", []byte("y")) {
		t.Fatalf("expected Deliver to reach the client over its newly attached subscription")
	}
}

func TestHub_DetachRemovesSubscription(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newTestClient("c1", "sub-1", "sub-2")
	h.Register(c)
	h.Detach(c, []string{"sub-1"})

	if h.Deliver("sub-1", []byte("z")) {
		t.Fatalf("expected Deliver to no longer reach the client on a detached subscription")
	}
	if !h.Deliver("sub-2", []byte("z")) {
		t.Fatalf("expected Deliver to still reach the client on its remaining subscription")
	}
}

func TestHub_DeliverDropsWhenSendBufferFull(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := &Client{ID: "c1", SubscriptionIDs: []string{"sub-1"}, Send: make(chan []byte, 1)}
	h.Register(c)

	h.Deliver("sub-1", []byte("first"))
	if !h.Deliver("sub-1", []byte("second")) {
		t.Fatalf("expected Deliver to still report a connected client even when its buffer is full")
	}
	if len(c.Send) != 1 {
		t.Fatalf("expected the full buffer to retain only the first message, got %d queued", len(c.Send))
	}
}
