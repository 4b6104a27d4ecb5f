// Package websocket implements the websocket delivery channel: a
// hub-and-spoke connection manager where each client attaches to one or more
// subscription ids and receives that subscription's notification bundles as
// they are dispatched.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ClientMessage is an inbound control message from a websocket client,
// letting it attach to or detach from subscription ids after connecting.
type ClientMessage struct {
	Action          string   `json:"action"`
	SubscriptionIDs []string `json:"subscriptionIds"`
}

// Conn abstracts a websocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single websocket connection and the subscription ids
// it currently receives notifications for.
type Client struct {
	ID              string
	SubscriptionIDs []string
	Send            chan []byte
	conn            Conn
}

// Hub is the central connection manager. All operations are thread-safe.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // subscriptionId -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

// NewHub creates a Hub ready to manage websocket clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and attaches it to its initial subscription ids.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, id := range client.SubscriptionIDs {
		if h.clients[id] == nil {
			h.clients[id] = make(map[*Client]struct{})
		}
		h.clients[id][client] = struct{}{}
	}
}

// Unregister removes a client from the hub and every subscription it was
// attached to, and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, id := range client.SubscriptionIDs {
		if subscribers, ok := h.clients[id]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, id)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Attach dynamically adds subscription ids to an already-registered client.
func (h *Hub) Attach(client *Client, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if h.clients[id] == nil {
			h.clients[id] = make(map[*Client]struct{})
		}
		h.clients[id][client] = struct{}{}
	}
	client.SubscriptionIDs = append(client.SubscriptionIDs, ids...)
}

// Detach dynamically removes subscription ids from a registered client.
func (h *Hub) Detach(client *Client, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	remove := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
		if subscribers, ok := h.clients[id]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, id)
			}
		}
	}
	remaining := client.SubscriptionIDs[:0]
	for _, id := range client.SubscriptionIDs {
		if _, rm := remove[id]; !rm {
			remaining = append(remaining, id)
		}
	}
	client.SubscriptionIDs = remaining
}

func (h *Hub) processMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "attach":
		h.Attach(client, msg.SubscriptionIDs)
	case "detach":
		h.Detach(client, msg.SubscriptionIDs)
	}
}

// Deliver sends a notification bundle to every client attached to
// subscriptionID. It returns false if no client is currently attached,
// which the websocket channel handler treats as a retryable condition (the
// receiver may reconnect before the retry budget is exhausted).
func (h *Hub) Deliver(subscriptionID string, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subscribers, ok := h.clients[subscriptionID]
	if !ok || len(subscribers) == 0 {
		return false
	}
	for client := range subscribers {
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn().Str("client", client.ID).Msg("websocket send buffer full, dropping notification")
		}
	}
	return true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP connections to websocket and routes client
// attach/detach control messages.
type Handler struct {
	hub *Hub
}

// NewHandler creates a Handler bound to hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes mounts the websocket upgrade endpoint on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.handleConnect)
}

func (h *Handler) handleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, 256),
		conn: &gorillaConnAdapter{ws},
	}
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.processMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.Send {
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) { return a.conn.ReadMessage() }
func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}
func (a *gorillaConnAdapter) Close() error { return a.conn.Close() }
