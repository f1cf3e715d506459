// Package streaming pushes live run events to WebSocket clients. The
// hub bridges bus session topics to connected clients; each client
// picks the session keys it wants to follow.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/events"
	"github.com/lemongate/lemongate/internal/events/bus"
)

// Client is one WebSocket connection and its session subscriptions.
// sessionKeys is guarded by the hub's lock; only hub methods touch it.
type Client struct {
	ID          string
	conn        *websocket.Conn
	sessionKeys map[string]bool
	send        chan []byte
	hub         *Hub
	logger      *logger.Logger
}

// NewClient wraps an upgraded connection. Register it with the hub and
// start both pumps before use.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		sessionKeys: make(map[string]bool),
		send:        make(chan []byte, 256),
		hub:         hub,
		logger:      log.WithFields(zap.String("client_id", id)),
	}
}

// Hub owns all WebSocket clients and routes session events to them.
type Hub struct {
	clients        map[*Client]bool
	sessionClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	// bus and busSubs track the session topics the hub follows: one
	// subscription per session while at least one client wants it.
	bus     bus.EventBus
	busSubs map[string]bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// BroadcastMessage carries one event toward a session's subscribers.
type BroadcastMessage struct {
	SessionKey string
	Event      *bus.Event
}

// NewHub creates the hub. Call Run to start it and BindBus to feed it.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		sessionClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *BroadcastMessage, 256),
		busSubs:        make(map[string]bus.Subscription),
		logger:         log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// BindBus connects the hub to the event bus. The hub follows each
// session's topic while at least one client subscribes to it, so an
// idle hub costs the bus nothing.
func (h *Hub) BindBus(eventBus bus.EventBus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus = eventBus
	for sessionKey := range h.sessionClients {
		if err := h.followLocked(sessionKey); err != nil {
			return err
		}
	}
	return nil
}

// followLocked opens the bus subscription for one session topic.
func (h *Hub) followLocked(sessionKey string) error {
	if h.bus == nil {
		return nil
	}
	if _, ok := h.busSubs[sessionKey]; ok {
		return nil
	}
	sub, err := h.bus.Subscribe(events.SessionTopic(sessionKey), func(ctx context.Context, event *bus.Event) error {
		h.Broadcast(sessionKey, event)
		return nil
	})
	if err != nil {
		return err
	}
	h.busSubs[sessionKey] = sub
	return nil
}

func (h *Hub) unfollowLocked(sessionKey string) {
	if sub, ok := h.busSubs[sessionKey]; ok {
		delete(h.busSubs, sessionKey)
		_ = sub.Unsubscribe()
	}
}

// Run processes registrations and broadcasts until the context ends,
// then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.removeClientLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.removeClientLocked(client)
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.dispatch(msg)
		}
	}
}

func (h *Hub) dispatch(msg *BroadcastMessage) {
	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.sessionClients[msg.SessionKey]))
	for client := range h.sessionClients[msg.SessionKey] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	data, err := json.Marshal(msg.Event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	for _, client := range subscribers {
		select {
		case client.send <- data:
		default:
			// Send buffer full: the client cannot keep up, drop it.
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.removeClientLocked(client)
			}
			h.mu.Unlock()
			h.logger.Warn("Slow client evicted",
				zap.String("client_id", client.ID),
				zap.String("session_key", msg.SessionKey))
		}
	}
}

// removeClientLocked drops the client from the registry and every
// session index, then releases its write pump. Callers hold h.mu.
func (h *Hub) removeClientLocked(client *Client) {
	delete(h.clients, client)
	close(client.send)
	for sessionKey := range client.sessionKeys {
		if clients, ok := h.sessionClients[sessionKey]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessionClients, sessionKey)
				h.unfollowLocked(sessionKey)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues one event for a session's subscribers. Drops the
// event when the hub itself is saturated rather than blocking the bus.
func (h *Hub) Broadcast(sessionKey string, event *bus.Event) {
	select {
	case h.broadcast <- &BroadcastMessage{SessionKey: sessionKey, Event: event}:
	default:
		h.logger.Warn("Broadcast queue full, event dropped",
			zap.String("session_key", sessionKey),
			zap.String("event_type", event.Type))
	}
}

// SubscribeClient adds the client to a session's subscriber set and
// starts following the session's bus topic if nobody did yet.
func (h *Hub) SubscribeClient(client *Client, sessionKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionClients[sessionKey]; !ok {
		h.sessionClients[sessionKey] = make(map[*Client]bool)
	}
	h.sessionClients[sessionKey][client] = true
	client.sessionKeys[sessionKey] = true
	if err := h.followLocked(sessionKey); err != nil {
		h.logger.Error("Session topic subscription failed",
			zap.String("session_key", sessionKey),
			zap.Error(err))
	}
	h.logger.Debug("Client subscribed to session",
		zap.String("client_id", client.ID),
		zap.String("session_key", sessionKey))
}

// UnsubscribeClient removes the client from a session's subscriber set.
// The last client out drops the session's bus subscription.
func (h *Hub) UnsubscribeClient(client *Client, sessionKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.sessionKeys, sessionKey)
	if clients, ok := h.sessionClients[sessionKey]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionClients, sessionKey)
			h.unfollowLocked(sessionKey)
		}
	}
	h.logger.Debug("Client unsubscribed from session",
		zap.String("client_id", client.ID),
		zap.String("session_key", sessionKey))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionSubscriberCount returns how many clients follow a session.
func (h *Hub) SessionSubscriberCount(sessionKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionClients[sessionKey])
}
