package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/events"
	"github.com/agentx/agentx/internal/events/bus"
	"github.com/agentx/agentx/pkg/jsonrpc"
)

// Authenticator validates the token of an auth frame. A nil authenticator
// accepts every token.
type Authenticator func(token string) error

// Hub manages all WebSocket client connections and their topic
// subscriptions.
type Hub struct {
	clients          map[*Client]bool
	topicSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *Dispatcher
	auth       Authenticator

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub routing requests through the dispatcher.
func NewHub(dispatcher *Dispatcher, auth Authenticator, log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		topicSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		dispatcher:       dispatcher,
		auth:             auth,
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.topicSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for topic := range client.subscriptions {
		if clients, ok := h.topicSubscribers[topic]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.topicSubscribers, topic)
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a topic's fan-out set.
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topicSubscribers[topic]; !ok {
		h.topicSubscribers[topic] = make(map[*Client]bool)
	}
	h.topicSubscribers[topic][client] = true
	client.subscriptions[topic] = true

	h.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID),
		zap.String("topic", topic))
}

// Unsubscribe removes a client from a topic's fan-out set.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, topic)
	if clients, ok := h.topicSubscribers[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topicSubscribers, topic)
		}
	}
}

// PublishEvent fans a bus event out to the sockets subscribed to its topic.
// Per-socket delivery preserves the call order: frames are queued onto each
// client's send channel under the hub's read lock.
func (h *Hub) PublishEvent(event *events.Event) {
	topic := event.Topic()
	if topic == "" {
		return
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	notif, err := jsonrpc.NewNotification(jsonrpc.MethodStreamEvent, jsonrpc.StreamEventParams{
		Topic: topic,
		Event: eventJSON,
	})
	if err != nil {
		h.logger.Error("Failed to build stream.event", zap.Error(err))
		return
	}
	frame, err := json.Marshal(notif)
	if err != nil {
		h.logger.Error("Failed to marshal stream.event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.topicSubscribers[topic] {
		if client.reliable {
			client.SendReliable(uuid.New().String(), frame)
		} else {
			client.enqueue(frame)
		}
	}
}

// BindBus mirrors every scoped bus event into the gateway fan-out.
func (h *Hub) BindBus(b bus.Bus) bus.Subscription {
	return b.OnAny(func(e *events.Event) {
		h.PublishEvent(e)
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) authenticate(token string) error {
	if h.auth == nil {
		return nil
	}
	return h.auth(token)
}
