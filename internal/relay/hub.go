// Package relay is a WebSocket fallback broker for venues where the
// broadcast machines cannot reach MQTT or NATS directly. It speaks the
// frame schema defined in the transport package, so a session dialed
// with ws:// behaves exactly like one dialed against a real broker.
package relay

import (
	"context"
	"encoding/json"
	"sort"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/transport"
)

// Hub manages WebSocket connections and their pattern subscriptions.
type Hub struct {
	clients    map[*Client]bool
	groups     map[string]map[*Client]bool // subscription pattern -> clients
	register   chan *Client
	unregister chan *Client
	broadcast  chan *publishedMessage
	mu         gosync.RWMutex
	logger     *zap.Logger
}

// publishedMessage is one payload on its way from a publisher to every
// connection whose subscription matches its topic.
type publishedMessage struct {
	topic   string
	payload []byte
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *publishedMessage, 256),
		logger:     logger,
	}
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
//
// All publishes funnel through one broadcast channel, so subscribers see
// messages in publish order regardless of which connection sent them.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("relay hub shutting down")
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered",
				zap.String("connID", client.connID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for pattern := range client.patterns {
					if clients, ok := h.groups[pattern]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.groups, pattern)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered",
				zap.String("connID", client.connID),
			)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver fans a published message out to every client with at least one
// matching subscription. A client subscribed through several overlapping
// patterns still receives the message once; its own transport fans out to
// local handlers. The publisher hears its own message back when subscribed,
// matching MQTT and NATS echo behavior.
func (h *Hub) deliver(msg *publishedMessage) {
	frame, err := json.Marshal(transport.Frame{
		Type:  transport.FrameMessage,
		Topic: msg.topic,
		Data:  json.RawMessage(msg.payload),
	})
	if err != nil {
		h.logger.Error("message frame encode failed",
			zap.String("topic", msg.topic),
			zap.Error(err),
		)
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]bool)
	for pattern, clients := range h.groups {
		if !transport.MatchTopic(pattern, msg.topic) {
			continue
		}
		for client := range clients {
			targets[client] = true
		}
	}
	for client := range targets {
		select {
		case client.send <- frame:
		default:
			// Buffer full, schedule disconnect
			go func(c *Client) {
				h.unregister <- c
			}(client)
		}
	}
	h.mu.RUnlock()
}

// shutdown gracefully closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.groups = make(map[string]map[*Client]bool)
}

// subscribe adds a client under a subscription pattern.
func (h *Hub) subscribe(client *Client, pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.groups[pattern] == nil {
		h.groups[pattern] = make(map[*Client]bool)
	}
	h.groups[pattern][client] = true
	client.patterns[pattern] = true

	h.logger.Debug("client subscribed",
		zap.String("connID", client.connID),
		zap.String("pattern", pattern),
	)
}

// unsubscribe removes a client's subscription pattern.
func (h *Hub) unsubscribe(client *Client, pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.groups[pattern]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.groups, pattern)
		}
	}
	delete(client.patterns, pattern)

	h.logger.Debug("client unsubscribed",
		zap.String("connID", client.connID),
		zap.String("pattern", pattern),
	)
}

// Publish queues a payload for delivery to matching subscribers.
func (h *Hub) Publish(topic string, payload []byte) {
	h.broadcast <- &publishedMessage{topic: topic, payload: payload}
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ActivePatterns returns all subscription patterns with at least one
// subscriber, sorted for stable output.
func (h *Hub) ActivePatterns() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var patterns []string
	for pattern, clients := range h.groups {
		if len(clients) > 0 {
			patterns = append(patterns, pattern)
		}
	}
	sort.Strings(patterns)
	return patterns
}
