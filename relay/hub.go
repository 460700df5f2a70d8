// Package relay implements the development broadcast relay: a websocket
// pub/sub hub over named channels with at-least-once fan-out and no
// replay, plus the REST write paths whose side effect is a broadcast
// publish. It stands in for the hosted realtime service in development
// and tests.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Desco-devs/fleet-realtime/broadcast"
)

// Hub owns every connection and the channel subscription index. Events
// published to a channel are fanned out to all currently subscribed
// clients, the publisher included; clients that cannot keep up are
// disconnected rather than buffered without bound.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	channels map[string]map[*client]struct{}
	clients  map[*client]struct{}
	closed   bool

	wg sync.WaitGroup
}

type HubOption func(*Hub)

func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger: slog.Default(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			return true
		}},
		channels: make(map[string]map[*client]struct{}),
		clients:  make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades an authenticated request into a relay connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(fmt.Sprintf("Upgrade: %v", err))
		return
	}

	c := newClient(conn, id, h)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	connectionsTotal.Inc()
	activeConnections.Inc()
	h.logger.Info("new connection", slog.String("user", id.UserID))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
}

// Publish fans an event out to every subscriber of the channel.
func (h *Hub) Publish(channel, event string, payload json.RawMessage) {
	packet := &broadcast.Packet{
		Type:    broadcast.PacketEvent,
		Channel: channel,
		Event:   event,
		Payload: payload,
	}

	h.mu.RLock()
	subscribers := make([]*client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribers {
		h.sendOrDisconnect(c, packet)
	}
	packetsRelayed.WithLabelValues(event).Add(float64(len(subscribers)))
}

// PublishJSON marshals the payload and publishes it.
func (h *Hub) PublishJSON(channel, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	h.Publish(channel, event, b)
	return nil
}

// Subscribers reports how many clients hold a channel. Used by tests.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) subscribe(c *client, channel string) {
	if channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*client]struct{})
		h.channels[channel] = subs
	}
	subs[c] = struct{}{}
}

func (h *Hub) unsubscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

// sendOrDisconnect sends a packet to a client. If the client's send
// channel is blocked, it is disconnected.
func (h *Hub) sendOrDisconnect(c *client, p *broadcast.Packet) {
	select {
	case c.out <- p:
	default:
		h.disconnect(c)
	}
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		for channel, subs := range h.channels {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	activeConnections.Dec()
	h.logger.Info("connection closed", slog.String("user", c.identity.UserID))
}

// Close disconnects every client and waits for their loops to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.disconnect(c)
	}
	h.wg.Wait()
}
