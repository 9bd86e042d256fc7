// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/absmach/ramses-gateway/bridge"
	"github.com/absmach/ramses-gateway/buffer"
)

// EventMQTTMessage is the event name pushed for every broker message.
const EventMQTTMessage = "mqtt_message"

// DefaultSendBuffer is the per-client outbound queue length.
const DefaultSendBuffer = 64

// Event is the envelope written to push clients.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var _ bridge.Sink = (*Hub)(nil)

// Hub fans messages out to connected clients. Send never blocks: a client
// whose queue is full is disconnected.
type Hub struct {
	mu         sync.Mutex
	clients    map[string]*client
	sendBuffer int
	logger     *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(sendBuffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}

	return &Hub{
		clients:    make(map[string]*client),
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// Send pushes msg to every client as an mqtt_message event.
func (h *Hub) Send(msg buffer.Message) {
	data, err := json.Marshal(Event{Event: EventMQTTMessage, Data: json.RawMessage(msg)})
	if err != nil {
		h.logger.Warn("ws_event_encode_failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, id)
			close(c.send)
			h.logger.Warn("ws_slow_client_dropped", slog.String("client_id", id))
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("ws_client_connected",
		slog.String("client_id", c.id),
		slog.String("remote_addr", c.remoteAddr),
		slog.Int("clients", n))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("ws_client_disconnected",
		slog.String("client_id", c.id),
		slog.Int("clients", n))
}
