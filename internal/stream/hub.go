// Package stream fans agent output out to WebSocket viewers in real time.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

// Line is one streamed agent-output record.
type Line struct {
	TaskID string          `json:"task_id"`
	Ts     time.Time       `json:"ts"`
	Event  json.RawMessage `json:"event"`
}

// Hub routes agent output lines to clients subscribed to each task.
// Viewers are read-only; a client that cannot keep up is dropped.
type Hub struct {
	clients     map[*Client]bool
	taskClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Line

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates a stream hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Line, 256),
		log:         log.WithFields(zap.String("component", "stream_hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.taskClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if _, ok := h.taskClients[client.taskID]; !ok {
				h.taskClients[client.taskID] = make(map[*Client]bool)
			}
			h.taskClients[client.taskID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()

		case line := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.taskClients[line.TaskID]))
			for c := range h.taskClients[line.TaskID] {
				clients = append(clients, c)
			}
			h.mu.RUnlock()
			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(line)
			if err != nil {
				h.log.Error("failed to marshal stream line", zap.Error(err))
				continue
			}
			for _, client := range clients {
				select {
				case client.send <- data:
				default:
					// Slow consumer, disconnect it.
					h.mu.Lock()
					h.drop(client)
					h.mu.Unlock()
				}
			}
		}
	}
}

// drop removes a client; caller holds h.mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if clients, ok := h.taskClients[client.taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskClients, client.taskID)
		}
	}
}

// Publish sends a raw agent-output event to the task's viewers. Non-blocking:
// if the broadcast buffer is full the line is dropped, never the caller.
func (h *Hub) Publish(taskID string, event json.RawMessage) {
	line := &Line{TaskID: taskID, Ts: time.Now().UTC(), Event: event}
	select {
	case h.broadcast <- line:
	default:
		h.log.Warn("stream broadcast buffer full, dropping line",
			zap.String("task_id", taskID))
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

// SubscriberCount returns the number of viewers on a task.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.taskClients[taskID])
}
