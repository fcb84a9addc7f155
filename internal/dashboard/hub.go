package dashboard

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/taskmgr818/phpscan/internal/coordinator"
)

// Hub maintains the set of websocket subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // client ID → Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[hub] subscriber %s connected (total: %d)", c.ID, n)
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[hub] subscriber %s disconnected (total: %d)", c.ID, n)
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every subscriber. Slow subscribers miss events.
func (h *Hub) Broadcast(e coordinator.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[hub] marshal event error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("[hub] send buffer full for subscriber %s, dropping", c.ID)
		}
	}
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}
