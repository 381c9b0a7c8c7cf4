package stub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const clientSendBuffer = 64

// Hub broadcasts unsolicited events to connected clients.
type Hub struct {
	logger  *zap.Logger
	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *hubClient) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	}
}

func (c *hubClient) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub) register() *hubClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	client := &hubClient{
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}
	h.clients[client] = struct{}{}
	return client
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.stop()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		client.stop()
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends event to every client, dropping it for clients whose
// buffer is full.
func (h *Hub) Broadcast(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("event marshal failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("dropping event for slow client")
		}
	}
}
