package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenPhotoRig/internal/auth"
	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"github.com/KevinKickass/OpenPhotoRig/internal/streaming"
	"go.uber.org/zap"
)

// StatusProvider supplies the snapshot sent to every new client.
type StatusProvider interface {
	Status() machine.MachineStatus
}

// TokenValidator authenticates clients. A hub without one accepts every
// connection.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.JWTClaims, error)
}

// Hub maintains active WebSocket clients and fans machine events out to
// the clients subscribed to their topic.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	logger    *zap.Logger
	validator TokenValidator
	status    StatusProvider
}

func NewHub(logger *zap.Logger, validator TokenValidator, status StatusProvider) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
		validator:  validator,
		status:     status,
	}
}

// Run is the hub's event loop. It returns when ctx is done or events is
// closed, disconnecting every client.
func (h *Hub) Run(ctx context.Context, events <-chan *streaming.Event) {
	h.logger.Info("WebSocket Hub started")
	defer func() {
		h.closeAll()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

			if h.status != nil {
				client.queueMessage(NewMessage(MessageTypeSnapshot, h.status.Status()))
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case event, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event *streaming.Event) {
	data, err := json.Marshal(NewEventMessage(event))
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message",
			zap.String("topic", event.Topic),
			zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.wants(event.Topic) {
			continue
		}
		if !client.queue(data) {
			// Slow or dead client
			client.close()
			delete(h.clients, client)
			h.logger.Warn("Client send buffer full, unregistering",
				zap.String("remote_addr", client.remoteAddr()))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
	h.logger.Info("WebSocket Hub stopped")
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
