package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenLightCore/internal/auth"
	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"github.com/KevinKickass/OpenLightCore/internal/stream"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"go.uber.org/zap"
)

// StatusProvider returns the snapshot sent to clients on connect and on request.
type StatusProvider func() any

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Status snapshot requests from clients
	statusRequests chan *Client

	// Closed when Run returns
	done chan struct{}

	// Read and write pumps of every served connection
	pumps sync.WaitGroup

	mu sync.RWMutex

	logger      *zap.Logger
	authService *auth.AuthService

	// optional
	statusProvider StatusProvider
}

var _ stream.Notifier = (*Hub)(nil)

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, authService *auth.AuthService) *Hub {
	return &Hub{
		broadcast:      make(chan Message, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		statusRequests: make(chan *Client),
		done:           make(chan struct{}),
		clients:        make(map[*Client]bool),
		logger:         logger.Named("websocket"),
		authService:    authService,
	}
}

func (h *Hub) SetStatusProvider(provider StatusProvider) {
	h.statusProvider = provider
}

// Run starts the hub's main event loop. It returns when ctx is cancelled
// after closing every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("client_id", client.id.String()),
				zap.String("remote_addr", client.remoteAddr),
				zap.Int("total_clients", total))
			h.sendStatus(client)

		case client := <-h.statusRequests:
			h.mu.RLock()
			_, ok := h.clients[client]
			h.mu.RUnlock()
			if ok {
				h.sendStatus(client)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("client_id", client.id.String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("client_id", client.id.String()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// sendStatus queues a status snapshot for one client. Called from Run only.
func (h *Hub) sendStatus(client *Client) {
	if h.statusProvider == nil {
		return
	}
	data, err := json.Marshal(NewMessage(MessageTypeStatus, h.statusProvider()))
	if err != nil {
		h.logger.Error("Failed to marshal status", zap.Error(err))
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// Wait blocks until Run has returned and every client pump has exited, or
// ctx is done.
func (h *Hub) Wait(ctx context.Context) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	pumpsDone := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(pumpsDone)
	}()
	select {
	case <-pumpsDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands a client request to Run unless the hub already stopped.
func (h *Hub) enqueue(ch chan *Client, client *Client) bool {
	select {
	case ch <- client:
		return true
	case <-h.done:
		return false
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ModeChanged(mode, previous stream.Mode, origin stream.Origin) {
	h.Broadcast(NewModeChangedMessage(string(mode), string(previous), string(origin)))
}

func (h *Hub) DeviceChanged(d types.Descriptor) {
	h.Broadcast(NewDeviceChangedMessage(d))
}

func (h *Hub) DiscoveryCompleted(res discovery.Result) {
	h.Broadcast(NewDiscoveryMessage(res))
}
