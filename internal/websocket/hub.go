package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/walletbackup/internal/backup"
)

// MessageTypeStatus is sent whenever a provider's backup status changes.
const MessageTypeStatus = "backup_status"

// Message is one status notification sent to every client.
type Message struct {
	Type     string        `json:"type"`
	Provider string        `json:"provider"`
	Status   backup.Status `json:"status"`
}

// NewStatusMessage wraps a status snapshot for broadcast.
func NewStatusMessage(st backup.Status) Message {
	return Message{Type: MessageTypeStatus, Provider: st.Provider, Status: st}
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("client buffer full, dropping status", "provider", msg.Provider)
		}
	}
}

// Relay broadcasts every snapshot from sub until ctx is done. It closes sub
// on return.
func (h *Hub) Relay(ctx context.Context, sub *backup.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-sub.C:
			h.Broadcast(NewStatusMessage(st))
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
