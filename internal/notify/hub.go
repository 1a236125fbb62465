// Package notify delivers decision prompts, reminders, and action commands
// to connected UI clients over WebSocket.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/popupd/internal/decision"
)

// ErrNoClients is returned when a message has no connected UI to go to.
// The coordinator treats this as a delivery failure and falls back to the
// timeout ladder or a manual decision.
var ErrNoClients = errors.New("no notification clients connected")

const writeTimeout = 5 * time.Second

// Message type markers on the wire.
const (
	TypeDecisionRequired = "decision_required"
	TypeDecisionReminder = "decision_reminder"
	TypeApplyAction      = "apply_action"
)

// Message is the envelope sent to UI clients.
type Message struct {
	Type    string `json:"type"`
	PopupID string `json:"popup_id"`
	TabID   int    `json:"tab_id"`

	// Choice is set on apply_action messages.
	Choice string `json:"choice,omitempty"`

	// Pending carries the full decision on prompts and reminders.
	Pending *decision.PendingDecision `json:"pending,omitempty"`

	// Reminder is the reminder ordinal on decision_reminder messages.
	Reminder int `json:"reminder,omitempty"`
}

// Hub fans messages out to all connected WebSocket clients. It implements
// decision.Notifier.
//
// Thread Safety: all methods are safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type client struct {
	conn *websocket.Conn

	// writeMu serializes writes; gorilla connections allow one
	// concurrent writer.
	writeMu sync.Mutex
}

// NewHub creates a hub with no connected clients.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon serves loopback UIs; the browser side holds
			// no credentials worth an origin check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handle upgrades an HTTP request to a WebSocket subscription and blocks
// until the client disconnects.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading notification socket: %w", err)
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("notification client connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Int("clients", n))

	// Inbound traffic is ignored; the read loop only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(c)
	h.logger.Info("notification client disconnected",
		zap.String("remote", conn.RemoteAddr().String()))
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

// PromptDecision implements decision.Notifier.
func (h *Hub) PromptDecision(_ context.Context, d *decision.PendingDecision) error {
	return h.broadcast(&Message{
		Type:    TypeDecisionRequired,
		PopupID: d.PopupID,
		TabID:   d.TabID,
		Pending: d,
	})
}

// Remind implements decision.Notifier.
func (h *Hub) Remind(_ context.Context, d *decision.PendingDecision) error {
	return h.broadcast(&Message{
		Type:     TypeDecisionReminder,
		PopupID:  d.PopupID,
		TabID:    d.TabID,
		Pending:  d,
		Reminder: d.ReminderCount,
	})
}

// ApplyAction implements decision.Notifier.
func (h *Hub) ApplyAction(_ context.Context, popupID string, tabID int, choice decision.Choice) error {
	return h.broadcast(&Message{
		Type:    TypeApplyAction,
		PopupID: popupID,
		TabID:   tabID,
		Choice:  string(choice),
	})
}

// broadcast sends a message to every connected client. Clients whose write
// fails are dropped. Succeeds when at least one client got the message.
func (h *Hub) broadcast(msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if len(clients) == 0 {
		return ErrNoClients
	}

	delivered := 0
	for _, c := range clients {
		if err := c.write(raw); err != nil {
			h.logger.Warn("dropping notification client",
				zap.String("remote", c.conn.RemoteAddr().String()),
				zap.Error(err))
			h.remove(c)
			_ = c.conn.Close()
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return ErrNoClients
	}
	return nil
}

func (c *client) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}
