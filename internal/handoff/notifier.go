// Package handoff pushes human-handoff events to connected agent consoles
// over WebSocket and tracks which conversations an agent has taken over.
// The takeover set doubles as the Governor's agent gate.
package handoff

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 64

	// A takeover without renewal lapses after this long.
	takeoverTTL = 30 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Event is one handoff notification pushed to agent consoles.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	InboxName      string `json:"inbox_name,omitempty"`
	ContactName    string `json:"contact_name,omitempty"`
	Reason         string `json:"reason"`
	At             string `json:"at"`
}

// clientMessage is what agent consoles send back.
type clientMessage struct {
	Type           string `json:"type"` // takeover | release
	ConversationID string `json:"conversation_id"`
}

type client struct {
	hub     *Hub
	agentID string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// Hub fans events out to every connected console.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]bool
	takeovers map[string]time.Time
	logger    *slog.Logger

	now func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:   make(map[*client]bool),
		takeovers: make(map[string]time.Time),
		logger:    logger.With("component", "handoff"),
		now:       time.Now,
	}
}

// Notify broadcasts a handoff event. Consoles with a full buffer are
// skipped rather than blocking the caller.
func (h *Hub) Notify(conversationID, inboxName, contactName, reason string) {
	ev := Event{
		Type:           "handoff",
		ConversationID: conversationID,
		InboxName:      inboxName,
		ContactName:    contactName,
		Reason:         reason,
		At:             h.now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("console buffer full, dropping event",
				"agent", c.agentID, "conversation", conversationID)
		}
	}
	h.logger.Info("handoff notified",
		"conversation", conversationID, "reason", reason, "consoles", len(h.clients))
}

// AgentActive reports whether an agent holds the conversation. Lapsed
// takeovers are pruned lazily. Implements the Governor's agent gate.
func (h *Hub) AgentActive(_ context.Context, conversationID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	at, ok := h.takeovers[conversationID]
	if !ok {
		return false, nil
	}
	if h.now().Sub(at) > takeoverTTL {
		delete(h.takeovers, conversationID)
		return false, nil
	}
	return true, nil
}

// Takeover marks the conversation as agent-owned.
func (h *Hub) Takeover(conversationID string) {
	h.mu.Lock()
	h.takeovers[conversationID] = h.now()
	h.mu.Unlock()
}

// Release returns the conversation to the bot.
func (h *Hub) Release(conversationID string) {
	h.mu.Lock()
	delete(h.takeovers, conversationID)
	h.mu.Unlock()
}

// Consoles returns the number of connected agent consoles.
func (h *Hub) Consoles() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and registers the console.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		agentID = "console-" + time.Now().Format("20060102150405")
	}

	c := &client{
		hub:     h,
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Info("agent console connected", "agent", agentID)

	// writePump owns all writes, readPump all reads.
	go c.writePump()
	go c.readPump()
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		c.conn.Close()
		c.hub.logger.Info("agent console disconnected", "agent", c.agentID)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("console read failed", "agent", c.agentID, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.ConversationID == "" {
			continue
		}
		switch msg.Type {
		case "takeover":
			c.hub.Takeover(msg.ConversationID)
			c.hub.logger.Info("conversation taken over",
				"agent", c.agentID, "conversation", msg.ConversationID)
		case "release":
			c.hub.Release(msg.ConversationID)
			c.hub.logger.Info("conversation released",
				"agent", c.agentID, "conversation", msg.ConversationID)
		}
	}
}
