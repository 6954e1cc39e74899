package handshake

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/authreq"
)

const (
	// EventTransition carries a Transition payload.
	EventTransition = "transition"
	// EventLoginSucceeded is sent once per successful handshake.
	EventLoginSucceeded = "login_succeeded"
	// EventPrompt carries a Prompt awaiting POST /auth/confirm.
	EventPrompt = "prompt"
	// EventPromptError carries the failure text for a visible prompt.
	EventPromptError = "prompt_error"
	// EventPromptDismissed means the prompt for a service is gone.
	EventPromptDismissed = "prompt_dismissed"

	clientSendBuffer = 32
	writeTimeout     = 5 * time.Second
)

// WSMessage is one frame on the /events stream.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub streams transitions and prompts to websocket clients. It
// implements Recorder and Prompter; a slow client drops messages instead
// of stalling the loop.
type EventHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewEventHub creates a hub accepting connections from origin only. An
// empty origin accepts any.
func NewEventHub(origin string, logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &EventHub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			got := r.Header.Get("Origin")
			return origin == "" || got == "" || authreq.OriginOf(got) == origin
		},
	}
	return h
}

// RecordTransition broadcasts t, plus a login_succeeded message when t
// enters SUCCEEDED.
func (h *EventHub) RecordTransition(t Transition) {
	h.broadcast(WSMessage{Type: EventTransition, Payload: t})
	if t.To == StateSucceeded {
		h.broadcast(WSMessage{Type: EventLoginSucceeded, Payload: map[string]string{
			"service_id": t.ServiceID,
		}})
	}
}

// Show implements Prompter for remote dialog chrome.
func (h *EventHub) Show(p Prompt) {
	h.broadcast(WSMessage{Type: EventPrompt, Payload: p})
}

// ShowError implements Prompter.
func (h *EventHub) ShowError(serviceID, message string) {
	h.broadcast(WSMessage{Type: EventPromptError, Payload: map[string]string{
		"service_id": serviceID,
		"message":    message,
	}})
}

// Dismiss implements Prompter.
func (h *EventHub) Dismiss(serviceID string) {
	h.broadcast(WSMessage{Type: EventPromptDismissed, Payload: map[string]string{
		"service_id": serviceID,
	}})
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("event client connected", "remote", r.RemoteAddr)

	go h.writePump(c)

	// Reads only detect the close; clients send nothing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *EventHub) writePump(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("event write failed", "error", err)
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *EventHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *EventHub) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("event client slow, message dropped", "type", msg.Type)
		}
	}
}
