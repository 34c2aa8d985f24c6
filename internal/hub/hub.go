// ABOUTME: Per-subscriber filtered fan-out of session events over WebSocket
// ABOUTME: Bearer-gated upgrade, live ACL subscription, narrowing filters and heartbeat

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/warelay/internal/auth"
	"github.com/2389/warelay/internal/event"
	"github.com/2389/warelay/internal/rbac"
	"github.com/2389/warelay/internal/store"
)

const (
	// MaxConnections caps the number of simultaneous subscribers.
	MaxConnections = 2000

	// CloseACLEmpty is sent when a subscriber's allowed set becomes empty.
	CloseACLEmpty = 4403

	pingInterval   = 30 * time.Second
	pongWait       = 2 * pingInterval
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Filters narrows the events a subscriber receives. All present fields
// are conjunctive; they can never widen beyond the allowed set.
type Filters struct {
	Sessions []string `json:"sessions,omitempty"`
	Types    []string `json:"types,omitempty"`
	Chats    []string `json:"chats,omitempty"`
	FromMe   *bool    `json:"fromMe,omitempty"`
}

// clientMessage is the inbound control message shape.
type clientMessage struct {
	Type    string  `json:"type"`
	Filters Filters `json:"filters"`
}

type helloMessage struct {
	Type      string   `json:"type"`
	AccountID string   `json:"accountId"`
	Sessions  []string `json:"sessions"`
}

type aclUpdateMessage struct {
	Type     string   `json:"type"`
	Sessions []string `json:"sessions"`
}

type subscribedMessage struct {
	Type     string   `json:"type"`
	Sessions []string `json:"sessions"`
	Filters  Filters  `json:"filters"`
}

// conn is one live subscriber connection.
type conn struct {
	uid       string
	accountID string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	cancel    context.CancelFunc

	mu      sync.Mutex
	view    *rbac.View
	filters *Filters
}

// matches applies the ACL and the optional narrowing filter to an event.
func (c *conn) matches(evt event.Event) bool {
	if evt.AccountID != c.accountID {
		return false
	}

	c.mu.Lock()
	view := c.view
	filters := c.filters
	c.mu.Unlock()

	if !view.Allows(evt.SessionID) {
		return false
	}
	if filters == nil {
		return true
	}
	if len(filters.Sessions) > 0 && !slices.Contains(filters.Sessions, evt.SessionID) {
		return false
	}
	if len(filters.Types) > 0 && !slices.Contains(filters.Types, string(evt.Type)) {
		return false
	}
	if len(filters.Chats) > 0 && !slices.Contains(filters.Chats, evt.ChatID) {
		return false
	}
	if filters.FromMe != nil && evt.FromMe != *filters.FromMe {
		return false
	}
	return true
}

// Hub fans supervisor events out to authorized WebSocket subscribers.
type Hub struct {
	verifier auth.TokenVerifier
	rbac     *rbac.Service
	bus      *event.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New creates a hub. Pass nil logger for default.
func New(verifier auth.TokenVerifier, rbacSvc *rbac.Service, bus *event.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		verifier: verifier,
		rbac:     rbacSvc,
		bus:      bus,
		logger:   logger.With("component", "hub"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*conn]struct{}),
	}
}

// Run pumps bus events to subscribers until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	events, _ := h.bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(evt)
		}
	}
}

// broadcast delivers one event to every matching connection.
// Best-effort: a full send buffer drops the event for that subscriber.
func (h *Hub) broadcast(evt event.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("event marshal failed", "type", evt.Type, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.matches(evt) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Debug("dropped event for slow subscriber",
				"uid", c.uid, "account_id", c.accountID)
		}
	}
}

// ServeHTTP upgrades /ws?accountId=<aid>&token=<bearer> into a
// subscriber connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	token := r.URL.Query().Get("token")
	if accountID == "" || token == "" {
		http.Error(w, "accountId and token are required", http.StatusBadRequest)
		return
	}

	uid, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	view, err := h.rbac.Resolve(r.Context(), accountID, uid)
	if err != nil {
		http.Error(w, "no role in account", http.StatusForbidden)
		return
	}

	h.mu.Lock()
	if len(h.conns) >= MaxConnections {
		h.mu.Unlock()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "uid", uid, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		uid:       uid,
		accountID: accountID,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		cancel:    cancel,
		view:      view,
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("subscriber connected",
		"uid", uid, "account_id", accountID, "total", total)

	h.sendJSON(c, helloMessage{Type: "hello", AccountID: accountID, Sessions: view.Sessions})

	go h.watchACL(ctx, c)
	go h.writePump(c)
	go h.readPump(ctx, c)
}

// watchACL follows role/ACL changes so the allowed set updates without a
// reconnect. An empty allowed set closes the connection with 4403.
func (h *Hub) watchACL(ctx context.Context, c *conn) {
	updates, err := h.rbac.SubscribeAllowed(ctx, c.accountID, c.uid)
	if err != nil {
		h.logger.Warn("acl subscription failed", "uid", c.uid, "error", err)
		return
	}

	// Skip the initial view; it was resolved at upgrade time.
	first := true
	for view := range updates {
		if first {
			first = false
			continue
		}

		if view.Role == "" || (view.Role != store.RoleAdministrator && len(view.Sessions) == 0) {
			h.closeWithPolicy(c, "ACL empty")
			return
		}

		c.mu.Lock()
		c.view = view
		c.mu.Unlock()

		h.sendJSON(c, aclUpdateMessage{Type: "acl_update", Sessions: view.Sessions})
	}
}

// readPump consumes control messages and pong frames until the
// connection dies.
func (h *Hub) readPump(ctx context.Context, c *conn) {
	defer h.drop(c)

	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("bad client message", "uid", c.uid, "error", err)
			continue
		}
		if msg.Type != "subscribe" {
			continue
		}

		filters := msg.Filters
		c.mu.Lock()
		c.filters = &filters
		view := c.view
		c.mu.Unlock()

		h.sendJSON(c, subscribedMessage{
			Type:     "subscribed",
			Sessions: effectiveSessions(view, filters),
			Filters:  filters,
		})
	}
}

// writePump drains the send channel and drives the heartbeat. A write
// or ping failure terminates the connection; the read deadline catches
// a peer that stops acknowledging pings.
func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues a control message. Best-effort like event delivery.
func (h *Hub) sendJSON(c *conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.logger.Debug("dropped control message for slow subscriber", "uid", c.uid)
	}
}

// closeWithPolicy sends a policy close frame and terminates.
func (h *Hub) closeWithPolicy(c *conn, reason string) {
	msg := websocket.FormatCloseMessage(CloseACLEmpty, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	h.drop(c)
}

// drop removes a connection, cancels its ACL subscription and closes the
// socket. Idempotent.
func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	_, present := h.conns[c]
	if present {
		delete(h.conns, c)
	}
	total := len(h.conns)
	h.mu.Unlock()

	if !present {
		return
	}

	c.cancel()
	close(c.done)
	_ = c.ws.Close()

	h.logger.Info("subscriber disconnected",
		"uid", c.uid, "account_id", c.accountID, "total", total)
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// effectiveSessions intersects a narrowing filter with the allowed set.
func effectiveSessions(view *rbac.View, filters Filters) []string {
	if len(filters.Sessions) == 0 {
		return view.Sessions
	}
	out := make([]string, 0, len(filters.Sessions))
	for _, label := range filters.Sessions {
		if view.Allows(label) {
			out = append(out, label)
		}
	}
	return out
}
