// ABOUTME: Read-through cache of per-session and per-chat bot policy
// ABOUTME: 60s TTL lanes for session view, chat view and account self-ids; fail-closed on read errors

package policy

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/warelay/internal/store"
)

// DefaultTTL is how long a cached view is served before re-reading.
// A stale view may permit one extra message in the first TTL after a
// config flip; this is accepted.
const DefaultTTL = time.Minute

// Reader is the slice of the document store the cache reads through.
type Reader interface {
	GetSession(ctx context.Context, accountID, label string) (*store.SessionDoc, error)
	GetThreadSettings(ctx context.Context, accountID, label, chatID string) (*store.ThreadSettings, error)
	ListAccountSessions(ctx context.Context, accountID string) ([]*store.SessionDoc, error)
}

// Request identifies the message being checked.
type Request struct {
	AccountID  string
	Label      string
	ChatID     string
	SenderWaID string
}

// sessionView is the resolved per-session policy with defaults applied.
type sessionView struct {
	enabled         bool
	receiveFromBots bool
	mode            string
	allowlist       []string
	blocklist       []string
	selfWaID        string
}

type sessionEntry struct {
	view      sessionView
	expiresAt time.Time
}

type chatEntry struct {
	view      store.ThreadSettings
	expiresAt time.Time
}

type selfEntry struct {
	ids       map[string]struct{}
	expiresAt time.Time
}

// Cache is the policy read-through cache.
type Cache struct {
	reader Reader
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	chats    map[string]*chatEntry
	selves   map[string]*selfEntry
}

// New creates a policy cache. Pass 0 ttl for the default.
func New(reader Reader, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		reader:   reader,
		ttl:      ttl,
		logger:   logger.With("component", "policy"),
		sessions: make(map[string]*sessionEntry),
		chats:    make(map[string]*chatEntry),
		selves:   make(map[string]*selfEntry),
	}
}

// AllowProcess reports whether an inbound message may enter the buffer:
// session enabled, not a loop from one of the account's own sessions
// (unless receiveFromBots), mode filter passes, and the chat toggle is
// not off. Read failures deny.
func (c *Cache) AllowProcess(ctx context.Context, req Request) bool {
	sv, ok := c.sessionView(ctx, req.AccountID, req.Label)
	if !ok {
		return false
	}
	if !sv.enabled {
		return false
	}

	if req.SenderWaID != "" && !sv.receiveFromBots {
		ids, ok := c.selfIDs(ctx, req.AccountID)
		if !ok {
			return false
		}
		if _, own := ids[req.SenderWaID]; own {
			return false
		}
	}

	return c.allowChat(ctx, req, sv)
}

// AllowSend reports whether an outbound reply may go to the chat. Same
// as AllowProcess minus the self-id check.
func (c *Cache) AllowSend(ctx context.Context, req Request) bool {
	sv, ok := c.sessionView(ctx, req.AccountID, req.Label)
	if !ok {
		return false
	}
	if !sv.enabled {
		return false
	}
	return c.allowChat(ctx, req, sv)
}

func (c *Cache) allowChat(ctx context.Context, req Request, sv sessionView) bool {
	if !modeAllows(sv, req.ChatID) {
		return false
	}

	cv, ok := c.chatView(ctx, req.AccountID, req.Label, req.ChatID)
	if !ok {
		return false
	}
	if cv.BotEnabled != nil && !*cv.BotEnabled {
		return false
	}
	return true
}

func modeAllows(sv sessionView, chatID string) bool {
	switch sv.mode {
	case store.BotModeAllowlist:
		return slices.Contains(sv.allowlist, chatID)
	case store.BotModeBlocklist:
		return !slices.Contains(sv.blocklist, chatID)
	default:
		return true
	}
}

// PreferredModality returns the chat's preferred reply modality, or "".
func (c *Cache) PreferredModality(ctx context.Context, accountID, label, chatID string) string {
	cv, ok := c.chatView(ctx, accountID, label, chatID)
	if !ok {
		return ""
	}
	return cv.PreferredModality
}

// --- cache lanes ---

func (c *Cache) sessionView(ctx context.Context, accountID, label string) (sessionView, bool) {
	key := accountID + "\x00" + label

	c.mu.Lock()
	if e, ok := c.sessions[key]; ok && time.Now().Before(e.expiresAt) {
		view := e.view
		c.mu.Unlock()
		return view, true
	}
	c.mu.Unlock()

	doc, err := c.reader.GetSession(ctx, accountID, label)
	if err != nil {
		// Unknown or unreadable session: deny both process and send.
		c.logger.Warn("session view read failed",
			"account_id", accountID, "session_id", label, "error", err)
		return sessionView{}, false
	}

	view := sessionView{
		enabled:         doc.Bot.Enabled == nil || *doc.Bot.Enabled,
		receiveFromBots: doc.Bot.ReceiveFromBots != nil && *doc.Bot.ReceiveFromBots,
		mode:            doc.Bot.Mode,
		allowlist:       doc.Bot.Allowlist,
		blocklist:       doc.Bot.Blocklist,
		selfWaID:        doc.WaID,
	}
	if view.mode == "" {
		view.mode = store.BotModeAll
	}

	c.mu.Lock()
	c.sessions[key] = &sessionEntry{view: view, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return view, true
}

func (c *Cache) chatView(ctx context.Context, accountID, label, chatID string) (store.ThreadSettings, bool) {
	key := accountID + "\x00" + label + "\x00" + chatID

	c.mu.Lock()
	if e, ok := c.chats[key]; ok && time.Now().Before(e.expiresAt) {
		view := e.view
		c.mu.Unlock()
		return view, true
	}
	c.mu.Unlock()

	settings, err := c.reader.GetThreadSettings(ctx, accountID, label, chatID)
	if err != nil {
		c.logger.Warn("chat view read failed",
			"account_id", accountID, "session_id", label, "chat_id", chatID, "error", err)
		return store.ThreadSettings{}, false
	}

	c.mu.Lock()
	c.chats[key] = &chatEntry{view: *settings, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return *settings, true
}

func (c *Cache) selfIDs(ctx context.Context, accountID string) (map[string]struct{}, bool) {
	c.mu.Lock()
	if e, ok := c.selves[accountID]; ok && time.Now().Before(e.expiresAt) {
		ids := e.ids
		c.mu.Unlock()
		return ids, true
	}
	c.mu.Unlock()

	docs, err := c.reader.ListAccountSessions(ctx, accountID)
	if err != nil {
		c.logger.Warn("self-id read failed", "account_id", accountID, "error", err)
		return nil, false
	}

	ids := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if doc.WaID != "" {
			ids[doc.WaID] = struct{}{}
		}
	}

	c.mu.Lock()
	c.selves[accountID] = &selfEntry{ids: ids, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return ids, true
}

// Invalidate drops all cached views for one account. Used by the admin
// surface so a toggle takes effect without waiting out the TTL.
func (c *Cache) Invalidate(accountID string) {
	prefix := accountID + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.sessions {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.sessions, k)
		}
	}
	for k := range c.chats {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.chats, k)
		}
	}
	delete(c.selves, accountID)
}
