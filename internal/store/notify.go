// ABOUTME: Committed-write change feed for the document store
// ABOUTME: Backs the outbox live query and the hub's live ACL subscription

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// changeBufferSize is the channel buffer for each change subscriber.
const changeBufferSize = 64

// ChangeKind discriminates what document a change touched.
type ChangeKind string

const (
	ChangeTurn    ChangeKind = "turn"
	ChangeSession ChangeKind = "session"
	ChangeThread  ChangeKind = "thread"
	ChangeACL     ChangeKind = "acl"
	ChangeRole    ChangeKind = "role"
)

// Change describes one committed write. Turn is populated for ChangeTurn.
type Change struct {
	Kind      ChangeKind
	AccountID string
	Label     string
	UID       string
	ChatID    string
	Turn      *Turn
}

// Notifier fans committed writes out to in-process subscribers. It is the
// store's "live query" primitive: non-blocking, drop-on-full, bounded.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string]chan Change
	logger *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subs:   make(map[string]chan Change),
		logger: logger.With("component", "store-notifier"),
	}
}

// Subscribe registers a change subscriber. The subscription is cleaned up
// when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, changeBufferSize)

	n.mu.Lock()
	n.subs[subID] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers a change to every subscriber. Non-blocking.
func (n *Notifier) Publish(c Change) {
	n.mu.RLock()
	targets := make([]chan Change, 0, len(n.subs))
	for _, ch := range n.subs {
		targets = append(targets, ch)
	}
	n.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- c:
		default:
			n.logger.Debug("dropped change for slow subscriber",
				"kind", c.Kind, "account_id", c.AccountID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.subs[subID]
	if !ok {
		return
	}
	delete(n.subs, subID)
	close(ch)
}

// Close closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		close(ch)
		delete(n.subs, id)
	}
}
