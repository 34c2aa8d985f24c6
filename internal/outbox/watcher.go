// ABOUTME: Per-session watcher over ready turns: claim, policy-check, send, finalize
// ABOUTME: The store's claim transaction is the single source of at-most-once delivery

package outbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/warelay/internal/event"
	"github.com/2389/warelay/internal/platform"
	"github.com/2389/warelay/internal/policy"
	"github.com/2389/warelay/internal/store"
)

// FallbackReply is sent when a ready turn carries no usable text.
const FallbackReply = "Mensaje listo."

// Sender dispatches replies through the session supervisor.
type Sender interface {
	SendText(ctx context.Context, accountID, label, to, text string) (string, error)
	SendMedia(ctx context.Context, accountID, label, to string, media platform.Media) (string, error)
}

// PolicyChecker gates outbound sends.
type PolicyChecker interface {
	AllowSend(ctx context.Context, req policy.Request) bool
}

// TurnStore is the slice of the document store the watcher drives.
type TurnStore interface {
	store.TurnWatchSource
	ClaimTurn(ctx context.Context, windowID string, claimedAt int64) error
	MarkTurnDelivered(ctx context.Context, windowID string, deliveredAt int64, waMessageID string) error
	MarkTurnSkipped(ctx context.Context, windowID string, skippedAt int64) error
	MarkTurnError(ctx context.Context, windowID, stage, detail string) error
}

// Watcher maintains one live ready-turn query per session in the ready
// state. Turns are processed sequentially per session; sessions run in
// parallel. A turn stuck in sending after a crash is not reclaimed;
// recovering it is an operator action.
type Watcher struct {
	turns  TurnStore
	policy PolicyChecker
	sender Sender
	poll   time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewWatcher creates an outbox watcher. poll <= 0 uses the store default.
func NewWatcher(turns TurnStore, pol PolicyChecker, sender Sender, poll time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		turns:  turns,
		policy: pol,
		sender: sender,
		poll:   poll,
		logger: logger.With("component", "outbox"),
		active: make(map[string]context.CancelFunc),
	}
}

// HandleEvent reacts to supervisor lifecycle events: a ready session gets
// a watch subscription, a session leaving ready loses it.
func (w *Watcher) HandleEvent(ctx context.Context, evt event.Event) {
	switch {
	case evt.Type == event.TypeReady:
		w.startSession(ctx, evt.AccountID, evt.SessionID)
	case evt.IsTerminalForSession():
		w.stopSession(evt.AccountID, evt.SessionID)
	}
}

func sessionKey(accountID, label string) string {
	return accountID + "\x00" + label
}

func (w *Watcher) startSession(ctx context.Context, accountID, label string) {
	key := sessionKey(accountID, label)

	w.mu.Lock()
	if _, running := w.active[key]; running {
		w.mu.Unlock()
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	w.active[key] = cancel
	w.mu.Unlock()

	w.logger.Info("outbox watch started", "account_id", accountID, "session_id", label)
	go w.watchSession(sctx, accountID, label, key)
}

func (w *Watcher) stopSession(accountID, label string) {
	key := sessionKey(accountID, label)

	w.mu.Lock()
	cancel, ok := w.active[key]
	if ok {
		delete(w.active, key)
	}
	w.mu.Unlock()

	if ok {
		cancel()
		w.logger.Info("outbox watch stopped", "account_id", accountID, "session_id", label)
	}
}

// watchSession drains the live query until it closes. On a stream
// failure the entry is dropped so the next session-ready event recreates
// the subscription.
func (w *Watcher) watchSession(ctx context.Context, accountID, label, key string) {
	defer func() {
		w.mu.Lock()
		if cancel, ok := w.active[key]; ok {
			delete(w.active, key)
			cancel()
		}
		w.mu.Unlock()
	}()

	ch := store.WatchReadyTurns(ctx, w.turns, accountID, label, w.poll)
	for turn := range ch {
		w.process(ctx, turn)
	}

	if ctx.Err() == nil {
		w.logger.Warn("outbox watch stream ended unexpectedly",
			"account_id", accountID, "session_id", label)
	}
}

// process drives one ready turn through claim -> validate -> policy ->
// dispatch -> finalize. Every outcome is terminal on the document.
func (w *Watcher) process(ctx context.Context, turn *store.Turn) {
	logger := w.logger.With("window_id", turn.WindowID)

	if err := w.turns.ClaimTurn(ctx, turn.WindowID, time.Now().UnixMilli()); err != nil {
		if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrNotFound) {
			logger.Debug("claim lost", "error", err)
		} else {
			logger.Warn("claim failed", "error", err)
		}
		return
	}

	meta := turn.Meta
	if meta.AccountID == "" || meta.Label == "" || meta.ChatID == "" {
		if err := w.turns.MarkTurnError(ctx, turn.WindowID, "validate", "missing meta"); err != nil {
			logger.Warn("marking validate error failed", "error", err)
		}
		return
	}

	allowed := w.policy.AllowSend(ctx, policy.Request{
		AccountID: meta.AccountID,
		Label:     meta.Label,
		ChatID:    meta.ChatID,
	})
	if !allowed {
		if err := w.turns.MarkTurnSkipped(ctx, turn.WindowID, time.Now().UnixMilli()); err != nil {
			logger.Warn("marking skipped failed", "error", err)
		}
		logger.Info("turn skipped by policy", "chat_id", meta.ChatID)
		return
	}

	waMessageID, err := w.dispatch(ctx, turn)
	if err != nil {
		if markErr := w.turns.MarkTurnError(ctx, turn.WindowID, "send", err.Error()); markErr != nil {
			logger.Warn("marking send error failed", "error", markErr)
		}
		logger.Error("turn send failed", "chat_id", meta.ChatID, "error", err)
		return
	}

	if err := w.turns.MarkTurnDelivered(ctx, turn.WindowID, time.Now().UnixMilli(), waMessageID); err != nil {
		logger.Warn("marking delivered failed", "error", err)
		return
	}
	logger.Info("turn delivered", "chat_id", meta.ChatID, "wa_message_id", waMessageID)
}

// dispatch sends the worker's response: a voice note with caption when
// the response modality is voice and carries audio, text otherwise.
func (w *Watcher) dispatch(ctx context.Context, turn *store.Turn) (string, error) {
	meta := turn.Meta
	resp := turn.Response

	if resp != nil && resp.Modality == "voice" && resp.Audio != nil && resp.Audio.URL != "" {
		return w.sender.SendMedia(ctx, meta.AccountID, meta.Label, meta.ChatID, platform.Media{
			URL:       resp.Audio.URL,
			Caption:   strings.TrimSpace(resp.Text),
			VoiceNote: true,
		})
	}

	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Text)
	}
	if text == "" {
		text = FallbackReply
	}
	return w.sender.SendText(ctx, meta.AccountID, meta.Label, meta.ChatID, text)
}

// Close tears down every active session watch.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, cancel := range w.active {
		cancel()
		delete(w.active, key)
	}
}
