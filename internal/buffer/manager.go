// ABOUTME: Per-chat debounced aggregation of inbound messages into Turn documents
// ABOUTME: Policy-gated push, finalizer fast path, remove-before-write flush and idle GC

package buffer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/warelay/internal/event"
	"github.com/2389/warelay/internal/media"
	"github.com/2389/warelay/internal/platform"
	"github.com/2389/warelay/internal/policy"
	"github.com/2389/warelay/internal/store"
)

// Defaults for the debounce window and idle GC.
const (
	DefaultDebounce = 30 * time.Second
	DefaultGCIdle   = 30 * time.Minute

	gcSweepInterval = time.Minute

	// tsSecondsPivot: platform timestamps below this are seconds.
	tsSecondsPivot = int64(1e10)
)

// voiceMessageTypes are the platform message types treated as voice input.
var voiceMessageTypes = map[string]bool{
	"ptt":   true,
	"audio": true,
	"voice": true,
}

// PolicyChecker gates inbound processing.
type PolicyChecker interface {
	AllowProcess(ctx context.Context, req policy.Request) bool
}

// MediaDownloader fetches inbound media that is still in the media cache.
type MediaDownloader interface {
	DownloadMessageMedia(ctx context.Context, accountID, label, messageID string) (*platform.MediaBlob, error)
}

// TurnWriter persists assembled turns.
type TurnWriter interface {
	CreateTurn(ctx context.Context, turn *store.Turn) error
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	Debounce       time.Duration
	HardCap        time.Duration // non-zero caps the flush delay globally
	GCIdle         time.Duration
	FinalizerWords []string
	Explicit       ExplicitConfig
}

// entry is one per-chat buffer. openedAt <= item.TS <= lastAt holds for
// every item; at most one pending flush timer exists per key.
type entry struct {
	items    []store.TurnItem
	timer    *time.Timer
	openedAt int64
	lastAt   int64
}

// Manager keeps per-chat buffers keyed (accountId, label, chatId) and
// flushes them as pending turns after the debounce window closes.
type Manager struct {
	cfg        Config
	policy     PolicyChecker
	downloader MediaDownloader
	blobs      media.Store
	turns      TurnWriter
	logger     *slog.Logger

	mu      sync.Mutex
	buffers map[string]*entry

	done   chan struct{}
	closed sync.Once
}

// NewManager creates a buffer manager and starts its GC sweep.
func NewManager(cfg Config, pol PolicyChecker, downloader MediaDownloader, blobs media.Store, turns TurnWriter, logger *slog.Logger) *Manager {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.GCIdle <= 0 {
		cfg.GCIdle = DefaultGCIdle
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:        cfg,
		policy:     pol,
		downloader: downloader,
		blobs:      blobs,
		turns:      turns,
		logger:     logger.With("component", "buffer"),
		buffers:    make(map[string]*entry),
		done:       make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

func bufferKey(accountID, label, chatID string) string {
	return accountID + "\x00" + label + "\x00" + chatID
}

// Push routes one supervisor event into the per-chat buffer. Only
// inbound messages are buffered; everything else is ignored.
func (m *Manager) Push(ctx context.Context, evt event.Event) {
	if evt.Type != event.TypeMessage || evt.FromMe {
		return
	}

	sender := evt.Author
	if sender == "" {
		sender = evt.ChatID
	}

	// Policy consult happens before any buffer lock is taken.
	allowed := m.policy.AllowProcess(ctx, policy.Request{
		AccountID:  evt.AccountID,
		Label:      evt.SessionID,
		ChatID:     evt.ChatID,
		SenderWaID: sender,
	})
	if !allowed {
		return
	}

	ts := coerceMillis(evt.WaTimestamp)

	var items []store.TurnItem
	if voiceMessageTypes[evt.MessageType] && evt.HasMedia {
		if item, ok := m.persistVoice(ctx, evt, ts); ok {
			items = append(items, item)
		}
	}
	if evt.Body != "" {
		items = append(items, store.TurnItem{TS: ts, Type: store.ItemTypeText, Text: evt.Body})
	}
	if len(items) == 0 {
		return
	}

	key := bufferKey(evt.AccountID, evt.SessionID, evt.ChatID)

	m.mu.Lock()
	buf, ok := m.buffers[key]
	if !ok {
		buf = &entry{}
		m.buffers[key] = buf
	}
	for _, item := range items {
		buf.items = append(buf.items, item)
		if buf.openedAt == 0 {
			buf.openedAt = item.TS
		}
	}
	buf.lastAt = ts

	// Re-arm the single flush timer for this key.
	if buf.timer != nil {
		buf.timer.Stop()
	}
	delay := m.flushDelay(evt.Body)
	buf.timer = time.AfterFunc(delay, func() {
		m.flush(key)
	})
	buffered := len(buf.items)
	m.mu.Unlock()

	m.logger.Debug("buffered inbound",
		"account_id", evt.AccountID,
		"session_id", evt.SessionID,
		"chat_id", evt.ChatID,
		"items", buffered,
		"delay_ms", delay.Milliseconds())
}

// flushDelay picks the debounce delay: zero when a finalizer phrase
// appears in the text, capped by HardCap when configured.
func (m *Manager) flushDelay(text string) time.Duration {
	delay := m.cfg.Debounce
	if text != "" {
		lower := strings.ToLower(text)
		for _, w := range m.cfg.FinalizerWords {
			if w != "" && strings.Contains(lower, strings.ToLower(w)) {
				return 0
			}
		}
	}
	if m.cfg.HardCap > 0 && delay > m.cfg.HardCap {
		delay = m.cfg.HardCap
	}
	return delay
}

// persistVoice downloads cached media and stores it as a voice object.
// Failures are logged and the item is skipped; the text (if any) still
// flows.
func (m *Manager) persistVoice(ctx context.Context, evt event.Event, ts int64) (store.TurnItem, bool) {
	blob, err := m.downloader.DownloadMessageMedia(ctx, evt.AccountID, evt.SessionID, evt.MessageID)
	if err != nil {
		m.logger.Warn("voice download failed",
			"account_id", evt.AccountID, "session_id", evt.SessionID,
			"message_id", evt.MessageID, "error", err)
		return store.TurnItem{}, false
	}

	obj, err := m.blobs.SaveInboundVoice(ctx, media.SaveRequest{
		AccountID:   evt.AccountID,
		Label:       evt.SessionID,
		ChatID:      evt.ChatID,
		MessageID:   evt.MessageID,
		WaTimestamp: ts,
		Data:        blob.Data,
		ContentType: blob.Mimetype,
	})
	if err != nil {
		m.logger.Warn("voice upload failed",
			"account_id", evt.AccountID, "session_id", evt.SessionID,
			"message_id", evt.MessageID, "error", err)
		return store.TurnItem{}, false
	}

	return store.TurnItem{
		TS:          ts,
		Type:        store.ItemTypeVoice,
		GcsURI:      obj.GcsURI,
		ContentType: obj.ContentType,
		Filename:    obj.Filename,
	}, true
}

// flush removes the buffer from the map before writing so a racing push
// opens a fresh window, then persists the assembled turn.
func (m *Manager) flush(key string) {
	m.mu.Lock()
	buf, ok := m.buffers[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.buffers, key)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	items := buf.items
	m.mu.Unlock()

	if len(items) == 0 {
		return
	}

	accountID, label, chatID := splitKey(key)
	turn := Assemble(items, accountID, label, chatID, m.cfg.Explicit)
	if turn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.turns.CreateTurn(ctx, turn); err != nil {
		// The window is dropped; accepting this loss keeps the chat's
		// next burst from being blocked by a wedged buffer.
		m.logger.Error("turn write failed, window dropped",
			"window_id", turn.WindowID, "items", len(items), "error", err)
		return
	}

	m.logger.Info("turn flushed",
		"window_id", turn.WindowID,
		"items", len(turn.Items),
		"last_inbound", turn.Hints.LastInbound)
}

// DropSession discards all buffers for one session and cancels their
// flush timers. Called on session stop/destroy.
func (m *Manager) DropSession(accountID, label string) {
	prefix := accountID + "\x00" + label + "\x00"
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, buf := range m.buffers {
		if strings.HasPrefix(key, prefix) {
			if buf.timer != nil {
				buf.timer.Stop()
			}
			delete(m.buffers, key)
		}
	}
}

// gcLoop removes buffers idle longer than GCIdle.
func (m *Manager) gcLoop() {
	ticker := time.NewTicker(gcSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.gcSweep(time.Now().UnixMilli())
		case <-m.done:
			return
		}
	}
}

func (m *Manager) gcSweep(nowMillis int64) {
	cutoff := nowMillis - m.cfg.GCIdle.Milliseconds()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, buf := range m.buffers {
		if buf.lastAt < cutoff {
			if buf.timer != nil {
				buf.timer.Stop()
			}
			delete(m.buffers, key)
		}
	}
}

// Close stops the GC loop and cancels all pending flush timers.
func (m *Manager) Close() {
	m.closed.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, buf := range m.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(m.buffers, key)
	}
}

// coerceMillis normalizes a platform timestamp to epoch milliseconds.
// Values below the pivot are seconds; zero means "now".
func coerceMillis(ts int64) int64 {
	if ts == 0 {
		return time.Now().UnixMilli()
	}
	if ts < tsSecondsPivot {
		return ts * 1000
	}
	return ts
}

func splitKey(key string) (accountID, label, chatID string) {
	parts := strings.SplitN(key, "\x00", 3)
	return parts[0], parts[1], parts[2]
}
