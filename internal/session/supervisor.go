// ABOUTME: Lifecycle supervisor for per-(account,label) chat-platform sessions
// ABOUTME: Normalizes client events onto the bus, owns media holds and the on-disk auth state

package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/2389/warelay/internal/event"
	"github.com/2389/warelay/internal/mediacache"
	"github.com/2389/warelay/internal/platform"
	"github.com/2389/warelay/internal/registry"
	"github.com/2389/warelay/internal/store"
)

// Supervisor errors.
var (
	ErrNotReady   = errors.New("session not ready")
	ErrNotRunning = errors.New("session not running")
	ErrMediaGone  = errors.New("media no longer cached")
)

// DownloadedMedia is the payload returned for a cached inbound media
// message.
type DownloadedMedia struct {
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	DataB64  string `json:"dataB64"`
}

// RunningSession is a snapshot of one in-memory session.
type RunningSession struct {
	AccountID string `json:"accountId"`
	Label     string `json:"label"`
	Status    string `json:"status"`
	WaID      string `json:"waId,omitempty"`
	HasQR     bool   `json:"hasQr"`
}

// managed is one live session. All mutation goes through the supervisor
// mutex; the platform client runs on its own goroutines.
type managed struct {
	accountID string
	label     string
	client    platform.Client
	status    string
	qr        string
	waID      string
	cancel    context.CancelFunc
}

// Supervisor owns one platform client per (accountId, label). Event
// delivery to the bus is fire-and-forget; a slow subscriber never blocks
// the client callbacks.
type Supervisor struct {
	factory  platform.Factory
	bus      *event.Bus
	cache    *mediacache.Cache
	registry *registry.Registry
	authDir  string
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*managed
}

// NewSupervisor creates a supervisor rooted at authDir.
func NewSupervisor(factory platform.Factory, bus *event.Bus, cache *mediacache.Cache, reg *registry.Registry, authDir string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		factory:  factory,
		bus:      bus,
		cache:    cache,
		registry: reg,
		authDir:  authDir,
		logger:   logger.With("component", "supervisor"),
		sessions: make(map[string]*managed),
	}
}

// Bus exposes the unified event stream.
func (s *Supervisor) Bus() *event.Bus {
	return s.bus
}

func sessionKey(accountID, label string) string {
	return accountID + "__" + label
}

// sessionDir is the session's private on-disk auth directory.
func (s *Supervisor) sessionDir(accountID, label string) string {
	return filepath.Join(s.authDir, "session-"+sessionKey(accountID, label))
}

// Init creates and starts a session if absent. Idempotent: a second Init
// for a running key coalesces and returns the current status.
func (s *Supervisor) Init(ctx context.Context, accountID, label string) (string, error) {
	key := sessionKey(accountID, label)

	s.mu.Lock()
	if sess, ok := s.sessions[key]; ok {
		status := sess.status
		s.mu.Unlock()
		return status, nil
	}

	dir := s.sessionDir(accountID, label)
	if err := os.MkdirAll(dir, 0700); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("creating auth directory: %w", err)
	}

	client, err := s.factory(accountID, label, dir, s.logger)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("creating platform client: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sess := &managed{
		accountID: accountID,
		label:     label,
		client:    client,
		status:    store.SessionStatusStarting,
		cancel:    cancel,
	}
	s.sessions[key] = sess
	s.mu.Unlock()

	client.SetHandlers(s.handlersFor(sess))

	s.registry.Ensure(ctx, accountID, label)
	s.registry.SetStatus(ctx, accountID, label, store.SessionStatusStarting, "")

	s.logger.Info("session starting", "account_id", accountID, "session_id", label)

	go func() {
		if err := client.Initialize(runCtx); err != nil {
			s.clientError(sess, err)
		}
	}()

	return store.SessionStatusStarting, nil
}

// handlersFor wires one session's client callbacks into state updates
// and bus events.
func (s *Supervisor) handlersFor(sess *managed) platform.Handlers {
	return platform.Handlers{
		OnQR: func(code string) {
			s.transition(sess, store.SessionStatusScanning, func(m *managed) { m.qr = code })
			s.emit(sess, event.Event{Type: event.TypeQR, QR: code})
		},
		OnReady: func(selfID string) {
			s.transition(sess, store.SessionStatusReady, func(m *managed) {
				m.waID = selfID
				m.qr = ""
			})
			s.emit(sess, event.Event{Type: event.TypeReady, Self: selfID})
		},
		OnMessage: func(msg *platform.IncomingMessage) {
			s.handleMessage(sess, msg)
		},
		OnDisconnected: func(reason string) {
			s.transition(sess, store.SessionStatusDisconnected, nil)
			s.emit(sess, event.Event{Type: event.TypeDisconnected, Reason: reason})
		},
		OnAuthFailure: func(err error) {
			s.transition(sess, store.SessionStatusAuthFailure, nil)
			s.emit(sess, event.Event{Type: event.TypeAuthFailure, Err: err.Error()})
		},
		OnError: func(err error) {
			s.clientError(sess, err)
		},
	}
}

// handleMessage normalizes a platform message onto the bus and holds its
// media reference for later download.
func (s *Supervisor) handleMessage(sess *managed, msg *platform.IncomingMessage) {
	chatID := msg.From
	if msg.FromMe {
		chatID = msg.To
	}

	evt := event.Event{
		Type:        event.TypeMessage,
		MessageID:   msg.ID,
		ChatID:      chatID,
		Author:      msg.Author,
		FromMe:      msg.FromMe,
		Body:        msg.Body,
		MessageType: msg.Type,
		HasMedia:    msg.HasMedia,
		WaTimestamp: msg.Timestamp,
	}

	if msg.HasMedia && msg.ID != "" {
		evt.MediaURLPath = fmt.Sprintf("/media/%s/%s/%s", sess.accountID, sess.label, msg.ID)
		if msg.Ref != nil {
			s.cache.Put(sess.accountID, sess.label, msg.ID, msg.Ref, "", "")
		}
	}

	s.emit(sess, evt)
}

// clientError moves the session to error. No auto-restart: recovery is
// destroy + init by an admin.
func (s *Supervisor) clientError(sess *managed, err error) {
	s.transition(sess, store.SessionStatusError, nil)
	s.emit(sess, event.Event{Type: event.TypeError, Err: err.Error()})
	s.logger.Error("session client error",
		"account_id", sess.accountID, "session_id", sess.label, "error", err)
}

// transition updates in-memory state and mirrors it into the registry.
func (s *Supervisor) transition(sess *managed, status string, mutate func(*managed)) {
	s.mu.Lock()
	sess.status = status
	if mutate != nil {
		mutate(sess)
	}
	waID := sess.waID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.registry.SetStatus(ctx, sess.accountID, sess.label, status, waID)
}

// emit publishes an event stamped with the session's identity.
func (s *Supervisor) emit(sess *managed, evt event.Event) {
	s.mu.Lock()
	waID := sess.waID
	s.mu.Unlock()

	evt.TS = time.Now().UnixMilli()
	evt.AccountID = sess.accountID
	evt.SessionID = sess.label
	evt.WaID = waID
	s.bus.Publish(evt)
}

// Stop gracefully terminates a session and removes it from the map.
func (s *Supervisor) Stop(ctx context.Context, accountID, label string) error {
	sess, err := s.take(accountID, label)
	if err != nil {
		return err
	}

	if err := sess.client.Destroy(ctx); err != nil {
		s.logger.Warn("client destroy failed",
			"account_id", accountID, "session_id", label, "error", err)
	}
	sess.cancel()
	s.cache.DropSession(accountID, label)

	s.registry.SetStatus(ctx, accountID, label, store.SessionStatusStopped, "")
	s.emit(sess, event.Event{Type: event.TypeStopped})
	s.logger.Info("session stopped", "account_id", accountID, "session_id", label)
	return nil
}

// Destroy logs out, terminates and purges the on-disk auth directory.
func (s *Supervisor) Destroy(ctx context.Context, accountID, label string) error {
	sess, err := s.take(accountID, label)
	if err != nil {
		return err
	}

	if err := sess.client.Logout(ctx); err != nil {
		s.logger.Warn("client logout failed",
			"account_id", accountID, "session_id", label, "error", err)
	}
	if err := sess.client.Destroy(ctx); err != nil {
		s.logger.Warn("client destroy failed",
			"account_id", accountID, "session_id", label, "error", err)
	}
	sess.cancel()
	s.cache.DropSession(accountID, label)

	if err := os.RemoveAll(s.sessionDir(accountID, label)); err != nil {
		return fmt.Errorf("purging auth directory: %w", err)
	}

	s.registry.SetStatus(ctx, accountID, label, store.SessionStatusStopped, "")
	s.emit(sess, event.Event{Type: event.TypeDestroyed})
	s.logger.Info("session destroyed", "account_id", accountID, "session_id", label)
	return nil
}

// take removes a session from the map for teardown.
func (s *Supervisor) take(accountID, label string) (*managed, error) {
	key := sessionKey(accountID, label)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotRunning
	}
	delete(s.sessions, key)
	return sess, nil
}

// Status returns the session's current status.
func (s *Supervisor) Status(accountID, label string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(accountID, label)]
	if !ok {
		return "", false
	}
	return sess.status, true
}

// QR returns the last pairing challenge while the session is scanning.
func (s *Supervisor) QR(accountID, label string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(accountID, label)]
	if !ok || sess.qr == "" {
		return "", false
	}
	return sess.qr, true
}

// ListRunning snapshots the in-memory sessions, optionally filtered by
// account.
func (s *Supervisor) ListRunning(accountID string) []RunningSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunningSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if accountID != "" && sess.accountID != accountID {
			continue
		}
		out = append(out, RunningSession{
			AccountID: sess.accountID,
			Label:     sess.label,
			Status:    sess.status,
			WaID:      sess.waID,
			HasQR:     sess.qr != "",
		})
	}
	return out
}

// RestoreAllFromFS scans the auth directory and re-inits any persisted
// session that is not already running. Returns the number restored.
func (s *Supervisor) RestoreAllFromFS(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.authDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading auth directory: %w", err)
	}

	restored := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "session-") {
			continue
		}
		accountID, label, ok := strings.Cut(strings.TrimPrefix(e.Name(), "session-"), "__")
		if !ok || accountID == "" || label == "" {
			continue
		}
		if _, running := s.Status(accountID, label); running {
			continue
		}
		if _, err := s.Init(ctx, accountID, label); err != nil {
			s.logger.Warn("restore failed",
				"account_id", accountID, "session_id", label, "error", err)
			continue
		}
		restored++
	}

	s.logger.Info("sessions restored from disk", "count", restored)
	return restored, nil
}

// SendText sends a text message through a ready session and emits the
// corresponding sent event.
func (s *Supervisor) SendText(ctx context.Context, accountID, label, to, text string) (string, error) {
	sess, err := s.ready(accountID, label)
	if err != nil {
		return "", err
	}

	chatID := NormalizeChatID(to)
	msgID, err := sess.client.SendText(ctx, chatID, text)
	if err != nil {
		return "", fmt.Errorf("platform send: %w", err)
	}

	s.emit(sess, event.Event{
		Type:        event.TypeSent,
		MessageID:   msgID,
		ChatID:      chatID,
		FromMe:      true,
		Body:        text,
		MessageType: "chat",
		WaTimestamp: time.Now().UnixMilli(),
	})
	return msgID, nil
}

// SendMedia sends a media message through a ready session.
func (s *Supervisor) SendMedia(ctx context.Context, accountID, label, to string, media platform.Media) (string, error) {
	sess, err := s.ready(accountID, label)
	if err != nil {
		return "", err
	}

	chatID := NormalizeChatID(to)
	msgID, err := sess.client.SendMedia(ctx, chatID, media)
	if err != nil {
		return "", fmt.Errorf("platform send: %w", err)
	}

	messageType := "media"
	if media.VoiceNote {
		messageType = "ptt"
	}
	s.emit(sess, event.Event{
		Type:        event.TypeSent,
		MessageID:   msgID,
		ChatID:      chatID,
		FromMe:      true,
		Body:        media.Caption,
		MessageType: messageType,
		HasMedia:    true,
		WaTimestamp: time.Now().UnixMilli(),
	})
	return msgID, nil
}

// DownloadMessageMedia fetches a message's media while its cache hold is
// alive.
func (s *Supervisor) DownloadMessageMedia(ctx context.Context, accountID, label, messageID string) (*platform.MediaBlob, error) {
	ref, _, _, ok := s.cache.Get(accountID, label, messageID)
	if !ok {
		return nil, ErrMediaGone
	}

	s.mu.Lock()
	sess, running := s.sessions[sessionKey(accountID, label)]
	s.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	blob, err := sess.client.DownloadMedia(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	return blob, nil
}

// DownloadMessageMediaB64 wraps DownloadMessageMedia for the admin
// surface, base64-encoding the payload.
func (s *Supervisor) DownloadMessageMediaB64(ctx context.Context, accountID, label, messageID string) (*DownloadedMedia, error) {
	blob, err := s.DownloadMessageMedia(ctx, accountID, label, messageID)
	if err != nil {
		return nil, err
	}
	return &DownloadedMedia{
		Mimetype: blob.Mimetype,
		Filename: blob.Filename,
		DataB64:  base64.StdEncoding.EncodeToString(blob.Data),
	}, nil
}

// ready returns the session if it is running and ready.
func (s *Supervisor) ready(accountID, label string) (*managed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(accountID, label)]
	if !ok {
		return nil, ErrNotRunning
	}
	if sess.status != store.SessionStatusReady {
		return nil, ErrNotReady
	}
	return sess, nil
}

// Close stops every running session.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		accountID, label, _ := strings.Cut(key, "__")
		if err := s.Stop(ctx, accountID, label); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logger.Warn("stop during close failed", "session", key, "error", err)
		}
	}
}
