// ABOUTME: Tests for the session supervisor
// ABOUTME: Covers init coalescing, event normalization, send gating, restore and teardown

package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warelay/internal/event"
	"github.com/2389/warelay/internal/mediacache"
	"github.com/2389/warelay/internal/platform"
	"github.com/2389/warelay/internal/registry"
	"github.com/2389/warelay/internal/store"
)

// fakeClient is a scriptable platform client.
type fakeClient struct {
	mu        sync.Mutex
	handlers  platform.Handlers
	initCount int
	sendErr   error
	sentTexts []string
	destroyed bool
	loggedOut bool
}

func (f *fakeClient) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCount++
	return nil
}

func (f *fakeClient) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeClient) Destroy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

func (f *fakeClient) SendText(_ context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentTexts = append(f.sentTexts, chatID+"|"+text)
	return "wa-out-1", nil
}

func (f *fakeClient) SendMedia(context.Context, string, platform.Media) (string, error) {
	return "wa-out-2", nil
}

func (f *fakeClient) DownloadMedia(_ context.Context, ref platform.MessageRef) (*platform.MediaBlob, error) {
	return &platform.MediaBlob{Mimetype: "audio/ogg", Data: []byte("bytes")}, nil
}

func (f *fakeClient) SetHandlers(h platform.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeClient) fire() platform.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

type testEnv struct {
	sup    *Supervisor
	bus    *event.Bus
	client *fakeClient
	dir    string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "warelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	client := &fakeClient{}
	factory := func(accountID, label, authDir string, _ *slog.Logger) (platform.Client, error) {
		return client, nil
	}

	bus := event.NewBus(nil)
	cache := mediacache.New(0)
	t.Cleanup(cache.Close)
	dir := t.TempDir()

	sup := NewSupervisor(factory, bus, cache, registry.New(s, nil), dir, nil)
	return &testEnv{sup: sup, bus: bus, client: client, dir: dir}
}

func waitEvent(t *testing.T, ch <-chan event.Event, typ event.Type) event.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestInit_Coalesces(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	status, err := env.sup.Init(ctx, "acct-1", "main")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusStarting, status)

	// Second init returns the current status without a second client.
	status, err = env.sup.Init(ctx, "acct-1", "main")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusStarting, status)

	// The auth directory exists on disk.
	_, err = os.Stat(filepath.Join(env.dir, "session-acct-1__main"))
	assert.NoError(t, err)
}

func TestLifecycleEvents(t *testing.T) {
	env := newEnv(t)
	ch, _ := env.bus.Subscribe(t.Context())

	_, err := env.sup.Init(context.Background(), "acct-1", "main")
	require.NoError(t, err)

	env.client.fire().OnQR("qr-blob")
	evt := waitEvent(t, ch, event.TypeQR)
	assert.Equal(t, "qr-blob", evt.QR)

	status, _ := env.sup.Status("acct-1", "main")
	assert.Equal(t, store.SessionStatusScanning, status)
	qr, ok := env.sup.QR("acct-1", "main")
	require.True(t, ok)
	assert.Equal(t, "qr-blob", qr)

	env.client.fire().OnReady("999@c.us")
	evt = waitEvent(t, ch, event.TypeReady)
	assert.Equal(t, "999@c.us", evt.Self)

	status, _ = env.sup.Status("acct-1", "main")
	assert.Equal(t, store.SessionStatusReady, status)
	_, ok = env.sup.QR("acct-1", "main")
	assert.False(t, ok, "qr cleared once ready")

	running := env.sup.ListRunning("acct-1")
	require.Len(t, running, 1)
	assert.Equal(t, "999@c.us", running[0].WaID)
}

func TestMessageNormalization(t *testing.T) {
	env := newEnv(t)
	ch, _ := env.bus.Subscribe(t.Context())

	_, err := env.sup.Init(context.Background(), "acct-1", "main")
	require.NoError(t, err)
	env.client.fire().OnReady("999@c.us")

	// Inbound: chatId is the sender.
	env.client.fire().OnMessage(&platform.IncomingMessage{
		ID: "m1", From: "5255@c.us", To: "999@c.us",
		Body: "hola", Type: "chat", Timestamp: 1700000000,
	})
	evt := waitEvent(t, ch, event.TypeMessage)
	assert.Equal(t, "5255@c.us", evt.ChatID)
	assert.False(t, evt.FromMe)
	assert.EqualValues(t, 1700000000, evt.WaTimestamp)

	// Outbound echo: chatId is the recipient.
	env.client.fire().OnMessage(&platform.IncomingMessage{
		ID: "m2", From: "999@c.us", To: "5255@c.us", FromMe: true,
		Body: "yo", Type: "chat",
	})
	evt = waitEvent(t, ch, event.TypeMessage)
	assert.Equal(t, "5255@c.us", evt.ChatID)
	assert.True(t, evt.FromMe)

	// Media message: the hint path is set and the reference cached.
	env.client.fire().OnMessage(&platform.IncomingMessage{
		ID: "m3", From: "5255@c.us", To: "999@c.us",
		Type: "ptt", HasMedia: true, Ref: "ref-3",
	})
	evt = waitEvent(t, ch, event.TypeMessage)
	assert.Equal(t, "/media/acct-1/main/m3", evt.MediaURLPath)

	blob, err := env.sup.DownloadMessageMedia(context.Background(), "acct-1", "main", "m3")
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", blob.Mimetype)
}

func TestDownloadMissesUncachedMessage(t *testing.T) {
	env := newEnv(t)
	_, err := env.sup.Init(context.Background(), "acct-1", "main")
	require.NoError(t, err)

	_, err = env.sup.DownloadMessageMedia(context.Background(), "acct-1", "main", "unknown")
	assert.ErrorIs(t, err, ErrMediaGone)
}

func TestSendText_RequiresReady(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.sup.SendText(ctx, "acct-1", "main", "5255", "hola")
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = env.sup.Init(ctx, "acct-1", "main")
	require.NoError(t, err)

	_, err = env.sup.SendText(ctx, "acct-1", "main", "5255", "hola")
	assert.ErrorIs(t, err, ErrNotReady)

	env.client.fire().OnReady("999@c.us")

	ch, _ := env.bus.Subscribe(t.Context())
	msgID, err := env.sup.SendText(ctx, "acct-1", "main", "52 55 1234", "hola")
	require.NoError(t, err)
	assert.Equal(t, "wa-out-1", msgID)
	assert.Equal(t, []string{"52551234@c.us|hola"}, env.client.sentTexts)

	evt := waitEvent(t, ch, event.TypeSent)
	assert.True(t, evt.FromMe)
	assert.Equal(t, "52551234@c.us", evt.ChatID)
}

func TestClientErrorTransitions(t *testing.T) {
	env := newEnv(t)
	ch, _ := env.bus.Subscribe(t.Context())

	_, err := env.sup.Init(context.Background(), "acct-1", "main")
	require.NoError(t, err)

	env.client.fire().OnError(errors.New("browser crashed"))
	evt := waitEvent(t, ch, event.TypeError)
	assert.Contains(t, evt.Err, "browser crashed")

	status, _ := env.sup.Status("acct-1", "main")
	assert.Equal(t, store.SessionStatusError, status)
}

func TestStopAndDestroy(t *testing.T) {
	env := newEnv(t)
	ch, _ := env.bus.Subscribe(t.Context())
	ctx := context.Background()

	_, err := env.sup.Init(ctx, "acct-1", "main")
	require.NoError(t, err)

	require.NoError(t, env.sup.Stop(ctx, "acct-1", "main"))
	waitEvent(t, ch, event.TypeStopped)
	assert.True(t, env.client.destroyed)
	_, running := env.sup.Status("acct-1", "main")
	assert.False(t, running)

	// Auth dir survives a stop.
	_, err = os.Stat(filepath.Join(env.dir, "session-acct-1__main"))
	assert.NoError(t, err)

	// Destroy purges it.
	_, err = env.sup.Init(ctx, "acct-1", "main")
	require.NoError(t, err)
	require.NoError(t, env.sup.Destroy(ctx, "acct-1", "main"))
	waitEvent(t, ch, event.TypeDestroyed)
	assert.True(t, env.client.loggedOut)

	_, err = os.Stat(filepath.Join(env.dir, "session-acct-1__main"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreAllFromFS(t *testing.T) {
	env := newEnv(t)

	require.NoError(t, os.MkdirAll(filepath.Join(env.dir, "session-acct-1__main"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(env.dir, "session-acct-2__alt"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(env.dir, "not-a-session"), 0700))

	n, err := env.sup.RestoreAllFromFS(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := env.sup.Status("acct-1", "main")
	assert.True(t, ok)
	_, ok = env.sup.Status("acct-2", "alt")
	assert.True(t, ok)

	// Re-running restores nothing new.
	n, err = env.sup.RestoreAllFromFS(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
