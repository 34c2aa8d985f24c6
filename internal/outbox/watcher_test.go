// ABOUTME: Tests for the outbox watcher
// ABOUTME: Covers claim/send/finalize, policy skip, voice dispatch, races and lifecycle teardown

package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warelay/internal/event"
	"github.com/2389/warelay/internal/platform"
	"github.com/2389/warelay/internal/policy"
	"github.com/2389/warelay/internal/store"
)

type allowAllPolicy struct{}

func (allowAllPolicy) AllowSend(context.Context, policy.Request) bool { return true }

type denyAllPolicy struct{}

func (denyAllPolicy) AllowSend(context.Context, policy.Request) bool { return false }

type sentText struct {
	to, text string
}

type fakeSender struct {
	mu     sync.Mutex
	texts  []sentText
	medias []platform.Media
	err    error
	sent   chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan struct{}, 8)}
}

func (f *fakeSender) SendText(_ context.Context, _, _, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.texts = append(f.texts, sentText{to: to, text: text})
	f.sent <- struct{}{}
	return "wa-msg-1", nil
}

func (f *fakeSender) SendMedia(_ context.Context, _, _, _ string, media platform.Media) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.medias = append(f.medias, media)
	f.sent <- struct{}{}
	return "wa-msg-2", nil
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "warelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var windowSeq atomic.Int64

func readyTurn(t *testing.T, s *store.SQLiteStore, chatID string, resp *store.TurnResponse) *store.Turn {
	t.Helper()
	ctx := context.Background()
	windowID := store.WindowID("acct-1", "main", chatID, time.Now().UnixMilli()+windowSeq.Add(1))
	turn := &store.Turn{
		WindowID: windowID,
		Status:   store.TurnStatusPending,
		OpenedAt: 1000,
		ClosedAt: 2000,
		Meta:     store.TurnMeta{AccountID: "acct-1", Label: "main", ChatID: chatID, WindowID: windowID},
		Items:    []store.TurnItem{{TS: 1000, Type: store.ItemTypeText, Text: "hola"}},
	}
	require.NoError(t, s.CreateTurn(ctx, turn))
	require.NoError(t, s.SetTurnResponse(ctx, windowID, resp))
	got, err := s.GetTurn(ctx, windowID)
	require.NoError(t, err)
	return got
}

func waitStatus(t *testing.T, s *store.SQLiteStore, windowID, want string) *store.Turn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		turn, err := s.GetTurn(context.Background(), windowID)
		require.NoError(t, err)
		if turn.Status == want {
			return turn
		}
		time.Sleep(10 * time.Millisecond)
	}
	turn, _ := s.GetTurn(context.Background(), windowID)
	t.Fatalf("turn %s never reached %s (now %s)", windowID, want, turn.Status)
	return nil
}

func TestProcess_DeliversText(t *testing.T) {
	s := newStore(t)
	sender := newFakeSender()
	w := NewWatcher(s, allowAllPolicy{}, sender, time.Hour, nil)
	defer w.Close()

	turn := readyTurn(t, s, "5255@c.us", &store.TurnResponse{Modality: "text", Text: "  hola! "})
	w.process(context.Background(), turn)

	got := waitStatus(t, s, turn.WindowID, store.TurnStatusDelivered)
	assert.Equal(t, "wa-msg-1", got.WaMessageID)
	require.Len(t, sender.texts, 1)
	assert.Equal(t, sentText{to: "5255@c.us", text: "hola!"}, sender.texts[0])
}

func TestProcess_FallbackText(t *testing.T) {
	s := newStore(t)
	sender := newFakeSender()
	w := NewWatcher(s, allowAllPolicy{}, sender, time.Hour, nil)
	defer w.Close()

	turn := readyTurn(t, s, "5255@c.us", &store.TurnResponse{Modality: "text", Text: "   "})
	w.process(context.Background(), turn)

	require.Len(t, sender.texts, 1)
	assert.Equal(t, FallbackReply, sender.texts[0].text)
}

func TestProcess_VoiceResponseSendsMedia(t *testing.T) {
	s := newStore(t)
	sender := newFakeSender()
	w := NewWatcher(s, allowAllPolicy{}, sender, time.Hour, nil)
	defer w.Close()

	turn := readyTurn(t, s, "5255@c.us", &store.TurnResponse{
		Modality: "voice",
		Text:     "aquí tienes",
		Audio:    &store.TurnAudio{URL: "gs://bucket/reply.ogg"},
	})
	w.process(context.Background(), turn)

	got := waitStatus(t, s, turn.WindowID, store.TurnStatusDelivered)
	assert.Equal(t, "wa-msg-2", got.WaMessageID)
	require.Len(t, sender.medias, 1)
	assert.Equal(t, "gs://bucket/reply.ogg", sender.medias[0].URL)
	assert.True(t, sender.medias[0].VoiceNote)
	assert.Equal(t, "aquí tienes", sender.medias[0].Caption)
}

func TestProcess_PolicyDenySkips(t *testing.T) {
	s := newStore(t)
	sender := newFakeSender()
	w := NewWatcher(s, denyAllPolicy{}, sender, time.Hour, nil)
	defer w.Close()

	turn := readyTurn(t, s, "5255@c.us", &store.TurnResponse{Modality: "text", Text: "ok"})
	w.process(context.Background(), turn)

	got := waitStatus(t, s, turn.WindowID, store.TurnStatusSkipped)
	assert.Empty(t, got.WaMessageID)
	assert.NotZero(t, got.SkippedAt)
	assert.Empty(t, sender.texts)
}

func TestProcess_SendFailureMarksError(t *testing.T) {
	s := newStore(t)
	sender := newFakeSender()
	sender.err = errors.New("socket closed")
	w := NewWatcher(s, allowAllPolicy{}, sender, time.Hour, nil)
	defer w.Close()

	turn := readyTurn(t, s, "5255@c.us", &store.TurnResponse{Modality: "text", Text: "ok"})
	w.process(context.Background(), turn)

	got := waitStatus(t, s, turn.WindowID, store.TurnStatusError)
	require.NotNil(t, got.Error)
	assert.Equal(t, "send", got.Error.Stage)
	assert.Contains(t, got.Error.Detail, "socket closed")
	assert.Empty(t, got.WaMessageID)
}

func TestProcess_ConcurrentObserversDeliverOnce(t *testing.T) {
	s := newStore(t)
	sender := newFakeSender()
	w1 := NewWatcher(s, allowAllPolicy{}, sender, time.Hour, nil)
	w2 := NewWatcher(s, allowAllPolicy{}, sender, time.Hour, nil)
	defer w1.Close()
	defer w2.Close()

	turn := readyTurn(t, s, "5255@c.us", &store.TurnResponse{Modality: "text", Text: "ok"})

	var wg sync.WaitGroup
	for _, w := range []*Watcher{w1, w2} {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			w.process(context.Background(), turn)
		}(w)
	}
	wg.Wait()

	got := waitStatus(t, s, turn.WindowID, store.TurnStatusDelivered)
	assert.Equal(t, "wa-msg-1", got.WaMessageID)
	assert.Len(t, sender.texts, 1, "exactly one observer sends")
}

func TestHandleEvent_WatchLifecycle(t *testing.T) {
	s := newStore(t)
	sender := newFakeSender()
	w := NewWatcher(s, allowAllPolicy{}, sender, time.Hour, nil)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := event.Event{Type: event.TypeReady, AccountID: "acct-1", SessionID: "main"}
	w.HandleEvent(ctx, ready)

	// A turn flipped to ready is picked up via the live query.
	turn := readyTurn(t, s, "5255@c.us", &store.TurnResponse{Modality: "text", Text: "ok"})

	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("watched session never sent")
	}
	waitStatus(t, s, turn.WindowID, store.TurnStatusDelivered)

	// Leaving ready tears the watch down: new ready turns are ignored.
	w.HandleEvent(ctx, event.Event{Type: event.TypeStopped, AccountID: "acct-1", SessionID: "main"})
	time.Sleep(50 * time.Millisecond)

	readyTurn(t, s, "5255@c.us", &store.TurnResponse{Modality: "text", Text: "otra"})
	select {
	case <-sender.sent:
		t.Fatal("stopped session still sending")
	case <-time.After(300 * time.Millisecond):
	}
}
