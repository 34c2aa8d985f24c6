// ABOUTME: Consumed chat-platform client contract and its boundary types
// ABOUTME: The supervisor drives exactly one Client per (account, label) session

package platform

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNoMedia is returned by DownloadMedia when the reference carries no
// downloadable payload.
var ErrNoMedia = errors.New("message has no media")

// MessageRef is an opaque reference to a platform message that can later
// be passed back to DownloadMedia. Implementations define the concrete type.
type MessageRef any

// IncomingMessage is the boundary shape of a platform message event.
// Timestamp is in seconds, as delivered by the platform.
type IncomingMessage struct {
	ID        string
	From      string
	To        string
	Author    string // sender within a group chat, empty for one-to-one
	FromMe    bool
	Body      string
	Type      string // "chat", "ptt", "audio", "image", ...
	HasMedia  bool
	Timestamp int64
	Ref       MessageRef
}

// Media is an outbound media payload. Exactly one of Data, URL or
// LocalPath must be set.
type Media struct {
	Data      []byte
	Mimetype  string
	Filename  string
	URL       string
	LocalPath string
	Caption   string
	VoiceNote bool
}

// MediaBlob is a downloaded media payload.
type MediaBlob struct {
	Mimetype string
	Filename string
	Data     []byte
}

// Handlers receives client lifecycle and message events. Callbacks run on
// the client's own goroutine and must not block.
type Handlers struct {
	OnQR           func(code string)
	OnReady        func(selfID string)
	OnMessage      func(msg *IncomingMessage)
	OnDisconnected func(reason string)
	OnAuthFailure  func(err error)
	OnError        func(err error)
}

// Client is the chat-platform client consumed by the supervisor.
type Client interface {
	// Initialize connects the client, driving QR pairing if the session
	// has no stored credentials. Events flow to the registered Handlers.
	Initialize(ctx context.Context) error

	// Logout invalidates the platform credentials.
	Logout(ctx context.Context) error

	// Destroy disconnects and releases all client resources. The on-disk
	// auth state is left intact; purging it is the caller's decision.
	Destroy(ctx context.Context) error

	// SendText sends a plain text message and returns the platform
	// message id.
	SendText(ctx context.Context, chatID, text string) (string, error)

	// SendMedia sends a media message and returns the platform message id.
	SendMedia(ctx context.Context, chatID string, media Media) (string, error)

	// DownloadMedia fetches the media payload referenced by ref.
	DownloadMedia(ctx context.Context, ref MessageRef) (*MediaBlob, error)

	// SetHandlers registers the event callbacks. Must be called before
	// Initialize.
	SetHandlers(h Handlers)
}

// Factory creates a Client for one session. authDir is the session's
// private on-disk auth directory.
type Factory func(accountID, label, authDir string, logger *slog.Logger) (Client, error)
