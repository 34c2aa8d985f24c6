// ABOUTME: Blob store for inbound voice notes referenced from turn items
// ABOUTME: Filesystem-backed implementation producing bucket-style object URIs

package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SaveRequest identifies and carries one inbound voice payload.
// WaTimestamp is in milliseconds.
type SaveRequest struct {
	AccountID   string
	Label       string
	ChatID      string
	MessageID   string
	WaTimestamp int64
	Data        []byte
	ContentType string
}

// SavedObject describes a persisted voice payload.
type SavedObject struct {
	GcsURI      string
	ContentType string
	Filename    string
	Bytes       int
}

// Store persists inbound voice media for later consumption by the AI
// worker.
type Store interface {
	SaveInboundVoice(ctx context.Context, req SaveRequest) (*SavedObject, error)
}

// FSStore writes voice objects under a root directory, mirroring the
// bucket object layout so the URIs stay stable if storage moves.
type FSStore struct {
	root   string
	bucket string
}

// NewFSStore creates a filesystem blob store. bucket names the logical
// bucket used in returned URIs; when empty, file:// URIs are produced.
func NewFSStore(root, bucket string) *FSStore {
	return &FSStore{root: root, bucket: bucket}
}

// ObjectPath builds the canonical object path for an inbound voice note.
func ObjectPath(req SaveRequest) string {
	ext := extFromMime(req.ContentType)
	return fmt.Sprintf("wa/%s/%s/inbound/%s/%d/%s.%s",
		req.AccountID, req.Label, req.ChatID, req.WaTimestamp, req.MessageID, ext)
}

// SaveInboundVoice writes the payload and returns its object reference.
func (s *FSStore) SaveInboundVoice(_ context.Context, req SaveRequest) (*SavedObject, error) {
	object := ObjectPath(req)
	full := filepath.Join(s.root, filepath.FromSlash(object))

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	if err := os.WriteFile(full, req.Data, 0644); err != nil {
		return nil, fmt.Errorf("writing media object: %w", err)
	}

	uri := "file://" + full
	if s.bucket != "" {
		uri = "gs://" + s.bucket + "/" + object
	}

	return &SavedObject{
		GcsURI:      uri,
		ContentType: req.ContentType,
		Filename:    filepath.Base(full),
		Bytes:       len(req.Data),
	}, nil
}

// extFromMime maps a MIME type to the stored file extension.
func extFromMime(mime string) string {
	m := strings.ToLower(mime)
	switch {
	case strings.Contains(m, "ogg"), strings.Contains(m, "opus"):
		return "ogg"
	case strings.Contains(m, "mpeg"), strings.Contains(m, "mp3"):
		return "mp3"
	case strings.Contains(m, "wav"):
		return "wav"
	case strings.Contains(m, "mp4"), strings.Contains(m, "m4a"), strings.Contains(m, "aac"):
		return "mp4"
	default:
		return "bin"
	}
}
