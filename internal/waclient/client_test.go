// ABOUTME: Tests for the whatsmeow adapter's pure translation helpers
// ABOUTME: JID round-trips, media classification and text extraction

package waclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wm "go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/2389/warelay/internal/platform"
)

func TestJIDRoundTrip(t *testing.T) {
	j, err := chatIDToJID("5215512345678@c.us")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultUserServer, j.Server)
	assert.Equal(t, "5215512345678@c.us", jidToChatID(j))

	g, err := chatIDToJID("123-456@g.us")
	require.NoError(t, err)
	assert.Equal(t, types.GroupServer, g.Server)
	assert.Equal(t, "123-456@g.us", jidToChatID(g))
}

func TestChatIDToJID_Invalid(t *testing.T) {
	_, err := chatIDToJID("no-at-sign")
	assert.Error(t, err)
}

func TestClassifyMedia(t *testing.T) {
	assert.Equal(t, wm.MediaAudio, classifyMedia(platform.Media{VoiceNote: true, Mimetype: "application/octet-stream"}))
	assert.Equal(t, wm.MediaImage, classifyMedia(platform.Media{Mimetype: "image/jpeg"}))
	assert.Equal(t, wm.MediaVideo, classifyMedia(platform.Media{Mimetype: "video/mp4"}))
	assert.Equal(t, wm.MediaAudio, classifyMedia(platform.Media{Mimetype: "audio/ogg"}))
	assert.Equal(t, wm.MediaDocument, classifyMedia(platform.Media{Mimetype: "application/pdf"}))
}

func TestExtractText(t *testing.T) {
	assert.Equal(t, "hola", extractText(&waProto.Message{Conversation: proto.String("hola")}))

	assert.Equal(t, "ext", extractText(&waProto.Message{
		ExtendedTextMessage: &waProto.ExtendedTextMessage{Text: proto.String("ext")},
	}))

	assert.Equal(t, "pie de foto", extractText(&waProto.Message{
		ImageMessage: &waProto.ImageMessage{Caption: proto.String("pie de foto")},
	}))

	assert.Empty(t, extractText(&waProto.Message{}))
}
