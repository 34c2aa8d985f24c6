// ABOUTME: whatsmeow-backed implementation of the platform client contract
// ABOUTME: Per-session sqlstore auth container, QR pairing, event translation and media IO

package waclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	wm "go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/2389/warelay/internal/platform"
)

// placeholderSeconds is used when a voice note's duration is unknown.
const placeholderSeconds = 30

// Client adapts a whatsmeow client to the platform contract. One Client
// serves one (account, label) session; its auth state lives in a sqlite
// container under the session's private directory.
type Client struct {
	accountID string
	label     string
	authDir   string
	logger    *slog.Logger

	handlers  platform.Handlers
	container *sqlstore.Container
	client    *wm.Client
}

// New creates a client rooted at the session's auth directory. It
// matches the platform.Factory signature.
func New(accountID, label, authDir string, logger *slog.Logger) (platform.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		accountID: accountID,
		label:     label,
		authDir:   authDir,
		logger: logger.With("component", "waclient",
			"account_id", accountID, "session_id", label),
	}, nil
}

// SetHandlers registers the event callbacks. Must precede Initialize.
func (c *Client) SetHandlers(h platform.Handlers) {
	c.handlers = h
}

// Initialize opens the auth container, connects and drives QR pairing
// when the session holds no credentials yet.
func (c *Client) Initialize(ctx context.Context) error {
	dbPath := filepath.Join(c.authDir, "whatsmeow.db")
	dbLog := waLog.Stdout("Database", "WARN", false)

	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", dbLog)
	if err != nil {
		return fmt.Errorf("opening session container: %w", err)
	}
	c.container = container

	device, err := container.GetFirstDevice(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		device = container.NewDevice()
	} else if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}

	c.client = wm.NewClient(device, waLog.Stdout("Client", "WARN", false))
	c.client.AddEventHandler(c.handleEvent)

	if c.client.Store.ID == nil {
		qrChan, _ := c.client.GetQRChannel(ctx)
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("connecting for pairing: %w", err)
		}
		go func() {
			for evt := range qrChan {
				switch evt.Event {
				case "code":
					if c.handlers.OnQR != nil {
						c.handlers.OnQR(evt.Code)
					}
				case "success":
					c.logger.Info("pairing succeeded")
				}
			}
		}()
		return nil
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// handleEvent translates whatsmeow events into platform callbacks.
func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		if c.handlers.OnReady != nil {
			self := ""
			if id := c.client.Store.ID; id != nil {
				self = jidToChatID(id.ToNonAD())
			}
			c.handlers.OnReady(self)
		}

	case *events.Disconnected:
		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected("disconnected")
		}

	case *events.LoggedOut:
		if c.handlers.OnAuthFailure != nil {
			c.handlers.OnAuthFailure(errors.New("device logged out"))
		}

	case *events.StreamError:
		if c.handlers.OnError != nil {
			c.handlers.OnError(fmt.Errorf("stream error: %s", v.Code))
		}

	case *events.Message:
		c.handleMessage(v)
	}
}

// handleMessage flattens one message event to the boundary shape.
func (c *Client) handleMessage(v *events.Message) {
	if c.handlers.OnMessage == nil || v.Message == nil {
		return
	}

	msg := v.Message
	out := &platform.IncomingMessage{
		ID:        v.Info.ID,
		FromMe:    v.Info.IsFromMe,
		Type:      "chat",
		Body:      extractText(msg),
		Timestamp: v.Info.Timestamp.Unix(),
	}

	chatID := jidToChatID(v.Info.Chat)
	self := ""
	if id := c.client.Store.ID; id != nil {
		self = jidToChatID(id.ToNonAD())
	}
	if v.Info.IsFromMe {
		out.From = self
		out.To = chatID
	} else {
		out.From = chatID
		out.To = self
		if v.Info.Chat.Server == types.GroupServer {
			out.Author = jidToChatID(v.Info.Sender.ToNonAD())
		}
	}

	switch {
	case msg.GetAudioMessage() != nil:
		au := msg.GetAudioMessage()
		out.HasMedia = true
		out.Ref = au
		if au.GetPTT() {
			out.Type = "ptt"
		} else {
			out.Type = "audio"
		}
	case msg.GetImageMessage() != nil:
		out.HasMedia = true
		out.Ref = msg.GetImageMessage()
		out.Type = "image"
	case msg.GetVideoMessage() != nil:
		out.HasMedia = true
		out.Ref = msg.GetVideoMessage()
		out.Type = "video"
	case msg.GetDocumentMessage() != nil:
		out.HasMedia = true
		out.Ref = msg.GetDocumentMessage()
		out.Type = "document"
	}

	c.handlers.OnMessage(out)
}

// extractText pulls the display text out of the message variants.
func extractText(msg *waProto.Message) string {
	switch {
	case msg.GetExtendedTextMessage() != nil && msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetImageMessage() != nil && msg.GetImageMessage().GetCaption() != "":
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil && msg.GetVideoMessage().GetCaption() != "":
		return msg.GetVideoMessage().GetCaption()
	}
	return ""
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, chatID, text string) (string, error) {
	to, err := chatIDToJID(chatID)
	if err != nil {
		return "", err
	}

	msg := &waProto.Message{Conversation: proto.String(text)}
	resp, err := c.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SendMedia uploads and sends a media message. Voice notes go out as PTT
// audio; a non-empty caption on a voice note is sent as a follow-up text
// since the platform has no audio captions.
func (c *Client) SendMedia(ctx context.Context, chatID string, media platform.Media) (string, error) {
	to, err := chatIDToJID(chatID)
	if err != nil {
		return "", err
	}

	data, err := resolveMediaBytes(ctx, media)
	if err != nil {
		return "", err
	}

	mediaType := classifyMedia(media)
	up, err := c.client.Upload(ctx, data, mediaType)
	if err != nil {
		return "", fmt.Errorf("uploading media: %w", err)
	}

	msg := &waProto.Message{}
	switch mediaType {
	case wm.MediaAudio:
		msg.AudioMessage = &waProto.AudioMessage{
			Mimetype:      proto.String(media.Mimetype),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
			Seconds:       proto.Uint32(placeholderSeconds),
			PTT:           proto.Bool(media.VoiceNote),
		}
	case wm.MediaImage:
		msg.ImageMessage = &waProto.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	case wm.MediaVideo:
		msg.VideoMessage = &waProto.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	default:
		msg.DocumentMessage = &waProto.DocumentMessage{
			Title:         proto.String(media.Filename),
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	}

	resp, err := c.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", err
	}

	if mediaType == wm.MediaAudio && media.Caption != "" {
		if _, err := c.SendText(ctx, chatID, media.Caption); err != nil {
			c.logger.Warn("voice caption send failed", "chat_id", chatID, "error", err)
		}
	}
	return resp.ID, nil
}

// DownloadMedia fetches the payload of a previously seen media message.
func (c *Client) DownloadMedia(ctx context.Context, ref platform.MessageRef) (*platform.MediaBlob, error) {
	switch m := ref.(type) {
	case *waProto.AudioMessage:
		return c.download(ctx, m, m.GetMimetype(), "")
	case *waProto.ImageMessage:
		return c.download(ctx, m, m.GetMimetype(), "")
	case *waProto.VideoMessage:
		return c.download(ctx, m, m.GetMimetype(), "")
	case *waProto.DocumentMessage:
		return c.download(ctx, m, m.GetMimetype(), m.GetTitle())
	default:
		return nil, platform.ErrNoMedia
	}
}

func (c *Client) download(ctx context.Context, msg wm.DownloadableMessage, mimetype, filename string) (*platform.MediaBlob, error) {
	data, err := c.client.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("downloading: %w", err)
	}
	return &platform.MediaBlob{Mimetype: mimetype, Filename: filename, Data: data}, nil
}

// Logout invalidates the stored credentials.
func (c *Client) Logout(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Logout(ctx)
}

// Destroy disconnects and releases the auth container. The on-disk
// state is left for the supervisor to keep or purge.
func (c *Client) Destroy(context.Context) error {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

// resolveMediaBytes loads the payload from whichever source is set.
func resolveMediaBytes(ctx context.Context, media platform.Media) ([]byte, error) {
	switch {
	case len(media.Data) > 0:
		return media.Data, nil

	case media.URL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, media.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching media url: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching media url: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)

	case media.LocalPath != "":
		return os.ReadFile(media.LocalPath)

	default:
		return nil, errors.New("media payload is empty")
	}
}

// classifyMedia picks the upload lane from the voice flag and MIME type.
func classifyMedia(media platform.Media) wm.MediaType {
	if media.VoiceNote {
		return wm.MediaAudio
	}
	switch {
	case strings.HasPrefix(media.Mimetype, "image/"):
		return wm.MediaImage
	case strings.HasPrefix(media.Mimetype, "video/"):
		return wm.MediaVideo
	case strings.HasPrefix(media.Mimetype, "audio/"):
		return wm.MediaAudio
	default:
		return wm.MediaDocument
	}
}

// jidToChatID renders a JID in the bridge's chat id convention.
func jidToChatID(j types.JID) string {
	switch j.Server {
	case types.DefaultUserServer:
		return j.User + "@c.us"
	case types.GroupServer:
		return j.User + "@g.us"
	default:
		return j.User + "@" + j.Server
	}
}

// chatIDToJID parses a bridge chat id back into a JID.
func chatIDToJID(chatID string) (types.JID, error) {
	user, server, ok := strings.Cut(chatID, "@")
	if !ok || user == "" {
		return types.JID{}, fmt.Errorf("invalid chat id %q", chatID)
	}
	switch server {
	case "c.us", types.DefaultUserServer:
		return types.JID{User: user, Server: types.DefaultUserServer}, nil
	case types.GroupServer:
		return types.JID{User: user, Server: types.GroupServer}, nil
	default:
		return types.ParseJID(chatID)
	}
}
