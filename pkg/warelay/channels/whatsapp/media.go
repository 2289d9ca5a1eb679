package whatsapp

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jholhewres/warelay/pkg/warelay/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// buildTextMessage wraps a text body in the wire proto, quoting the inbound
// message when a reply id is present.
func buildTextMessage(body, replyTo string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(body)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(body),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID: proto.String(replyTo),
			},
		},
	}
}

// SendMedia uploads the media bytes to WhatsApp's blob store and sends the
// resulting message. Local file URLs must be read into Data by the caller.
func (w *WhatsApp) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if len(media.Data) == 0 {
		return fmt.Errorf("media has no data")
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	waMsg, err := w.buildMediaMessage(ctx, media)
	if err != nil {
		return fmt.Errorf("building media message: %w", err)
	}

	if _, err := w.client.SendMessage(ctx, jid, waMsg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending media: %w", err)
	}
	return nil
}

// buildMediaMessage uploads the payload and assembles the proto for its
// media kind.
func (w *WhatsApp) buildMediaMessage(ctx context.Context, media *channels.MediaMessage) (*waE2E.Message, error) {
	uploaded, err := w.client.Upload(ctx, media.Data, uploadKind(media))
	if err != nil {
		return nil, fmt.Errorf("uploading media: %w", err)
	}

	switch uploadKind(media) {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil

	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil

	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil

	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(media.Caption),
			FileName:      proto.String(media.Filename),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil
	}
}

// uploadKind maps a media message to whatsmeow's upload classification.
func uploadKind(media *channels.MediaMessage) whatsmeow.MediaType {
	switch {
	case media.Type == channels.MessageImage || strings.HasPrefix(media.MimeType, "image/"):
		return whatsmeow.MediaImage
	case media.Type == channels.MessageAudio || strings.HasPrefix(media.MimeType, "audio/"):
		return whatsmeow.MediaAudio
	case media.Type == channels.MessageVideo || strings.HasPrefix(media.MimeType, "video/"):
		return whatsmeow.MediaVideo
	default:
		return whatsmeow.MediaDocument
	}
}

// DownloadMedia decrypts and downloads the attachment of an inbound message
// into MediaDir, returning the local path and MIME type.
func (w *WhatsApp) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) (string, string, error) {
	info := msg.Media
	if info == nil {
		return "", "", fmt.Errorf("message has no media")
	}

	if w.cfg.MaxMediaSizeMB > 0 && info.FileSize > uint64(w.cfg.MaxMediaSizeMB)*1024*1024 {
		return "", "", fmt.Errorf("media of %d bytes exceeds %d MB limit: %w",
			info.FileSize, w.cfg.MaxMediaSizeMB, channels.ErrMediaDownloadFailed)
	}

	data, err := w.client.DownloadMediaWithPath(ctx,
		info.DirectPath, info.FileEncSHA256, info.FileSHA256, info.MediaKey,
		int(info.FileSize), downloadKind(info.Type), "")
	if err != nil {
		return "", "", fmt.Errorf("downloading media: %w", err)
	}

	if err := os.MkdirAll(w.cfg.MediaDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating media directory: %w", err)
	}

	path := filepath.Join(w.cfg.MediaDir, uuid.NewString()+extensionFor(info))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", "", fmt.Errorf("writing media file: %w", err)
	}

	w.logger.Debug("media downloaded", "path", path, "mime", info.MimeType, "bytes", len(data))
	return path, info.MimeType, nil
}

func downloadKind(t channels.MessageType) whatsmeow.MediaType {
	switch t {
	case channels.MessageImage:
		return whatsmeow.MediaImage
	case channels.MessageAudio:
		return whatsmeow.MediaAudio
	case channels.MessageVideo:
		return whatsmeow.MediaVideo
	default:
		return whatsmeow.MediaDocument
	}
}

// extensionFor picks a file extension from the original filename or the
// MIME type, falling back to .bin.
func extensionFor(info *channels.MediaInfo) string {
	if info.Filename != "" {
		if ext := filepath.Ext(info.Filename); ext != "" {
			return ext
		}
	}

	mimeType := info.MimeType
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	// WhatsApp voice notes use a codec suffix the mime package won't match.
	if mimeType == "audio/ogg" {
		return ".ogg"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
