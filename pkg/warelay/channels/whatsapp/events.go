package whatsapp

import (
	"fmt"
	"strings"

	"github.com/jholhewres/warelay/pkg/warelay/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState tracks the transport lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
)

// handleEvent dispatches whatsmeow events.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.setState(StateConnected)
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.reconnectAttempts.Store(0)
		w.logger.Info("connected", "jid", w.clientJID())

	case *events.Disconnected:
		previous := w.getState()
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Warn("connection lost")
		if previous == StateConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("stream replaced, another device took over this session")

	case *events.LoggedOut:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("session invalidated, QR scan required", "reason", evt.Reason.String())

	case *events.KeepAliveTimeout:
		w.errorCount.Add(1)
		if evt.ErrorCount >= 3 && w.getState() == StateConnected {
			w.logger.Error("keep-alive failing, forcing reconnect", "errors", evt.ErrorCount)
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.KeepAliveRestored:
		w.errorCount.Store(0)

	case *events.ConnectFailure:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("connect failure", "reason", evt.Reason.String(), "message", evt.Message)
		if evt.PermanentDisconnectDescription() == "" && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}
	}
}

// handleMessageEvt converts an inbound WhatsApp message into the unified
// form and emits it. Own messages, broadcasts, and (unless enabled) group
// messages are filtered here; sender allowlisting happens in the relay.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return
	}

	// WhatsApp may report senders as LIDs (linked identities) rather than
	// phone JIDs; resolve to the phone form so session keys stay stable.
	sender := evt.Info.Sender
	from := sender.String()
	if sender.Server == "lid" && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, sender); err == nil && !alt.IsEmpty() {
			from = alt.String()
		}
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      from,
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		IsGroup:   evt.Info.IsGroup,
		Timestamp: evt.Info.Timestamp,
	}
	extractContent(evt.Message, msg)

	if w.cfg.AutoRead {
		go func() {
			_ = w.MarkRead(w.ctx, msg.ChatID, []string{msg.ID})
		}()
	}

	w.emitMessage(msg)
}

// extractContent fills body, type, and media details from the raw proto.
func extractContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	if waMsg == nil {
		return
	}

	if waMsg.Conversation != nil {
		msg.Type = channels.MessageText
		msg.Body = waMsg.GetConversation()
		return
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Type = channels.MessageText
		msg.Body = ext.GetText()
		return
	}
	if img := waMsg.ImageMessage; img != nil {
		msg.Type = channels.MessageImage
		msg.Body = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageImage,
			MimeType:      img.GetMimetype(),
			FileSize:      img.GetFileLength(),
			Caption:       img.GetCaption(),
			URL:           img.GetURL(),
			DirectPath:    img.GetDirectPath(),
			MediaKey:      img.GetMediaKey(),
			FileSHA256:    img.GetFileSHA256(),
			FileEncSHA256: img.GetFileEncSHA256(),
		}
		return
	}
	if audio := waMsg.AudioMessage; audio != nil {
		msg.Type = channels.MessageAudio
		msg.Body = ""
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageAudio,
			MimeType:      audio.GetMimetype(),
			FileSize:      audio.GetFileLength(),
			URL:           audio.GetURL(),
			DirectPath:    audio.GetDirectPath(),
			MediaKey:      audio.GetMediaKey(),
			FileSHA256:    audio.GetFileSHA256(),
			FileEncSHA256: audio.GetFileEncSHA256(),
		}
		return
	}
	if video := waMsg.VideoMessage; video != nil {
		msg.Type = channels.MessageVideo
		msg.Body = video.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageVideo,
			MimeType:      video.GetMimetype(),
			FileSize:      video.GetFileLength(),
			Caption:       video.GetCaption(),
			URL:           video.GetURL(),
			DirectPath:    video.GetDirectPath(),
			MediaKey:      video.GetMediaKey(),
			FileSHA256:    video.GetFileSHA256(),
			FileEncSHA256: video.GetFileEncSHA256(),
		}
		return
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		msg.Type = channels.MessageDocument
		msg.Body = doc.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageDocument,
			MimeType:      doc.GetMimetype(),
			Filename:      doc.GetFileName(),
			FileSize:      doc.GetFileLength(),
			Caption:       doc.GetCaption(),
			URL:           doc.GetURL(),
			DirectPath:    doc.GetDirectPath(),
			MediaKey:      doc.GetMediaKey(),
			FileSHA256:    doc.GetFileSHA256(),
			FileEncSHA256: doc.GetFileEncSHA256(),
		}
		return
	}

	msg.Type = channels.MessageText
	msg.Body = ""
}

// parseJID accepts a bare phone number ("+4917012345678"), or a full JID
// ("4917012345678@s.whatsapp.net", "1234-5678@g.us").
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 7 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
