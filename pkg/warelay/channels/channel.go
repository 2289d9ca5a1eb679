// Package channels defines the transport abstraction warelay relays over.
// A channel delivers inbound chat messages to the reply pipeline and carries
// the generated replies (text and media) back out.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// Channel is the minimal transport contract. Implementations push inbound
// messages onto Receive and accept outbound replies via Send.
type Channel interface {
	// Name returns the transport identifier (e.g. "whatsapp", "webhook").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a reply to the given recipient address.
	Send(ctx context.Context, to string, msg *OutgoingMessage) error

	// Receive returns the stream of inbound messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the transport is up.
	IsConnected() bool

	// Health returns the transport health snapshot.
	Health() HealthStatus
}

// MediaChannel extends Channel with media upload/download.
type MediaChannel interface {
	Channel

	// SendMedia delivers a media reply (image, audio, video, document).
	SendMedia(ctx context.Context, to string, media *MediaMessage) error

	// DownloadMedia fetches the media attached to an inbound message and
	// returns a local file path plus the MIME type.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) (string, string, error)
}

// PresenceChannel extends Channel with typing indicators and read receipts.
type PresenceChannel interface {
	Channel

	// SendTyping shows a "typing..." indicator while a reply is generated.
	SendTyping(ctx context.Context, to string) error

	// MarkRead marks inbound messages as read.
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error
}

// IncomingMessage is one inbound chat message, normalized across transports.
type IncomingMessage struct {
	// ID is the message identifier on the source platform.
	ID string

	// Channel names the transport the message arrived on.
	Channel string

	// From is the sender address in the transport's native format.
	From string

	// FromName is the sender display name, when the platform provides one.
	FromName string

	// ChatID is the conversation identifier (DM or group).
	ChatID string

	// IsGroup reports whether the message came from a group chat.
	IsGroup bool

	// Type classifies the content.
	Type MessageType

	// Body is the text content (or caption, for media).
	Body string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media describes an attachment, if any.
	Media *MediaInfo
}

// OutgoingMessage is a reply to be delivered through a channel.
type OutgoingMessage struct {
	// Body is the reply text.
	Body string

	// ReplyTo is the inbound message id to quote, when supported.
	ReplyTo string
}

// MediaMessage is a media reply. Either Data or URL must be set.
type MediaMessage struct {
	Type     MessageType
	Data     []byte
	URL      string
	MimeType string
	Filename string
	Caption  string
}

// MediaInfo describes media attached to an inbound message. The encryption
// fields are WhatsApp-specific and opaque to the rest of the pipeline.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	Filename string
	FileSize uint64
	Caption  string

	URL           string
	DirectPath    string
	MediaKey      []byte
	FileSHA256    []byte
	FileEncSHA256 []byte
}

// HealthStatus is a point-in-time transport health snapshot.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrMediaNotSupported   = fmt.Errorf("media not supported by this channel")
	ErrMediaDownloadFailed = fmt.Errorf("failed to download media")
)
