// Package whatsapp implements the WhatsApp transport for warelay using
// whatsmeow, the native Go WhatsApp Web library. Login is via QR code with
// the session persisted in SQLite, so restarts reconnect without rescanning.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/jholhewres/warelay/pkg/warelay/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds WhatsApp transport configuration.
type Config struct {
	// DatabasePath is the SQLite file for the whatsmeow session store.
	DatabasePath string `yaml:"database_path"`

	// MediaDir is where inbound media is downloaded to.
	MediaDir string `yaml:"media_dir"`

	// MaxMediaSizeMB caps inbound media downloads.
	MaxMediaSizeMB int `yaml:"max_media_size_mb"`

	// RespondToGroups enables relaying messages from group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// AutoRead marks relayed messages as read.
	AutoRead bool `yaml:"auto_read"`

	// ReconnectBackoff is the initial backoff between reconnect attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts bounds reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:         "~/.warelay/whatsapp.db",
		MediaDir:             "~/.warelay/media",
		MaxMediaSizeMB:       16,
		RespondToGroups:      false,
		AutoRead:             true,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// WhatsApp implements channels.Channel, channels.MediaChannel, and
// channels.PresenceChannel over a whatsmeow client.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages chan *channels.IncomingMessage

	connected atomic.Bool
	state     atomic.Value // ConnectionState
	lastMsg   atomic.Value // time.Time

	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool
	messagesClosed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp transport.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	w := &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
	w.setState(StateDisconnected)
	return w
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the WhatsApp Web connection. With no stored session the QR
// login flow runs on the terminal; with an existing session it reconnects
// directly.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	// Shown in the WhatsApp linked-devices list.
	store.SetOSInfo("Warelay", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("no linked session, QR scan required")
		return w.loginWithQR(w.ctx)
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("connected with existing session", "jid", w.clientJID())
	return nil
}

// Disconnect closes the connection and the inbound message stream.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}

	w.logger.Info("disconnected")
	return nil
}

// Logout unlinks the device and clears the stored session.
func (w *WhatsApp) Logout() error {
	if w.client == nil {
		return nil
	}
	w.connected.Store(false)
	w.setState(StateDisconnected)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.client.Logout(ctx); err != nil {
		w.logger.Warn("logout error, forcing cleanup", "error", err)
		w.client.Disconnect()
		if w.client.Store != nil {
			if delErr := w.client.Store.Delete(ctx); delErr != nil {
				w.logger.Warn("deleting session store failed", "error", delErr)
			}
		}
	}
	w.logger.Info("logged out, session cleared")
	return nil
}

// Send delivers a text reply.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	_, err = w.client.SendMessage(ctx, jid, buildTextMessage(msg.Body, msg.ReplyTo))
	if err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Receive returns the inbound message stream.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected reports whether the client is connected.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// NeedsQR reports whether the device is unlinked.
func (w *WhatsApp) NeedsQR() bool {
	return w.client != nil && w.client.Store.ID == nil && !w.connected.Load()
}

// Health returns the transport health snapshot.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    map[string]any{"state": string(w.getState())},
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if jid := w.clientJID(); jid != "" {
		h.Details["jid"] = jid
	}
	h.Details["reconnect_attempts"] = w.reconnectAttempts.Load()
	return h
}

// SendTyping shows a composing indicator.
func (w *WhatsApp) SendTyping(ctx context.Context, to string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// MarkRead marks inbound messages as read.
func (w *WhatsApp) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return w.client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR drives the QR pairing flow, printing each code to the
// terminal until the phone scans it or the code expires.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.setState(StateWaitingQR)
				fmt.Fprintf(os.Stdout,
					"\nScan this code with WhatsApp (Linked Devices > Link a Device):\n%s\n\n",
					evt.Code)
			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.setState(StateConnected)
				w.logger.Info("device linked")
				return nil
			case "timeout":
				w.setState(StateDisconnected)
				return fmt.Errorf("QR code expired before it was scanned")
			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect retries the connection with linear backoff. A guard
// keeps concurrent disconnect events from stacking reconnect loops.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	w.setState(StateReconnecting)

	for {
		if w.ctx.Err() != nil {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("giving up after max reconnect attempts", "attempts", attempts)
			w.setState(StateDisconnected)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("reconnecting", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}
		if err := w.client.Connect(); err != nil {
			w.logger.Warn("reconnect attempt failed", "attempt", attempts, "error", err)
			continue
		}
		return
	}
}

func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) { w.state.Store(state) }

// emitMessage pushes an inbound message, dropping it if the buffer is full
// so a stalled consumer cannot wedge the event loop.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("inbound buffer full, dropping message", "from", msg.From)
	}
}
