package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/warelay/pkg/warelay/channels"
	"github.com/jholhewres/warelay/pkg/warelay/channels/whatsapp"
	"github.com/jholhewres/warelay/pkg/warelay/gateway"
	"github.com/jholhewres/warelay/pkg/warelay/poller"
	"github.com/jholhewres/warelay/pkg/warelay/provider"
	"github.com/jholhewres/warelay/pkg/warelay/reply"
)

// App is the running relay: one transport feeding the reply builder.
type App struct {
	cfg     *Config
	logger  *slog.Logger
	builder *reply.Builder
	queue   *reply.Queue

	wa   *whatsapp.WhatsApp
	prov *provider.Client
	gw   *gateway.Gateway
	poll *poller.Poller
}

// New assembles the pipeline for the configured transport. cfg must be
// normalized and validated.
func New(cfg *Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		cfg:    cfg,
		logger: logger.With("component", "relay"),
		queue:  reply.NewQueue(logger),
	}
	a.builder = reply.NewBuilder(cfg.Reply, cfg.Transcribe, a.queue, reply.NewProcessRunner(logger), logger)

	switch cfg.Transport {
	case TransportWhatsApp:
		a.wa = whatsapp.New(cfg.WhatsApp, logger)
	case TransportWebhook:
		provider.ResolveCredentials(&cfg.Provider, logger)
		a.prov = provider.New(cfg.Provider, logger)
		a.gw = gateway.New(cfg.Gateway, a.handleWebhookMessage, logger)
		a.poll = poller.New(cfg.Poller, a.prov, a.handleWebhookMessage, logger)
	}
	return a
}

// Builder exposes the reply builder (for the send and sessions commands).
func (a *App) Builder() *reply.Builder { return a.builder }

// Provider exposes the provider client, nil on the WhatsApp transport.
func (a *App) Provider() *provider.Client { return a.prov }

// Run starts the transport and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	switch a.cfg.Transport {
	case TransportWhatsApp:
		return a.runWhatsApp(ctx)
	case TransportWebhook:
		return a.runWebhook(ctx)
	default:
		return fmt.Errorf("unknown transport %q", a.cfg.Transport)
	}
}

// runWhatsApp connects the WhatsApp Web client and relays its inbound
// stream through the pipeline.
func (a *App) runWhatsApp(ctx context.Context) error {
	if err := a.wa.Connect(ctx); err != nil {
		return fmt.Errorf("connecting whatsapp: %w", err)
	}
	defer a.wa.Disconnect()

	a.logger.Info("relay running", "transport", "whatsapp")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-a.wa.Receive():
			if !ok {
				return nil
			}
			go a.handleWhatsAppMessage(ctx, msg)
		}
	}
}

// runWebhook starts the webhook gateway and the delivery poller, then
// waits for shutdown.
func (a *App) runWebhook(ctx context.Context) error {
	if err := a.gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	if err := a.poll.Start(ctx); err != nil {
		return fmt.Errorf("starting poller: %w", err)
	}

	a.logger.Info("relay running", "transport", "webhook")
	<-ctx.Done()

	a.poll.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.gw.Stop(shutdownCtx)
}

// handleWhatsAppMessage runs one inbound WhatsApp message through the
// pipeline and sends the reply back to the originating chat.
func (a *App) handleWhatsAppMessage(ctx context.Context, msg *channels.IncomingMessage) {
	if !a.senderAllowed(msg.From) {
		a.logger.Debug("sender not in allowlist, ignoring", "from", msg.From)
		return
	}

	if a.cfg.Typing {
		if err := a.wa.SendTyping(ctx, msg.ChatID); err != nil {
			a.logger.Debug("typing indicator failed", "error", err)
		}
	}

	mc := reply.MessageContext{
		Body:      msg.Body,
		From:      msg.From,
		MessageID: msg.ID,
	}
	if msg.Media != nil {
		path, mimeType, err := a.wa.DownloadMedia(ctx, msg)
		if err != nil {
			a.logger.Warn("media download failed, relaying text only", "error", err)
		} else {
			mc.MediaPath = path
			mc.MediaType = mimeType
		}
	}

	res, err := a.builder.BuildReply(ctx, mc)
	if err != nil {
		a.logger.Error("reply generation failed", "from", msg.From, "error", err)
		return
	}

	if res.Text != "" {
		out := &channels.OutgoingMessage{Body: res.Text, ReplyTo: msg.ID}
		if err := a.wa.Send(ctx, msg.ChatID, out); err != nil {
			a.logger.Error("sending reply failed", "to", msg.ChatID, "error", err)
		}
	}

	if res.MediaURL != "" {
		if err := a.sendWhatsAppMedia(ctx, msg.ChatID, res.MediaURL); err != nil {
			a.logger.Error("sending media failed", "to", msg.ChatID, "media", res.MediaURL, "error", err)
		}
	}
}

// sendWhatsAppMedia loads the media token (local path or URL) and sends it.
func (a *App) sendWhatsAppMedia(ctx context.Context, chatID, token string) error {
	data, mimeType, err := loadMedia(ctx, token)
	if err != nil {
		return err
	}
	return a.wa.SendMedia(ctx, chatID, &channels.MediaMessage{
		Data:     data,
		MimeType: mimeType,
		Filename: filepath.Base(token),
	})
}

// handleWebhookMessage is the gateway dispatch target: it runs the pipeline
// for one provider webhook and delivers the reply via the provider API.
func (a *App) handleWebhookMessage(ctx context.Context, msg reply.MessageContext) {
	if a.poll != nil {
		a.poll.MarkSeen(msg.MessageID)
	}
	if !a.senderAllowed(msg.From) {
		a.logger.Debug("sender not in allowlist, ignoring", "from", msg.From)
		return
	}

	res, err := a.builder.BuildReply(ctx, msg)
	if err != nil {
		a.logger.Error("reply generation failed", "from", msg.From, "error", err)
		return
	}

	if res.MediaURL != "" {
		mediaURL, err := a.publishMedia(res.MediaURL)
		if err != nil {
			a.logger.Warn("publishing media failed, sending text only", "error", err)
		} else {
			if _, err := a.prov.SendMedia(ctx, msg.From, res.Text, mediaURL); err != nil {
				a.logger.Error("sending media reply failed", "to", msg.From, "error", err)
			}
			return
		}
	}

	if res.Text == "" {
		return
	}
	if _, err := a.prov.SendText(ctx, msg.From, res.Text); err != nil {
		a.logger.Error("sending reply failed", "to", msg.From, "error", err)
	}
}

// publishMedia makes a media token fetchable by the provider. URLs pass
// through; local files are copied into the gateway's media dir and served
// from the public base URL.
func (a *App) publishMedia(token string) (string, error) {
	if strings.Contains(token, "://") {
		return token, nil
	}
	if a.cfg.Gateway.MediaDir == "" || a.cfg.Gateway.PublicBaseURL == "" {
		return "", fmt.Errorf("gateway media hosting not configured (media_dir, public_base_url)")
	}

	data, err := os.ReadFile(token)
	if err != nil {
		return "", fmt.Errorf("reading media file: %w", err)
	}
	if err := os.MkdirAll(a.cfg.Gateway.MediaDir, 0o755); err != nil {
		return "", fmt.Errorf("creating media directory: %w", err)
	}

	name := uuid.NewString() + filepath.Ext(token)
	if err := os.WriteFile(filepath.Join(a.cfg.Gateway.MediaDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("publishing media file: %w", err)
	}
	return a.gw.MediaURL(name), nil
}

// senderAllowed applies the allow_from list by comparing digit sequences,
// so "+49 170..." in config matches "49170...@s.whatsapp.net" senders.
func (a *App) senderAllowed(from string) bool {
	if len(a.cfg.AllowFrom) == 0 {
		return true
	}
	got := digitsOf(from)
	for _, allowed := range a.cfg.AllowFrom {
		if want := digitsOf(allowed); want != "" && want == got {
			return true
		}
	}
	return false
}

// digitsOf strips an address down to its digits, dropping any JID or
// provider prefix/suffix.
func digitsOf(s string) string {
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// loadMedia reads a media token into memory: local files directly, URLs via
// HTTP with a 32 MB cap.
func loadMedia(ctx context.Context, token string) ([]byte, string, error) {
	if !strings.Contains(token, "://") {
		data, err := os.ReadFile(token)
		if err != nil {
			return nil, "", fmt.Errorf("reading media file: %w", err)
		}
		return data, mimeFor(token, ""), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, token, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building media request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching media: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", fmt.Errorf("reading media response: %w", err)
	}
	return data, mimeFor(token, resp.Header.Get("Content-Type")), nil
}

// mimeFor picks a MIME type from the Content-Type header or the file
// extension, defaulting to a generic binary type.
func mimeFor(token, contentType string) string {
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(token)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
