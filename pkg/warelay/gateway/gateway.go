// Package gateway runs the inbound webhook HTTP server for provider-based
// transports. The provider POSTs each inbound message here; the gateway
// converts it to the pipeline's message form, acknowledges immediately, and
// hands the message off for asynchronous reply generation. It also hosts
// generated media files so the provider can fetch them.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/warelay/pkg/warelay/reply"
)

// MessageHandler processes one inbound message. It is invoked on its own
// goroutine; delivery of the reply is the handler's responsibility.
type MessageHandler func(ctx context.Context, msg reply.MessageContext)

// Config holds gateway settings.
type Config struct {
	// Address is the listen address (default ":8085").
	Address string `yaml:"address"`

	// AuthToken validates X-Twilio-Signature on inbound webhooks. Empty
	// disables validation (local testing only).
	AuthToken string `yaml:"auth_token"`

	// PublicBaseURL is the externally reachable URL of this gateway, used
	// to build media links (e.g. "https://relay.example.com").
	PublicBaseURL string `yaml:"public_base_url"`

	// MediaDir is the directory served under /media/.
	MediaDir string `yaml:"media_dir"`
}

// Gateway is the webhook HTTP server.
type Gateway struct {
	cfg       Config
	handler   MessageHandler
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway that dispatches inbound messages to handler.
func New(cfg Config, handler MessageHandler, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8085"
	}
	return &Gateway{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "gateway"),
	}
}

// Start begins serving. It returns once the listener goroutine is running.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/webhook", g.handleWebhook)
	if g.cfg.MediaDir != "" {
		mux.Handle("/media/", http.StripPrefix("/media/",
			http.FileServer(http.Dir(g.cfg.MediaDir))))
	}

	g.server = &http.Server{
		Addr:    g.cfg.Address,
		Handler: g.securityHeadersMiddleware(mux),
	}

	if g.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		if (ip == nil || !ip.IsLoopback()) && host != "localhost" {
			g.logger.Warn("SECURITY: webhook signature validation disabled on a non-loopback address",
				"address", g.cfg.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.cfg.Address)
	return nil
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// MediaURL builds the public URL for a file hosted from MediaDir.
func (g *Gateway) MediaURL(filename string) string {
	base := strings.TrimRight(g.cfg.PublicBaseURL, "/")
	return base + "/media/" + url.PathEscape(filename)
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d}`, int(time.Since(g.startedAt).Seconds()))
}

// handleWebhook accepts one provider webhook, acknowledges it, and
// dispatches the message to the pipeline asynchronously. Reply generation
// can take minutes, far beyond the provider's webhook timeout, so the
// response never waits for it.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	if g.cfg.AuthToken != "" && !g.validSignature(r) {
		g.logger.Warn("webhook with invalid signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	msg := reply.MessageContext{
		Body:      r.PostForm.Get("Body"),
		From:      r.PostForm.Get("From"),
		To:        r.PostForm.Get("To"),
		MessageID: r.PostForm.Get("MessageSid"),
		MediaURL:  r.PostForm.Get("MediaUrl0"),
		MediaType: r.PostForm.Get("MediaContentType0"),
	}
	if msg.From == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}

	g.logger.Info("webhook received", "from", msg.From, "message_id", msg.MessageID,
		"has_media", msg.MediaURL != "")

	go g.handler(context.Background(), msg)

	w.WriteHeader(http.StatusNoContent)
}

// validSignature checks the X-Twilio-Signature header: HMAC-SHA1 over the
// request URL concatenated with the sorted POST parameters, keyed by the
// auth token, base64-encoded.
func (g *Gateway) validSignature(r *http.Request) bool {
	provided := r.Header.Get("X-Twilio-Signature")
	if provided == "" {
		return false
	}

	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	payload := scheme + "://" + r.Host + r.URL.RequestURI()

	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		payload += k + r.PostForm.Get(k)
	}

	mac := hmac.New(sha1.New, []byte(g.cfg.AuthToken))
	mac.Write([]byte(payload))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
