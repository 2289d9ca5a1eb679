// Package provider implements a client for Twilio-compatible messaging REST
// APIs. It is the hosted-API alternative to the WhatsApp Web transport:
// inbound messages arrive via the webhook gateway and outbound replies are
// posted here.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultBaseURL is the Twilio API root. Self-hosted compatible gateways
// override it in config.
const defaultBaseURL = "https://api.twilio.com"

// Config holds provider settings. The auth token is resolved separately
// (keyring, then environment, then this struct) by ResolveCredentials.
type Config struct {
	// BaseURL is the API root, without trailing slash.
	BaseURL string `yaml:"base_url"`

	// AccountSID identifies the messaging account.
	AccountSID string `yaml:"account_sid"`

	// AuthToken is the API secret. Prefer the keyring or environment over
	// putting it here in plaintext.
	AuthToken string `yaml:"auth_token"`

	// From is the sender address for outbound messages, e.g.
	// "whatsapp:+14155238886".
	From string `yaml:"from"`

	// TimeoutSeconds bounds each API call (default 30).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Message is one message resource as returned by the API.
type Message struct {
	SID          string `json:"sid"`
	From         string `json:"from"`
	To           string `json:"to"`
	Body         string `json:"body"`
	Status       string `json:"status"`
	Direction    string `json:"direction"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	DateSent     string `json:"date_sent"`
	NumMedia     string `json:"num_media"`
}

// messagePage is the list-messages envelope.
type messagePage struct {
	Messages []Message `json:"messages"`
}

// apiError is the provider's error envelope.
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

// Client talks to one messaging account.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a provider client. cfg must carry resolved credentials.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("component", "provider"),
	}
}

// SendText sends a text message and returns the created resource.
func (c *Client) SendText(ctx context.Context, to, body string) (*Message, error) {
	form := url.Values{}
	form.Set("From", c.cfg.From)
	form.Set("To", to)
	form.Set("Body", body)
	return c.createMessage(ctx, form)
}

// SendMedia sends a message with a publicly reachable media URL. body may
// be empty for a bare attachment.
func (c *Client) SendMedia(ctx context.Context, to, body, mediaURL string) (*Message, error) {
	form := url.Values{}
	form.Set("From", c.cfg.From)
	form.Set("To", to)
	if body != "" {
		form.Set("Body", body)
	}
	form.Set("MediaUrl", mediaURL)
	return c.createMessage(ctx, form)
}

// GetMessage fetches one message resource by SID.
func (c *Client) GetMessage(ctx context.Context, sid string) (*Message, error) {
	var msg Message
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages/%s.json", c.cfg.AccountSID, sid)
	if err := c.do(ctx, http.MethodGet, path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns up to limit recent outbound messages sent from the
// configured sender address.
func (c *Client) ListMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{}
	q.Set("From", c.cfg.From)
	q.Set("PageSize", fmt.Sprint(limit))

	var page messagePage
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json?%s", c.cfg.AccountSID, q.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// ListInbound returns up to limit recent messages addressed to the
// configured sender address, newest first.
func (c *Client) ListInbound(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{}
	q.Set("To", c.cfg.From)
	q.Set("PageSize", fmt.Sprint(limit))

	var page messagePage
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json?%s", c.cfg.AccountSID, q.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}

	inbound := page.Messages[:0]
	for _, m := range page.Messages {
		if strings.HasPrefix(m.Direction, "inbound") {
			inbound = append(inbound, m)
		}
	}
	return inbound, nil
}

// createMessage posts the form and decodes the created resource.
func (c *Client) createMessage(ctx context.Context, form url.Values) (*Message, error) {
	var msg Message
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", c.cfg.AccountSID)
	if err := c.do(ctx, http.MethodPost, path, form, &msg); err != nil {
		return nil, err
	}
	c.logger.Debug("message created", "sid", msg.SID, "to", msg.To, "status", msg.Status)
	return &msg, nil
}

// do performs one authenticated API call and decodes the JSON response
// into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return fmt.Errorf("provider credentials not configured; run `warelay auth`")
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling provider API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("provider API error %d (code %d): %s",
				resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("provider API error %d: %s", resp.StatusCode, firstBytes(data, 200))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func firstBytes(data []byte, n int) string {
	if len(data) > n {
		data = data[:n]
	}
	return strings.TrimSpace(string(data))
}
