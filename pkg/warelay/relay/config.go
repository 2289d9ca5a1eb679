// Package relay wires the warelay pipeline together: a transport (WhatsApp
// Web or provider webhook) feeding the reply builder, with replies delivered
// back out the same way.
package relay

import (
	"fmt"

	"github.com/jholhewres/warelay/pkg/warelay/channels/whatsapp"
	"github.com/jholhewres/warelay/pkg/warelay/gateway"
	"github.com/jholhewres/warelay/pkg/warelay/poller"
	"github.com/jholhewres/warelay/pkg/warelay/provider"
	"github.com/jholhewres/warelay/pkg/warelay/reply"
)

// Transport selects how messages reach the relay.
type Transport string

const (
	// TransportWhatsApp connects directly via WhatsApp Web (whatsmeow).
	TransportWhatsApp Transport = "whatsapp"

	// TransportWebhook receives provider webhooks and replies through the
	// provider REST API.
	TransportWebhook Transport = "webhook"
)

// Config is the top-level application configuration.
type Config struct {
	// Transport selects the inbound/outbound path (default "whatsapp").
	Transport Transport `yaml:"transport"`

	// AllowFrom restricts which senders get replies. Entries are phone
	// numbers in any common format; empty means reply to everyone.
	AllowFrom []string `yaml:"allow_from"`

	// Typing shows a typing indicator while a reply is generated
	// (WhatsApp transport only).
	Typing bool `yaml:"typing"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	Reply      reply.Config           `yaml:"reply"`
	Transcribe reply.TranscribeConfig `yaml:"transcribe"`
	WhatsApp   whatsapp.Config        `yaml:"whatsapp"`
	Provider   provider.Config        `yaml:"provider"`
	Gateway    gateway.Config         `yaml:"gateway"`
	Poller     poller.Config          `yaml:"poller"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportWhatsApp,
		Typing:    true,
		LogLevel:  "info",
		LogFormat: "text",
		Reply: reply.Config{
			Session: reply.DefaultSessionConfig(),
		},
		WhatsApp: whatsapp.DefaultConfig(),
		Poller:   poller.DefaultConfig(),
	}
}

// Validate checks cross-field consistency after normalization.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportWhatsApp, TransportWebhook:
	default:
		return fmt.Errorf("unknown transport %q (want whatsapp or webhook)", c.Transport)
	}

	if err := c.Reply.Validate(); err != nil {
		return fmt.Errorf("reply: %w", err)
	}

	if c.Transport == TransportWebhook {
		if c.Provider.AccountSID == "" {
			return fmt.Errorf("webhook transport requires provider.account_sid")
		}
		if c.Provider.From == "" {
			return fmt.Errorf("webhook transport requires provider.from")
		}
	}
	return nil
}
