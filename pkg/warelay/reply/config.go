// Package reply implements the auto-reply pipeline: it takes one inbound
// message, resolves its conversation session, renders the configured reply
// template or command, serializes command execution through a global queue,
// enforces timeouts, and extracts media tokens from command output.
package reply

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Mode selects how replies are produced.
type Mode string

const (
	// ModeText renders a static template without running anything.
	ModeText Mode = "text"

	// ModeCommand runs an external command and relays its output.
	ModeCommand Mode = "command"
)

// OutputFormat is the expected stdout format of the assistant CLI.
type OutputFormat string

const (
	OutputText       OutputFormat = "text"
	OutputJSON       OutputFormat = "json"
	OutputStreamJSON OutputFormat = "stream-json"
)

// DefaultTimeout is the command execution timeout when none is configured.
const DefaultTimeout = 600 * time.Second

// Config is the user-authored reply policy. Loaded once per process and
// read-only during a run. Exactly one of Text/Command is populated,
// matching Mode.
type Config struct {
	// Mode is "text" or "command".
	Mode Mode `yaml:"mode"`

	// Text is the reply template for mode=text.
	Text string `yaml:"text,omitempty"`

	// Command is the argv template for mode=command.
	Command []string `yaml:"command,omitempty"`

	// CWD is the working directory for the command.
	CWD string `yaml:"cwd,omitempty"`

	// TimeoutSeconds bounds command execution (default 600).
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// BodyPrefix is prepended to the message body before rendering.
	BodyPrefix string `yaml:"body_prefix,omitempty"`

	// Template is a prefix argument (command mode) or prefix text (text
	// mode) inserted before the rendered body.
	Template string `yaml:"template,omitempty"`

	// ClaudeOutputFormat selects --output-format for the claude CLI:
	// "text", "json", or "stream-json". Empty means "text" when the
	// command is claude.
	ClaudeOutputFormat OutputFormat `yaml:"claude_output_format,omitempty"`

	// MediaMaxMB caps the size of media referenced by MEDIA tokens.
	MediaMaxMB int `yaml:"media_max_mb,omitempty"`

	// Session configures multi-turn conversation tracking.
	Session SessionConfig `yaml:"session,omitempty"`
}

// SessionScope selects the conversation bucket granularity.
type SessionScope string

const (
	// ScopePerSender tracks one session per normalized sender number.
	ScopePerSender SessionScope = "per-sender"

	// ScopeGlobal shares a single session across every sender.
	ScopeGlobal SessionScope = "global"
)

// SessionConfig configures session lifecycle and the argv fragments that
// carry the session id into the external command.
type SessionConfig struct {
	// Scope is "per-sender" (default) or "global".
	Scope SessionScope `yaml:"scope,omitempty"`

	// ResetTriggers are leading body substrings that force a new session.
	ResetTriggers []string `yaml:"reset_triggers,omitempty"`

	// IdleMinutes expires a session after this much inactivity.
	IdleMinutes int `yaml:"idle_minutes,omitempty"`

	// Store is the path of the JSON session file.
	Store string `yaml:"store,omitempty"`

	// SessionArgNew is the argv fragment inserted when a session starts.
	SessionArgNew []string `yaml:"session_arg_new,omitempty"`

	// SessionArgResume is the argv fragment inserted when a session resumes.
	SessionArgResume []string `yaml:"session_arg_resume,omitempty"`

	// SessionArgBeforeBody inserts the fragment before the rendered body
	// instead of after it.
	SessionArgBeforeBody bool `yaml:"session_arg_before_body,omitempty"`

	// SendSystemOnce sends SessionIntro only on a session's first turn.
	SendSystemOnce bool `yaml:"send_system_once,omitempty"`

	// SessionIntro lines are blank-line-joined and prepended to the first
	// turn's body when SendSystemOnce is set.
	SessionIntro []string `yaml:"session_intro,omitempty"`
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Scope:         ScopePerSender,
		ResetTriggers: []string{"/new"},
		IdleMinutes:   60,
		Store:         "~/.warelay/sessions.json",
	}
}

// Normalize fills defaults and expands the store path. Called once at load
// time; the pipeline never re-validates.
func (c *Config) Normalize() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = int(DefaultTimeout.Seconds())
	}
	defaults := DefaultSessionConfig()
	if c.Session.Scope == "" {
		c.Session.Scope = defaults.Scope
	}
	if len(c.Session.ResetTriggers) == 0 {
		c.Session.ResetTriggers = defaults.ResetTriggers
	}
	if c.Session.IdleMinutes <= 0 {
		c.Session.IdleMinutes = defaults.IdleMinutes
	}
	if c.Session.Store == "" {
		c.Session.Store = defaults.Store
	}
	c.Session.Store = expandHome(c.Session.Store)
}

// Validate checks that the mode and its required field agree.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeText:
		if c.Text == "" {
			return fmt.Errorf("reply mode is %q but no text template is configured", ModeText)
		}
		if len(c.Command) > 0 {
			return fmt.Errorf("reply mode is %q but a command is also configured", ModeText)
		}
	case ModeCommand:
		if len(c.Command) == 0 {
			return fmt.Errorf("reply mode is %q but no command is configured", ModeCommand)
		}
		if c.Text != "" {
			return fmt.Errorf("reply mode is %q but a text template is also configured", ModeCommand)
		}
	default:
		return fmt.Errorf("unknown reply mode %q", c.Mode)
	}
	return nil
}

// Timeout returns the command timeout as a duration.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// MessageContext is one inbound message, immutable for the duration of a
// reply computation. Body is never unset; absence is the empty string.
type MessageContext struct {
	Body      string
	From      string
	To        string
	MediaPath string
	MediaURL  string
	MediaType string
	MessageID string
}

// Result is the outcome of the pipeline. Text is always present (possibly
// a fallback message); MediaURL is an absolute URL or local path when the
// command emitted a media token.
type Result struct {
	Text     string
	MediaURL string
}
