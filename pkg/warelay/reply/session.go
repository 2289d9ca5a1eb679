package reply

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// globalKey is the conversation key used when scope=global: every sender
// shares one session, and a reset from any sender resets it for all.
const globalKey = "global"

// unknownKey is the fallback conversation key for unparseable senders.
const unknownKey = "unknown"

// SessionResolution is the outcome of resolving a turn against the store.
type SessionResolution struct {
	// Key is the conversation key the session is tracked under.
	Key string

	// SessionID is the opaque session id for this turn.
	SessionID string

	// IsNew is true when this turn starts a fresh session (reset trigger
	// or idle expiry).
	IsNew bool

	// StrippedBody is the body with a matched reset trigger and its
	// leading whitespace removed.
	StrippedBody string

	// Intro is the blank-line-joined session intro to prepend to the
	// first turn's prompt; empty on later turns.
	Intro string

	// ApplyBodyPrefix reports whether the configured body prefix applies
	// to this turn. With send_system_once it is folded into the first
	// turn only.
	ApplyBodyPrefix bool

	// Args is the rendered session argv fragment (new or resume).
	Args []string

	// ArgsBeforeBody places Args before the rendered body in the argv.
	ArgsBeforeBody bool
}

// SessionManager derives conversation keys, decides reset/reuse/expiry, and
// produces the session argv fragments for the reply builder. Only
// command-mode turns go through it; text-mode replies never touch sessions.
type SessionManager struct {
	cfg    SessionConfig
	store  *SessionStore
	logger *slog.Logger

	// now and newID are injection points for tests.
	now   func() time.Time
	newID func() string
}

// NewSessionManager creates a manager over the given store.
func NewSessionManager(cfg SessionConfig, store *SessionStore, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "session"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Resolve computes the session state for one inbound message and persists
// the updated entry before returning. Reset triggers are checked before
// idle expiry.
func (m *SessionManager) Resolve(msg MessageContext) (SessionResolution, error) {
	res := SessionResolution{
		Key:             m.conversationKey(msg.From),
		StrippedBody:    msg.Body,
		ApplyBodyPrefix: true,
		ArgsBeforeBody:  m.cfg.SessionArgBeforeBody,
	}

	entries := m.store.Load()
	entry, exists := entries[res.Key]
	now := m.now()

	if stripped, matched := m.stripResetTrigger(msg.Body); matched {
		res.IsNew = true
		res.StrippedBody = stripped
	} else if !exists || m.idleExpired(entry, now) {
		res.IsNew = true
	}

	if res.IsNew {
		entry = SessionEntry{SessionID: m.newID()}
		m.logger.Debug("new session", "key", res.Key, "session_id", entry.SessionID)
	}
	res.SessionID = entry.SessionID

	firstTurn := !entry.SystemSent
	if m.cfg.SendSystemOnce {
		if firstTurn {
			res.Intro = strings.Join(m.cfg.SessionIntro, "\n\n")
			entry.SystemSent = true
		} else {
			res.ApplyBodyPrefix = false
		}
	}

	fragment := m.cfg.SessionArgResume
	if res.IsNew {
		fragment = m.cfg.SessionArgNew
	}
	res.Args = RenderArgv(fragment, map[string]string{KeySessionID: res.SessionID})

	entry.UpdatedAt = now.UnixMilli()
	if err := m.store.Put(res.Key, entry); err != nil {
		return res, err
	}
	return res, nil
}

// conversationKey buckets a sender: the global constant under scope=global,
// otherwise the normalized E.164 form of the address.
func (m *SessionManager) conversationKey(from string) string {
	if m.cfg.Scope == ScopeGlobal {
		return globalKey
	}
	return normalizeE164(from)
}

// stripResetTrigger reports whether the trimmed body starts with a reset
// trigger and returns the body with the trigger and following whitespace
// removed.
func (m *SessionManager) stripResetTrigger(body string) (string, bool) {
	trimmed := strings.TrimSpace(body)
	for _, trigger := range m.cfg.ResetTriggers {
		if trigger == "" {
			continue
		}
		if strings.HasPrefix(trimmed, trigger) {
			return strings.TrimLeft(trimmed[len(trigger):], " \t\r\n"), true
		}
	}
	return body, false
}

// idleExpired reports whether the entry is older than the idle window.
func (m *SessionManager) idleExpired(entry SessionEntry, now time.Time) bool {
	idle := time.Duration(m.cfg.IdleMinutes) * time.Minute
	return now.UnixMilli()-entry.UpdatedAt > idle.Milliseconds()
}

// normalizeE164 reduces a provider-formatted address ("whatsapp:+49170...",
// "4917012345678@s.whatsapp.net", "+49 170 1234-5678") to +digits. Returns
// the "unknown" fallback when no plausible number remains.
func normalizeE164(from string) string {
	s := strings.TrimSpace(from)
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[:i]
	}

	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	n := digits.Len()
	if n < 7 || n > 15 {
		return unknownKey
	}
	return "+" + digits.String()
}
