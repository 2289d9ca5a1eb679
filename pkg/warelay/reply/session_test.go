package reply

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg SessionConfig) (*SessionManager, *SessionStore) {
	t.Helper()
	if cfg.Scope == "" {
		cfg.Scope = ScopePerSender
	}
	if len(cfg.ResetTriggers) == 0 {
		cfg.ResetTriggers = []string{"/new"}
	}
	if cfg.IdleMinutes == 0 {
		cfg.IdleMinutes = 60
	}
	store := NewSessionStore(filepath.Join(t.TempDir(), "sessions.json"), nil)
	return NewSessionManager(cfg, store, nil), store
}

func TestSessionStore_MissingAndCorruptFiles(t *testing.T) {
	t.Parallel()

	t.Run("missing file is empty store", func(t *testing.T) {
		store := NewSessionStore(filepath.Join(t.TempDir(), "nope.json"), nil)
		if got := store.Load(); len(got) != 0 {
			t.Errorf("expected empty store, got %v", got)
		}
	})

	t.Run("corrupt file is empty store", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sessions.json")
		if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
			t.Fatal(err)
		}
		store := NewSessionStore(path, nil)
		if got := store.Load(); len(got) != 0 {
			t.Errorf("expected empty store, got %v", got)
		}
	})

	t.Run("save then load round-trips", func(t *testing.T) {
		store := NewSessionStore(filepath.Join(t.TempDir(), "s", "sessions.json"), nil)
		entry := SessionEntry{SessionID: "abc", UpdatedAt: 42, SystemSent: true}
		if err := store.Put("+491701234567", entry); err != nil {
			t.Fatal(err)
		}
		got := store.Load()
		if got["+491701234567"] != entry {
			t.Errorf("got %v, want %v", got["+491701234567"], entry)
		}
	})
}

func TestSessionManager_ResetThenResume(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, SessionConfig{
		SessionArgNew:    []string{"--session-id", "{{SessionId}}"},
		SessionArgResume: []string{"--resume", "{{SessionId}}"},
	})

	first, err := m.Resolve(MessageContext{From: "+4917012345678", Body: "/new hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsNew {
		t.Error("reset trigger should start a new session")
	}
	if first.StrippedBody != "hello" {
		t.Errorf("StrippedBody = %q, want %q", first.StrippedBody, "hello")
	}
	if len(first.Args) != 2 || first.Args[0] != "--session-id" || first.Args[1] != first.SessionID {
		t.Errorf("unexpected new-session args: %v", first.Args)
	}

	second, err := m.Resolve(MessageContext{From: "+4917012345678", Body: "and then?"})
	if err != nil {
		t.Fatal(err)
	}
	if second.IsNew {
		t.Error("followup within the idle window should resume")
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session id changed across turns: %q vs %q", second.SessionID, first.SessionID)
	}
	if len(second.Args) != 2 || second.Args[0] != "--resume" {
		t.Errorf("unexpected resume args: %v", second.Args)
	}
}

func TestSessionManager_Idempotence(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, SessionConfig{})
	msg := MessageContext{From: "+4917012345678", Body: "hi"}

	first, _ := m.Resolve(msg)
	for i := 0; i < 3; i++ {
		res, _ := m.Resolve(msg)
		if res.SessionID != first.SessionID {
			t.Fatalf("turn %d minted a new session id", i)
		}
	}
}

func TestSessionManager_IdleExpiry(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, SessionConfig{IdleMinutes: 60})
	msg := MessageContext{From: "+4917012345678", Body: "hi"}

	now := time.Now()
	m.now = func() time.Time { return now }

	first, _ := m.Resolve(msg)

	t.Run("within window reuses", func(t *testing.T) {
		m.now = func() time.Time { return now.Add(59 * time.Minute) }
		res, _ := m.Resolve(msg)
		if res.IsNew || res.SessionID != first.SessionID {
			t.Error("session should survive within the idle window")
		}
	})

	t.Run("past window expires", func(t *testing.T) {
		m.now = func() time.Time { return now.Add(121 * time.Minute) }
		res, _ := m.Resolve(msg)
		if !res.IsNew || res.SessionID == first.SessionID {
			t.Error("session should expire past the idle window")
		}
	})
}

func TestSessionManager_GlobalScope(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, SessionConfig{Scope: ScopeGlobal})

	a, _ := m.Resolve(MessageContext{From: "+4917012345678", Body: "hi"})
	b, _ := m.Resolve(MessageContext{From: "+14155550100", Body: "hello"})
	if a.Key != globalKey || b.Key != globalKey {
		t.Errorf("global scope keys: %q, %q", a.Key, b.Key)
	}
	if a.SessionID != b.SessionID {
		t.Error("global scope should share one session across senders")
	}

	// A reset from any sender resets for all.
	c, _ := m.Resolve(MessageContext{From: "+14155550100", Body: "/new start over"})
	if !c.IsNew || c.SessionID == a.SessionID {
		t.Error("reset from second sender should reset the shared session")
	}
}

func TestSessionManager_SendSystemOnce(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, SessionConfig{
		SendSystemOnce: true,
		SessionIntro:   []string{"You relay chat replies.", "Keep it short."},
	})
	msg := MessageContext{From: "+4917012345678", Body: "hi"}

	first, _ := m.Resolve(msg)
	if first.Intro != "You relay chat replies.\n\nKeep it short." {
		t.Errorf("first turn intro = %q", first.Intro)
	}
	if !first.ApplyBodyPrefix {
		t.Error("first turn should carry the body prefix")
	}

	second, _ := m.Resolve(msg)
	if second.Intro != "" {
		t.Errorf("second turn intro should be empty, got %q", second.Intro)
	}
	if second.ApplyBodyPrefix {
		t.Error("body prefix should be folded into the first turn only")
	}
}

func TestNormalizeE164(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"+4917012345678", "+4917012345678"},
		{"whatsapp:+4917012345678", "+4917012345678"},
		{"4917012345678@s.whatsapp.net", "+4917012345678"},
		{"+1 (415) 555-0100", "+14155550100"},
		{"garbage", "unknown"},
		{"", "unknown"},
		{"+123", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := normalizeE164(tt.in); got != tt.want {
				t.Errorf("normalizeE164(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
