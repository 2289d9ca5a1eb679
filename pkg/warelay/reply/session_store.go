package reply

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// SessionEntry is one row in the session store.
type SessionEntry struct {
	// SessionID is the opaque id carried to the external command.
	SessionID string `json:"sessionId"`

	// UpdatedAt is the last-activity time in unix milliseconds.
	UpdatedAt int64 `json:"updatedAt"`

	// SystemSent records whether the session intro was already delivered.
	SystemSent bool `json:"systemSent,omitempty"`
}

// SessionStore persists the conversation-key → entry mapping as a single
// JSON file, rewritten wholesale on every save. Idle entries are superseded
// in place, never removed. The command queue serializes all writers, so no
// file locking is needed while the process is single-instance.
type SessionStore struct {
	path   string
	logger *slog.Logger
}

// NewSessionStore creates a store backed by the given file path.
func NewSessionStore(path string, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		path:   path,
		logger: logger.With("component", "sessions"),
	}
}

// Path returns the backing file path.
func (s *SessionStore) Path() string { return s.path }

// Load reads the full mapping. A missing or corrupt file is an empty
// store, not an error.
func (s *SessionStore) Load() map[string]SessionEntry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("session store unreadable, starting empty",
				"path", s.path, "error", err)
		}
		return map[string]SessionEntry{}
	}

	var entries map[string]SessionEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("session store corrupt, starting empty",
			"path", s.path, "error", err)
		return map[string]SessionEntry{}
	}
	if entries == nil {
		entries = map[string]SessionEntry{}
	}
	return entries
}

// Save rewrites the full mapping to disk.
func (s *SessionStore) Save(entries map[string]SessionEntry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating session store directory: %w", err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling sessions: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing session store: %w", err)
	}
	return nil
}

// Put loads, updates one key, and saves. Load+save per call keeps the store
// correct across process restarts without an in-memory cache.
func (s *SessionStore) Put(key string, entry SessionEntry) error {
	entries := s.Load()
	entries[key] = entry
	return s.Save(entries)
}
