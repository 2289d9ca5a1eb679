// Package provider – keyring.go resolves provider credentials.
//
// Priority: OS keyring (Linux: Secret Service, macOS: Keychain, Windows:
// Credential Manager) → environment variables → config.yaml value.
package provider

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "warelay"

	keyringAccountSID = "account_sid"
	keyringAuthToken  = "auth_token"

	envAccountSID = "TWILIO_ACCOUNT_SID"
	envAuthToken  = "TWILIO_AUTH_TOKEN"
)

// StoreCredentials saves the account SID and auth token to the OS keyring.
func StoreCredentials(accountSID, authToken string) error {
	if err := keyring.Set(keyringService, keyringAccountSID, accountSID); err != nil {
		return fmt.Errorf("storing account SID: %w", err)
	}
	if err := keyring.Set(keyringService, keyringAuthToken, authToken); err != nil {
		return fmt.Errorf("storing auth token: %w", err)
	}
	return nil
}

// DeleteCredentials removes stored credentials from the OS keyring.
func DeleteCredentials() error {
	if err := keyring.Delete(keyringService, keyringAccountSID); err != nil && err != keyring.ErrNotFound {
		return err
	}
	if err := keyring.Delete(keyringService, keyringAuthToken); err != nil && err != keyring.ErrNotFound {
		return err
	}
	return nil
}

// KeyringAvailable checks whether the OS keyring is usable by doing a
// write+delete cycle with a throwaway key.
func KeyringAvailable() bool {
	const testKey = "__warelay_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// getKeyring retrieves one secret, empty if missing.
func getKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// ResolveCredentials fills cfg's AccountSID and AuthToken using the
// priority chain. Values already present in cfg are kept only when nothing
// more secure is available.
func ResolveCredentials(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if sid := getKeyring(keyringAccountSID); sid != "" {
		cfg.AccountSID = sid
		logger.Debug("account SID loaded from OS keyring")
	} else if sid := os.Getenv(envAccountSID); sid != "" {
		cfg.AccountSID = sid
		logger.Debug("account SID loaded from environment")
	}

	if token := getKeyring(keyringAuthToken); token != "" {
		cfg.AuthToken = token
		logger.Debug("auth token loaded from OS keyring")
	} else if token := os.Getenv(envAuthToken); token != "" {
		cfg.AuthToken = token
		logger.Debug("auth token loaded from environment")
	}

	if cfg.AuthToken == "" {
		logger.Warn("no provider auth token found; run `warelay auth` to store one")
	}
}

// ReadSecret prompts for a secret without echoing it. Falls back to an
// error when stdin is not a terminal.
func ReadSecret(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal; set %s/%s instead", envAccountSID, envAuthToken)
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return string(secret), nil
}
