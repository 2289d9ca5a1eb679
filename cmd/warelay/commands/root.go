// Package commands implements the warelay CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/warelay/pkg/warelay/relay"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warelay",
		Short: "warelay - auto-reply relay for WhatsApp chat",
		Long: `warelay bridges inbound chat messages to a reply-generating command
(typically the claude CLI) and relays the replies back, with per-sender
conversation sessions and media support.

Examples:
  warelay setup
  warelay serve
  warelay send --to +4917012345678 "hello from warelay"
  warelay sessions list`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSendCmd(),
		newAuthCmd(),
		newSessionsCmd(),
		newSetupCmd(),
		newStatusCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config named by --config or found in the standard
// locations.
func resolveConfig(cmd *cobra.Command) (*relay.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = relay.FindConfigFile()
	}
	if path == "" {
		return nil, "", fmt.Errorf("no config file found; run `warelay setup` or pass --config")
	}

	cfg, err := relay.LoadConfigFromFile(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newLogger builds the process logger from config and the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *relay.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
