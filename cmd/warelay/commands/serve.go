package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/warelay/pkg/warelay/relay"
)

// newServeCmd creates the `warelay serve` command that runs the relay.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon",
		Long: `Connect the configured transport and relay inbound messages through
the reply pipeline until interrupted.

Examples:
  warelay serve
  warelay serve --config ./warelay.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)
	logger.Info("starting warelay", "config", path, "transport", cfg.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := relay.New(cfg, logger)
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("warelay stopped")
	return nil
}
