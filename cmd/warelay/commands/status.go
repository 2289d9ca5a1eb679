package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/warelay/pkg/warelay/provider"
	"github.com/jholhewres/warelay/pkg/warelay/relay"
	"github.com/jholhewres/warelay/pkg/warelay/reply"
)

// newStatusCmd creates the `warelay status` command, a quick configuration
// and connectivity check.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and provider connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)

			fmt.Printf("config:    %s\n", path)
			fmt.Printf("transport: %s\n", cfg.Transport)
			fmt.Printf("mode:      %s\n", cfg.Reply.Mode)
			if err := cfg.Validate(); err != nil {
				fmt.Printf("validate:  FAILED: %v\n", err)
			} else {
				fmt.Println("validate:  ok")
			}

			store := reply.NewSessionStore(cfg.Reply.Session.Store, logger)
			fmt.Printf("sessions:  %d tracked\n", len(store.Load()))

			if cfg.Transport == relay.TransportWebhook {
				provider.ResolveCredentials(&cfg.Provider, logger)
				client := provider.New(cfg.Provider, logger)

				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if _, err := client.ListMessages(ctx, 1); err != nil {
					fmt.Printf("provider:  FAILED: %v\n", err)
				} else {
					fmt.Println("provider:  reachable")
				}
			}
			return nil
		},
	}
}
