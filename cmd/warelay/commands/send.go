package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/warelay/pkg/warelay/channels"
	"github.com/jholhewres/warelay/pkg/warelay/channels/whatsapp"
	"github.com/jholhewres/warelay/pkg/warelay/provider"
	"github.com/jholhewres/warelay/pkg/warelay/relay"
)

// newSendCmd creates the `warelay send` command for one-off outbound
// messages, useful for testing the transport without a running daemon.
func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a one-off message",
		Long: `Send a message through the configured transport.

Examples:
  warelay send --to +4917012345678 "hello from warelay"
  warelay send --to +4917012345678 --media ./chart.png "here is the chart"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSend,
	}

	cmd.Flags().String("to", "", "recipient phone number (required)")
	cmd.Flags().String("media", "", "path or URL of a media attachment")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	to, _ := cmd.Flags().GetString("to")
	media, _ := cmd.Flags().GetString("media")
	body := strings.Join(args, " ")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch cfg.Transport {
	case relay.TransportWebhook:
		provider.ResolveCredentials(&cfg.Provider, logger)
		client := provider.New(cfg.Provider, logger)

		var msg *provider.Message
		if media != "" {
			if !strings.Contains(media, "://") {
				return fmt.Errorf("the webhook transport needs a public media URL, not a local path")
			}
			msg, err = client.SendMedia(ctx, to, body, media)
		} else {
			msg, err = client.SendText(ctx, to, body)
		}
		if err != nil {
			return err
		}
		fmt.Printf("sent %s (status %s)\n", msg.SID, msg.Status)
		return nil

	case relay.TransportWhatsApp:
		wa := whatsapp.New(cfg.WhatsApp, logger)
		if err := wa.Connect(ctx); err != nil {
			return err
		}
		defer wa.Disconnect()

		if body != "" {
			if err := wa.Send(ctx, to, &channels.OutgoingMessage{Body: body}); err != nil {
				return err
			}
		}
		if media != "" {
			data, err := os.ReadFile(media)
			if err != nil {
				return fmt.Errorf("reading media: %w", err)
			}
			err = wa.SendMedia(ctx, to, &channels.MediaMessage{
				Data:     data,
				Filename: filepath.Base(media),
			})
			if err != nil {
				return err
			}
		}
		fmt.Println("sent")
		return nil

	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
