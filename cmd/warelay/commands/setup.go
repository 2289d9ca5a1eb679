package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/warelay/pkg/warelay/relay"
	"github.com/jholhewres/warelay/pkg/warelay/reply"
)

// newSetupCmd creates the `warelay setup` interactive wizard that writes a
// starter config file.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive configuration wizard",
		RunE:  runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := relay.DefaultConfig()

	var (
		transport   = string(relay.TransportWhatsApp)
		mode        = string(reply.ModeCommand)
		commandLine = "claude {{Body}}"
		textReply   = "Thanks, I will get back to you."
		allowFrom   string
		accountSID  string
		fromAddr    string
		save        = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Transport").
				Description("How do messages reach warelay?").
				Options(
					huh.NewOption("WhatsApp Web (QR login)", string(relay.TransportWhatsApp)),
					huh.NewOption("Provider webhook (Twilio-compatible)", string(relay.TransportWebhook)),
				).
				Value(&transport),
			huh.NewSelect[string]().
				Title("Reply mode").
				Options(
					huh.NewOption("Run a command (e.g. the claude CLI)", string(reply.ModeCommand)),
					huh.NewOption("Static text template", string(reply.ModeText)),
				).
				Value(&mode),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Reply command").
				Description("Argv with {{Body}} for the message text").
				Value(&commandLine),
		).WithHideFunc(func() bool { return mode != string(reply.ModeCommand) }),
		huh.NewGroup(
			huh.NewInput().
				Title("Reply text").
				Description("Template with {{From}}, {{Body}} placeholders").
				Value(&textReply),
		).WithHideFunc(func() bool { return mode != string(reply.ModeText) }),
		huh.NewGroup(
			huh.NewInput().
				Title("Account SID").
				Value(&accountSID),
			huh.NewInput().
				Title("Sender address").
				Description(`e.g. "whatsapp:+14155238886"`).
				Value(&fromAddr),
		).WithHideFunc(func() bool { return transport != string(relay.TransportWebhook) }),
		huh.NewGroup(
			huh.NewInput().
				Title("Allowed senders").
				Description("Comma-separated phone numbers; empty replies to everyone").
				Value(&allowFrom),
			huh.NewConfirm().
				Title("Save configuration?").
				Value(&save),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}
	if !save {
		fmt.Println("aborted, nothing written")
		return nil
	}

	cfg.Transport = relay.Transport(transport)
	cfg.Reply.Mode = reply.Mode(mode)
	switch cfg.Reply.Mode {
	case reply.ModeCommand:
		cfg.Reply.Command = strings.Fields(commandLine)
	case reply.ModeText:
		cfg.Reply.Text = textReply
	}
	for _, entry := range strings.Split(allowFrom, ",") {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			cfg.AllowFrom = append(cfg.AllowFrom, trimmed)
		}
	}
	cfg.Provider.AccountSID = accountSID
	cfg.Provider.From = fromAddr
	cfg.Reply.Normalize()

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, ".warelay", "config.yaml")
	}

	if err := relay.SaveConfigToFile(cfg, path); err != nil {
		return err
	}

	fmt.Printf("configuration written to %s\n", path)
	if cfg.Transport == relay.TransportWebhook {
		fmt.Println("store credentials with `warelay auth set`, then run `warelay serve`")
	} else {
		fmt.Println("run `warelay serve` and scan the QR code to link WhatsApp")
	}
	return nil
}
