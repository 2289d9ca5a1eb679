package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/warelay/pkg/warelay/provider"
)

// newAuthCmd creates the `warelay auth` command group for managing provider
// credentials in the OS keyring.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials",
		Long: `Store the messaging provider's account SID and auth token in the OS
keyring so they never live in config files.

Examples:
  warelay auth set
  warelay auth clear`,
	}

	cmd.AddCommand(newAuthSetCmd(), newAuthClearCmd())
	return cmd
}

func newAuthSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set",
		Short: "Store credentials in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !provider.KeyringAvailable() {
				return fmt.Errorf("OS keyring not available; set TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN instead")
			}

			sid, err := provider.ReadSecret("Account SID: ")
			if err != nil {
				return err
			}
			token, err := provider.ReadSecret("Auth token: ")
			if err != nil {
				return err
			}
			if sid == "" || token == "" {
				return fmt.Errorf("both account SID and auth token are required")
			}

			if err := provider.StoreCredentials(sid, token); err != nil {
				return err
			}
			fmt.Println("credentials stored in the OS keyring")
			return nil
		},
	}
}

func newAuthClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove stored credentials from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := provider.DeleteCredentials(); err != nil {
				return err
			}
			fmt.Println("credentials removed")
			return nil
		},
	}
}
