package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/warelay/pkg/warelay/reply"
)

// newSessionsCmd creates the `warelay sessions` command group for
// inspecting and resetting the conversation session store.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset conversation sessions",
		Long: `Work with the JSON session store that maps senders to assistant
sessions.

Examples:
  warelay sessions list
  warelay sessions clear +4917012345678
  warelay sessions clear --all`,
	}

	cmd.AddCommand(newSessionsListCmd(), newSessionsClearCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			store := reply.NewSessionStore(cfg.Reply.Session.Store, newLogger(cmd, cfg))
			entries := store.Load()
			if len(entries) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			keys := make([]string, 0, len(entries))
			for k := range entries {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SENDER\tSESSION\tLAST ACTIVITY\tINTRO SENT")
			for _, k := range keys {
				e := entries[k]
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n",
					k, e.SessionID,
					time.UnixMilli(e.UpdatedAt).Format(time.RFC3339),
					e.SystemSent)
			}
			return w.Flush()
		},
	}
}

func newSessionsClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear [sender]",
		Short: "Remove one session or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			all, _ := cmd.Flags().GetBool("all")
			if !all && len(args) == 0 {
				return fmt.Errorf("pass a sender key or --all")
			}

			store := reply.NewSessionStore(cfg.Reply.Session.Store, newLogger(cmd, cfg))
			entries := store.Load()

			if all {
				count := len(entries)
				if err := store.Save(map[string]reply.SessionEntry{}); err != nil {
					return err
				}
				fmt.Printf("cleared %d session(s)\n", count)
				return nil
			}

			key := args[0]
			if _, ok := entries[key]; !ok {
				return fmt.Errorf("no session for %q", key)
			}
			delete(entries, key)
			if err := store.Save(entries); err != nil {
				return err
			}
			fmt.Printf("cleared session for %s\n", key)
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "clear every session")
	return cmd
}
