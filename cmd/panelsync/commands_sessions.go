package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func buildSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect gateway sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(root), buildSessionsStatusCmd(root))
	return cmd
}

func buildSessionsListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the gateway's live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			sessions, err := newRegistryClient(cfg, nil).ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBOT\tSTATUS")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, dash(s.Name), dash(s.BotName), dash(s.Status))
			}
			return w.Flush()
		},
	}
}

func buildSessionsStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show a session's gateway status (the selected one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			sessionID := cfg.SessionID
			if len(args) == 1 {
				sessionID = args[0]
			}
			if sessionID == "" {
				return fmt.Errorf("session is required (argument, --session or session_id)")
			}
			status, err := newRegistryClient(cfg, nil).SessionStatus(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
