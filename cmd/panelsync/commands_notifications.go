package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func buildNotificationsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Read the user's notification history from the registry",
	}
	cmd.AddCommand(buildNotificationsListCmd(root), buildNotificationsReadCmd(root))
	return cmd
}

func buildNotificationsListCmd(root *rootOptions) *cobra.Command {
	var (
		limit      int
		offset     int
		unreadOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, facade, err := root.facade(cmd)
			if err != nil {
				return err
			}
			items, err := facade.LoadNotifications(cmd.Context(), cfg.UserID, limit, offset)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEVENT\tSESSION\tTIMESTAMP\tREAD")
			shown := 0
			for _, n := range items {
				if unreadOnly && n.Read {
					continue
				}
				session := n.SessionID
				if session == "" {
					session = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", n.ID, n.EventType, session, n.Timestamp, n.Read)
				shown++
			}
			if shown == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No notifications found.")
				return nil
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Max number of notifications to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of notifications to skip")
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only show unread notifications")
	return cmd
}

func buildNotificationsReadCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <notification-id>...",
		Short: "Mark notifications as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, facade, err := root.facade(cmd)
			if err != nil {
				return err
			}
			var errs []error
			for _, id := range args {
				if err := facade.MarkAsRead(cmd.Context(), cfg.UserID, id); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marked %s\n", id)
			}
			return errors.Join(errs...)
		},
	}
}
