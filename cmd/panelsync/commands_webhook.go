package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JhonnM62/panelapinext-sub001/internal/config"
	"github.com/JhonnM62/panelapinext-sub001/internal/webhook"
)

func buildWebhookCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the webhook of the selected session",
	}
	cmd.AddCommand(
		buildWebhookCreateCmd(root),
		buildWebhookGetCmd(root),
		buildWebhookUpdateCmd(root),
		buildWebhookDeleteCmd(root),
		buildWebhookStatsCmd(root),
		buildWebhookTestCmd(root),
		buildWebhookCleanupCmd(root),
	)
	return cmd
}

func buildWebhookCreateCmd(root *rootOptions) *cobra.Command {
	var (
		events    []string
		clientURL string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a webhook for the selected session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, facade, err := root.facade(cmd)
			if err != nil {
				return err
			}
			sessionID := cfg.SessionID
			if sessionID == "" {
				sessionID = cfg.SessionName
			}
			created, err := facade.Create(cmd.Context(), webhook.CreateRequest{
				UserID:     cfg.UserID,
				SessionID:  sessionID,
				Events:     events,
				WebhookURL: clientURL,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		},
	}
	cmd.Flags().StringSliceVar(&events, "events", nil, "Event types to deliver (default ALL)")
	cmd.Flags().StringVar(&clientURL, "url", "", "Client URL the registry forwards events to")
	return cmd
}

func buildWebhookGetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the user's webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, facade, err := root.facade(cmd)
			if err != nil {
				return err
			}
			current, ok, err := facade.Load(cmd.Context(), cfg.UserID)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "No webhook configured.")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), current)
		},
	}
}

func buildWebhookUpdateCmd(root *rootOptions) *cobra.Command {
	var (
		events    []string
		clientURL string
		active    bool
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Edit the user's webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, facade, err := root.facade(cmd)
			if err != nil {
				return err
			}
			if _, ok, err := facade.Load(cmd.Context(), cfg.UserID); err != nil {
				return err
			} else if !ok {
				return webhook.ErrNoWebhook
			}
			req := webhook.UpdateRequest{}
			if cmd.Flags().Changed("events") {
				req.Events = events
			}
			if cmd.Flags().Changed("url") {
				req.WebhookURL = &clientURL
			}
			if cmd.Flags().Changed("active") {
				req.Active = &active
			}
			updated, err := facade.Update(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), updated)
		},
	}
	cmd.Flags().StringSliceVar(&events, "events", nil, "Replace the event types")
	cmd.Flags().StringVar(&clientURL, "url", "", "Replace the client URL")
	cmd.Flags().BoolVar(&active, "active", true, "Enable or disable delivery")
	return cmd
}

func buildWebhookDeleteCmd(root *rootOptions) *cobra.Command {
	var webhookID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a webhook (the user's active one by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, facade, err := root.facade(cmd)
			if err != nil {
				return err
			}
			if _, _, err := facade.Load(cmd.Context(), cfg.UserID); err != nil {
				return err
			}
			if err := facade.Delete(cmd.Context(), webhookID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Webhook deleted.")
			return nil
		},
	}
	cmd.Flags().StringVar(&webhookID, "id", "", "Webhook id")
	return cmd
}

func buildWebhookStatsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show notification counters for the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, facade, err := root.facade(cmd)
			if err != nil {
				return err
			}
			stats, ok, err := facade.LoadStats(cmd.Context(), cfg.UserID)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "No webhook configured.")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func buildWebhookTestCmd(root *rootOptions) *cobra.Command {
	var webhookID string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Ask the registry to deliver a test event",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, facade, err := root.facade(cmd)
			if err != nil {
				return err
			}
			if webhookID == "" {
				if _, _, err := facade.Load(cmd.Context(), cfg.UserID); err != nil {
					return err
				}
			}
			result, err := facade.Test(cmd.Context(), webhookID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&webhookID, "id", "", "Webhook id")
	return cmd
}

func buildWebhookCleanupCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete the user's webhooks whose session no longer exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, facade, err := root.facade(cmd)
			if err != nil {
				return err
			}
			deleted, err := facade.CleanupOrphans(cmd.Context(), cfg.UserID)
			for _, id := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			if err != nil {
				return err
			}
			if len(deleted) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No orphaned webhooks.")
			}
			return nil
		},
	}
}

// facade loads config and builds a registry facade for one-shot commands.
func (o *rootOptions) facade(cmd *cobra.Command) (config.Config, *webhook.Facade, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, err
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return config.Config{}, nil, fmt.Errorf("user is required (--user, user_id or PANELSYNC_USER_ID)")
	}
	return cfg, newFacade(cfg, nil, slog.Default()), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
