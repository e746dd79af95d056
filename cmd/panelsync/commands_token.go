package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JhonnM62/panelapinext-sub001/internal/httpapi"
)

func buildTokenCmd(root *rootOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			secret := cfg.APIJWTSecret
			if secret == "" {
				secret = "dev-secret"
			}
			token, err := httpapi.IssueToken(secret, subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "dashboard", "Token subject (rate limits are per subject)")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{
		httpapi.ScopeNotificationsRead,
		httpapi.ScopeNotificationsWrite,
		httpapi.ScopeWebhookWrite,
	}, "Granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	return cmd
}
