// Package main is the panelsync CLI: a daemon that keeps one live push
// connection for the selected WhatsApp session and serves its notifications
// to local dashboards, plus one-shot commands against the webhook registry.
//
//	panelsync watch --config panelsync.yaml
//	panelsync webhook create --events MESSAGES_UPSERT
//	panelsync notifications list --limit 20
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JhonnM62/panelapinext-sub001/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configPath string
	logLevel   string
	userID     string
	sessionID  string
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "panelsync",
		Short:        "Real-time notification companion for the WhatsApp panel",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOrDefault("PANELSYNC_CONFIG", config.DefaultPath), "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().StringVar(&opts.userID, "user", "", "User id (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.sessionID, "session", "", "Session id (overrides config)")

	rootCmd.AddCommand(
		buildWatchCmd(opts),
		buildWebhookCmd(opts),
		buildNotificationsCmd(opts),
		buildSessionsCmd(opts),
		buildTokenCmd(opts),
	)
	return rootCmd
}

// loadConfig reads the file (optional unless --config was given), applies
// environment overrides, then flags.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	required := cmd.Flags().Changed("config")
	cfg, err := config.Load(o.configPath, required)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(o.userID) != "" {
		cfg.UserID = strings.TrimSpace(o.userID)
	}
	if strings.TrimSpace(o.sessionID) != "" {
		cfg.SessionID = strings.TrimSpace(o.sessionID)
	}
	if o.logLevel == "" {
		if level, err := parseLogLevel(cfg.LogLevel); err == nil {
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		}
	}
	return cfg, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level: %s", raw)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
