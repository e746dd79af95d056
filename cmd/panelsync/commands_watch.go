package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JhonnM62/panelapinext-sub001/internal/config"
)

func buildWatchCmd(root *rootOptions) *cobra.Command {
	var (
		listenAddr string
		noWatch    bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the push channel for the selected session and serve the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cfg, root.configPath, !noWatch)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Local API listen address (overrides config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the config file for session changes")
	return cmd
}

func runWatch(ctx context.Context, cfg config.Config, configPath string, watchConfig bool) error {
	logger := slog.Default()
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing storage failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.coordinator.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("panelsync api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if watchConfig {
		if _, statErr := os.Stat(configPath); statErr == nil {
			watcher := config.NewWatcher(configPath, cfg, config.WatcherOptions{
				Logger: logger,
				OnSelection: func(next config.Config) {
					a.coordinator.Select(selectionFromConfig(next))
				},
			})
			g.Go(func() error {
				return watcher.Run(gctx)
			})
		}
	}

	if sel := selectionFromConfig(cfg); !sel.Empty() {
		a.coordinator.Select(sel)
	} else {
		logger.Info("no session selected; waiting for config change")
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("panelsync stopped")
	return err
}
