package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/JhonnM62/panelapinext-sub001/internal/config"
	"github.com/JhonnM62/panelapinext-sub001/internal/httpapi"
	"github.com/JhonnM62/panelapinext-sub001/internal/livesync"
	"github.com/JhonnM62/panelapinext-sub001/internal/metrics"
	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
	"github.com/JhonnM62/panelapinext-sub001/internal/realtime"
	"github.com/JhonnM62/panelapinext-sub001/internal/webhook"
)

const registryTimeout = 15 * time.Second

// app is everything the watch daemon runs, built once from config.
type app struct {
	cfg         config.Config
	metrics     *metrics.Metrics
	state       notifications.StateBackend
	receipts    notifications.ReceiptQueue
	store       *notifications.Store
	coordinator *livesync.Coordinator
	server      *httpapi.Server
}

func newRegistryClient(cfg config.Config, m *metrics.Metrics) *webhook.HTTPClient {
	return webhook.NewHTTPClient(cfg.GatewayURL, cfg.Token, &http.Client{Timeout: registryTimeout}).WithMetrics(m)
}

func newFacade(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *webhook.Facade {
	return webhook.NewFacade(webhook.FacadeOptions{
		Registry: newRegistryClient(cfg, m),
		Logger:   logger,
	})
}

func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	m := metrics.New()

	state, receipts, err := buildStorageBackends(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage backends: %w", err)
	}

	store := notifications.NewStoreWithOptions(notifications.StoreOptions{
		ListCapacity:  cfg.ListCapacity,
		DedupWindow:   cfg.DedupWindow,
		DedupCapacity: cfg.DedupCapacity,
		Backend:       state,
		Logger:        logger,
		Metrics:       m,
		OnAlert: func(n notifications.Notification) {
			logger.Info("new inbound message", "notification_id", n.ID, "session_id", n.SessionID)
		},
	})

	var header http.Header
	if cfg.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
	}
	manager := realtime.NewManager(realtime.ManagerOptions{
		Dialer:         realtime.WebSocketDialer{Header: header},
		ConnectTimeout: cfg.ConnectTimeout,
		AuthDelay:      cfg.AuthDelay,
		SettleDelay:    cfg.SettleDelay,
		Logger:         logger,
		Metrics:        m,
	})
	router := realtime.NewRouter(realtime.RouterOptions{
		Sink:    store,
		Logger:  logger,
		Metrics: m,
	})

	coordinator, err := livesync.New(livesync.Options{
		Manager:           manager,
		Router:            router,
		Facade:            newFacade(cfg, m, logger),
		Store:             store,
		Receipts:          receipts,
		PushURL:           cfg.PushURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		SelectionDebounce: cfg.SelectionDebounce,
		PollInterval:      cfg.PollInterval,
		PollJitter:        cfg.PollJitter,
		HistoryLimit:      cfg.ListCapacity,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		closeStorage(state, receipts)
		return nil, err
	}

	server := httpapi.NewServerWithConfig(coordinator, httpapi.ServerConfig{
		JWTSecret:       cfg.APIJWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		Metrics:         m,
		Logger:          logger,
	})

	return &app{
		cfg:         cfg,
		metrics:     m,
		state:       state,
		receipts:    receipts,
		store:       store,
		coordinator: coordinator,
		server:      server,
	}, nil
}

func (a *app) Close() error {
	return closeStorage(a.state, a.receipts)
}

func buildStorageBackends(cfg config.Config) (notifications.StateBackend, notifications.ReceiptQueue, error) {
	state, err := notifications.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, nil, err
	}
	receipts, err := notifications.BuildReceiptQueueFromDSN(cfg.ReceiptQueueDSN, cfg.ReceiptQueueCapacity)
	if err != nil {
		_ = notifications.CloseStateBackend(state)
		return nil, nil, err
	}
	return state, receipts, nil
}

func closeStorage(state notifications.StateBackend, receipts notifications.ReceiptQueue) error {
	var errs []error
	if receipts != nil {
		errs = append(errs, receipts.Close())
	}
	errs = append(errs, notifications.CloseStateBackend(state))
	return errors.Join(errs...)
}

func selectionFromConfig(cfg config.Config) livesync.Selection {
	sel := cfg.Selection()
	if sel.Empty() {
		return livesync.Selection{}
	}
	return livesync.Selection{
		UserID: sel.UserID,
		Session: realtime.SessionRef{
			ID:      sel.SessionID,
			Name:    sel.SessionName,
			BotName: sel.BotName,
		},
	}
}
