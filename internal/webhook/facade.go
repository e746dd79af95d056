// Package webhook talks to the remote webhook registry: CRUD and test
// calls, stats and notification history, session discovery, and the sweep
// that removes webhooks whose gateway session no longer exists.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
)

// State is the lifecycle of the active webhook. Creating, editing and
// deleting are transient and reject overlapping requests.
type State string

const (
	StateNone     State = "none"
	StateCreating State = "creating"
	StateActive   State = "active"
	StateEditing  State = "editing"
	StateDeleting State = "deleting"
)

func (s State) transient() bool {
	return s == StateCreating || s == StateEditing || s == StateDeleting
}

type FacadeOptions struct {
	Registry Registry
	Logger   *slog.Logger
}

type Facade struct {
	registry Registry
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	active *Config
}

func NewFacade(opts FacadeOptions) *Facade {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{registry: opts.Registry, logger: logger, state: StateNone}
}

func (f *Facade) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Facade) Active() (Config, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return Config{}, false
	}
	return *f.active, true
}

// begin moves into a transient state and returns the state to restore on
// failure.
func (f *Facade) begin(next State, allowed ...State) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.transient() {
		return f.state, ErrBusy
	}
	ok := len(allowed) == 0
	for _, s := range allowed {
		if f.state == s {
			ok = true
			break
		}
	}
	if !ok {
		return f.state, fmt.Errorf("%w: webhook is %s", ErrNoWebhook, f.state)
	}
	prev := f.state
	f.state = next
	return prev, nil
}

func (f *Facade) finish(state State, active *Config) {
	f.mu.Lock()
	f.state = state
	f.active = active
	f.mu.Unlock()
}

func (f *Facade) restore(prev State) {
	f.mu.Lock()
	f.state = prev
	f.mu.Unlock()
}

// Create registers a webhook for the session. Validation failures return
// before any network call. On success the new config becomes the active one.
// One active webhook per user and session is the registry's contract; a
// create while one is active replaces the local view with the new config.
func (f *Facade) Create(ctx context.Context, req CreateRequest) (Config, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	req.Events = normalizeEvents(req.Events)
	if err := ValidateCreate(req); err != nil {
		return Config{}, err
	}
	prev, err := f.begin(StateCreating, StateNone, StateActive)
	if err != nil {
		return Config{}, err
	}
	cfg, err := f.registry.CreateWebhook(ctx, req)
	if err != nil {
		f.restore(prev)
		f.logger.Warn("create webhook failed", "user_id", req.UserID, "session_id", req.SessionID, "error", err)
		return Config{}, err
	}
	if cfg.UserID == "" {
		cfg.UserID = req.UserID
	}
	if cfg.SessionID == "" {
		cfg.SessionID = req.SessionID
	}
	f.finish(StateActive, &cfg)
	f.logger.Info("webhook created", "webhook_id", cfg.ID, "user_id", cfg.UserID, "session_id", cfg.SessionID)
	return cfg, nil
}

// Update edits the active webhook.
func (f *Facade) Update(ctx context.Context, req UpdateRequest) (Config, error) {
	if req.Events != nil {
		req.Events = normalizeEvents(req.Events)
	}
	if req.WebhookURL != nil {
		trimmed := strings.TrimSpace(*req.WebhookURL)
		req.WebhookURL = &trimmed
	}
	if err := ValidateUpdate(req); err != nil {
		return Config{}, err
	}
	current, ok := f.Active()
	if !ok {
		return Config{}, ErrNoWebhook
	}
	prev, err := f.begin(StateEditing, StateActive)
	if err != nil {
		return Config{}, err
	}
	cfg, err := f.registry.UpdateWebhook(ctx, current.ID, req)
	if err != nil {
		f.restore(prev)
		return Config{}, err
	}
	if cfg.ID == "" {
		cfg.ID = current.ID
	}
	if cfg.UserID == "" {
		cfg.UserID = current.UserID
	}
	if cfg.SessionID == "" {
		cfg.SessionID = current.SessionID
	}
	f.finish(StateActive, &cfg)
	return cfg, nil
}

// Delete removes a webhook. An empty id means the active one. Deleting the
// active webhook clears it and returns the facade to none.
func (f *Facade) Delete(ctx context.Context, webhookID string) error {
	current, hasActive := f.Active()
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		if !hasActive {
			return ErrNoWebhook
		}
		webhookID = current.ID
	}
	isActive := hasActive && current.ID == webhookID
	if !isActive {
		return f.registry.DeleteWebhook(ctx, webhookID)
	}

	prev, err := f.begin(StateDeleting, StateActive)
	if err != nil {
		return err
	}
	if err := f.registry.DeleteWebhook(ctx, webhookID); err != nil && !errors.Is(err, ErrNotFound) {
		f.restore(prev)
		return err
	}
	f.finish(StateNone, nil)
	f.logger.Info("webhook deleted", "webhook_id", webhookID)
	return nil
}

// Load fetches the user's webhook and adopts it as active. It reports false
// when none exists.
func (f *Facade) Load(ctx context.Context, userID string) (Config, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return Config{}, false, ErrUnauthenticated
	}
	cfg, ok, err := f.registry.GetWebhook(ctx, userID)
	if err != nil {
		return Config{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.transient() {
		return cfg, ok, nil
	}
	if ok {
		f.active = &cfg
		f.state = StateActive
	} else {
		f.active = nil
		f.state = StateNone
	}
	return cfg, ok, nil
}

func (f *Facade) Test(ctx context.Context, webhookID string) (TestResult, error) {
	if strings.TrimSpace(webhookID) == "" {
		current, ok := f.Active()
		if !ok {
			return TestResult{}, ErrNoWebhook
		}
		webhookID = current.ID
	}
	return f.registry.TestWebhook(ctx, webhookID)
}

// LoadStats treats a missing webhook as an empty snapshot.
func (f *Facade) LoadStats(ctx context.Context, userID string) (notifications.Stats, bool, error) {
	return f.registry.Stats(ctx, userID)
}

func (f *Facade) LoadNotifications(ctx context.Context, userID string, limit, offset int) ([]notifications.Notification, error) {
	list, err := f.registry.Notifications(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []notifications.Notification{}
	}
	return list, nil
}

func (f *Facade) MarkAsRead(ctx context.Context, userID, notificationID string) error {
	return f.registry.MarkRead(ctx, userID, notificationID)
}

func (f *Facade) ListSessions(ctx context.Context) ([]Session, error) {
	return f.registry.ListSessions(ctx)
}

func (f *Facade) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	return f.registry.SessionStatus(ctx, sessionID)
}

// CleanupOrphans deletes the user's webhooks whose session is gone and
// returns the deleted ids. One failed delete does not stop the sweep.
func (f *Facade) CleanupOrphans(ctx context.Context, userID string) ([]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthenticated
	}
	configs, err := f.registry.ListWebhooks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	if len(configs) == 0 {
		return []string{}, nil
	}
	sessions, err := f.registry.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	live := make(map[string]bool, len(sessions)*2)
	for _, s := range sessions {
		for _, key := range []string{s.ID, s.Name} {
			if key != "" {
				live[key] = true
			}
		}
	}

	deleted := []string{}
	var errs []error
	for _, cfg := range configs {
		if cfg.ID == "" || live[cfg.SessionID] {
			continue
		}
		if err := f.Delete(ctx, cfg.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", cfg.ID, err))
			continue
		}
		f.logger.Info("orphaned webhook removed", "webhook_id", cfg.ID, "session_id", cfg.SessionID)
		deleted = append(deleted, cfg.ID)
	}
	return deleted, errors.Join(errs...)
}
