package livesync

import (
	"context"

	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
	"github.com/JhonnM62/panelapinext-sub001/internal/realtime"
	"github.com/JhonnM62/panelapinext-sub001/internal/webhook"
)

// CreateWebhook registers a webhook for the selected session and re-announces
// the push channel under the webhook's owner.
func (c *Coordinator) CreateWebhook(ctx context.Context, events []string, clientURL string) (webhook.Config, error) {
	sel := c.Selection()
	cfg, err := c.facade.Create(ctx, webhook.CreateRequest{
		UserID:     sel.UserID,
		SessionID:  sel.sessionKey(),
		Events:     events,
		WebhookURL: clientURL,
	})
	if err != nil {
		return webhook.Config{}, err
	}
	c.reauthenticate(ctx)
	c.refreshStats(ctx, sel)
	return cfg, nil
}

func (c *Coordinator) UpdateWebhook(ctx context.Context, req webhook.UpdateRequest) (webhook.Config, error) {
	return c.facade.Update(ctx, req)
}

// DeleteWebhook removes a webhook; an empty id means the active one. When the
// active webhook goes, its fields are cleared from the stats and the channel
// identity falls back to the session.
func (c *Coordinator) DeleteWebhook(ctx context.Context, webhookID string) error {
	if err := c.facade.Delete(ctx, webhookID); err != nil {
		return err
	}
	if _, ok := c.facade.Active(); !ok {
		c.store.ClearWebhook()
		c.reauthenticate(ctx)
	}
	return nil
}

func (c *Coordinator) TestWebhook(ctx context.Context, webhookID string) (webhook.TestResult, error) {
	return c.facade.Test(ctx, webhookID)
}

// CleanupOrphans removes the selected user's webhooks whose session is gone.
func (c *Coordinator) CleanupOrphans(ctx context.Context) ([]string, error) {
	_, hadActive := c.facade.Active()
	deleted, err := c.facade.CleanupOrphans(ctx, c.Selection().UserID)
	if _, ok := c.facade.Active(); hadActive && !ok {
		c.store.ClearWebhook()
		c.reauthenticate(ctx)
	}
	return deleted, err
}

func (c *Coordinator) Webhook() (webhook.Config, bool) {
	return c.facade.Active()
}

func (c *Coordinator) WebhookState() webhook.State {
	return c.facade.State()
}

func (c *Coordinator) Sessions(ctx context.Context) ([]webhook.Session, error) {
	return c.facade.ListSessions(ctx)
}

func (c *Coordinator) Notifications(limit int) []notifications.Notification {
	return c.store.List(limit)
}

func (c *Coordinator) Stats() notifications.Stats {
	return c.store.Stats()
}

// Connection reports the push channel state.
func (c *Coordinator) Connection() realtime.Status {
	if m, ok := c.manager.(interface{ Status() realtime.Status }); ok {
		return m.Status()
	}
	status := realtime.Status{Phase: realtime.PhaseIdle}
	if conn := c.manager.Instance(); conn != nil {
		status.Phase = realtime.PhaseOpen
		status.Connected = true
		status.ConnectionID = conn.ID()
		status.URL = conn.URL()
		status.OpenedAt = conn.OpenedAt()
	}
	return status
}

// SubscribeConnection forwards to the connection manager.
func (c *Coordinator) SubscribeConnection(fn realtime.Subscriber) func() {
	return c.manager.Subscribe(fn)
}

func (c *Coordinator) SubscribeNotifications(fn notifications.Listener) func() {
	return c.store.Subscribe(fn)
}

func (c *Coordinator) refreshStats(ctx context.Context, sel Selection) {
	stats, found, err := c.facade.LoadStats(ctx, sel.UserID)
	if err != nil {
		c.logger.Warn("load stats failed", "user_id", sel.UserID, "error", err)
		return
	}
	if found {
		c.store.AdoptStats(stats)
	}
}
