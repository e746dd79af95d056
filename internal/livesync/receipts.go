package livesync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
	"github.com/JhonnM62/panelapinext-sub001/internal/webhook"
)

// MarkAsRead flips the notification locally and queues the registry call.
// The local state changes before the call is made; a permanent rejection
// later reverts it.
func (c *Coordinator) MarkAsRead(ctx context.Context, notificationID string) error {
	sel := c.Selection()
	if sel.UserID == "" {
		return webhook.ErrUnauthenticated
	}
	changed, err := c.store.MarkRead(notificationID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	receipt := notifications.ReadReceipt{
		ID:             uuid.NewString(),
		UserID:         sel.UserID,
		NotificationID: notificationID,
		EnqueuedAt:     time.Now().UTC(),
	}
	if !c.receipts.Enqueue(ctx, receipt) {
		c.store.RevertRead(notificationID)
		return notifications.ErrQueueFull
	}
	c.metrics.SetReceiptQueueDepth(c.receipts.Depth())
	return nil
}

// PendingReceipts lists queued mark-as-read calls.
func (c *Coordinator) PendingReceipts() []notifications.ReadReceipt {
	return c.receipts.Pending()
}

func (c *Coordinator) runReceipts(ctx context.Context) error {
	for {
		receipt, ok := c.receipts.Dequeue(ctx)
		if !ok {
			return nil
		}
		c.metrics.SetReceiptQueueDepth(c.receipts.Depth())
		c.deliverReceipt(ctx, receipt)
	}
}

func (c *Coordinator) deliverReceipt(ctx context.Context, receipt notifications.ReadReceipt) {
	log := c.logger.With("notification_id", receipt.NotificationID, "user_id", receipt.UserID, "attempt", receipt.Attempts+1)
	err := c.facade.MarkAsRead(ctx, receipt.UserID, receipt.NotificationID)
	switch {
	case err == nil:
		log.Debug("read receipt delivered")
	case errors.Is(err, webhook.ErrNotFound):
		log.Info("notification gone from registry, keeping local read state")
	case ctx.Err() != nil:
		// Keep it for the next run when the queue is durable.
		c.receipts.TryEnqueue(receipt)
	case webhook.IsRetryable(err) && receipt.Attempts+1 < c.maxReceiptAttempts:
		receipt.Attempts++
		log.Warn("read receipt failed, retrying", "error", err)
		if waitWithContext(ctx, c.receiptRetryDelay) != nil || !c.receipts.Enqueue(ctx, receipt) {
			c.receipts.TryEnqueue(receipt)
		}
		c.metrics.SetReceiptQueueDepth(c.receipts.Depth())
	default:
		c.store.RevertRead(receipt.NotificationID)
		log.Warn("read receipt rejected, local read state reverted", "error", err)
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
