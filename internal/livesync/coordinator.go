// Package livesync ties the push channel, the notification store and the
// webhook registry together for one selected gateway session.
package livesync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JhonnM62/panelapinext-sub001/internal/config"
	"github.com/JhonnM62/panelapinext-sub001/internal/metrics"
	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
	"github.com/JhonnM62/panelapinext-sub001/internal/realtime"
	"github.com/JhonnM62/panelapinext-sub001/internal/webhook"
)

const (
	DefaultReconnectDelay     = 5 * time.Second
	DefaultSelectionDebounce  = 1500 * time.Millisecond
	DefaultPollInterval       = 30 * time.Second
	DefaultHistoryLimit       = 50
	DefaultMaxReceiptAttempts = 5
	DefaultReceiptRetryDelay  = time.Second
)

var ErrAlreadyRunning = errors.New("coordinator already running")

// Selection is the dashboard user and the gateway session they picked.
type Selection struct {
	UserID  string
	Session realtime.SessionRef
}

func (s Selection) Empty() bool {
	return strings.TrimSpace(s.UserID) == "" ||
		(strings.TrimSpace(s.Session.ID) == "" && strings.TrimSpace(s.Session.Name) == "")
}

// sessionKey is the id the registry files webhooks under.
func (s Selection) sessionKey() string {
	if id := strings.TrimSpace(s.Session.ID); id != "" {
		return id
	}
	return strings.TrimSpace(s.Session.Name)
}

type Options struct {
	Manager  realtime.ConnectionManager
	Router   *realtime.Router
	Facade   *webhook.Facade
	Store    *notifications.Store
	Receipts notifications.ReceiptQueue
	PushURL  string

	ReconnectDelay     time.Duration
	SelectionDebounce  time.Duration
	PollInterval       time.Duration
	PollJitter         float64
	HistoryLimit       int
	MaxReceiptAttempts int
	ReceiptRetryDelay  time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Coordinator struct {
	manager  realtime.ConnectionManager
	router   *realtime.Router
	facade   *webhook.Facade
	store    *notifications.Store
	receipts notifications.ReceiptQueue
	pushURL  string

	reconnectDelay     time.Duration
	debounce           time.Duration
	pollInterval       time.Duration
	pollJitter         float64
	historyLimit       int
	maxReceiptAttempts int
	receiptRetryDelay  time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	// syncMu serializes connect and authenticate sequences.
	syncMu sync.Mutex

	mu             sync.Mutex
	selection      Selection
	pending        Selection
	debounceTimer  *time.Timer
	reconnectTimer *time.Timer
	authConnID     string
	authIdentity   realtime.ChannelIdentity
	runCtx         context.Context
	running        bool
	closed         bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Manager == nil || opts.Router == nil || opts.Facade == nil || opts.Store == nil {
		return nil, errors.New("livesync: manager, router, facade and store are required")
	}
	if strings.TrimSpace(opts.PushURL) == "" {
		return nil, errors.New("livesync: push url is required")
	}
	receipts := opts.Receipts
	if receipts == nil {
		receipts = notifications.NewInMemoryReceiptQueue(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		manager:            opts.Manager,
		router:             opts.Router,
		facade:             opts.Facade,
		store:              opts.Store,
		receipts:           receipts,
		pushURL:            strings.TrimSpace(opts.PushURL),
		reconnectDelay:     opts.ReconnectDelay,
		debounce:           opts.SelectionDebounce,
		pollInterval:       opts.PollInterval,
		pollJitter:         opts.PollJitter,
		historyLimit:       opts.HistoryLimit,
		maxReceiptAttempts: opts.MaxReceiptAttempts,
		receiptRetryDelay:  opts.ReceiptRetryDelay,
		logger:             logger,
		metrics:            opts.Metrics,
		runCtx:             context.Background(),
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	if c.debounce <= 0 {
		c.debounce = DefaultSelectionDebounce
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.historyLimit <= 0 {
		c.historyLimit = DefaultHistoryLimit
	}
	if c.maxReceiptAttempts <= 0 {
		c.maxReceiptAttempts = DefaultMaxReceiptAttempts
	}
	if c.receiptRetryDelay <= 0 {
		c.receiptRetryDelay = DefaultReceiptRetryDelay
	}
	return c, nil
}

// Run drives reconnects, the receipt outbox and the poll loop until ctx is
// done, then tears the push channel down.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.closed = false
	c.runCtx = ctx
	c.mu.Unlock()

	unsubscribe := c.manager.Subscribe(c.onConnection)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runReceipts(gctx) })
	g.Go(func() error { return c.pollLoop(gctx) })
	err := g.Wait()

	c.shutdown()
	return err
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.running = false
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.authConnID = ""
	c.mu.Unlock()
	c.manager.Cleanup()
	c.logger.Info("live sync stopped")
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

// Selection returns the applied selection.
func (c *Coordinator) Selection() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selection
}

// Select applies sel after the debounce delay. Rapid successive selections
// collapse into the last one.
func (c *Coordinator) Select(sel Selection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = sel
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		next := c.pending
		c.debounceTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.Apply(c.context(), next); err != nil {
			c.logger.Warn("session selection apply failed", "session_id", next.sessionKey(), "error", err)
		}
	})
}

// Apply switches to sel immediately: it loads the webhook, connects and
// authenticates the push channel, then syncs history and stats. An empty
// selection tears the channel down.
func (c *Coordinator) Apply(ctx context.Context, sel Selection) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	prev := c.selection
	c.selection = sel
	c.mu.Unlock()

	if sel.Empty() {
		if !prev.Empty() {
			c.logger.Info("session deselected, closing push channel")
			c.manager.Cleanup()
		}
		return nil
	}

	log := c.logger.With("user_id", sel.UserID, "session_id", sel.sessionKey())
	cfg, ok, err := c.facade.Load(ctx, sel.UserID)
	if err != nil {
		log.Warn("load webhook failed", "error", err)
	}
	identity := c.identityFor(sel, cfg, ok && err == nil)

	connectErr := c.connectLocked(ctx, identity)
	if connectErr != nil {
		log.Warn("push channel unavailable", "error", connectErr)
	}
	syncErr := c.refresh(ctx, sel, true)
	if syncErr != nil {
		log.Warn("initial sync incomplete", "error", syncErr)
	}
	return errors.Join(connectErr, syncErr)
}

func (c *Coordinator) identityFor(sel Selection, cfg webhook.Config, hasWebhook bool) realtime.ChannelIdentity {
	var owner *realtime.WebhookOwner
	if hasWebhook {
		owner = &realtime.WebhookOwner{UserID: cfg.UserID, SessionID: cfg.SessionID}
	}
	return realtime.ResolveChannelIdentity(sel.Session, realtime.UserRef{ID: sel.UserID}, owner)
}

func (c *Coordinator) currentIdentity(sel Selection) realtime.ChannelIdentity {
	cfg, ok := c.facade.Active()
	return c.identityFor(sel, cfg, ok)
}

func (c *Coordinator) connectLocked(ctx context.Context, identity realtime.ChannelIdentity) error {
	conn, err := c.manager.Connect(ctx, c.pushURL)
	if err != nil {
		return err
	}
	return c.authenticate(ctx, conn, identity)
}

// authenticate installs the router on conn, or re-announces the channel when
// the identity differs from the one last sent on this connection.
func (c *Coordinator) authenticate(ctx context.Context, conn *realtime.Conn, identity realtime.ChannelIdentity) error {
	installed, err := c.router.Install(ctx, conn, identity)
	if err != nil {
		return err
	}
	c.mu.Lock()
	same := c.authConnID == conn.ID() && c.authIdentity == identity
	c.mu.Unlock()
	if !installed && !same {
		if err := c.router.Authenticate(ctx, conn, identity); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.authConnID = conn.ID()
	c.authIdentity = identity
	c.mu.Unlock()
	return nil
}

// reauthenticate re-derives the identity after a webhook change and sends it
// on the live connection, if any.
func (c *Coordinator) reauthenticate(ctx context.Context) {
	sel := c.Selection()
	if sel.Empty() {
		return
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	conn := c.manager.Instance()
	if conn == nil {
		return
	}
	if err := c.authenticate(ctx, conn, c.currentIdentity(sel)); err != nil {
		c.logger.Warn("re-authenticate push channel failed", "connection_id", conn.ID(), "error", err)
	}
}

func (c *Coordinator) onConnection(conn *realtime.Conn, connected bool) {
	if connected {
		c.mu.Lock()
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
		c.mu.Unlock()
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms at most one delayed reconnect, and only while a
// session is selected.
func (c *Coordinator) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.running || c.selection.Empty() || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, c.reconnect)
}

func (c *Coordinator) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	sel := c.selection
	closed := c.closed
	c.mu.Unlock()
	if closed || sel.Empty() || c.manager.IsConnected() {
		return
	}
	c.logger.Info("reconnecting push channel", "session_id", sel.sessionKey())
	ctx := c.context()
	c.syncMu.Lock()
	err := c.connectLocked(ctx, c.currentIdentity(sel))
	c.syncMu.Unlock()
	if err != nil {
		c.logger.Warn("reconnect failed", "error", err)
	}
}

// refresh loads stats and history. The initial sync replaces the list; later
// polls merge through the dedup window and then adopt the server counters.
func (c *Coordinator) refresh(ctx context.Context, sel Selection, initial bool) error {
	list, listErr := c.facade.LoadNotifications(ctx, sel.UserID, c.historyLimit, 0)
	if listErr == nil {
		if initial {
			c.store.ReplaceAll(list)
		} else {
			for i := len(list) - 1; i >= 0; i-- {
				// Listed items are already shown; re-ingesting them after the
				// dedup window resets would replay them as new.
				if _, ok := c.store.Get(list[i].ID); ok {
					continue
				}
				c.store.Ingest(list[i])
			}
		}
	}
	stats, found, statsErr := c.facade.LoadStats(ctx, sel.UserID)
	if statsErr == nil {
		if found {
			c.store.AdoptStats(stats)
		} else {
			c.store.ClearWebhook()
		}
	}
	return errors.Join(listErr, statsErr)
}

// Poll merges the registry's recent history into the store.
func (c *Coordinator) Poll(ctx context.Context) error {
	sel := c.Selection()
	if sel.Empty() {
		return nil
	}
	return c.refresh(ctx, sel, false)
}

func (c *Coordinator) pollLoop(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	next := func() time.Duration {
		return config.JitteredInterval(c.pollInterval, c.pollJitter, rng.Float64())
	}
	timer := time.NewTimer(next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("notification poll failed", "error", err)
			}
			timer.Reset(next())
		}
	}
}
