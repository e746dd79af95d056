package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
	"github.com/JhonnM62/panelapinext-sub001/internal/realtime"
	"github.com/JhonnM62/panelapinext-sub001/internal/webhook"
)

type pushTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPushTransport() *pushTransport {
	return &pushTransport{inbox: make(chan []byte, 16), done: make(chan struct{})}
}

func (t *pushTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-t.done:
		return errors.New("transport closed")
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), payload...))
	t.mu.Unlock()
	return nil
}

func (t *pushTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.inbox:
		return data, nil
	case <-t.done:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *pushTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *pushTransport) Open() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *pushTransport) push(v any) {
	data, _ := json.Marshal(v)
	t.inbox <- data
}

// authUsers lists the userId of every authenticate frame sent.
func (t *pushTransport) authUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []string
	for _, p := range t.sent {
		var f struct {
			Type   string `json:"type"`
			UserID string `json:"userId"`
		}
		if json.Unmarshal(p, &f) == nil && f.Type == "authenticate" {
			users = append(users, f.UserID)
		}
	}
	return users
}

type pushDialer struct {
	dials      atomic.Int32
	mu         sync.Mutex
	transports []*pushTransport
}

func (d *pushDialer) Dial(ctx context.Context, url string) (realtime.Transport, error) {
	d.dials.Add(1)
	t := newPushTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *pushDialer) last() *pushTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// fakeRegistry implements the calls the coordinator makes; anything else
// panics through the nil embedded interface.
type fakeRegistry struct {
	webhook.Registry

	mu        sync.Mutex
	config    *webhook.Config
	created   webhook.Config
	list      []notifications.Notification
	stats     *notifications.Stats
	getCalls  int
	markErrs  []error
	markCalls []string
	markGate  chan struct{}
}

func (r *fakeRegistry) GetWebhook(ctx context.Context, userID string) (webhook.Config, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	if r.config == nil {
		return webhook.Config{}, false, nil
	}
	return *r.config, true, nil
}

func (r *fakeRegistry) CreateWebhook(ctx context.Context, req webhook.CreateRequest) (webhook.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.created
	r.config = &cfg
	return cfg, nil
}

func (r *fakeRegistry) DeleteWebhook(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = nil
	return nil
}

func (r *fakeRegistry) Notifications(ctx context.Context, userID string, limit, offset int) ([]notifications.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.Notification(nil), r.list...), nil
}

func (r *fakeRegistry) Stats(ctx context.Context, userID string) (notifications.Stats, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		return notifications.Stats{}, false, nil
	}
	return *r.stats, true, nil
}

func (r *fakeRegistry) MarkRead(ctx context.Context, userID, id string) error {
	if r.markGate != nil {
		<-r.markGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markCalls = append(r.markCalls, id)
	if len(r.markErrs) == 0 {
		return nil
	}
	err := r.markErrs[0]
	r.markErrs = r.markErrs[1:]
	return err
}

func (r *fakeRegistry) marks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.markCalls)
}

func (r *fakeRegistry) gets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getCalls
}

type harness struct {
	dialer   *pushDialer
	registry *fakeRegistry
	store    *notifications.Store
	manager  *realtime.Manager
	coord    *Coordinator
}

func newHarness(t *testing.T, registry *fakeRegistry) *harness {
	t.Helper()
	dialer := &pushDialer{}
	store := notifications.NewStore()
	manager := realtime.NewManager(realtime.ManagerOptions{
		Dialer:      dialer,
		AuthDelay:   time.Hour,
		SettleDelay: time.Millisecond,
	})
	coord, err := New(Options{
		Manager:           manager,
		Router:            realtime.NewRouter(realtime.RouterOptions{Sink: store}),
		Facade:            webhook.NewFacade(webhook.FacadeOptions{Registry: registry}),
		Store:             store,
		PushURL:           "ws://push.test/ws",
		ReconnectDelay:    20 * time.Millisecond,
		SelectionDebounce: 30 * time.Millisecond,
		PollInterval:      time.Hour,
		ReceiptRetryDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(manager.Cleanup)
	return &harness{dialer: dialer, registry: registry, store: store, manager: manager, coord: coord}
}

// run starts the coordinator loops and waits until its connection
// subscriber is registered.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, func() bool { return h.manager.Status().Subscribers > 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

var selection = Selection{UserID: "u1", Session: realtime.SessionRef{ID: "s1", Name: "ventas"}}

func TestApplyAuthenticatesAsWebhookOwnerAndCollapsesDuplicatePush(t *testing.T) {
	registry := &fakeRegistry{config: &webhook.Config{ID: "wh_1", UserID: "owner-1", SessionID: "s1"}}
	h := newHarness(t, registry)
	if err := h.coord.Apply(context.Background(), selection); err != nil {
		t.Fatalf("apply: %v", err)
	}
	transport := h.dialer.last()
	if transport == nil {
		t.Fatalf("expected a dial")
	}
	if users := transport.authUsers(); len(users) != 1 || users[0] != "owner-1" {
		t.Fatalf("expected authenticate as owner-1, got %v", users)
	}

	frame := map[string]any{
		"type": "notification",
		"data": map[string]any{"id": "n1", "eventType": "MESSAGES_UPSERT", "sessionId": "s1", "timestamp": "T0", "read": false},
	}
	transport.push(frame)
	transport.push(frame)
	transport.push(map[string]any{"type": "notification", "data": map[string]any{"id": "n2", "eventType": "X"}})
	waitFor(t, func() bool { return h.store.Len() == 2 })

	if got := h.store.Stats().UnreadNotifications; got != 2 {
		t.Fatalf("expected duplicate n1 counted once (unread 2), got %d", got)
	}
	if got := h.store.Stats().TotalNotifications; got != 2 {
		t.Fatalf("expected total 2, got %d", got)
	}
}

func TestApplyInitialSyncReplacesListAndAdoptsStats(t *testing.T) {
	registry := &fakeRegistry{
		list: []notifications.Notification{
			{ID: "n2", EventType: "X"},
			{ID: "n1", EventType: "X", Read: true},
		},
		stats: &notifications.Stats{TotalNotifications: 2, UnreadNotifications: 1, WebhookID: "wh_1"},
	}
	h := newHarness(t, registry)
	if err := h.coord.Apply(context.Background(), selection); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if h.store.Len() != 2 || h.store.Stats().UnreadNotifications != 1 {
		t.Fatalf("expected synced list and stats, got len=%d stats=%+v", h.store.Len(), h.store.Stats())
	}

	registry.mu.Lock()
	registry.list = append([]notifications.Notification{{ID: "n3", EventType: "X"}}, registry.list...)
	registry.stats = &notifications.Stats{TotalNotifications: 3, UnreadNotifications: 2, WebhookID: "wh_1"}
	registry.mu.Unlock()

	if err := h.coord.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	list := h.store.List(0)
	if len(list) != 3 || list[0].ID != "n3" {
		t.Fatalf("expected n3 merged at the head, got %+v", list)
	}
	if got := h.store.Stats().TotalNotifications; got != 3 {
		t.Fatalf("expected server total 3, got %d", got)
	}
}

func TestPollSkipsListedNotifications(t *testing.T) {
	registry := &fakeRegistry{
		list: []notifications.Notification{{ID: "n1", EventType: "MESSAGES_UPSERT"}},
	}
	h := newHarness(t, registry)
	if err := h.coord.Apply(context.Background(), selection); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := h.store.MarkRead("n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	var events int
	h.store.Subscribe(func(ev notifications.Event) {
		if ev.Notification != nil {
			events++
		}
	})
	for i := 0; i < 3; i++ {
		if err := h.coord.Poll(context.Background()); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}

	n, ok := h.store.Get("n1")
	if !ok || !n.Read {
		t.Fatalf("expected local read state kept across polls, got %+v", n)
	}
	if events != 0 {
		t.Fatalf("expected no notification events for already listed items, got %d", events)
	}
}

func TestMarkAsReadIsOptimistic(t *testing.T) {
	registry := &fakeRegistry{markGate: make(chan struct{})}
	h := newHarness(t, registry)
	if err := h.coord.Apply(context.Background(), selection); err != nil {
		t.Fatalf("apply: %v", err)
	}
	h.store.Ingest(notifications.Notification{ID: "n1", EventType: "MESSAGES_UPSERT"})
	before := h.store.Stats().UnreadNotifications

	if err := h.coord.MarkAsRead(context.Background(), "n1"); err != nil {
		t.Fatalf("mark as read: %v", err)
	}
	n, _ := h.store.Get("n1")
	if !n.Read {
		t.Fatalf("expected n1 read before the registry answers")
	}
	if got := h.store.Stats().UnreadNotifications; got != before-1 {
		t.Fatalf("expected unread %d, got %d", before-1, got)
	}
	if len(h.coord.PendingReceipts()) != 1 {
		t.Fatalf("expected one queued receipt")
	}

	h.run(t)
	close(registry.markGate)
	waitFor(t, func() bool { return registry.marks() == 1 })
	if n, _ := h.store.Get("n1"); !n.Read {
		t.Fatalf("expected n1 to stay read after delivery")
	}
}

func TestMarkAsReadUnknownNotification(t *testing.T) {
	h := newHarness(t, &fakeRegistry{})
	if err := h.coord.MarkAsRead(context.Background(), "n1"); !errors.Is(err, webhook.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without a selection, got %v", err)
	}
	_ = h.coord.Apply(context.Background(), selection)
	if err := h.coord.MarkAsRead(context.Background(), "missing"); !errors.Is(err, notifications.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkAsReadRevertsOnPermanentFailure(t *testing.T) {
	registry := &fakeRegistry{markErrs: []error{&webhook.HTTPError{StatusCode: 400, Message: "bad"}}}
	h := newHarness(t, registry)
	_ = h.coord.Apply(context.Background(), selection)
	h.store.Ingest(notifications.Notification{ID: "n1", EventType: "X"})
	h.run(t)

	if err := h.coord.MarkAsRead(context.Background(), "n1"); err != nil {
		t.Fatalf("mark as read: %v", err)
	}
	waitFor(t, func() bool {
		n, _ := h.store.Get("n1")
		return registry.marks() == 1 && !n.Read
	})
	if got := h.store.Stats().UnreadNotifications; got != 1 {
		t.Fatalf("expected unread restored to 1, got %d", got)
	}
}

func TestMarkAsReadKeepsFlipWhenNotificationGone(t *testing.T) {
	registry := &fakeRegistry{markErrs: []error{&webhook.HTTPError{StatusCode: 404}}}
	h := newHarness(t, registry)
	_ = h.coord.Apply(context.Background(), selection)
	h.store.Ingest(notifications.Notification{ID: "n1", EventType: "X"})
	h.run(t)

	_ = h.coord.MarkAsRead(context.Background(), "n1")
	waitFor(t, func() bool { return registry.marks() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n, _ := h.store.Get("n1"); !n.Read {
		t.Fatalf("expected 404 to keep the local read state")
	}
}

func TestMarkAsReadRetriesTransientFailure(t *testing.T) {
	registry := &fakeRegistry{markErrs: []error{&webhook.HTTPError{StatusCode: 503}}}
	h := newHarness(t, registry)
	_ = h.coord.Apply(context.Background(), selection)
	h.store.Ingest(notifications.Notification{ID: "n1", EventType: "X"})
	h.run(t)

	_ = h.coord.MarkAsRead(context.Background(), "n1")
	waitFor(t, func() bool { return registry.marks() == 2 })
	if n, _ := h.store.Get("n1"); !n.Read {
		t.Fatalf("expected n1 read after retry succeeded")
	}
}

func TestSelectDebouncesRapidChanges(t *testing.T) {
	registry := &fakeRegistry{}
	h := newHarness(t, registry)
	h.coord.Select(Selection{UserID: "u1", Session: realtime.SessionRef{ID: "a"}})
	h.coord.Select(Selection{UserID: "u1", Session: realtime.SessionRef{ID: "b"}})
	h.coord.Select(Selection{UserID: "u1", Session: realtime.SessionRef{ID: "c"}})

	waitFor(t, func() bool { return h.coord.Selection().Session.ID == "c" })
	time.Sleep(80 * time.Millisecond)
	if got := registry.gets(); got != 1 {
		t.Fatalf("expected one applied selection, got %d", got)
	}
	if got := h.dialer.dials.Load(); got != 1 {
		t.Fatalf("expected one dial, got %d", got)
	}
}

func TestReconnectsAfterRemoteClose(t *testing.T) {
	h := newHarness(t, &fakeRegistry{})
	h.run(t)
	if err := h.coord.Apply(context.Background(), selection); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first := h.dialer.last()
	_ = first.Close()

	waitFor(t, func() bool { return h.dialer.dials.Load() == 2 && h.manager.IsConnected() })
	second := h.dialer.last()
	waitFor(t, func() bool { return len(second.authUsers()) == 1 })
	if users := second.authUsers(); users[0] != "ventas" {
		t.Fatalf("expected re-authentication as session name, got %v", users)
	}
}

func TestNoReconnectWithoutSelection(t *testing.T) {
	h := newHarness(t, &fakeRegistry{})
	h.run(t)
	_ = h.coord.Apply(context.Background(), selection)
	if err := h.coord.Apply(context.Background(), Selection{}); err != nil {
		t.Fatalf("deselect: %v", err)
	}
	if h.manager.IsConnected() {
		t.Fatalf("expected deselect to close the channel")
	}
	time.Sleep(80 * time.Millisecond)
	if got := h.dialer.dials.Load(); got != 1 {
		t.Fatalf("expected no reconnect without a selection, got %d dials", got)
	}
}

func TestWebhookChangesReauthenticate(t *testing.T) {
	registry := &fakeRegistry{
		created: webhook.Config{ID: "wh_2", UserID: "owner-2"},
		stats:   &notifications.Stats{WebhookID: "wh_2", WebhookActive: true},
	}
	h := newHarness(t, registry)
	_ = h.coord.Apply(context.Background(), selection)
	transport := h.dialer.last()

	if _, err := h.coord.CreateWebhook(context.Background(), nil, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if users := transport.authUsers(); len(users) != 2 || users[0] != "ventas" || users[1] != "owner-2" {
		t.Fatalf("expected authenticate as ventas then owner-2, got %v", users)
	}
	if h.store.Stats().WebhookID != "wh_2" {
		t.Fatalf("expected stats refreshed after create, got %+v", h.store.Stats())
	}

	if err := h.coord.DeleteWebhook(context.Background(), ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := h.coord.Webhook(); ok {
		t.Fatalf("expected active webhook cleared")
	}
	if h.store.Stats().WebhookID != "" || h.store.Stats().WebhookActive {
		t.Fatalf("expected webhook fields cleared, got %+v", h.store.Stats())
	}
	if users := transport.authUsers(); len(users) != 3 || users[2] != "ventas" {
		t.Fatalf("expected fallback authenticate as ventas, got %v", users)
	}
}
