package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
)

type fakeRegistry struct {
	mu         sync.Mutex
	calls      []string
	createCfg  Config
	createErr  error
	deleteErr  map[string]error
	deleted    []string
	webhooks   []Config
	sessions   []Session
	getCfg     *Config
	block      chan struct{}
	updateSeen UpdateRequest
}

func (r *fakeRegistry) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRegistry) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRegistry) CreateWebhook(ctx context.Context, req CreateRequest) (Config, error) {
	r.record("create")
	if r.block != nil {
		<-r.block
	}
	if r.createErr != nil {
		return Config{}, r.createErr
	}
	cfg := r.createCfg
	cfg.Events = req.Events
	return cfg, nil
}

func (r *fakeRegistry) UpdateWebhook(ctx context.Context, id string, req UpdateRequest) (Config, error) {
	r.record("update")
	r.updateSeen = req
	return Config{Events: req.Events, Active: true}, nil
}

func (r *fakeRegistry) GetWebhook(ctx context.Context, userID string) (Config, bool, error) {
	r.record("get")
	if r.getCfg == nil {
		return Config{}, false, nil
	}
	return *r.getCfg, true, nil
}

func (r *fakeRegistry) ListWebhooks(ctx context.Context, userID string) ([]Config, error) {
	r.record("list")
	return r.webhooks, nil
}

func (r *fakeRegistry) DeleteWebhook(ctx context.Context, id string) error {
	r.record("delete:" + id)
	if err := r.deleteErr[id]; err != nil {
		return err
	}
	r.mu.Lock()
	r.deleted = append(r.deleted, id)
	r.mu.Unlock()
	return nil
}

func (r *fakeRegistry) TestWebhook(ctx context.Context, id string) (TestResult, error) {
	r.record("test:" + id)
	return TestResult{Delivered: true}, nil
}

func (r *fakeRegistry) Stats(ctx context.Context, userID string) (notifications.Stats, bool, error) {
	r.record("stats")
	return notifications.Stats{}, false, nil
}

func (r *fakeRegistry) Notifications(ctx context.Context, userID string, limit, offset int) ([]notifications.Notification, error) {
	r.record("notifications")
	return nil, nil
}

func (r *fakeRegistry) MarkRead(ctx context.Context, userID, id string) error {
	r.record("read:" + id)
	return nil
}

func (r *fakeRegistry) ListSessions(ctx context.Context) ([]Session, error) {
	r.record("sessions")
	return r.sessions, nil
}

func (r *fakeRegistry) SessionStatus(ctx context.Context, id string) (SessionStatus, error) {
	return SessionStatus{SessionID: id}, nil
}

func TestCreateValidatesBeforeNetwork(t *testing.T) {
	registry := &fakeRegistry{}
	facade := NewFacade(FacadeOptions{Registry: registry})

	if _, err := facade.Create(context.Background(), CreateRequest{UserID: "u1"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if _, err := facade.Create(context.Background(), CreateRequest{SessionID: "s1"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	_, err := facade.Create(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1", WebhookURL: "not a url"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) || !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if registry.callCount() != 0 {
		t.Fatalf("expected no registry calls, got %v", registry.calls)
	}
	if facade.State() != StateNone {
		t.Fatalf("expected state none, got %s", facade.State())
	}
}

func TestCreateDefaultsEventsAndActivates(t *testing.T) {
	registry := &fakeRegistry{createCfg: Config{ID: "wh_1", Active: true}}
	facade := NewFacade(FacadeOptions{Registry: registry})

	cfg, err := facade.Create(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1", WebhookURL: "https://hooks.example.com/in"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(cfg.Events) != 1 || cfg.Events[0] != EventAll {
		t.Fatalf("expected default events [ALL], got %v", cfg.Events)
	}
	if cfg.UserID != "u1" || cfg.SessionID != "s1" {
		t.Fatalf("expected owner filled from request, got %+v", cfg)
	}
	if facade.State() != StateActive {
		t.Fatalf("expected active, got %s", facade.State())
	}
	if active, ok := facade.Active(); !ok || active.ID != "wh_1" {
		t.Fatalf("expected wh_1 active, got %+v", active)
	}
}

func TestCreateRejectsOverlappingSubmission(t *testing.T) {
	registry := &fakeRegistry{createCfg: Config{ID: "wh_1"}, block: make(chan struct{})}
	facade := NewFacade(FacadeOptions{Registry: registry})
	req := CreateRequest{UserID: "u1", SessionID: "s1"}

	done := make(chan error, 1)
	go func() {
		_, err := facade.Create(context.Background(), req)
		done <- err
	}()
	for facade.State() != StateCreating {
	}
	if _, err := facade.Create(context.Background(), req); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(registry.block)
	if err := <-done; err != nil {
		t.Fatalf("first create: %v", err)
	}
}

func TestCreateFailureRestoresState(t *testing.T) {
	registry := &fakeRegistry{createErr: &HTTPError{StatusCode: 500, Message: "boom"}}
	facade := NewFacade(FacadeOptions{Registry: registry})
	if _, err := facade.Create(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1"}); err == nil {
		t.Fatalf("expected create failure")
	}
	if facade.State() != StateNone {
		t.Fatalf("expected state none after failure, got %s", facade.State())
	}
}

func TestUpdateRequiresActiveAndValidates(t *testing.T) {
	registry := &fakeRegistry{createCfg: Config{ID: "wh_1"}}
	facade := NewFacade(FacadeOptions{Registry: registry})
	if _, err := facade.Update(context.Background(), UpdateRequest{Events: []string{"ALL"}}); !errors.Is(err, ErrNoWebhook) {
		t.Fatalf("expected ErrNoWebhook, got %v", err)
	}
	_, _ = facade.Create(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1"})

	if _, err := facade.Update(context.Background(), UpdateRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected empty update to be invalid, got %v", err)
	}
	cfg, err := facade.Update(context.Background(), UpdateRequest{Events: []string{"messages_upsert"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.ID != "wh_1" || cfg.Events[0] != "MESSAGES_UPSERT" {
		t.Fatalf("unexpected updated config %+v", cfg)
	}
	if facade.State() != StateActive {
		t.Fatalf("expected active after edit, got %s", facade.State())
	}
}

func TestDeleteClearsActiveConfig(t *testing.T) {
	registry := &fakeRegistry{createCfg: Config{ID: "wh_1"}}
	facade := NewFacade(FacadeOptions{Registry: registry})
	_, _ = facade.Create(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1"})

	if err := facade.Delete(context.Background(), ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := facade.Active(); ok {
		t.Fatalf("expected active config cleared")
	}
	if facade.State() != StateNone {
		t.Fatalf("expected none after delete, got %s", facade.State())
	}
	if err := facade.Delete(context.Background(), ""); !errors.Is(err, ErrNoWebhook) {
		t.Fatalf("expected ErrNoWebhook, got %v", err)
	}
}

func TestDeleteFailureKeepsActiveConfig(t *testing.T) {
	registry := &fakeRegistry{createCfg: Config{ID: "wh_1"}, deleteErr: map[string]error{"wh_1": &HTTPError{StatusCode: 500}}}
	facade := NewFacade(FacadeOptions{Registry: registry})
	_, _ = facade.Create(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1"})
	if err := facade.Delete(context.Background(), "wh_1"); err == nil {
		t.Fatalf("expected delete failure")
	}
	if _, ok := facade.Active(); !ok || facade.State() != StateActive {
		t.Fatalf("expected active config kept after failed delete")
	}
}

func TestLoadAdoptsRemoteConfig(t *testing.T) {
	registry := &fakeRegistry{getCfg: &Config{ID: "wh_9", UserID: "u1", SessionID: "s1"}}
	facade := NewFacade(FacadeOptions{Registry: registry})
	cfg, ok, err := facade.Load(context.Background(), "u1")
	if err != nil || !ok || cfg.ID != "wh_9" {
		t.Fatalf("expected wh_9, got %+v ok=%v err=%v", cfg, ok, err)
	}
	if facade.State() != StateActive {
		t.Fatalf("expected active after load, got %s", facade.State())
	}
	registry.getCfg = nil
	if _, ok, _ := facade.Load(context.Background(), "u1"); ok || facade.State() != StateNone {
		t.Fatalf("expected none after remote removal")
	}
}

func TestCleanupOrphansDeletesStaleSessions(t *testing.T) {
	registry := &fakeRegistry{
		webhooks: []Config{
			{ID: "wh_live", SessionID: "s1"},
			{ID: "wh_named", SessionID: "ventas"},
			{ID: "wh_gone", SessionID: "s2"},
			{ID: "wh_fail", SessionID: "s3"},
		},
		sessions:  []Session{{ID: "s1"}, {ID: "x", Name: "ventas"}},
		deleteErr: map[string]error{"wh_fail": &HTTPError{StatusCode: 500, Message: "boom"}},
	}
	facade := NewFacade(FacadeOptions{Registry: registry})

	deleted, err := facade.CleanupOrphans(context.Background(), "u1")
	if err == nil {
		t.Fatalf("expected joined error for failed delete")
	}
	if len(deleted) != 1 || deleted[0] != "wh_gone" {
		t.Fatalf("expected only wh_gone deleted, got %v", deleted)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 500 {
		t.Fatalf("expected wrapped HTTPError, got %v", err)
	}
}

func TestValidateCreateSchema(t *testing.T) {
	ok := CreateRequest{UserID: "u1", SessionID: "s1", Events: []string{"ALL", "MESSAGES_UPSERT"}, WebhookURL: "https://example.com/hook"}
	if err := ValidateCreate(ok); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
	bad := CreateRequest{UserID: "u1", SessionID: "s1", Events: []string{"lower"}}
	var vErr *ValidationError
	if err := ValidateCreate(bad); !errors.As(err, &vErr) || len(vErr.Problems) == 0 {
		t.Fatalf("expected validation problems, got %v", err)
	}
}
