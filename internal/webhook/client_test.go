package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(server.URL, "token", server.Client()).WithRetry(3, time.Millisecond, 5*time.Millisecond)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, `{"success":false,"message":"retry"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"id":"wh_1","userId":"u1","sessionId":"s1","events":["ALL"],"active":true}}`)
	})
	cfg, err := client.UpdateWebhook(context.Background(), "wh_1", UpdateRequest{Events: []string{"ALL"}})
	if err != nil {
		t.Fatalf("expected retry to recover from 503, got %v", err)
	}
	if cfg.ID != "wh_1" {
		t.Fatalf("expected id normalized from \"id\", got %q", cfg.ID)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestHTTPClientCreateIsNotRetriedOnServerError(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Idempotency-Key") == "" {
			t.Errorf("expected idempotency key on create")
		}
		writeJSON(w, http.StatusBadGateway, `{"success":false,"message":"upstream"}`)
	})
	_, err := client.CreateWebhook(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1", Events: []string{"ALL"}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 HTTPError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected create to be sent once, got %d", calls)
	}
}

func TestHTTPClientCreateRetriesThrottleWithSameKey(t *testing.T) {
	var (
		calls int32
		keys  = make(chan string, 2)
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, `{"success":false,"message":"slow down"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"id":"wh_1","userId":"u1","sessionId":"s1","events":["ALL"],"active":true}}`)
	})
	if _, err := client.CreateWebhook(context.Background(), CreateRequest{UserID: "u1", SessionID: "s1", Events: []string{"ALL"}}); err != nil {
		t.Fatalf("expected create to recover from 429, got %v", err)
	}
	first, second := <-keys, <-keys
	if first == "" || first != second {
		t.Fatalf("expected one idempotency key across attempts, got %q and %q", first, second)
	}
}

func TestHTTPClientTestWebhookRejectsMalformedReport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true,"data":"delivered?"}`)
	})
	if _, err := client.TestWebhook(context.Background(), "wh_1"); err == nil {
		t.Fatalf("expected malformed test report to fail")
	}
}

func TestHTTPClientTestWebhookReport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhook/wh_1/test" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"delivered":false,"statusCode":500}}`)
	})
	result, err := client.TestWebhook(context.Background(), "wh_1")
	if err != nil {
		t.Fatalf("test webhook: %v", err)
	}
	if result.Delivered || result.StatusCode != 500 {
		t.Fatalf("expected failed delivery report, got %+v", result)
	}
}

func TestHTTPClientSendsAuthAndCorrelation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"webhookId":"wh_2","userId":"u1","sessionId":"s1","events":["ALL"]}}`)
	})
	cfg, ok, err := client.GetWebhook(context.Background(), "u1")
	if err != nil || !ok || cfg.ID != "wh_2" {
		t.Fatalf("expected wh_2, got %+v ok=%v err=%v", cfg, ok, err)
	}
}

func TestHTTPClientClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusBadRequest, `{"success":false,"code":"bad_request","message":"events required"}`)
	})
	err := client.DeleteWebhook(context.Background(), "wh_1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != 400 || httpErr.Code != "bad_request" || httpErr.Message != "events required" || httpErr.Retryable() {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if IsRetryable(err) {
		t.Fatalf("expected 400 to be permanent")
	}
}

func TestHTTPClientStatsToleratesAbsence(t *testing.T) {
	status := http.StatusNotFound
	body := `{"success":false,"message":"no webhook"}`
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhook/stats/u1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(w, status, body)
	})

	if _, ok, err := client.Stats(context.Background(), "u1"); err != nil || ok {
		t.Fatalf("expected 404 to mean no webhook, got ok=%v err=%v", ok, err)
	}

	status = http.StatusOK
	if _, ok, err := client.Stats(context.Background(), "u1"); err != nil || ok {
		t.Fatalf("expected success=false to mean no webhook, got ok=%v err=%v", ok, err)
	}

	body = `{"success":true,"data":{"totalNotifications":4,"unreadNotifications":2,"webhookActive":true,"webhookId":"wh_1","events":["ALL"],"extra":1}}`
	stats, ok, err := client.Stats(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("expected stats, got ok=%v err=%v", ok, err)
	}
	if stats.TotalNotifications != 4 || stats.UnreadNotifications != 2 || stats.WebhookID != "wh_1" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHTTPClientNotificationsShapes(t *testing.T) {
	body := `{"success":true,"data":{"notifications":[{"id":"n1","eventType":"X"}]}}`
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "20" || r.URL.Query().Get("offset") != "40" {
			t.Errorf("expected limit/offset forwarded, got %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, body)
	})
	list, err := client.Notifications(context.Background(), "u1", 20, 40)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected wrapped list, got %v %v", list, err)
	}

	body = `{"success":true,"data":[{"id":"n1","eventType":"X"},{"id":"n2","eventType":"Y"}]}`
	if list, err = client.Notifications(context.Background(), "u1", 20, 40); err != nil || len(list) != 2 {
		t.Fatalf("expected bare list, got %v %v", list, err)
	}

	body = `{"success":true}`
	if list, err = client.Notifications(context.Background(), "u1", 20, 40); err != nil || len(list) != 0 {
		t.Fatalf("expected empty list for absent data, got %v %v", list, err)
	}
}

func TestHTTPClientMarkRead(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/webhook/notifications/u1/n1/read" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]bool
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !body["read"] {
			t.Errorf("expected read=true body, got %v", body)
		}
		writeJSON(w, http.StatusOK, `{"success":true}`)
	})
	if err := client.MarkRead(context.Background(), "u1", "n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := client.MarkRead(context.Background(), "", "n1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing user, got %v", err)
	}
}

func TestHTTPClientSessions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions":
			writeJSON(w, http.StatusOK, `{"success":true,"data":["plain",{"nombresesion":"ventas","nombrebot":"bot","estado":"open"}]}`)
		case "/sessions/ventas/status":
			writeJSON(w, http.StatusOK, `{"success":true,"data":{"status":"connected"}}`)
		default:
			writeJSON(w, http.StatusNotFound, `{}`)
		}
	})
	sessions, err := client.ListSessions(context.Background())
	if err != nil || len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %v %v", sessions, err)
	}
	if sessions[0].ID != "plain" || sessions[1].ID != "ventas" || sessions[1].BotName != "bot" || sessions[1].Status != "open" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	status, err := client.SessionStatus(context.Background(), "ventas")
	if err != nil || !status.Connected || status.SessionID != "ventas" {
		t.Fatalf("expected connected status, got %+v %v", status, err)
	}
}

func TestRetryDelayHonoursRetryAfter(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := client.retryDelay(1, "120"); got != 2*time.Second {
		t.Fatalf("expected cap at max delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential 400ms, got %s", got)
	}
}
