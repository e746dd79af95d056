package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JhonnM62/panelapinext-sub001/internal/metrics"
	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
)

// Registry is the remote webhook registry and session API.
type Registry interface {
	CreateWebhook(ctx context.Context, req CreateRequest) (Config, error)
	UpdateWebhook(ctx context.Context, webhookID string, req UpdateRequest) (Config, error)
	GetWebhook(ctx context.Context, userID string) (Config, bool, error)
	ListWebhooks(ctx context.Context, userID string) ([]Config, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
	TestWebhook(ctx context.Context, webhookID string) (TestResult, error)
	Stats(ctx context.Context, userID string) (notifications.Stats, bool, error)
	Notifications(ctx context.Context, userID string, limit, offset int) ([]notifications.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	ListSessions(ctx context.Context) ([]Session, error)
	SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error)
}

// envelope is the registry's response wrapper.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (e envelope) ok() bool {
	return e.Success == nil || *e.Success
}

func (e envelope) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	metrics    *metrics.Metrics
}

var _ Registry = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// WithMetrics records every call on m.
func (c *HTTPClient) WithMetrics(m *metrics.Metrics) *HTTPClient {
	c.metrics = m
	return c
}

// WithRetry overrides the retry policy. maxRetries 0 disables retries.
func (c *HTTPClient) WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) *HTTPClient {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
	return c
}

// CreateWebhook is not idempotent on the registry, so only a 429 is retried.
// Every attempt carries the same Idempotency-Key for registries that honour it.
func (c *HTTPClient) CreateWebhook(ctx context.Context, req CreateRequest) (Config, error) {
	env, err := c.send(ctx, "create", http.MethodPost, "/webhook/create", req, callOptions{
		idempotencyKey: uuid.NewString(),
		throttleOnly:   true,
	})
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := decodeData(env, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *HTTPClient) UpdateWebhook(ctx context.Context, webhookID string, req UpdateRequest) (Config, error) {
	if strings.TrimSpace(webhookID) == "" {
		return Config{}, ErrInvalidInput
	}
	env, err := c.do(ctx, "update", http.MethodPut, "/webhook/"+url.PathEscape(webhookID), req)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := decodeData(env, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GetWebhook reports false when the user has no webhook.
func (c *HTTPClient) GetWebhook(ctx context.Context, userID string) (Config, bool, error) {
	env, err := c.do(ctx, "get", http.MethodGet, "/webhook/config/"+url.PathEscape(userID), nil)
	if errors.Is(err, ErrNotFound) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, err
	}
	if !env.ok() || isNull(env.Data) {
		return Config{}, false, nil
	}
	var cfg Config
	if err := decodeData(env, &cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, cfg.ID != "", nil
}

func (c *HTTPClient) ListWebhooks(ctx context.Context, userID string) ([]Config, error) {
	env, err := c.do(ctx, "list", http.MethodGet, "/webhook/list/"+url.PathEscape(userID), nil)
	if errors.Is(err, ErrNotFound) {
		return []Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	if isNull(env.Data) {
		return []Config{}, nil
	}
	var list []Config
	if err := json.Unmarshal(env.Data, &list); err != nil {
		var wrapped struct {
			Webhooks []Config `json:"webhooks"`
		}
		if err2 := json.Unmarshal(env.Data, &wrapped); err2 != nil {
			return nil, err
		}
		list = wrapped.Webhooks
	}
	return list, nil
}

func (c *HTTPClient) DeleteWebhook(ctx context.Context, webhookID string) error {
	if strings.TrimSpace(webhookID) == "" {
		return ErrInvalidInput
	}
	_, err := c.do(ctx, "delete", http.MethodDelete, "/webhook/"+url.PathEscape(webhookID), nil)
	return err
}

func (c *HTTPClient) TestWebhook(ctx context.Context, webhookID string) (TestResult, error) {
	if strings.TrimSpace(webhookID) == "" {
		return TestResult{}, ErrInvalidInput
	}
	env, err := c.do(ctx, "test", http.MethodPost, "/webhook/"+url.PathEscape(webhookID)+"/test", struct{}{})
	if err != nil {
		return TestResult{}, err
	}
	result := TestResult{Delivered: env.ok(), Message: env.text()}
	if !isNull(env.Data) {
		if err := json.Unmarshal(env.Data, &result); err != nil {
			return TestResult{}, fmt.Errorf("decode test response: %w", err)
		}
	}
	return result, nil
}

// Stats reports false when the registry has no webhook for the user: a 404
// or an envelope with success=false.
func (c *HTTPClient) Stats(ctx context.Context, userID string) (notifications.Stats, bool, error) {
	env, err := c.do(ctx, "stats", http.MethodGet, "/webhook/stats/"+url.PathEscape(userID), nil)
	if errors.Is(err, ErrNotFound) {
		return notifications.Stats{}, false, nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == codeUnsuccessful {
		return notifications.Stats{}, false, nil
	}
	if err != nil {
		return notifications.Stats{}, false, err
	}
	if isNull(env.Data) {
		return notifications.Stats{}, false, nil
	}
	var stats notifications.Stats
	if err := json.Unmarshal(env.Data, &stats); err != nil {
		return notifications.Stats{}, false, err
	}
	return stats, true, nil
}

func (c *HTTPClient) Notifications(ctx context.Context, userID string, limit, offset int) ([]notifications.Notification, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/webhook/notifications/" + url.PathEscape(userID)
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	env, err := c.do(ctx, "notifications", http.MethodGet, path, nil)
	if errors.Is(err, ErrNotFound) {
		return []notifications.Notification{}, nil
	}
	if err != nil {
		return nil, err
	}
	return notifications.DecodeList(env.Data)
}

func (c *HTTPClient) MarkRead(ctx context.Context, userID, notificationID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(notificationID) == "" {
		return ErrInvalidInput
	}
	path := fmt.Sprintf("/webhook/notifications/%s/%s/read", url.PathEscape(userID), url.PathEscape(notificationID))
	_, err := c.do(ctx, "mark_read", http.MethodPut, path, map[string]bool{"read": true})
	return err
}

func (c *HTTPClient) ListSessions(ctx context.Context) ([]Session, error) {
	env, err := c.do(ctx, "sessions", http.MethodGet, "/sessions", nil)
	if err != nil {
		return nil, err
	}
	if isNull(env.Data) {
		return []Session{}, nil
	}
	var sessions []Session
	if err := json.Unmarshal(env.Data, &sessions); err != nil {
		var wrapped struct {
			Sessions []Session `json:"sessions"`
		}
		if err2 := json.Unmarshal(env.Data, &wrapped); err2 != nil {
			return nil, err
		}
		sessions = wrapped.Sessions
	}
	return sessions, nil
}

func (c *HTTPClient) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	if strings.TrimSpace(sessionID) == "" {
		return SessionStatus{}, ErrInvalidInput
	}
	env, err := c.do(ctx, "session_status", http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/status", nil)
	if err != nil {
		return SessionStatus{}, err
	}
	status := SessionStatus{SessionID: sessionID}
	if !isNull(env.Data) {
		if err := json.Unmarshal(env.Data, &status); err != nil {
			return SessionStatus{}, err
		}
	}
	if status.SessionID == "" {
		status.SessionID = sessionID
	}
	if !status.Connected {
		switch strings.ToLower(status.Status) {
		case "connected", "open", "authenticated":
			status.Connected = true
		}
	}
	return status, nil
}

const codeUnsuccessful = "unsuccessful"

// do sends one request with the retry policy and unwraps the envelope.
// 429 and 5xx responses and transport errors are retried.
// callOptions adjust one registry call.
type callOptions struct {
	idempotencyKey string
	// throttleOnly limits retries to 429, which the registry sends before
	// doing any work.
	throttleOnly bool
}

func (c *HTTPClient) do(ctx context.Context, operation, method, requestPath string, body any) (envelope, error) {
	return c.send(ctx, operation, method, requestPath, body, callOptions{})
}

func (c *HTTPClient) send(ctx context.Context, operation, method, requestPath string, body any, opts callOptions) (envelope, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return envelope{}, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return envelope{}, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if opts.idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", opts.idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.REST(operation, "error")
			if !opts.throttleOnly && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return envelope{}, waitErr
				}
				continue
			}
			return envelope{}, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.metrics.REST(operation, strconv.Itoa(resp.StatusCode))
		if readErr != nil {
			return envelope{}, readErr
		}

		var env envelope
		if len(bytes.TrimSpace(payload)) > 0 {
			if err := json.Unmarshal(payload, &env); err != nil && resp.StatusCode < 300 {
				return envelope{}, fmt.Errorf("decode %s response: %w", operation, err)
			}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if !env.ok() {
				return env, &HTTPError{StatusCode: resp.StatusCode, Code: codeUnsuccessful, Message: env.text()}
			}
			return env, nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && !opts.throttleOnly)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return envelope{}, waitErr
			}
			continue
		}
		return envelope{}, &HTTPError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.text()}
	}
}

func decodeData(env envelope, out any) error {
	if isNull(env.Data) {
		return fmt.Errorf("%w: empty response data", ErrInvalidInput)
	}
	return json.Unmarshal(env.Data, out)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func correlationID() string {
	return "panelsync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
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
