// Package httpapi serves the local dashboard API: connection state,
// notifications, webhook management and a websocket stream of live events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JhonnM62/panelapinext-sub001/internal/livesync"
	"github.com/JhonnM62/panelapinext-sub001/internal/metrics"
	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
	"github.com/JhonnM62/panelapinext-sub001/internal/realtime"
	"github.com/JhonnM62/panelapinext-sub001/internal/webhook"
)

// Backend is what the API serves. *livesync.Coordinator implements it.
type Backend interface {
	Selection() livesync.Selection
	Connection() realtime.Status
	Notifications(limit int) []notifications.Notification
	Stats() notifications.Stats
	MarkAsRead(ctx context.Context, notificationID string) error
	Webhook() (webhook.Config, bool)
	WebhookState() webhook.State
	CreateWebhook(ctx context.Context, events []string, clientURL string) (webhook.Config, error)
	UpdateWebhook(ctx context.Context, req webhook.UpdateRequest) (webhook.Config, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
	TestWebhook(ctx context.Context, webhookID string) (webhook.TestResult, error)
	CleanupOrphans(ctx context.Context) ([]string, error)
	SubscribeConnection(fn realtime.Subscriber) func()
	SubscribeNotifications(fn notifications.Listener) func()
}

var _ Backend = (*livesync.Coordinator)(nil)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamOrigins are extra origin patterns accepted on /v1/stream.
	StreamOrigins []string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Server struct {
	backend     Backend
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(backend Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend Backend, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{backend: backend, cfg: cfg, logger: logger, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connected": s.backend.Connection().Connected})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil:
		s.cfg.Metrics.Handler().ServeHTTP(w, r)
		return
	case r.URL.Path == "/" || r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "connection" && r.Method == http.MethodGet:
		requiredScope, route = ScopeNotificationsRead, "connection"
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		requiredScope, route = ScopeNotificationsRead, "stats"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		requiredScope, route = ScopeNotificationsRead, "notifications"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && r.Method == http.MethodPost:
		requiredScope, route = ScopeNotificationsWrite, "mark_read"
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		requiredScope, route = ScopeNotificationsRead, "stream"
	case len(parts) == 2 && parts[1] == "webhook" && r.Method == http.MethodGet:
		requiredScope, route = ScopeNotificationsRead, "webhook_get"
	case len(parts) == 2 && parts[1] == "webhook" && r.Method == http.MethodPost:
		requiredScope, route = ScopeWebhookWrite, "webhook_create"
	case len(parts) == 2 && parts[1] == "webhook" && r.Method == http.MethodPut:
		requiredScope, route = ScopeWebhookWrite, "webhook_update"
	case len(parts) == 2 && parts[1] == "webhook" && r.Method == http.MethodDelete:
		requiredScope, route = ScopeWebhookWrite, "webhook_delete"
	case len(parts) == 3 && parts[1] == "webhook" && parts[2] == "test" && r.Method == http.MethodPost:
		requiredScope, route = ScopeWebhookWrite, "webhook_test"
	case len(parts) == 3 && parts[1] == "webhook" && parts[2] == "cleanup" && r.Method == http.MethodPost:
		requiredScope, route = ScopeWebhookWrite, "webhook_cleanup"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "panelsync_" + uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	claims, authErr := authorizeBearer(bearerToken(r), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && route != "stream" {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "connection":
		s.handleConnection(w)
	case "stats":
		writeJSON(w, http.StatusOK, s.backend.Stats())
	case "notifications":
		s.handleNotifications(w, r)
	case "mark_read":
		s.handleMarkRead(w, r, parts[2], correlationID)
	case "stream":
		s.handleStream(w, r, correlationID)
	case "webhook_get":
		s.handleWebhookGet(w, correlationID)
	case "webhook_create":
		s.handleWebhookCreate(w, r, correlationID)
	case "webhook_update":
		s.handleWebhookUpdate(w, r, correlationID)
	case "webhook_delete":
		s.handleWebhookDelete(w, r, correlationID)
	case "webhook_test":
		s.handleWebhookTest(w, r, correlationID)
	case "webhook_cleanup":
		s.handleWebhookCleanup(w, r, correlationID)
	}
}

type connectionResponse struct {
	realtime.Status
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Session   string `json:"sessionName,omitempty"`
}

func (s *Server) handleConnection(w http.ResponseWriter) {
	sel := s.backend.Selection()
	writeJSON(w, http.StatusOK, connectionResponse{
		Status:    s.backend.Connection(),
		UserID:    sel.UserID,
		SessionID: sel.Session.ID,
		Session:   sel.Session.Name,
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), notifications.DefaultListCapacity, 1, 1000)
	items := s.backend.Notifications(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": items,
		"stats":         s.backend.Stats(),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, notificationID, correlationID string) {
	if strings.TrimSpace(notificationID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing notification id", correlationID)
		return
	}
	if err := s.backend.MarkAsRead(r.Context(), notificationID); err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"notificationId": notificationID,
		"read":           true,
		"stats":          s.backend.Stats(),
	})
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, correlationID string) {
	cfg, ok := s.backend.Webhook()
	if !ok {
		writeError(w, http.StatusNotFound, "no_webhook", webhook.ErrNoWebhook.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhook": cfg, "state": s.backend.WebhookState()})
}

type createWebhookRequest struct {
	Events     []string `json:"events"`
	WebhookURL string   `json:"webhookUrl"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req createWebhookRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	cfg, err := s.backend.CreateWebhook(r.Context(), req.Events, req.WebhookURL)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleWebhookUpdate(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req webhook.UpdateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	cfg, err := s.backend.UpdateWebhook(r.Context(), req)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.backend.DeleteWebhook(r.Context(), r.URL.Query().Get("id")); err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request, correlationID string) {
	result, err := s.backend.TestWebhook(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebhookCleanup(w http.ResponseWriter, r *http.Request, correlationID string) {
	deleted, err := s.backend.CleanupOrphans(r.Context())
	resp := map[string]any{"deleted": deleted}
	if err != nil {
		if deleted == nil {
			s.writeBackendError(w, err, correlationID)
			return
		}
		resp["error"] = err.Error()
		writeJSON(w, http.StatusMultiStatus, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeBackendError maps domain errors onto API responses.
func (s *Server) writeBackendError(w http.ResponseWriter, err error, correlationID string) {
	var vErr *webhook.ValidationError
	var httpErr *webhook.HTTPError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "invalid_input",
			"message":       err.Error(),
			"problems":      vErr.Problems,
			"correlationId": correlationID,
		})
	case errors.Is(err, webhook.ErrInvalidInput), errors.Is(err, notifications.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, webhook.ErrNoSession), errors.Is(err, webhook.ErrUnauthenticated):
		writeError(w, http.StatusConflict, "no_selection", err.Error(), correlationID)
	case errors.Is(err, webhook.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err.Error(), correlationID)
	case errors.Is(err, webhook.ErrNoWebhook):
		writeError(w, http.StatusNotFound, "no_webhook", err.Error(), correlationID)
	case errors.Is(err, notifications.ErrNotFound), errors.Is(err, webhook.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, notifications.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error(), correlationID)
	case errors.As(err, &httpErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":           "upstream_error",
			"message":        httpErr.Message,
			"upstreamStatus": httpErr.StatusCode,
			"upstreamCode":   httpErr.Code,
			"correlationId":  correlationID,
		})
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
