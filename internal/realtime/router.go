package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JhonnM62/panelapinext-sub001/internal/metrics"
	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
)

// FrameKind is the classification of one inbound frame.
type FrameKind string

const (
	FrameAuthenticated FrameKind = "authenticated"
	FrameNotification  FrameKind = "notification"
	FrameNotifications FrameKind = "notifications"
	FrameMarkedRead    FrameKind = "notificationMarkedAsRead"
	FrameError         FrameKind = "error"
	FrameHeartbeat     FrameKind = "heartbeat"
	FrameGatewayEvent  FrameKind = "gateway_event"
	FrameUnknown       FrameKind = "unknown"
	FrameMalformed     FrameKind = "malformed"
)

// Sink receives the typed results of routing. *notifications.Store
// implements it.
type Sink interface {
	AdoptStats(stats notifications.Stats)
	Ingest(n notifications.Notification) notifications.Outcome
	ReplaceAll(list []notifications.Notification)
	MarkedRead(id string)
}

type RouterOptions struct {
	Sink    Sink
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

type Router struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Router{sink: opts.Sink, logger: logger, metrics: opts.Metrics, now: now, newID: newID}
}

type authenticateFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// Install routes conn's frames through r and authenticates the channel. It
// reports false without sending anything when conn already has a handler.
func (r *Router) Install(ctx context.Context, conn *Conn, identity ChannelIdentity) (bool, error) {
	if conn == nil {
		return false, ErrNotConnected
	}
	if !conn.SetHandler(func(data []byte) { r.Dispatch(data) }) {
		return false, nil
	}
	r.logger.Debug("frame handler installed", "connection_id", conn.ID())
	return true, r.Authenticate(ctx, conn, identity)
}

// Authenticate sends the authenticate frame. It is also used to re-announce
// the channel when the effective identity changes on a live connection.
func (r *Router) Authenticate(ctx context.Context, conn *Conn, identity ChannelIdentity) error {
	if identity.Empty() {
		return ErrNoIdentity
	}
	if err := conn.Send(ctx, authenticateFrame{Type: "authenticate", UserID: identity.UserID}); err != nil {
		return err
	}
	r.logger.Info("push channel authenticating", "connection_id", conn.ID(), "user_id", identity.UserID, "identity_source", string(identity.Source))
	return nil
}

type inboundFrame struct {
	Type           string          `json:"type"`
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionId"`
	Data           json.RawMessage `json:"data"`
	Stats          json.RawMessage `json:"stats"`
	Notifications  json.RawMessage `json:"notifications"`
	NotificationID string          `json:"notificationId"`
	Message        string          `json:"message"`
	Error          json.RawMessage `json:"error"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

// wireNotification is the loose shape of a pushed notification.
type wireNotification struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
	Timestamp json.RawMessage `json:"timestamp"`
	Read      bool            `json:"read"`
	Source    string          `json:"source"`
}

// Dispatch classifies one frame and forwards it to the sink. It never
// panics on bad input; malformed frames are logged and reported.
func (r *Router) Dispatch(data []byte) FrameKind {
	kind := r.dispatch(data)
	r.metrics.Frame(string(kind))
	return kind
}

func (r *Router) dispatch(data []byte) FrameKind {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.logger.Warn("malformed push frame", "error", err, "bytes", len(data))
		return FrameMalformed
	}
	switch frame.Type {
	case "authenticated":
		if stats, ok := r.decodeStats(frame); ok && r.sink != nil {
			r.sink.AdoptStats(stats)
		}
		r.logger.Info("push channel authenticated")
		return FrameAuthenticated
	case "notification":
		n, err := r.normalize(frame.Data)
		if err != nil {
			r.logger.Warn("malformed notification payload", "frame_type", frame.Type, "error", err)
			return FrameMalformed
		}
		if r.sink != nil {
			outcome := r.sink.Ingest(n)
			r.logger.Debug("notification routed", "notification_id", n.ID, "outcome", string(outcome))
		}
		return FrameNotification
	case "notifications":
		raw := frame.Notifications
		if len(bytes.TrimSpace(raw)) == 0 {
			raw = frame.Data
		}
		list, err := notifications.DecodeList(raw)
		if err != nil {
			r.logger.Warn("malformed notification list", "frame_type", frame.Type, "error", err)
			return FrameMalformed
		}
		if r.sink != nil {
			r.sink.ReplaceAll(list)
		}
		return FrameNotifications
	case "notificationMarkedAsRead":
		id := frame.NotificationID
		if id == "" {
			var payload struct {
				NotificationID string `json:"notificationId"`
			}
			_ = json.Unmarshal(frame.Data, &payload)
			id = payload.NotificationID
		}
		if id != "" && r.sink != nil {
			r.sink.MarkedRead(id)
		}
		return FrameMarkedRead
	case "error":
		msg := frame.Message
		if msg == "" && len(frame.Error) > 0 {
			msg = string(frame.Error)
		}
		r.logger.Warn("push server reported error", "message", msg)
		return FrameError
	case "ping", "pong", "heartbeat":
		return FrameHeartbeat
	}
	if strings.Contains(frame.Type, "_") {
		n := r.synthesize(frame)
		if r.sink != nil {
			r.sink.Ingest(n)
		}
		return FrameGatewayEvent
	}
	r.logger.Debug("ignoring push frame", "frame_type", frame.Type)
	return FrameUnknown
}

func (r *Router) decodeStats(frame inboundFrame) (notifications.Stats, bool) {
	raw := frame.Stats
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		// Some servers nest the snapshot under data.stats.
		var nested struct {
			Stats json.RawMessage `json:"stats"`
		}
		if err := json.Unmarshal(frame.Data, &nested); err != nil || len(nested.Stats) == 0 {
			return notifications.Stats{}, false
		}
		raw = nested.Stats
	}
	var stats notifications.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		r.logger.Warn("malformed stats snapshot", "error", err)
		return notifications.Stats{}, false
	}
	return stats, true
}

func (r *Router) normalize(raw json.RawMessage) (notifications.Notification, error) {
	var wire wireNotification
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &wire); err != nil {
			return notifications.Notification{}, err
		}
	}
	n := notifications.Notification{
		ID:        wire.ID,
		SessionID: wire.SessionID,
		EventType: wire.EventType,
		EventData: wire.EventData,
		Timestamp: r.timestamp(wire.Timestamp),
		Read:      wire.Read,
		Source:    wire.Source,
	}
	if n.ID == "" {
		n.ID = r.newID()
	}
	if n.EventType == "" {
		n.EventType = notifications.EventUnknown
	}
	if n.Source == "" {
		n.Source = notifications.SourceWhatsApp
	}
	return n, nil
}

func (r *Router) synthesize(frame inboundFrame) notifications.Notification {
	id := frame.ID
	if id == "" {
		id = r.newID()
	}
	data := frame.Data
	if len(bytes.TrimSpace(data)) == 0 {
		data = nil
	}
	return notifications.Notification{
		ID:        id,
		SessionID: frame.SessionID,
		EventType: strings.ToUpper(frame.Type),
		EventData: data,
		Timestamp: r.timestamp(frame.Timestamp),
		Source:    notifications.SourceWhatsApp,
	}
}

// timestamp accepts an ISO string or epoch milliseconds and falls back to
// the current time.
func (r *Router) timestamp(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
		}
	}
	return r.now().UTC().Format(time.RFC3339Nano)
}
