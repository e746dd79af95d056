// Package notifications keeps the de-duplicated notification list and the
// aggregate counters derived from it, plus the durable pieces behind them:
// state backends and the read-receipt outbox.
package notifications

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	SourceWhatsApp = "whatsapp"
	SourceExternal = "external"

	// EventUnknown tags frames that arrived without an event type.
	EventUnknown = "UNKNOWN"
	// EventMessagesUpsert is the gateway tag for an inbound chat message.
	EventMessagesUpsert = "MESSAGES_UPSERT"
)

type Notification struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
	Timestamp string          `json:"timestamp"`
	Read      bool            `json:"read"`
	Source    string          `json:"source,omitempty"`
}

// Stats mirrors the registry's stats payload. Fields the gateway adds later
// are dropped on decode.
type Stats struct {
	TotalNotifications  int             `json:"totalNotifications"`
	UnreadNotifications int             `json:"unreadNotifications"`
	WebhookActive       bool            `json:"webhookActive"`
	LastNotification    json.RawMessage `json:"lastNotification,omitempty"`
	ConnectedClients    int             `json:"connectedClients"`
	ConfigExists        bool            `json:"configExists"`
	SessionID           string          `json:"sessionId,omitempty"`
	WebhookID           string          `json:"webhookId,omitempty"`
	WebhookURL          string          `json:"webhookUrl,omitempty"`
	Events              []string        `json:"events,omitempty"`
}

func (s Stats) clone() Stats {
	out := s
	if s.LastNotification != nil {
		out.LastNotification = append(json.RawMessage(nil), s.LastNotification...)
	}
	if s.Events != nil {
		out.Events = append([]string(nil), s.Events...)
	}
	return out
}

func (n Notification) valid() bool {
	return strings.TrimSpace(n.ID) != "" && strings.TrimSpace(n.EventType) != ""
}

// Inbound reports whether n is an unread inbound chat message.
func (n Notification) Inbound() bool {
	return !n.Read && strings.EqualFold(n.EventType, EventMessagesUpsert)
}

// DecodeList accepts the shapes the registry uses for notification lists: a
// bare array, or an object with a "notifications" array. Empty or null input
// yields an empty list.
func DecodeList(raw json.RawMessage) ([]Notification, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Notification{}, nil
	}
	switch trimmed[0] {
	case '[':
		var list []Notification
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	case '{':
		var wrapped struct {
			Notifications []Notification `json:"notifications"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		if wrapped.Notifications == nil {
			return []Notification{}, nil
		}
		return wrapped.Notifications, nil
	default:
		return nil, ErrInvalidInput
	}
}
