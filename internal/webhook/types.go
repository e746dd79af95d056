package webhook

import (
	"encoding/json"
	"strings"
)

// EventAll subscribes a webhook to every gateway event.
const EventAll = "ALL"

// Config is one webhook registration. The registry returns the identifier
// as either "id" or "webhookId"; both decode into ID.
type Config struct {
	ID               string          `json:"webhookId"`
	UserID           string          `json:"userId"`
	SessionID        string          `json:"sessionId"`
	WebhookURL       string          `json:"webhookUrl,omitempty"`
	ClientWebhookURL string          `json:"clientWebhookUrl,omitempty"`
	Events           []string        `json:"events"`
	Active           bool            `json:"active"`
	CreatedAt        string          `json:"createdAt,omitempty"`
	DeliverySettings json.RawMessage `json:"deliverySettings,omitempty"`
}

func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	var wire struct {
		plain
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*c = Config(wire.plain)
	if c.ID == "" {
		c.ID = wire.AltID
	}
	return nil
}

type CreateRequest struct {
	UserID     string   `json:"userId"`
	SessionID  string   `json:"sessionId"`
	Events     []string `json:"events"`
	WebhookURL string   `json:"webhookUrl,omitempty"`
}

type UpdateRequest struct {
	Events     []string `json:"events,omitempty"`
	WebhookURL *string  `json:"webhookUrl,omitempty"`
	Active     *bool    `json:"active,omitempty"`
}

// TestResult is the registry's report of a test delivery.
type TestResult struct {
	Delivered  bool   `json:"delivered"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Session is a gateway session. The gateway names sessions in Spanish
// (nombresesion, nombrebot); either naming decodes.
type Session struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	BotName string `json:"botName,omitempty"`
	Status  string `json:"status,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

func (s *Session) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*s = Session{ID: id}
		return nil
	}
	var wire struct {
		ID           string `json:"id"`
		SessionID    string `json:"sessionId"`
		Name         string `json:"name"`
		NombreSesion string `json:"nombresesion"`
		BotName      string `json:"botName"`
		NombreBot    string `json:"nombrebot"`
		Status       string `json:"status"`
		Estado       string `json:"estado"`
		UserID       string `json:"userId"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*s = Session{
		ID:      firstNonEmpty(wire.ID, wire.SessionID, wire.NombreSesion),
		Name:    firstNonEmpty(wire.Name, wire.NombreSesion),
		BotName: firstNonEmpty(wire.BotName, wire.NombreBot),
		Status:  firstNonEmpty(wire.Status, wire.Estado),
		UserID:  wire.UserID,
	}
	return nil
}

type SessionStatus struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// normalizeEvents trims and de-duplicates tags; an empty list means ALL.
func normalizeEvents(events []string) []string {
	out := make([]string, 0, len(events))
	seen := map[string]bool{}
	for _, e := range events {
		e = strings.ToUpper(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	if len(out) == 0 {
		return []string{EventAll}
	}
	return out
}
