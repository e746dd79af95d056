package realtime

import "strings"

// SessionRef is the selected gateway session as the dashboard knows it.
type SessionRef struct {
	ID      string
	Name    string
	BotName string
}

type UserRef struct {
	ID string
}

// WebhookOwner is the owner recorded on the active webhook config.
type WebhookOwner struct {
	UserID    string
	SessionID string
}

type IdentitySource string

const (
	IdentityWebhookOwner IdentitySource = "webhook_owner"
	IdentitySessionName  IdentitySource = "session_name"
	IdentityBotName      IdentitySource = "bot_name"
	IdentitySessionID    IdentitySource = "session_id"
	IdentityUser         IdentitySource = "user"
	IdentityNone         IdentitySource = ""
)

// ChannelIdentity is the user id sent in the authenticate frame.
type ChannelIdentity struct {
	UserID string         `json:"userId"`
	Source IdentitySource `json:"source"`
}

func (c ChannelIdentity) Empty() bool {
	return c.UserID == ""
}

// ResolveChannelIdentity picks the id the push server files events under.
// Precedence: the active webhook's owner when it belongs to the selected
// session, then the session name, the bot name, the raw session id, and
// finally the dashboard user.
func ResolveChannelIdentity(session SessionRef, user UserRef, owner *WebhookOwner) ChannelIdentity {
	if owner != nil {
		ownerID := strings.TrimSpace(owner.UserID)
		ownerSession := strings.TrimSpace(owner.SessionID)
		if ownerID != "" && (ownerSession == "" || ownerSession == strings.TrimSpace(session.ID) || ownerSession == strings.TrimSpace(session.Name)) {
			return ChannelIdentity{UserID: ownerID, Source: IdentityWebhookOwner}
		}
	}
	candidates := []struct {
		value  string
		source IdentitySource
	}{
		{session.Name, IdentitySessionName},
		{session.BotName, IdentityBotName},
		{session.ID, IdentitySessionID},
		{user.ID, IdentityUser},
	}
	for _, c := range candidates {
		if v := strings.TrimSpace(c.value); v != "" {
			return ChannelIdentity{UserID: v, Source: c.source}
		}
	}
	return ChannelIdentity{Source: IdentityNone}
}
