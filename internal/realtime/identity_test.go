package realtime

import "testing"

func TestResolveChannelIdentityPrecedence(t *testing.T) {
	session := SessionRef{ID: "sess-1", Name: "ventas", BotName: "bot-ventas"}
	user := UserRef{ID: "user-1"}

	cases := []struct {
		name    string
		session SessionRef
		owner   *WebhookOwner
		want    ChannelIdentity
	}{
		{"owner of selected session", session, &WebhookOwner{UserID: "owner-1", SessionID: "sess-1"}, ChannelIdentity{"owner-1", IdentityWebhookOwner}},
		{"owner matched by session name", session, &WebhookOwner{UserID: "owner-1", SessionID: "ventas"}, ChannelIdentity{"owner-1", IdentityWebhookOwner}},
		{"owner of another session", session, &WebhookOwner{UserID: "owner-1", SessionID: "other"}, ChannelIdentity{"ventas", IdentitySessionName}},
		{"session name", session, nil, ChannelIdentity{"ventas", IdentitySessionName}},
		{"bot name", SessionRef{ID: "sess-1", BotName: "bot-ventas"}, nil, ChannelIdentity{"bot-ventas", IdentityBotName}},
		{"session id", SessionRef{ID: "sess-1"}, &WebhookOwner{}, ChannelIdentity{"sess-1", IdentitySessionID}},
		{"user fallback", SessionRef{Name: "  "}, nil, ChannelIdentity{"user-1", IdentityUser}},
	}
	for _, tc := range cases {
		if got := ResolveChannelIdentity(tc.session, user, tc.owner); got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, got)
		}
	}

	if got := ResolveChannelIdentity(SessionRef{}, UserRef{}, nil); !got.Empty() {
		t.Fatalf("expected empty identity, got %+v", got)
	}
}
