package realtime

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestRouter(sink Sink) *Router {
	return NewRouter(RouterOptions{
		Sink:  sink,
		Now:   func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string { return "generated-id" },
	})
}

func TestDispatchClassifiesFrames(t *testing.T) {
	cases := []struct {
		frame string
		want  FrameKind
	}{
		{`{"type":"authenticated","stats":{"totalNotifications":3}}`, FrameAuthenticated},
		{`{"type":"notification","data":{"id":"n1","eventType":"MESSAGES_UPSERT"}}`, FrameNotification},
		{`{"type":"notifications","data":[{"id":"n1","eventType":"X"}]}`, FrameNotifications},
		{`{"type":"notificationMarkedAsRead","notificationId":"n1"}`, FrameMarkedRead},
		{`{"type":"error","message":"bad token"}`, FrameError},
		{`{"type":"ping"}`, FrameHeartbeat},
		{`{"type":"pong"}`, FrameHeartbeat},
		{`{"type":"heartbeat"}`, FrameHeartbeat},
		{`{"type":"connection_update","sessionId":"s1","data":{"state":"open"}}`, FrameGatewayEvent},
		{`{"type":"welcome"}`, FrameUnknown},
		{`{"type":`, FrameMalformed},
		{`[1,2,3]`, FrameMalformed},
	}
	for _, tc := range cases {
		sink := &recordingSink{}
		if got := newTestRouter(sink).Dispatch([]byte(tc.frame)); got != tc.want {
			t.Fatalf("frame %s: expected %s, got %s", tc.frame, tc.want, got)
		}
	}
}

func TestDispatchForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRouter(sink)

	r.Dispatch([]byte(`{"type":"authenticated","stats":{"totalNotifications":3,"unreadNotifications":1,"webhookActive":true}}`))
	r.Dispatch([]byte(`{"type":"notifications","notifications":[{"id":"h1","eventType":"X"},{"id":"h2","eventType":"Y"}]}`))
	r.Dispatch([]byte(`{"type":"notificationMarkedAsRead","notificationId":"h1"}`))
	r.Dispatch([]byte(`{"type":"welcome"}`))
	r.Dispatch([]byte(`{"type":"error","message":"x"}`))

	if len(sink.stats) != 1 || sink.stats[0].TotalNotifications != 3 || !sink.stats[0].WebhookActive {
		t.Fatalf("expected adopted stats snapshot, got %+v", sink.stats)
	}
	if len(sink.replaced) != 1 || len(sink.replaced[0]) != 2 {
		t.Fatalf("expected wholesale list replacement, got %+v", sink.replaced)
	}
	if len(sink.marked) != 1 || sink.marked[0] != "h1" {
		t.Fatalf("expected h1 marked read, got %v", sink.marked)
	}
	if len(sink.ingested) != 0 {
		t.Fatalf("expected no ingestion from non-notification frames, got %d", len(sink.ingested))
	}
}

func TestDispatchNormalizesNotificationDefaults(t *testing.T) {
	sink := &recordingSink{}
	newTestRouter(sink).Dispatch([]byte(`{"type":"notification","data":{"sessionId":"s1"}}`))
	if len(sink.ingested) != 1 {
		t.Fatalf("expected one ingested notification, got %d", len(sink.ingested))
	}
	n := sink.ingested[0]
	if n.ID != "generated-id" || n.EventType != "UNKNOWN" || n.Read || n.Source != "whatsapp" {
		t.Fatalf("expected defaulted fields, got %+v", n)
	}
	if n.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("expected current timestamp, got %s", n.Timestamp)
	}
}

func TestDispatchKeepsProvidedFields(t *testing.T) {
	sink := &recordingSink{}
	newTestRouter(sink).Dispatch([]byte(`{"type":"notification","data":{"id":"n1","eventType":"MESSAGES_UPSERT","sessionId":"s1","timestamp":"T0","read":true,"source":"external","eventData":{"k":1}}}`))
	n := sink.ingested[0]
	if n.ID != "n1" || n.Timestamp != "T0" || !n.Read || n.Source != "external" || string(n.EventData) != `{"k":1}` {
		t.Fatalf("expected provided fields kept, got %+v", n)
	}
}

func TestDispatchSynthesizesGatewayEvents(t *testing.T) {
	sink := &recordingSink{}
	newTestRouter(sink).Dispatch([]byte(`{"type":"messages_update","sessionId":"s1","timestamp":1772366400000,"data":{"key":"v"}}`))
	if len(sink.ingested) != 1 {
		t.Fatalf("expected synthesized notification")
	}
	n := sink.ingested[0]
	if n.EventType != "MESSAGES_UPDATE" || n.SessionID != "s1" || n.Read || string(n.EventData) != `{"key":"v"}` {
		t.Fatalf("unexpected synthesized notification %+v", n)
	}
	if !strings.HasPrefix(n.Timestamp, "2026-03-01T") {
		t.Fatalf("expected epoch millis converted to ISO time, got %s", n.Timestamp)
	}
}

func TestInstallIsIdempotentPerConnection(t *testing.T) {
	transport := newFakeTransport()
	conn := newConn("c1", "ws://x", transport, time.Now())
	r := newTestRouter(&recordingSink{})
	identity := ChannelIdentity{UserID: "u1", Source: IdentityUser}

	installed, err := r.Install(context.Background(), conn, identity)
	if err != nil || !installed {
		t.Fatalf("expected first install, got installed=%v err=%v", installed, err)
	}
	installed, err = r.Install(context.Background(), conn, identity)
	if err != nil || installed {
		t.Fatalf("expected second install to be a no-op, got installed=%v err=%v", installed, err)
	}
	types := transport.sentTypes()
	if len(types) != 1 || types[0] != "authenticate" {
		t.Fatalf("expected a single authenticate frame, got %v", types)
	}
	if frame := transport.sentFrame("authenticate"); frame["userId"] != "u1" {
		t.Fatalf("expected userId u1, got %v", frame["userId"])
	}
}

func TestAuthenticateRequiresIdentity(t *testing.T) {
	conn := newConn("c1", "ws://x", newFakeTransport(), time.Now())
	if err := newTestRouter(nil).Authenticate(context.Background(), conn, ChannelIdentity{}); err != ErrNoIdentity {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}
