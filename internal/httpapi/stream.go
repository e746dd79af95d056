package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
	"github.com/JhonnM62/panelapinext-sub001/internal/realtime"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// streamFrame is one message on /v1/stream.
type streamFrame struct {
	Type         string                      `json:"type"`
	Connection   *realtime.Status            `json:"connection,omitempty"`
	Event        notifications.EventKind     `json:"event,omitempty"`
	Notification *notifications.Notification `json:"notification,omitempty"`
	Stats        *notifications.Stats        `json:"stats,omitempty"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.StreamOrigins,
	})
	if err != nil {
		s.logger.Warn("stream upgrade failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	frames := make(chan streamFrame, streamBuffer)
	push := func(frame streamFrame) {
		select {
		case frames <- frame:
		default:
			s.logger.Warn("stream client too slow, dropping frame", "correlation_id", correlationID, "type", frame.Type)
		}
	}

	unsubConn := s.backend.SubscribeConnection(func(_ *realtime.Conn, _ bool) {
		status := s.backend.Connection()
		push(streamFrame{Type: "connection", Connection: &status})
	})
	defer unsubConn()
	unsubStore := s.backend.SubscribeNotifications(func(ev notifications.Event) {
		stats := ev.Stats
		push(streamFrame{Type: "notification", Event: ev.Kind, Notification: ev.Notification, Stats: &stats})
	})
	defer unsubStore()

	status := s.backend.Connection()
	stats := s.backend.Stats()
	if err := writeFrame(ctx, conn, streamFrame{Type: "hello", Connection: &status, Stats: &stats}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			if err := writeFrame(ctx, conn, frame); err != nil {
				s.logger.Debug("stream write failed", "correlation_id", correlationID, "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}
