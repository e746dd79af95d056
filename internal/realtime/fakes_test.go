package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JhonnM62/panelapinext-sub001/internal/notifications"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 16), done: make(chan struct{})}
}

func (t *fakeTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-t.done:
		return ErrNotConnected
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), payload...))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.inbox:
		return data, nil
	case <-t.done:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) Open() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *fakeTransport) push(v any) {
	data, _ := json.Marshal(v)
	t.inbox <- data
}

func (t *fakeTransport) sentTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var types []string
	for _, p := range t.sent {
		var f struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(p, &f)
		types = append(types, f.Type)
	}
	return types
}

func (t *fakeTransport) sentFrame(typ string) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.sent {
		var f map[string]any
		if json.Unmarshal(p, &f) == nil && f["type"] == typ {
			return f
		}
	}
	return nil
}

// fakeDialer counts dials. When gate is non-nil each dial blocks until the
// gate is closed or the dial context ends.
type fakeDialer struct {
	dials      atomic.Int32
	gate       chan struct{}
	err        error
	mu         sync.Mutex
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type recordingSink struct {
	mu       sync.Mutex
	stats    []notifications.Stats
	ingested []notifications.Notification
	replaced [][]notifications.Notification
	marked   []string
}

func (s *recordingSink) AdoptStats(stats notifications.Stats) {
	s.mu.Lock()
	s.stats = append(s.stats, stats)
	s.mu.Unlock()
}

func (s *recordingSink) Ingest(n notifications.Notification) notifications.Outcome {
	s.mu.Lock()
	s.ingested = append(s.ingested, n)
	s.mu.Unlock()
	return notifications.OutcomeAccepted
}

func (s *recordingSink) ReplaceAll(list []notifications.Notification) {
	s.mu.Lock()
	s.replaced = append(s.replaced, list)
	s.mu.Unlock()
}

func (s *recordingSink) MarkedRead(id string) {
	s.mu.Lock()
	s.marked = append(s.marked, id)
	s.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
