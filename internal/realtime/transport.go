package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
)

// Transport is one live push connection. Receive blocks until a frame
// arrives or the transport fails; after Close every call returns an error.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	Open() bool
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

type DialerFunc func(ctx context.Context, url string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}

// WebSocketDialer opens push connections over websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	// ReadLimit caps a single inbound frame. Zero keeps the library default.
	ReadLimit int64
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return NewWebSocketTransport(conn), nil
}

type wsTransport struct {
	conn      *websocket.Conn
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketTransport wraps an already open websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(ctx context.Context, payload []byte) error {
	if t.closed.Load() {
		return ErrNotConnected
	}
	if err := t.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.markClosed(err)
		return err
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrNotConnected
	}
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		t.markClosed(err)
		return nil, err
	}
	return data, nil
}

// markClosed records a failed read or write. The library tears the
// connection down on any such error, cancelled contexts included.
func (t *wsTransport) markClosed(err error) {
	if err == nil {
		return
	}
	t.closed.Store(true)
}

// CloseStatus extracts the websocket close code from a Receive error, or -1.
func CloseStatus(err error) int {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code)
	}
	return -1
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.conn.Close(websocket.StatusNormalClosure, "")
	})
	return t.closeErr
}

func (t *wsTransport) Open() bool {
	return !t.closed.Load()
}
