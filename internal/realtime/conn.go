package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotConnected   = errors.New("push channel not connected")
	ErrConnectTimeout = errors.New("push channel connect timed out")
	ErrClosed         = errors.New("connection manager closed")
	ErrNoIdentity     = errors.New("no channel identity")
)

// FrameHandler consumes raw inbound frames for one connection.
type FrameHandler func(data []byte)

// maxEarlyFrames bounds how many frames a Conn holds before its handler is
// installed.
const maxEarlyFrames = 32

// Conn is the shared handle for the current push connection. Handlers are
// installed at most once per Conn; a new connection starts without one.
type Conn struct {
	id        string
	url       string
	openedAt  time.Time
	transport Transport

	// deliverMu serializes handler calls so buffered frames flush in order.
	deliverMu sync.Mutex
	mu        sync.Mutex
	handler   FrameHandler
	early     [][]byte
	authTimer *time.Timer
	closeOnce sync.Once
}

func newConn(id, url string, transport Transport, openedAt time.Time) *Conn {
	return &Conn{id: id, url: url, transport: transport, openedAt: openedAt}
}

func (c *Conn) ID() string          { return c.id }
func (c *Conn) URL() string         { return c.url }
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

func (c *Conn) Open() bool {
	return c != nil && c.transport.Open()
}

// SetHandler installs h and reports true, or reports false when a handler
// is already installed. Frames buffered before the install are replayed to h
// in arrival order before SetHandler returns.
func (c *Conn) SetHandler(h FrameHandler) bool {
	if h == nil {
		return false
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	if c.handler != nil {
		c.mu.Unlock()
		return false
	}
	c.handler = h
	early := c.early
	c.early = nil
	c.mu.Unlock()
	for _, data := range early {
		h(data)
	}
	return true
}

func (c *Conn) HandlersInstalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

// Send encodes v as JSON and writes it as one text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, payload)
}

func (c *Conn) SendRaw(ctx context.Context, payload []byte) error {
	if !c.Open() {
		return ErrNotConnected
	}
	return c.transport.Send(ctx, payload)
}

// deliver hands data to the installed handler. Without one the frame is
// buffered for SetHandler; deliver reports false only when that buffer is
// full and the frame is dropped.
func (c *Conn) deliver(data []byte) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	h := c.handler
	if h == nil {
		if len(c.early) >= maxEarlyFrames {
			c.mu.Unlock()
			return false
		}
		c.early = append(c.early, data)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	h(data)
	return true
}

func (c *Conn) setAuthTimer(t *time.Timer) {
	c.mu.Lock()
	c.authTimer = t
	c.mu.Unlock()
}

func (c *Conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.mu.Unlock()
		err = c.transport.Close()
	})
	return err
}
