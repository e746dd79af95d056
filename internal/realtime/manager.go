// Package realtime owns the process-wide push connection: a single shared
// transport, single-flight connects, a subscriber registry for connection
// state, and the router that turns inbound frames into notification updates.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/JhonnM62/panelapinext-sub001/internal/metrics"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultAuthDelay      = 100 * time.Millisecond
	DefaultSettleDelay    = 100 * time.Millisecond

	connectKey = "connect"
)

// Subscriber observes connection state. conn is nil when connected is false.
type Subscriber func(conn *Conn, connected bool)

// ConnectionManager is the only way other packages reach the push transport.
type ConnectionManager interface {
	Connect(ctx context.Context, url string) (*Conn, error)
	Subscribe(fn Subscriber) (unsubscribe func())
	IsConnected() bool
	Instance() *Conn
	Cleanup()
}

type ManagerOptions struct {
	Dialer         Dialer
	ConnectTimeout time.Duration
	// AuthDelay is how long after open the set_connection_id frame is sent.
	AuthDelay time.Duration
	// SettleDelay is observed after closing a stale transport.
	SettleDelay time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Status is a point-in-time view of the manager.
type Status struct {
	Phase        Phase     `json:"phase"`
	Connected    bool      `json:"connected"`
	ConnectionID string    `json:"connectionId,omitempty"`
	URL          string    `json:"url,omitempty"`
	LastURL      string    `json:"lastUrl,omitempty"`
	OpenedAt     time.Time `json:"openedAt,omitempty"`
	Subscribers  int       `json:"subscribers"`
}

type subscription struct {
	id int
	fn Subscriber
}

// Manager holds at most one connecting or open transport. Concurrent
// Connect calls share one attempt; the attempt is not tied to any caller's
// context, so a caller giving up does not abort it for the others.
//
// Subscribers are invoked serially in registration order. They must not
// call Subscribe or Cleanup, or wait on Connect, from inside the callback;
// unsubscribing from inside is fine.
type Manager struct {
	dialer         Dialer
	connectTimeout time.Duration
	authDelay      time.Duration
	settleDelay    time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	conn       *Conn
	phase      Phase
	lastURL    string
	generation uint64
	// dialing is closed when the running open() returns. It outlives the
	// singleflight key when Cleanup abandons an attempt.
	dialing chan struct{}

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     []subscription
	nextSub  int
}

var _ ConnectionManager = (*Manager)(nil)

func NewManager(opts ManagerOptions) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	authDelay := opts.AuthDelay
	if authDelay < 0 {
		authDelay = 0
	} else if authDelay == 0 {
		authDelay = DefaultAuthDelay
	}
	settleDelay := opts.SettleDelay
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		dialer:         dialer,
		connectTimeout: connectTimeout,
		authDelay:      authDelay,
		settleDelay:    settleDelay,
		logger:         logger,
		metrics:        opts.Metrics,
		now:            now,
		phase:          PhaseIdle,
	}
}

// Connect returns the open connection, joining an in-flight attempt when
// there is one. ctx only bounds how long this caller waits.
func (m *Manager) Connect(ctx context.Context, url string) (*Conn, error) {
	if conn := m.Instance(); conn != nil {
		m.metrics.ConnectResult("reused")
		return conn, nil
	}
	ch := m.group.DoChan(connectKey, func() (any, error) {
		return m.open(url)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) open(url string) (*Conn, error) {
	m.mu.Lock()
	for m.dialing != nil {
		// An attempt abandoned by Cleanup is still dialing.
		done := m.dialing
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
	if m.conn != nil && m.conn.Open() {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	stale := m.conn
	m.conn = nil
	m.phase = PhaseConnecting
	gen := m.generation
	done := make(chan struct{})
	m.dialing = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.dialing = nil
		m.mu.Unlock()
		close(done)
	}()

	if stale != nil {
		_ = stale.close()
		time.Sleep(m.settleDelay)
	}

	log := m.logger.With("url", url)
	log.Debug("opening push channel")

	dialCtx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	transport, err := m.dialer.Dial(dialCtx, url)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		result := "error"
		if timedOut {
			result = "timeout"
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, m.connectTimeout, err)
		}
		m.mu.Lock()
		current := m.generation == gen
		if current {
			m.phase = PhaseClosed
		}
		m.mu.Unlock()
		if !current {
			m.metrics.ConnectResult("abandoned")
			log.Debug("abandoned push channel attempt failed", "error", err)
			return nil, ErrClosed
		}
		m.metrics.ConnectResult(result)
		m.metrics.SetConnected(false)
		log.Warn("push channel connect failed", "error", err)
		m.notify(nil, false)
		return nil, err
	}

	conn := newConn(uuid.NewString(), url, transport, m.now())
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		_ = transport.Close()
		return nil, ErrClosed
	}
	m.conn = conn
	m.phase = PhaseOpen
	m.lastURL = url
	m.mu.Unlock()

	m.metrics.ConnectResult("success")
	m.metrics.SetConnected(true)
	log.Info("push channel open", "connection_id", conn.ID())

	go m.readLoop(conn)
	m.scheduleConnectionID(conn)
	m.notify(conn, true)
	return conn, nil
}

type connectionIDFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

func (m *Manager) scheduleConnectionID(conn *Conn) {
	conn.setAuthTimer(time.AfterFunc(m.authDelay, func() {
		if !conn.Open() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
		defer cancel()
		frame := connectionIDFrame{
			Type:         "set_connection_id",
			ConnectionID: conn.ID(),
			Timestamp:    m.now().UnixMilli(),
		}
		if err := conn.Send(ctx, frame); err != nil {
			m.logger.Debug("send connection id failed", "connection_id", conn.ID(), "error", err)
		}
	}))
}

func (m *Manager) readLoop(conn *Conn) {
	for {
		data, err := conn.transport.Receive(context.Background())
		if err != nil {
			m.handleClosed(conn, err)
			return
		}
		if !conn.deliver(data) {
			m.logger.Warn("early frame buffer full, frame dropped", "connection_id", conn.ID())
		}
	}
}

func (m *Manager) handleClosed(conn *Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.phase = PhaseClosed
	m.mu.Unlock()

	_ = conn.close()
	m.metrics.SetConnected(false)
	m.logger.Warn("push channel closed", "connection_id", conn.ID(), "close_status", CloseStatus(cause), "error", cause)
	m.notify(nil, false)
}

// Subscribe registers fn and immediately replays the current state to it.
// The returned function is idempotent and safe after Cleanup.
func (m *Manager) Subscribe(fn Subscriber) func() {
	if fn == nil {
		return func() {}
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, subscription{id: id, fn: fn})
	count := len(m.subs)
	m.subsMu.Unlock()
	m.metrics.SetSubscribers(count)

	conn := m.Instance()
	fn(conn, conn != nil)

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(id) })
	}
}

func (m *Manager) unsubscribe(id int) {
	m.subsMu.Lock()
	for i, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			break
		}
	}
	count := len(m.subs)
	m.subsMu.Unlock()
	m.metrics.SetSubscribers(count)
}

func (m *Manager) notify(conn *Conn, connected bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.subsMu.Lock()
	subs := append([]subscription(nil), m.subs...)
	m.subsMu.Unlock()
	for _, s := range subs {
		s.fn(conn, connected)
	}
}

func (m *Manager) IsConnected() bool {
	return m.Instance() != nil
}

// Instance returns the open connection or nil.
func (m *Manager) Instance() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.phase != PhaseOpen || !m.conn.Open() {
		return nil
	}
	return m.conn
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{Phase: m.phase, LastURL: m.lastURL}
	if m.conn != nil && m.phase == PhaseOpen && m.conn.Open() {
		st.Connected = true
		st.ConnectionID = m.conn.ID()
		st.URL = m.conn.URL()
		st.OpenedAt = m.conn.OpenedAt()
	}
	m.mu.Unlock()

	m.subsMu.Lock()
	st.Subscribers = len(m.subs)
	m.subsMu.Unlock()
	return st
}

// Cleanup closes the active transport, abandons any in-flight attempt and
// tells every subscriber the channel is down. Subscriptions stay registered.
// A Connect after Cleanup does not dial until the abandoned attempt returns.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	m.generation++
	conn := m.conn
	m.conn = nil
	m.phase = PhaseIdle
	m.mu.Unlock()

	m.group.Forget(connectKey)
	if conn != nil {
		_ = conn.close()
		m.logger.Info("push channel cleaned up", "connection_id", conn.ID())
	}
	m.metrics.SetConnected(false)
	m.notify(nil, false)
}
