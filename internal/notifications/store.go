package notifications

import (
	"log/slog"
	"sync"
	"time"

	"github.com/JhonnM62/panelapinext-sub001/internal/metrics"
)

const DefaultListCapacity = 50

// Outcome is the result of Ingest.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
)

type EventKind string

const (
	EventIngested EventKind = "notification"
	EventRead     EventKind = "read"
	EventUnread   EventKind = "unread"
	EventReplaced EventKind = "replaced"
	EventStats    EventKind = "stats"
)

// Event is delivered to Store listeners after every state change.
type Event struct {
	Kind         EventKind     `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
	Stats        Stats         `json:"stats"`
}

type Listener func(Event)

type StoreOptions struct {
	ListCapacity  int
	DedupWindow   time.Duration
	DedupCapacity int
	Now           func() time.Time
	Backend       StateBackend
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	// OnAlert is called for unread inbound chat messages after they are
	// accepted.
	OnAlert func(Notification)
}

// Store holds the most recent notifications, newest first, and the
// aggregate counters. All mutations go through the dedup window.
type Store struct {
	mu       sync.Mutex
	items    []Notification
	stats    Stats
	capacity int
	dedup    *DedupCache
	now      func() time.Time
	backend  StateBackend
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onAlert  func(Notification)

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	capacity := opts.ListCapacity
	if capacity <= 0 {
		capacity = DefaultListCapacity
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		items:     []Notification{},
		capacity:  capacity,
		dedup:     NewDedupCache(opts.DedupWindow, opts.DedupCapacity, now),
		now:       now,
		backend:   opts.Backend,
		logger:    logger,
		metrics:   opts.Metrics,
		onAlert:   opts.OnAlert,
		listeners: map[int]Listener{},
	}
	s.restore()
	return s
}

func (s *Store) restore() {
	if s.backend == nil {
		return
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		s.logger.Warn("load notification state failed", "error", err)
		return
	}
	if snapshot == nil {
		return
	}
	items := snapshot.Notifications
	if len(items) > s.capacity {
		items = items[:s.capacity]
	}
	s.items = append([]Notification{}, items...)
	s.stats = snapshot.Stats.clone()
	s.dedup.Restore(snapshot.SeenIDs, snapshot.WindowStart)
}

// Ingest merges one pushed notification. Items without an id or event type
// are dropped, ids seen within the dedup window are ignored.
func (s *Store) Ingest(n Notification) Outcome {
	if !n.valid() {
		s.metrics.Notification(string(OutcomeDropped))
		s.logger.Debug("dropping malformed notification", "notification_id", n.ID, "event_type", n.EventType)
		return OutcomeDropped
	}
	if !s.dedup.Admit(n.ID) {
		s.metrics.Notification(string(OutcomeDuplicate))
		return OutcomeDuplicate
	}

	s.mu.Lock()
	if idx := s.indexLocked(n.ID); idx >= 0 {
		return s.refreshLocked(idx, n)
	}
	s.items = append([]Notification{n}, s.items...)
	if len(s.items) > s.capacity {
		s.items = s.items[:s.capacity]
	}
	s.stats.TotalNotifications++
	if !n.Read {
		s.stats.UnreadNotifications++
	}
	stats := s.stats.clone()
	s.saveLocked()
	s.mu.Unlock()

	s.metrics.Notification(string(OutcomeAccepted))
	item := n
	s.emit(Event{Kind: EventIngested, Notification: &item, Stats: stats})
	if n.Inbound() && s.onAlert != nil {
		s.onAlert(n)
	}
	return OutcomeAccepted
}

// refreshLocked replaces an item already in the list, as when an id is seen
// again after the dedup window reset. Counters move only by the change in
// read state and no alert fires. It releases s.mu.
func (s *Store) refreshLocked(idx int, n Notification) Outcome {
	prev := s.items[idx]
	s.items[idx] = n
	var kind EventKind
	switch {
	case !prev.Read && n.Read:
		kind = EventRead
		if s.stats.UnreadNotifications > 0 {
			s.stats.UnreadNotifications--
		}
	case prev.Read && !n.Read:
		kind = EventUnread
		s.stats.UnreadNotifications++
	}
	stats := s.stats.clone()
	s.saveLocked()
	s.mu.Unlock()

	if kind == "" {
		s.metrics.Notification(string(OutcomeDuplicate))
		return OutcomeDuplicate
	}
	s.metrics.Notification(string(OutcomeAccepted))
	item := n
	s.emit(Event{Kind: kind, Notification: &item, Stats: stats})
	return OutcomeAccepted
}

// ReplaceAll swaps the list wholesale, as on an initial sync. Every id is
// recorded in the dedup window so a later push of the same event is ignored.
// Counters are left to AdoptStats.
func (s *Store) ReplaceAll(list []Notification) {
	items := make([]Notification, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, n := range list {
		if !n.valid() {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		items = append(items, n)
		if len(items) == s.capacity {
			break
		}
	}
	for i := len(items) - 1; i >= 0; i-- {
		s.dedup.Record(items[i].ID)
	}

	s.mu.Lock()
	s.items = items
	stats := s.stats.clone()
	s.saveLocked()
	s.mu.Unlock()
	s.emit(Event{Kind: EventReplaced, Stats: stats})
}

// MarkRead flips the item to read and decrements the unread counter. It
// reports false when the item was already read.
func (s *Store) MarkRead(id string) (bool, error) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	if s.items[idx].Read {
		s.mu.Unlock()
		return false, nil
	}
	s.items[idx].Read = true
	if s.stats.UnreadNotifications > 0 {
		s.stats.UnreadNotifications--
	}
	item := s.items[idx]
	stats := s.stats.clone()
	s.saveLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventRead, Notification: &item, Stats: stats})
	return true, nil
}

// MarkedRead applies a server acknowledgement. Unknown ids are ignored.
func (s *Store) MarkedRead(id string) {
	if _, err := s.MarkRead(id); err != nil {
		s.logger.Debug("read acknowledgement for unknown notification", "notification_id", id)
	}
}

// RevertRead undoes an optimistic MarkRead.
func (s *Store) RevertRead(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 || !s.items[idx].Read {
		s.mu.Unlock()
		return false
	}
	s.items[idx].Read = false
	s.stats.UnreadNotifications++
	item := s.items[idx]
	stats := s.stats.clone()
	s.saveLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventUnread, Notification: &item, Stats: stats})
	return true
}

// AdoptStats replaces the counters with a server snapshot.
func (s *Store) AdoptStats(stats Stats) {
	s.mu.Lock()
	s.stats = stats.clone()
	out := s.stats.clone()
	s.saveLocked()
	s.mu.Unlock()
	s.emit(Event{Kind: EventStats, Stats: out})
}

// ClearWebhook forgets the webhook fields of the stats after a delete.
func (s *Store) ClearWebhook() {
	s.mu.Lock()
	s.stats.WebhookActive = false
	s.stats.ConfigExists = false
	s.stats.WebhookID = ""
	s.stats.WebhookURL = ""
	s.stats.Events = nil
	out := s.stats.clone()
	s.saveLocked()
	s.mu.Unlock()
	s.emit(Event{Kind: EventStats, Stats: out})
}

// List returns up to limit items, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Notification, n)
	copy(out, s.items[:n])
	return out
}

func (s *Store) Get(id string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexLocked(id); idx >= 0 {
		return s.items[idx], true
	}
	return Notification{}, false
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.clone()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Subscribe registers fn for every subsequent Event. The returned function
// is safe to call more than once.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

func (s *Store) emit(ev Event) {
	s.listenersMu.RLock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) saveLocked() {
	if s.backend == nil {
		return
	}
	seen, start := s.dedup.Snapshot()
	snapshot := &Snapshot{
		Notifications: append([]Notification(nil), s.items...),
		Stats:         s.stats.clone(),
		SeenIDs:       seen,
		WindowStart:   start,
		SavedAt:       s.now().UTC(),
	}
	if err := s.backend.Save(snapshot); err != nil {
		s.logger.Warn("save notification state failed", "error", err)
	}
}
