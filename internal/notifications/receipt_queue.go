package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultReceiptQueueCapacity = 1024

// ReadReceipt is a pending mark-as-read call against the registry.
type ReadReceipt struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	NotificationID string    `json:"notificationId"`
	Attempts       int       `json:"attempts"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

func (r ReadReceipt) valid() bool {
	return strings.TrimSpace(r.ID) != "" && strings.TrimSpace(r.NotificationID) != ""
}

// ReceiptQueue is the outbox of mark-as-read calls. Implementations are FIFO.
type ReceiptQueue interface {
	TryEnqueue(receipt ReadReceipt) bool
	Enqueue(ctx context.Context, receipt ReadReceipt) bool
	Dequeue(ctx context.Context) (ReadReceipt, bool)
	Depth() int
	Capacity() int
	Pending() []ReadReceipt
	Close() error
}

type inMemoryReceiptQueue struct {
	ch      chan ReadReceipt
	mu      sync.Mutex
	pending map[string]ReadReceipt
}

func NewInMemoryReceiptQueue(capacity int) ReceiptQueue {
	if capacity <= 0 {
		capacity = defaultReceiptQueueCapacity
	}
	return &inMemoryReceiptQueue{
		ch:      make(chan ReadReceipt, capacity),
		pending: make(map[string]ReadReceipt),
	}
}

func (q *inMemoryReceiptQueue) TryEnqueue(receipt ReadReceipt) bool {
	if q == nil || !receipt.valid() {
		return false
	}
	select {
	case q.ch <- receipt:
		q.track(receipt)
		return true
	default:
		return false
	}
}

func (q *inMemoryReceiptQueue) Enqueue(ctx context.Context, receipt ReadReceipt) bool {
	if q == nil || !receipt.valid() {
		return false
	}
	select {
	case q.ch <- receipt:
		q.track(receipt)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryReceiptQueue) Dequeue(ctx context.Context) (ReadReceipt, bool) {
	if q == nil {
		return ReadReceipt{}, false
	}
	select {
	case receipt := <-q.ch:
		q.mu.Lock()
		delete(q.pending, receipt.ID)
		q.mu.Unlock()
		return receipt, true
	case <-ctx.Done():
		return ReadReceipt{}, false
	}
}

func (q *inMemoryReceiptQueue) track(receipt ReadReceipt) {
	q.mu.Lock()
	q.pending[receipt.ID] = receipt
	q.mu.Unlock()
}

func (q *inMemoryReceiptQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryReceiptQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryReceiptQueue) Pending() []ReadReceipt {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ReadReceipt, 0, len(q.pending))
	for _, r := range q.pending {
		out = append(out, r)
	}
	return out
}

func (q *inMemoryReceiptQueue) Close() error {
	return nil
}

// fileReceiptQueue rewrites the whole file on every mutation. The outbox is
// small (one entry per unacknowledged mark-as-read) so this stays cheap.
type fileReceiptQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []ReadReceipt
}

type fileReceiptQueueState struct {
	Items []ReadReceipt `json:"items"`
}

func NewFileReceiptQueue(path string, capacity int) (ReceiptQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultReceiptQueueCapacity
	}
	q := &fileReceiptQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []ReadReceipt{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileReceiptQueue) TryEnqueue(receipt ReadReceipt) bool {
	if !receipt.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, receipt)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileReceiptQueue) Enqueue(ctx context.Context, receipt ReadReceipt) bool {
	for {
		if q.TryEnqueue(receipt) {
			return true
		}
		if !receipt.valid() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileReceiptQueue) Dequeue(ctx context.Context) (ReadReceipt, bool) {
	for {
		if receipt, ok := q.tryDequeue(); ok {
			return receipt, true
		}
		select {
		case <-ctx.Done():
			return ReadReceipt{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileReceiptQueue) tryDequeue() (ReadReceipt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ReadReceipt{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]ReadReceipt{head}, q.items...)
		return ReadReceipt{}, false
	}
	return head, true
}

func (q *fileReceiptQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileReceiptQueue) Capacity() int {
	return q.capacity
}

func (q *fileReceiptQueue) Pending() []ReadReceipt {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ReadReceipt(nil), q.items...)
}

func (q *fileReceiptQueue) Close() error {
	return nil
}

func (q *fileReceiptQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileReceiptQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode %s: %w", q.path, err)
	}
	items := state.Items
	if len(items) > q.capacity {
		items = items[len(items)-q.capacity:]
	}
	q.items = append([]ReadReceipt(nil), items...)
	if len(state.Items) != len(q.items) {
		return q.saveLocked()
	}
	return nil
}

func (q *fileReceiptQueue) saveLocked() error {
	data, err := json.Marshal(fileReceiptQueueState{Items: q.items})
	if err != nil {
		return err
	}
	return writeFileAtomic(q.path, data)
}

func BuildReceiptQueueFromDSN(dsn string, capacity int) (ReceiptQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupReceiptQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileReceiptQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryReceiptQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresReceiptQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: receipt queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported receipt queue scheme: %s", scheme)
	}
}
