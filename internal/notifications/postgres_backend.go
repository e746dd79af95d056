package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "panelsync_state"
	postgresReceiptTableName = "panelsync_read_receipts"
	postgresDefaultKey       = "default"
	postgresOperationTimeout = 5 * time.Second
	postgresPollInterval     = 50 * time.Millisecond

	// postgresKeyParam selects the row (state) or partition (queue) and is
	// removed from the DSN before it reaches the driver.
	postgresKeyParam = "panelsync_key"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresConn opens the database lazily and runs the schema statements once.
type postgresConn struct {
	dsn    string
	openDB sqlOpenFunc
	schema func(table string) []string
	table  string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func (c *postgresConn) ready() (*sql.DB, error) {
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range c.schema(c.table) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				c.initErr = fmt.Errorf("prepare %s: %w", c.table, err)
				return
			}
		}
		c.db = db
	})
	return c.db, c.initErr
}

func (c *postgresConn) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func splitPostgresDSN(dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		// key=value DSNs carry no partition key.
		return dsn, postgresDefaultKey, nil
	}
	query := parsed.Query()
	key := strings.TrimSpace(query.Get(postgresKeyParam))
	if key == "" {
		key = postgresDefaultKey
	}
	query.Del(postgresKeyParam)
	parsed.RawQuery = query.Encode()
	return parsed.String(), key, nil
}

type PostgresStateBackend struct {
	conn     *postgresConn
	stateKey string
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	clean, key, err := splitPostgresDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStateBackend{
		conn: &postgresConn{
			dsn:    clean,
			openDB: sql.Open,
			table:  postgresStateTableName,
			schema: func(table string) []string {
				return []string{fmt.Sprintf(`
					CREATE TABLE IF NOT EXISTS %s (
						state_key TEXT PRIMARY KEY,
						snapshot JSONB NOT NULL,
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`, postgresQuoteIdentifier(table))}
			},
		},
		stateKey: key,
	}, nil
}

func (b *PostgresStateBackend) Load() (*Snapshot, error) {
	db, err := b.conn.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.conn.table))
	var payload []byte
	err = db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	db, err := b.conn.ready()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.conn.table))
	_, err = db.ExecContext(ctx, query, b.stateKey, string(payload))
	return err
}

func (b *PostgresStateBackend) Close() error {
	return b.conn.close()
}

// PostgresReceiptQueue stores receipts as rows claimed with SKIP LOCKED so
// several daemons can share one outbox.
type PostgresReceiptQueue struct {
	conn         *postgresConn
	queueKey     string
	capacity     int
	pollInterval time.Duration
}

func NewPostgresReceiptQueue(dsn string, capacity int) (ReceiptQueue, error) {
	clean, key, err := splitPostgresDSN(dsn)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = defaultReceiptQueueCapacity
	}
	return &PostgresReceiptQueue{
		conn: &postgresConn{
			dsn:    clean,
			openDB: sql.Open,
			table:  postgresReceiptTableName,
			schema: func(table string) []string {
				return []string{
					fmt.Sprintf(`
						CREATE TABLE IF NOT EXISTS %s (
							seq BIGSERIAL PRIMARY KEY,
							queue_key TEXT NOT NULL,
							receipt_id TEXT NOT NULL,
							payload JSONB NOT NULL,
							created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
						)`, postgresQuoteIdentifier(table)),
					fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, seq)",
						postgresQuoteIdentifier(table+"_queue_seq_idx"), postgresQuoteIdentifier(table)),
				}
			},
		},
		queueKey:     key,
		capacity:     capacity,
		pollInterval: postgresPollInterval,
	}, nil
}

func (q *PostgresReceiptQueue) TryEnqueue(receipt ReadReceipt) bool {
	if !receipt.valid() {
		return false
	}
	db, err := q.conn.ready()
	if err != nil {
		return false
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	// The capacity check and insert run as one statement so concurrent
	// producers cannot overshoot.
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (queue_key, receipt_id, payload)
		SELECT $1, $2, $3
		WHERE (SELECT COUNT(*) FROM %[1]s WHERE queue_key = $1) < $4`, postgresQuoteIdentifier(q.conn.table))
	res, err := db.ExecContext(ctx, query, q.queueKey, receipt.ID, string(payload), q.capacity)
	if err != nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n == 1
}

func (q *PostgresReceiptQueue) Enqueue(ctx context.Context, receipt ReadReceipt) bool {
	if !receipt.valid() {
		return false
	}
	for {
		if q.TryEnqueue(receipt) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresReceiptQueue) Dequeue(ctx context.Context) (ReadReceipt, bool) {
	for {
		payload, ok := q.claim(ctx)
		if ok {
			var receipt ReadReceipt
			if err := json.Unmarshal(payload, &receipt); err == nil && receipt.valid() {
				return receipt, true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ReadReceipt{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresReceiptQueue) claim(ctx context.Context) ([]byte, bool) {
	db, err := q.conn.ready()
	if err != nil {
		return nil, false
	}
	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE seq = (
			SELECT seq FROM %[1]s
			WHERE queue_key = $1
			ORDER BY seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload`, postgresQuoteIdentifier(q.conn.table))
	var payload []byte
	if err := db.QueryRowContext(ctx, query, q.queueKey).Scan(&payload); err != nil {
		return nil, false
	}
	return payload, true
}

func (q *PostgresReceiptQueue) Depth() int {
	db, err := q.conn.ready()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.conn.table))
	var depth int
	if err := db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresReceiptQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresReceiptQueue) Pending() []ReadReceipt {
	db, err := q.conn.ready()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY seq ASC", postgresQuoteIdentifier(q.conn.table))
	rows, err := db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []ReadReceipt
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var receipt ReadReceipt
		if err := json.Unmarshal(payload, &receipt); err != nil {
			continue
		}
		out = append(out, receipt)
	}
	return out
}

func (q *PostgresReceiptQueue) Close() error {
	return q.conn.close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
