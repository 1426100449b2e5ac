package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Publisher is the outbound notifier collaborator. Delivery is fire-and-forget
// from the core's perspective; the dispatcher owns the retry budget.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LogPublisher writes events to the process log. Used when no broker is wired.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	log.Printf("notify: %s %s", topic, payload)
	return nil
}

// Dispatcher drains pending outbox rows and hands them to the Publisher.
// Rows are claimed with FOR UPDATE SKIP LOCKED so concurrent dispatchers on
// other instances never double-deliver a claim, and a row that keeps failing
// is marked dead once its attempt budget is spent.
type Dispatcher struct {
	pool        *pgxpool.Pool
	pub         Publisher
	maxAttempts int
	interval    time.Duration
	batchSize   int
}

func NewDispatcher(pool *pgxpool.Pool, pub Publisher) *Dispatcher {
	return &Dispatcher{
		pool:        pool,
		pub:         pub,
		maxAttempts: 5,
		interval:    500 * time.Millisecond,
		batchSize:   20,
	}
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// Run loops until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				log.Printf("notify: drain outbox: %v", err)
			}
		}
	}
}

// DrainOnce claims up to batchSize pending rows and attempts delivery for each.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("notify: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status='pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1
`, d.batchSize)
	if err != nil {
		return fmt.Errorf("notify: claim outbox rows: %w", err)
	}

	type claimed struct {
		id       string
		topic    string
		payload  []byte
		attempts int
	}
	batch := make([]claimed, 0, d.batchSize)
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.topic, &c.payload, &c.attempts); err != nil {
			rows.Close()
			return fmt.Errorf("notify: scan outbox row: %w", err)
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("notify: iterate outbox rows: %w", err)
	}

	for _, c := range batch {
		if err := d.pub.Publish(ctx, c.topic, c.payload); err != nil {
			next := "pending"
			if c.attempts+1 >= d.maxAttempts {
				next = "dead"
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$2, attempts=attempts+1, last_attempt=now() WHERE id=$1`, c.id, next); err != nil {
				return fmt.Errorf("notify: record failed attempt: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, last_attempt=now() WHERE id=$1`, c.id); err != nil {
			return fmt.Errorf("notify: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("notify: commit drain: %w", err)
	}
	return nil
}
