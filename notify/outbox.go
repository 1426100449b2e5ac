// Package notify decouples outbound event publication from the core
// transactions. Writers append to the transactional outbox and timeline inside
// the caller's transaction; the dispatcher drains the outbox after commit and
// pushes events to the Notifier collaborator with bounded retries. A delivery
// failure can therefore never roll back a committed transition.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Outbox enqueues messages inside an open transaction so they commit or vanish
// together with the transition that produced them.
type Outbox struct{}

func NewOutbox() *Outbox { return &Outbox{} }

func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("notify: empty outbox topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}
