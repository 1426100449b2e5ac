package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Bidder keeps placing pending bids on the work item from a pool of doers.
// Duplicate active bids per doer are expected to bounce off the partial unique
// index under contention.
func Bidder(ctx context.Context, pool *pgxpool.Pool, workItemID string, doerIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		doerID := doerIDs[rand.Intn(len(doerIDs))]
		amount := int64(1000 + rand.Intn(9000))
		_, err := pool.Exec(ctx, `INSERT INTO bids (work_item_id, doer_id, amount_cents, status)
                                   VALUES ($1,$2,$3,'pending')`, workItemID, doerID, amount)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// expected under contention
			} else if !isRetryable(err) {
				return fmt.Errorf("bidder insert: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Acceptor races to accept a pending bid: lock the work item, assign it,
// accept the winner, reject the siblings, and open the escrow payment, all in
// one transaction. Only one acceptance may ever land per work item.
func Acceptor(ctx context.Context, pool *pgxpool.Pool, workItemID, posterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if isRetryable(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status::text FROM work_items WHERE id=$1 FOR UPDATE`, workItemID).Scan(&status)
		if err == nil && status == "open" {
			var bidID, doerID string
			var amount int64
			err = tx.QueryRow(ctx, `SELECT id, doer_id, amount_cents FROM bids
                                     WHERE work_item_id=$1 AND status='pending' LIMIT 1 FOR UPDATE`, workItemID).
				Scan(&bidID, &doerID, &amount)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE bids SET status='accepted', updated_at=now() WHERE id=$1`, bidID)
				if err == nil {
					_, _ = tx.Exec(ctx, `UPDATE bids SET status='rejected', updated_at=now()
                                          WHERE work_item_id=$1 AND status='pending'`, workItemID)
					_, _ = tx.Exec(ctx, `UPDATE work_items SET status='assigned', doer_id=$2, updated_at=now() WHERE id=$1`,
						workItemID, doerID)
					_, _ = tx.Exec(ctx, `INSERT INTO payments (work_item_id, payer_id, payee_id, amount_cents, status)
                                          VALUES ($1,$2,$3,$4,'pending')`, workItemID, posterID, doerID, amount)
					appendTimeline(ctx, tx, workItemID, "BID_ACCEPTED")
					_ = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// CaptureReplayer delivers the same gateway confirmation over and over. The
// idempotency key must absorb every replay after the first.
func CaptureReplayer(ctx context.Context, pool *pgxpool.Pool, workItemID, eventID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if isRetryable(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		var inserted bool
		err = tx.QueryRow(ctx, `INSERT INTO idempotency (key) VALUES ($1)
                                 ON CONFLICT DO NOTHING RETURNING true`, "payment-callback:"+eventID).Scan(&inserted)
		if err == nil && inserted {
			_, _ = tx.Exec(ctx, `UPDATE payments SET status='paid', captured_at=now(), updated_at=now()
                                  WHERE work_item_id=$1 AND status='pending'`, workItemID)
			appendTimeline(ctx, tx, workItemID, "PAYMENT_CAPTURED")
			_ = tx.Commit(ctx)
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Submitter advances the doer's side of the lifecycle with guarded updates:
// assigned becomes in_progress once the payment is captured, in_progress
// becomes under_review.
func Submitter(ctx context.Context, pool *pgxpool.Pool, workItemID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if isRetryable(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE work_items SET status='in_progress', updated_at=now()
                                   WHERE id=$1 AND status='assigned'
                                     AND EXISTS (SELECT 1 FROM payments WHERE work_item_id=$1 AND status='paid')`, workItemID)
		if err == nil && tag.RowsAffected() == 1 {
			appendTimeline(ctx, tx, workItemID, "WORK_STARTED")
			_ = tx.Commit(ctx)
		} else if err == nil {
			tag, err = tx.Exec(ctx, `UPDATE work_items SET status='under_review', updated_at=now()
                                      WHERE id=$1 AND status='in_progress'`, workItemID)
			if err == nil && tag.RowsAffected() == 1 {
				appendTimeline(ctx, tx, workItemID, "WORK_SUBMITTED")
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Disputer files disputes against the in-flight work item and resolves them.
// The partial unique index caps open disputes at one, so concurrent filings
// are expected to conflict.
func Disputer(ctx context.Context, pool *pgxpool.Pool, workItemID, initiatorID, arbiterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if isRetryable(err) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		var disputeID string
		err = tx.QueryRow(ctx, `INSERT INTO disputes (work_item_id, initiator_id, reason, status)
                                 SELECT $1, $2, 'stress filing', 'open'
                                 WHERE EXISTS (SELECT 1 FROM work_items WHERE id=$1 AND status IN ('in_progress','under_review'))
                                 RETURNING id`, workItemID, initiatorID).Scan(&disputeID)
		if err == nil {
			_, _ = tx.Exec(ctx, `UPDATE payments SET status='disputed', updated_at=now()
                                  WHERE work_item_id=$1 AND status='paid'`, workItemID)
			_, _ = tx.Exec(ctx, `UPDATE work_items SET status='disputed', updated_at=now() WHERE id=$1`, workItemID)
			appendTimeline(ctx, tx, workItemID, "DISPUTE_OPENED")
			_ = tx.Commit(ctx)
		}
		_ = tx.Rollback(ctx)

		// Resolve any open dispute with a release verdict so the lifecycle
		// keeps moving and the slot frees up.
		tx, err = pool.Begin(ctx)
		if err != nil {
			if isRetryable(err) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		err = tx.QueryRow(ctx, `UPDATE disputes SET status='closed', outcome='release', resolved_by=$2, resolved_at=now(), updated_at=now()
                                 WHERE work_item_id=$1 AND status IN ('open','under_review') RETURNING id`, workItemID, arbiterID).Scan(&disputeID)
		if err == nil {
			_, _ = tx.Exec(ctx, `UPDATE payments SET status='released', released_at=now(), updated_at=now()
                                  WHERE work_item_id=$1 AND status IN ('paid','disputed')`, workItemID)
			_, _ = tx.Exec(ctx, `UPDATE work_items SET status='completed', completed_at=now(), updated_at=now()
                                  WHERE id=$1 AND status='disputed'`, workItemID)
			appendTimeline(ctx, tx, workItemID, "DISPUTE_RESOLVED")
			_ = tx.Commit(ctx)
		}
		_ = tx.Rollback(ctx)
		time.Sleep(200 * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// processed, simulating occasional delivery failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if isRetryable(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func appendTimeline(ctx context.Context, tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, workItemID, eventType string) {
	_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (work_item_id, seq, type, payload)
                          SELECT $1, COALESCE(MAX(seq),0)+1, $2, '{}'::jsonb
                          FROM timeline_events WHERE work_item_id=$1`, workItemID, eventType)
	_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                          VALUES ('stress.'||lower($2::text), jsonb_build_object('work_item_id',$1::text))`, workItemID, eventType)
}

// Chaos kills backends mid-transaction, so broken-connection errors are part
// of normal operation for every actor.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "40001", "40P01", "08006", "08003":
			return true
		}
	}
	return false
}
