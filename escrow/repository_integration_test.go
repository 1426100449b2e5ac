package escrow

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/notify"
)

// TestCaptureCallback_Integration replays the same gateway confirmation three
// times against a live database and verifies the capture applies exactly once.
func TestCaptureCallback_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'payments')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations first")
	}

	suffix := time.Now().UnixNano()
	var posterID, doerID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role)
                                   VALUES ($1,'Capture Poster','x','poster') RETURNING id`,
		fmt.Sprintf("poster+%d@example.com", suffix)).Scan(&posterID); err != nil {
		t.Fatalf("seed poster: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role)
                                   VALUES ($1,'Capture Doer','x','doer') RETURNING id`,
		fmt.Sprintf("doer+%d@example.com", suffix)).Scan(&doerID); err != nil {
		t.Fatalf("seed doer: %v", err)
	}
	var workItemID string
	if err := pool.QueryRow(ctx, `INSERT INTO work_items (poster_id, doer_id, title, budget_cents, status)
                                   VALUES ($1,$2,'capture item',10000,'assigned') RETURNING id`,
		posterID, doerID).Scan(&workItemID); err != nil {
		t.Fatalf("seed work item: %v", err)
	}
	var paymentID string
	if err := pool.QueryRow(ctx, `INSERT INTO payments (work_item_id, payer_id, payee_id, amount_cents, status)
                                   VALUES ($1,$2,$3,8000,'pending') RETURNING id`,
		workItemID, posterID, doerID).Scan(&paymentID); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	eventID := fmt.Sprintf("evt-%d", suffix)
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		pool.Exec(cctx, `DELETE FROM idempotency WHERE key = $1`, "payment-callback:"+eventID)
		pool.Exec(cctx, `DELETE FROM idempotency WHERE key = $1`, eventID)
		pool.Exec(cctx, `DELETE FROM timeline_events WHERE work_item_id = $1`, workItemID)
		pool.Exec(cctx, `DELETE FROM outbox WHERE payload->>'work_item_id' = $1`, workItemID)
		pool.Exec(cctx, `DELETE FROM payments WHERE id = $1`, paymentID)
		pool.Exec(cctx, `DELETE FROM work_items WHERE id = $1`, workItemID)
		pool.Exec(cctx, `DELETE FROM users WHERE id IN ($1, $2)`, posterID, doerID)
	})

	svc := NewService(pool, NewRepository(pool), NewHTTPGateway("http://gateway.invalid"), notify.NewTimeline(), notify.NewOutbox())

	cb := CaptureCallback{
		EventID:     eventID,
		WorkItemID:  workItemID,
		Reference:   "ref-int-1",
		AmountCents: 8000,
		Succeeded:   true,
	}
	for i := 0; i < 3; i++ {
		if err := svc.HandleCaptureCallback(ctx, cb); err != nil {
			t.Fatalf("callback delivery %d: %v", i+1, err)
		}
	}

	var status string
	var capturedAtSet bool
	if err := pool.QueryRow(ctx, `SELECT status::text, captured_at IS NOT NULL FROM payments WHERE id = $1`, paymentID).
		Scan(&status, &capturedAtSet); err != nil {
		t.Fatalf("verify payment: %v", err)
	}
	if status != "paid" || !capturedAtSet {
		t.Fatalf("expected paid payment with captured_at, got status=%s captured_at set=%t", status, capturedAtSet)
	}

	var captureEvents int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE work_item_id = $1 AND type = $2`, workItemID, EventCaptured).Scan(&captureEvents); err != nil {
		t.Fatalf("count timeline events: %v", err)
	}
	if captureEvents != 1 {
		t.Fatalf("expected exactly one %s event after replays, got %d", EventCaptured, captureEvents)
	}

	var notifications int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'payment.captured' AND payload->>'work_item_id' = $1`, workItemID).Scan(&notifications); err != nil {
		t.Fatalf("count outbox rows: %v", err)
	}
	if notifications != 1 {
		t.Fatalf("expected exactly one payment.captured outbox row, got %d", notifications)
	}
}
