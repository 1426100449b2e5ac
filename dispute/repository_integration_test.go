package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/escrow"
	"taskflow/fault"
	"taskflow/identity"
	"taskflow/notify"
	"taskflow/workitem"
)

// TestDisputeArbitration_Integration runs the full arbitration flow against a
// live database: a doer disputes an in-flight item with a captured payment,
// the poster is locked out of approval, and the arbiter's release verdict
// settles the payment, the work item, and the dispute in one transaction.
func TestDisputeArbitration_Integration(t *testing.T) {
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
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'disputes')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations first")
	}

	posterID := seedArbitrationUser(ctx, t, pool, "poster")
	doerID := seedArbitrationUser(ctx, t, pool, "doer")
	arbiterID := seedArbitrationUser(ctx, t, pool, "arbiter")

	var workItemID string
	if err := pool.QueryRow(ctx, `
        INSERT INTO work_items (poster_id, doer_id, title, budget_cents, status)
        VALUES ($1, $2, 'disputed deliverable', 10000, 'in_progress') RETURNING id
    `, posterID, doerID).Scan(&workItemID); err != nil {
		t.Fatalf("seed work item: %v", err)
	}

	var paymentID string
	if err := pool.QueryRow(ctx, `
        INSERT INTO payments (work_item_id, payer_id, payee_id, amount_cents, status, captured_at)
        VALUES ($1, $2, $3, 8000, 'paid', now()) RETURNING id
    `, workItemID, posterID, doerID).Scan(&paymentID); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		pool.Exec(cctx, `DELETE FROM dispute_messages WHERE dispute_id IN (SELECT id FROM disputes WHERE work_item_id = $1)`, workItemID)
		pool.Exec(cctx, `DELETE FROM disputes WHERE work_item_id = $1`, workItemID)
		pool.Exec(cctx, `DELETE FROM timeline_events WHERE work_item_id = $1`, workItemID)
		pool.Exec(cctx, `DELETE FROM outbox WHERE payload->>'work_item_id' = $1`, workItemID)
		pool.Exec(cctx, `DELETE FROM payments WHERE id = $1`, paymentID)
		pool.Exec(cctx, `DELETE FROM work_items WHERE id = $1`, workItemID)
		for _, id := range []string{posterID, doerID, arbiterID} {
			pool.Exec(cctx, `DELETE FROM users WHERE id = $1`, id)
		}
	})

	timeline := notify.NewTimeline()
	outbox := notify.NewOutbox()
	escrowRepo := escrow.NewRepository(pool)

	disputes := NewService(pool, NewRepository(pool), escrowRepo, timeline, outbox)
	workItems := workitem.NewService(pool, workitem.NewRepository(pool), escrowRepo, timeline, outbox)

	d, err := disputes.Open(ctx, OpenParams{
		InitiatorID: doerID,
		WorkItemID:  workItemID,
		Reason:      "poster keeps moving the goalposts",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if d.Status != StatusOpen {
		t.Fatalf("expected open dispute, got %s", d.Status)
	}

	var itemStatus, payStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM work_items WHERE id = $1`, workItemID).Scan(&itemStatus); err != nil {
		t.Fatalf("verify work item: %v", err)
	}
	if itemStatus != "disputed" {
		t.Fatalf("expected work item disputed, got %s", itemStatus)
	}
	if err := pool.QueryRow(ctx, `SELECT status::text FROM payments WHERE id = $1`, paymentID).Scan(&payStatus); err != nil {
		t.Fatalf("verify payment: %v", err)
	}
	if payStatus != "disputed" {
		t.Fatalf("expected payment frozen as disputed, got %s", payStatus)
	}

	// Approval is the poster's move, and it is locked out while the dispute
	// stays open.
	if _, err := workItems.ApproveAndRelease(ctx, posterID, workItemID); !errors.Is(err, fault.ErrForbidden) {
		t.Fatalf("expected forbidden approval during dispute, got %v", err)
	}

	resolved, err := disputes.Resolve(ctx, ResolveParams{
		ArbiterID:   arbiterID,
		ArbiterRole: identity.RoleArbiter,
		DisputeID:   d.ID,
		Outcome:     OutcomeRelease,
	})
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if resolved.Status != StatusClosed {
		t.Fatalf("expected closed dispute, got %s", resolved.Status)
	}
	if resolved.Outcome == nil || *resolved.Outcome != OutcomeRelease {
		t.Fatalf("expected release outcome, got %v", resolved.Outcome)
	}

	if err := pool.QueryRow(ctx, `SELECT status::text FROM work_items WHERE id = $1`, workItemID).Scan(&itemStatus); err != nil {
		t.Fatalf("verify work item after resolution: %v", err)
	}
	if itemStatus != "completed" {
		t.Fatalf("expected work item completed after release verdict, got %s", itemStatus)
	}

	var releasedAtSet bool
	if err := pool.QueryRow(ctx, `SELECT status::text, released_at IS NOT NULL FROM payments WHERE id = $1`, paymentID).Scan(&payStatus, &releasedAtSet); err != nil {
		t.Fatalf("verify payment after resolution: %v", err)
	}
	if payStatus != "released" || !releasedAtSet {
		t.Fatalf("expected released payment with released_at, got status=%s released_at set=%t", payStatus, releasedAtSet)
	}

	var resolvedEvents int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE work_item_id = $1 AND type = $2`, workItemID, EventResolved).Scan(&resolvedEvents); err != nil {
		t.Fatalf("count timeline events: %v", err)
	}
	if resolvedEvents != 1 {
		t.Fatalf("expected one %s timeline event, got %d", EventResolved, resolvedEvents)
	}

	var notifications int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'dispute.resolved' AND payload->>'work_item_id' = $1`, workItemID).Scan(&notifications); err != nil {
		t.Fatalf("count outbox rows: %v", err)
	}
	if notifications != 1 {
		t.Fatalf("expected one dispute.resolved outbox row, got %d", notifications)
	}
}

func seedArbitrationUser(ctx context.Context, t *testing.T, pool *pgxpool.Pool, role string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `
        INSERT INTO users (email, full_name, password_hash, role)
        VALUES ($1, $2, 'x', $3::user_role) RETURNING id
    `, fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano()), "Test "+role, role).Scan(&id)
	if err != nil {
		t.Fatalf("seed %s: %v", role, err)
	}
	return id
}
