package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/fault"
)

// ErrDuplicateIdempotencyKey signals the idempotency insert hit an existing
// key: the caller already applied this confirmation and must no-op.
var ErrDuplicateIdempotencyKey = errors.New("escrow: duplicate idempotency key")

// Repository owns the payments table. Methods taking a pgx.Tx run inside the
// caller's transaction so a money move always commits together with the
// work-item or dispute transition that caused it.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const paymentColumns = `id, work_item_id, payer_id, payee_id, amount_cents, status::text, gateway_ref, created_at, updated_at, captured_at, released_at, refunded_at`

// CreatePending inserts the escrow payment at bid acceptance. The partial
// unique index on non-failed payments rejects a second active payment.
func (r *Repository) CreatePending(ctx context.Context, tx pgx.Tx, workItemID, payerID, payeeID string, amountCents int64) (Payment, error) {
	query := `
        INSERT INTO payments (work_item_id, payer_id, payee_id, amount_cents, status)
        VALUES ($1, $2, $3, $4, 'pending')
        RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, query, workItemID, payerID, payeeID, amountCents))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Payment{}, fault.Conflictf("an active payment already exists for work item %s", workItemID)
		}
		return Payment{}, fmt.Errorf("escrow: insert payment: %w", err)
	}
	return p, nil
}

// GetByWorkItem returns the active (non-failed) payment for the work item.
func (r *Repository) GetByWorkItem(ctx context.Context, workItemID string) (Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE work_item_id = $1 AND status <> 'failed'`
	p, err := scanPayment(r.pool.QueryRow(ctx, query, workItemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, fault.NotFoundf("no payment for work item %s", workItemID)
		}
		return Payment{}, fmt.Errorf("escrow: get by work item: %w", err)
	}
	return p, nil
}

// LockByWorkItem loads the active payment under FOR UPDATE.
func (r *Repository) LockByWorkItem(ctx context.Context, tx pgx.Tx, workItemID string) (Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE work_item_id = $1 AND status <> 'failed' FOR UPDATE`
	p, err := scanPayment(tx.QueryRow(ctx, query, workItemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, fault.NotFoundf("no payment for work item %s", workItemID)
		}
		return Payment{}, fmt.Errorf("escrow: lock by work item: %w", err)
	}
	return p, nil
}

// StatusForUpdate locks the active payment and returns its status, or ""
// when no active payment exists.
func (r *Repository) StatusForUpdate(ctx context.Context, tx pgx.Tx, workItemID string) (Status, error) {
	p, err := r.LockByWorkItem(ctx, tx, workItemID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return p.Status, nil
}

// SetGatewayRef records the gateway reference issued for a pending payment.
func (r *Repository) SetGatewayRef(ctx context.Context, tx pgx.Tx, workItemID, ref string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE payments SET gateway_ref = $2, updated_at = get_tx_timestamp()
        WHERE work_item_id = $1 AND status = 'pending'
    `, workItemID, ref)
	if err != nil {
		return fmt.Errorf("escrow: set gateway ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflictf("payment for work item %s is no longer pending", workItemID)
	}
	return nil
}

// MarkCaptured applies the gateway confirmation: pending -> paid.
func (r *Repository) MarkCaptured(ctx context.Context, tx pgx.Tx, workItemID string) (Payment, error) {
	return r.move(ctx, tx, workItemID, "capture", `
        UPDATE payments
        SET status = 'paid', captured_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
        WHERE work_item_id = $1 AND status = 'pending'
        RETURNING `+paymentColumns, StatusPaid)
}

// MarkFailed applies a gateway failure outcome: pending -> failed.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, workItemID string) (Payment, error) {
	return r.move(ctx, tx, workItemID, "fail", `
        UPDATE payments
        SET status = 'failed', updated_at = get_tx_timestamp()
        WHERE work_item_id = $1 AND status = 'pending'
        RETURNING `+paymentColumns, StatusFailed)
}

// Release moves paid -> released. Idempotent no-op once released.
func (r *Repository) Release(ctx context.Context, tx pgx.Tx, workItemID string) error {
	_, err := r.move(ctx, tx, workItemID, "release", `
        UPDATE payments
        SET status = 'released', released_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
        WHERE work_item_id = $1 AND status = 'paid'
        RETURNING `+paymentColumns, StatusReleased)
	return err
}

// ForceRelease is the dispute-resolution edge: paid or disputed -> released.
func (r *Repository) ForceRelease(ctx context.Context, tx pgx.Tx, workItemID string) error {
	_, err := r.move(ctx, tx, workItemID, "force release", `
        UPDATE payments
        SET status = 'released', released_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
        WHERE work_item_id = $1 AND status IN ('paid','disputed')
        RETURNING `+paymentColumns, StatusReleased)
	return err
}

// Refund is the dispute-resolution edge: paid or disputed -> refunded.
func (r *Repository) Refund(ctx context.Context, tx pgx.Tx, workItemID string) error {
	_, err := r.move(ctx, tx, workItemID, "refund", `
        UPDATE payments
        SET status = 'refunded', refunded_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
        WHERE work_item_id = $1 AND status IN ('paid','disputed')
        RETURNING `+paymentColumns, StatusRefunded)
	return err
}

// MarkDisputed freezes a captured payment while a dispute is open.
func (r *Repository) MarkDisputed(ctx context.Context, tx pgx.Tx, workItemID string) error {
	_, err := r.move(ctx, tx, workItemID, "mark disputed", `
        UPDATE payments
        SET status = 'disputed', updated_at = get_tx_timestamp()
        WHERE work_item_id = $1 AND status = 'paid'
        RETURNING `+paymentColumns, StatusDisputed)
	return err
}

// Void cancels an uncaptured payment: pending -> failed.
func (r *Repository) Void(ctx context.Context, tx pgx.Tx, workItemID string) error {
	_, err := r.move(ctx, tx, workItemID, "void", `
        UPDATE payments
        SET status = 'failed', updated_at = get_tx_timestamp()
        WHERE work_item_id = $1 AND status = 'pending'
        RETURNING `+paymentColumns, StatusFailed)
	return err
}

// move runs a conditional transition and diagnoses the miss when the guard
// did not match: replays of an already-terminal transition succeed as no-ops,
// anything else surfaces as an invalid-state error with the current status.
func (r *Repository) move(ctx context.Context, tx pgx.Tx, workItemID, verb, query string, want Status) (Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, query, workItemID))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("escrow: %s payment: %w", verb, err)
	}

	var current Status
	checkErr := tx.QueryRow(ctx, `SELECT status::text FROM payments WHERE work_item_id = $1 AND status <> 'failed'`, workItemID).Scan(&current)
	if checkErr != nil {
		if errors.Is(checkErr, pgx.ErrNoRows) {
			if want == StatusFailed {
				// voiding twice, or voiding after a failed capture
				return Payment{}, nil
			}
			return Payment{}, fault.NotFoundf("no payment for work item %s", workItemID)
		}
		return Payment{}, fmt.Errorf("escrow: %s payment status check: %w", verb, checkErr)
	}
	if current == want {
		return Payment{Status: current}, nil
	}
	return Payment{}, fault.InvalidStatef("payment is %s, cannot %s", current, verb)
}

// InsertIdempotencyKey reserves a capture-confirmation key inside the active
// transaction. Duplicate keys signal an at-least-once replay.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("escrow: insert idempotency key: %w", err)
	}
	return nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	return p, row.Scan(
		&p.ID,
		&p.WorkItemID,
		&p.PayerID,
		&p.PayeeID,
		&p.AmountCents,
		&p.Status,
		&p.GatewayRef,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.CapturedAt,
		&p.ReleasedAt,
		&p.RefundedAt,
	)
}
