package bid

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/fault"
	"taskflow/workitem"
)

// Repository defines the data access the bid service needs.
type Repository interface {
	PlaceTx(ctx context.Context, tx pgx.Tx, doerID, workItemID string, amountCents int64) (Bid, error)
	AcceptTx(ctx context.Context, tx pgx.Tx, posterID, bidID string) (AcceptOutcome, error)
	WithdrawTx(ctx context.Context, tx pgx.Tx, doerID, bidID string) (Bid, error)
	ListForWorkItem(ctx context.Context, workItemID string) ([]Bid, error)
	GetByID(ctx context.Context, bidID string) (Bid, error)
}

// AcceptOutcome reports the rows the acceptance transaction touched.
type AcceptOutcome struct {
	Bid              Bid
	WorkItemPosterID string
	RejectedSiblings int64
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const bidColumns = `id, work_item_id, doer_id, amount_cents, status::text, created_at, updated_at`

// PlaceTx inserts a pending bid after locking the work item and re-validating
// that bidding is still open. The lock serializes placement against a
// concurrent acceptance on the same item.
func (r *PGRepository) PlaceTx(ctx context.Context, tx pgx.Tx, doerID, workItemID string, amountCents int64) (Bid, error) {
	var (
		posterID string
		status   string
	)
	err := tx.QueryRow(ctx, `SELECT poster_id, status::text FROM work_items WHERE id = $1 FOR UPDATE`, workItemID).
		Scan(&posterID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, fault.NotFoundf("work item %s not found", workItemID)
		}
		return Bid{}, fmt.Errorf("bid: lock work item: %w", err)
	}
	if posterID == doerID {
		return Bid{}, fault.Forbiddenf("posters cannot bid on their own work item")
	}
	if workitem.Status(status) != workitem.StatusOpen {
		return Bid{}, fault.InvalidStatef("work item is %s, bidding closed", status)
	}

	query := `
        INSERT INTO bids (work_item_id, doer_id, amount_cents, status)
        VALUES ($1, $2, $3, 'pending')
        RETURNING ` + bidColumns

	b, err := scanBid(tx.QueryRow(ctx, query, workItemID, doerID, amountCents))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Bid{}, fault.Conflictf("doer already has an active bid on this work item")
		}
		return Bid{}, fmt.Errorf("bid: insert: %w", err)
	}
	return b, nil
}

// AcceptTx is the exclusivity transaction. It locks the bid, then the work
// item, re-asserts both preconditions against the locked rows, assigns the
// item, accepts the target bid, and rejects every pending sibling. A stale
// read lost to another acceptance surfaces as a conflict, never a silent
// success or a partial write.
func (r *PGRepository) AcceptTx(ctx context.Context, tx pgx.Tx, posterID, bidID string) (AcceptOutcome, error) {
	target, err := scanBid(tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1 FOR UPDATE`, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AcceptOutcome{}, fault.NotFoundf("bid %s not found", bidID)
		}
		return AcceptOutcome{}, fmt.Errorf("bid: lock bid: %w", err)
	}

	var (
		itemPosterID string
		itemStatus   string
	)
	err = tx.QueryRow(ctx, `SELECT poster_id, status::text FROM work_items WHERE id = $1 FOR UPDATE`, target.WorkItemID).
		Scan(&itemPosterID, &itemStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AcceptOutcome{}, fault.NotFoundf("work item %s not found", target.WorkItemID)
		}
		return AcceptOutcome{}, fmt.Errorf("bid: lock work item: %w", err)
	}

	if itemPosterID != posterID {
		return AcceptOutcome{}, fault.Forbiddenf("caller is not the poster")
	}
	if target.Status != StatusPending {
		return AcceptOutcome{}, fault.Conflictf("bid no longer acceptable")
	}
	if workitem.Status(itemStatus) != workitem.StatusOpen {
		return AcceptOutcome{}, fault.Conflictf("this task was already assigned")
	}

	if _, err := tx.Exec(ctx, `
        UPDATE work_items
        SET status = 'assigned', doer_id = $2, updated_at = get_tx_timestamp()
        WHERE id = $1
    `, target.WorkItemID, target.DoerID); err != nil {
		return AcceptOutcome{}, fmt.Errorf("bid: assign work item: %w", err)
	}

	accepted, err := scanBid(tx.QueryRow(ctx, `
        UPDATE bids SET status = 'accepted', updated_at = get_tx_timestamp()
        WHERE id = $1
        RETURNING `+bidColumns, bidID))
	if err != nil {
		return AcceptOutcome{}, fmt.Errorf("bid: accept bid: %w", err)
	}

	tag, err := tx.Exec(ctx, `
        UPDATE bids SET status = 'rejected', updated_at = get_tx_timestamp()
        WHERE work_item_id = $1 AND id <> $2 AND status = 'pending'
    `, target.WorkItemID, bidID)
	if err != nil {
		return AcceptOutcome{}, fmt.Errorf("bid: reject siblings: %w", err)
	}

	return AcceptOutcome{
		Bid:              accepted,
		WorkItemPosterID: itemPosterID,
		RejectedSiblings: tag.RowsAffected(),
	}, nil
}

// WithdrawTx retracts a pending bid while the work item is still open.
func (r *PGRepository) WithdrawTx(ctx context.Context, tx pgx.Tx, doerID, bidID string) (Bid, error) {
	target, err := scanBid(tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1 FOR UPDATE`, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, fault.NotFoundf("bid %s not found", bidID)
		}
		return Bid{}, fmt.Errorf("bid: lock bid: %w", err)
	}
	if target.DoerID != doerID {
		return Bid{}, fault.Forbiddenf("caller does not own this bid")
	}
	if target.Status != StatusPending {
		return Bid{}, fault.InvalidStatef("bid is %s, cannot withdraw", target.Status)
	}

	var itemStatus string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM work_items WHERE id = $1 FOR UPDATE`, target.WorkItemID).Scan(&itemStatus); err != nil {
		return Bid{}, fmt.Errorf("bid: lock work item: %w", err)
	}
	if workitem.Status(itemStatus) != workitem.StatusOpen {
		return Bid{}, fault.InvalidStatef("work item is %s, bids are frozen", itemStatus)
	}

	withdrawn, err := scanBid(tx.QueryRow(ctx, `
        UPDATE bids SET status = 'withdrawn', updated_at = get_tx_timestamp()
        WHERE id = $1
        RETURNING `+bidColumns, bidID))
	if err != nil {
		return Bid{}, fmt.Errorf("bid: withdraw: %w", err)
	}
	return withdrawn, nil
}

func (r *PGRepository) ListForWorkItem(ctx context.Context, workItemID string) ([]Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE work_item_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, workItemID)
	if err != nil {
		return nil, fmt.Errorf("bid: list: %w", err)
	}
	defer rows.Close()

	out := make([]Bid, 0, 8)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("bid: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bid: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetByID(ctx context.Context, bidID string) (Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE id = $1`
	b, err := scanBid(r.pool.QueryRow(ctx, query, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, fault.NotFoundf("bid %s not found", bidID)
		}
		return Bid{}, fmt.Errorf("bid: get by id: %w", err)
	}
	return b, nil
}

func scanBid(row pgx.Row) (Bid, error) {
	var b Bid
	return b, row.Scan(
		&b.ID,
		&b.WorkItemID,
		&b.DoerID,
		&b.AmountCents,
		&b.Status,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
}
