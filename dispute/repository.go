package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/fault"
	"taskflow/workitem"
)

// WorkItemRow is the slice of the work item the dispute workflow needs to
// judge admissibility and party membership.
type WorkItemRow struct {
	ID          string
	PosterID    string
	DoerID      *string
	Status      workitem.Status
	CompletedAt *time.Time
}

// IsParty reports whether the user is the poster or the assigned doer.
func (w WorkItemRow) IsParty(userID string) bool {
	if userID == w.PosterID {
		return true
	}
	return w.DoerID != nil && *w.DoerID == userID
}

// Repository defines the data access the dispute service needs.
type Repository interface {
	LockWorkItem(ctx context.Context, tx pgx.Tx, workItemID string) (WorkItemRow, error)
	WorkItemParties(ctx context.Context, tx pgx.Tx, workItemID string) (WorkItemRow, error)
	Create(ctx context.Context, tx pgx.Tx, workItemID, initiatorID, reason string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	GetByID(ctx context.Context, disputeID string) (Dispute, error)
	ListForWorkItem(ctx context.Context, workItemID string) ([]Dispute, error)
	AppendMessage(ctx context.Context, tx pgx.Tx, disputeID, authorID, body string, evidenceURL *string) (Message, error)
	ListMessages(ctx context.Context, disputeID string) ([]Message, error)
	SetStatus(ctx context.Context, tx pgx.Tx, disputeID string, from, to Status) (Dispute, error)
	Close(ctx context.Context, tx pgx.Tx, disputeID, arbiterID string, outcome Outcome) (Dispute, error)
	SetWorkItemStatus(ctx context.Context, tx pgx.Tx, workItemID string, status workitem.Status) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disputeColumns = `id, work_item_id, initiator_id, reason, status::text, outcome, resolved_by, created_at, updated_at, resolved_at`

// LockWorkItem loads the work item under FOR UPDATE so admissibility checks
// hold until the dispute transaction commits.
func (r *PGRepository) LockWorkItem(ctx context.Context, tx pgx.Tx, workItemID string) (WorkItemRow, error) {
	const query = `
        SELECT id, poster_id, doer_id, status::text, completed_at
        FROM work_items WHERE id = $1 FOR UPDATE`

	var row WorkItemRow
	err := tx.QueryRow(ctx, query, workItemID).
		Scan(&row.ID, &row.PosterID, &row.DoerID, &row.Status, &row.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkItemRow{}, fault.NotFoundf("work item %s not found", workItemID)
		}
		return WorkItemRow{}, fmt.Errorf("dispute: lock work item: %w", err)
	}
	return row, nil
}

// WorkItemParties reads poster and doer without locking; used for follow-up
// authorship checks where no work-item state changes.
func (r *PGRepository) WorkItemParties(ctx context.Context, tx pgx.Tx, workItemID string) (WorkItemRow, error) {
	const query = `SELECT id, poster_id, doer_id, status::text, completed_at FROM work_items WHERE id = $1`

	var row WorkItemRow
	err := tx.QueryRow(ctx, query, workItemID).
		Scan(&row.ID, &row.PosterID, &row.DoerID, &row.Status, &row.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkItemRow{}, fault.NotFoundf("work item %s not found", workItemID)
		}
		return WorkItemRow{}, fmt.Errorf("dispute: load work item: %w", err)
	}
	return row, nil
}

// Create inserts the dispute in OPEN status. The partial unique index on
// non-closed disputes rejects a second open dispute for the same work item.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, workItemID, initiatorID, reason string) (Dispute, error) {
	query := `
        INSERT INTO disputes (work_item_id, initiator_id, reason, status)
        VALUES ($1, $2, $3, 'open')
        RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query, workItemID, initiatorID, reason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, fault.Conflictf("a dispute is already open for work item %s", workItemID)
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return d, nil
}

// GetForUpdate locks the dispute row for the duration of the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	d, err := scanDispute(tx.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, fault.NotFoundf("dispute %s not found", disputeID)
		}
		return Dispute{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return d, nil
}

func (r *PGRepository) GetByID(ctx context.Context, disputeID string) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	d, err := scanDispute(r.pool.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, fault.NotFoundf("dispute %s not found", disputeID)
		}
		return Dispute{}, fmt.Errorf("dispute: get by id: %w", err)
	}
	return d, nil
}

func (r *PGRepository) ListForWorkItem(ctx context.Context, workItemID string) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE work_item_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, workItemID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

const messageColumns = `id, dispute_id, author_id, seq, body, evidence_url, created_at`

// AppendMessage adds the next entry in the dispute thread. Seq is assigned
// under the dispute row lock the caller already holds, so the sequence is
// gapless and strictly increasing.
func (r *PGRepository) AppendMessage(ctx context.Context, tx pgx.Tx, disputeID, authorID, body string, evidenceURL *string) (Message, error) {
	query := `
        INSERT INTO dispute_messages (dispute_id, author_id, seq, body, evidence_url)
        SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4
        FROM dispute_messages WHERE dispute_id = $1
        RETURNING ` + messageColumns

	var m Message
	err := tx.QueryRow(ctx, query, disputeID, authorID, body, evidenceURL).
		Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.Seq, &m.Body, &m.EvidenceURL, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("dispute: append message: %w", err)
	}
	return m, nil
}

func (r *PGRepository) ListMessages(ctx context.Context, disputeID string) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM dispute_messages WHERE dispute_id = $1 ORDER BY seq ASC`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 8)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.Seq, &m.Body, &m.EvidenceURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate messages: %w", err)
	}
	return out, nil
}

// SetStatus runs a guarded single-step transition.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, disputeID string, from, to Status) (Dispute, error) {
	query := `
        UPDATE disputes SET status = $3, updated_at = get_tx_timestamp()
        WHERE id = $1 AND status = $2
        RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query, disputeID, from, to))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, fmt.Errorf("dispute: set status: %w", err)
	}

	var current Status
	checkErr := tx.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, disputeID).Scan(&current)
	if checkErr != nil {
		if errors.Is(checkErr, pgx.ErrNoRows) {
			return Dispute{}, fault.NotFoundf("dispute %s not found", disputeID)
		}
		return Dispute{}, fmt.Errorf("dispute: set status check: %w", checkErr)
	}
	return Dispute{}, fault.InvalidStatef("dispute is %s, expected %s", current, from)
}

// Close records the verdict and walks the dispute to its terminal state:
// the matching RESOLVED_* status first, then CLOSED, both in the caller's
// transaction. Closing frees the partial unique index slot so a completed
// work item can be disputed again within the grace window.
func (r *PGRepository) Close(ctx context.Context, tx pgx.Tx, disputeID, arbiterID string, outcome Outcome) (Dispute, error) {
	resolved := StatusResolvedRelease
	if outcome == OutcomeRefund {
		resolved = StatusResolvedRefund
	}

	tag, err := tx.Exec(ctx, `
        UPDATE disputes
        SET status = $2, outcome = $3, resolved_by = $4,
            resolved_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
        WHERE id = $1 AND status IN ('open', 'under_review')
    `, disputeID, resolved, outcome, arbiterID)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current Status
		checkErr := tx.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, disputeID).Scan(&current)
		if checkErr != nil {
			if errors.Is(checkErr, pgx.ErrNoRows) {
				return Dispute{}, fault.NotFoundf("dispute %s not found", disputeID)
			}
			return Dispute{}, fmt.Errorf("dispute: resolve check: %w", checkErr)
		}
		return Dispute{}, fault.InvalidStatef("dispute is %s, cannot resolve", current)
	}

	d, err := scanDispute(tx.QueryRow(ctx, `
        UPDATE disputes SET status = 'closed', updated_at = get_tx_timestamp()
        WHERE id = $1
        RETURNING `+disputeColumns, disputeID))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: close: %w", err)
	}
	return d, nil
}

// SetWorkItemStatus applies the terminal work-item edge forced by a
// resolution, or the freeze when a dispute opens.
func (r *PGRepository) SetWorkItemStatus(ctx context.Context, tx pgx.Tx, workItemID string, status workitem.Status) error {
	tag, err := tx.Exec(ctx, `
        UPDATE work_items
        SET status = $2,
            completed_at = CASE WHEN $2 = 'completed' THEN get_tx_timestamp() ELSE completed_at END,
            updated_at = get_tx_timestamp()
        WHERE id = $1
    `, workItemID, status)
	if err != nil {
		return fmt.Errorf("dispute: set work item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFoundf("work item %s not found", workItemID)
	}
	return nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	return d, row.Scan(
		&d.ID,
		&d.WorkItemID,
		&d.InitiatorID,
		&d.Reason,
		&d.Status,
		&d.Outcome,
		&d.ResolvedBy,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.ResolvedAt,
	)
}
