package workitem

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/fault"
)

// Repository defines the data access the service needs. Row-locking methods
// take the caller's transaction so precondition checks and writes share locks.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, item WorkItem) (WorkItem, error)
	GetByID(ctx context.Context, id string) (WorkItem, error)
	List(ctx context.Context, filters Filters) ([]WorkItem, int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (WorkItem, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (WorkItem, error)
	HasBlockingDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const workItemColumns = `id, poster_id, doer_id, title, description, budget_cents, deadline, status::text, cancel_reason, created_at, updated_at, completed_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, item WorkItem) (WorkItem, error) {
	query := `
        INSERT INTO work_items (id, poster_id, title, description, budget_cents, deadline, status)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7::work_item_status)
        RETURNING ` + workItemColumns

	row := tx.QueryRow(ctx, query,
		item.ID,
		item.PosterID,
		item.Title,
		item.Description,
		item.BudgetCents,
		item.Deadline,
		item.Status,
	)
	created, err := scanWorkItem(row)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workitem: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE id = $1`
	item, err := scanWorkItem(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkItem{}, fault.NotFoundf("work item %s not found", id)
		}
		return WorkItem{}, fmt.Errorf("workitem: get by id: %w", err)
	}
	return item, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]WorkItem, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.PosterID != "" {
		where = append(where, fmt.Sprintf("poster_id=$%d", len(args)+1))
		args = append(args, filters.PosterID)
	}
	if filters.DoerID != "" {
		where = append(where, fmt.Sprintf("doer_id=$%d", len(args)+1))
		args = append(args, filters.DoerID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d::work_item_status", len(args)+1))
		args = append(args, filters.Status)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM work_items%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		workItemColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("workitem: list: %w", err)
	}
	defer rows.Close()

	items := []WorkItem{}
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("workitem: scan list row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("workitem: iterate list: %w", err)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM work_items%s", whereClause)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("workitem: count list: %w", err)
	}
	return items, total, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE id = $1 FOR UPDATE`
	item, err := scanWorkItem(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkItem{}, fault.NotFoundf("work item %s not found", id)
		}
		return WorkItem{}, fmt.Errorf("workitem: get for update: %w", err)
	}
	return item, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (WorkItem, error) {
	query := `
        UPDATE work_items
        SET status = $2::work_item_status,
            cancel_reason = COALESCE($3, cancel_reason),
            completed_at = CASE WHEN $2::work_item_status = 'completed'
                                THEN COALESCE(completed_at, get_tx_timestamp())
                                ELSE completed_at END,
            updated_at = get_tx_timestamp()
        WHERE id = $1
        RETURNING ` + workItemColumns

	item, err := scanWorkItem(tx.QueryRow(ctx, query, id, status, cancelReason))
	if err != nil {
		return WorkItem{}, fmt.Errorf("workitem: set status: %w", err)
	}
	return item, nil
}

// HasBlockingDispute reports whether a non-closed dispute exists for the item.
// Callers must already hold the work-item row lock so the answer cannot change
// before their transaction commits (dispute opening locks the same row).
func (r *PGRepository) HasBlockingDispute(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var exists bool
	const query = `SELECT EXISTS (SELECT 1 FROM disputes WHERE work_item_id = $1 AND status <> 'closed')`
	if err := tx.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("workitem: check blocking dispute: %w", err)
	}
	return exists, nil
}

func scanWorkItem(row pgx.Row) (WorkItem, error) {
	var item WorkItem
	return item, row.Scan(
		&item.ID,
		&item.PosterID,
		&item.DoerID,
		&item.Title,
		&item.Description,
		&item.BudgetCents,
		&item.Deadline,
		&item.Status,
		&item.CancelReason,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CompletedAt,
	)
}
