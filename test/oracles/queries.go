package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the live database while the
// actors hammer it. Every query must return zero rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_accepted_bid",
			SQL: `SELECT work_item_id, COUNT(*) FROM bids
                  WHERE status = 'accepted'
                  GROUP BY work_item_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_one_active_bid_per_doer",
			SQL: `SELECT work_item_id, doer_id, COUNT(*) FROM bids
                  WHERE status IN ('pending','accepted')
                  GROUP BY work_item_id, doer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_one_active_payment",
			SQL: `SELECT work_item_id, COUNT(*) FROM payments
                  WHERE status <> 'failed'
                  GROUP BY work_item_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_doer_iff_assigned",
			SQL: `SELECT id, status, doer_id FROM work_items
                  WHERE (status = 'open' AND doer_id IS NOT NULL)
                     OR (status IN ('assigned','in_progress','under_review','completed','disputed') AND doer_id IS NULL)`,
		},
		{
			Name: "O5_payment_matches_accepted_bid",
			SQL: `SELECT p.id, p.amount_cents, b.amount_cents FROM payments p
                  JOIN bids b ON b.work_item_id = p.work_item_id AND b.status = 'accepted'
                  WHERE p.status <> 'failed' AND p.amount_cents <> b.amount_cents`,
		},
		{
			Name: "O6_one_open_dispute",
			SQL: `SELECT work_item_id, COUNT(*) FROM disputes
                  WHERE status <> 'closed'
                  GROUP BY work_item_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_closed_dispute_has_verdict",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'closed' AND (outcome IS NULL OR resolved_by IS NULL OR resolved_at IS NULL)`,
		},
		{
			Name: "O8_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT work_item_id, seq,
                             LAG(seq) OVER (PARTITION BY work_item_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O9_released_requires_terminal_item",
			SQL: `SELECT p.id, p.status, w.status FROM payments p
                  JOIN work_items w ON w.id = p.work_item_id
                  WHERE p.status = 'released' AND w.status NOT IN ('completed','cancelled')`,
		},
		{
			Name: "O10_outbox_not_stalled",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
