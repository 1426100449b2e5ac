package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Timeline appends immutable business events per work item. Seq is computed
// with MAX+1 under the work-item row lock every writer already holds, so the
// per-item sequence stays gapless and monotonic.
type Timeline struct{}

func NewTimeline() *Timeline { return &Timeline{} }

func (t *Timeline) Append(ctx context.Context, tx pgx.Tx, workItemID, eventType string, actorID *string, payload map[string]any) error {
	if workItemID == "" {
		return fmt.Errorf("notify: timeline missing work item id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal timeline payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE work_item_id=$1`, workItemID).Scan(&seq); err != nil {
		return fmt.Errorf("notify: next timeline seq: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	const q = `
INSERT INTO timeline_events (work_item_id, seq, type, actor_id, payload)
VALUES ($1, $2, $3, $4::uuid, $5::jsonb)
`
	if _, err := tx.Exec(ctx, q, workItemID, seq, eventType, actor, body); err != nil {
		return fmt.Errorf("notify: insert timeline event: %w", err)
	}
	return nil
}
