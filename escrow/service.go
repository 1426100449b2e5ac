package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"taskflow/fault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the repository slice the orchestrator drives.
type Ledger interface {
	GetByWorkItem(ctx context.Context, workItemID string) (Payment, error)
	LockByWorkItem(ctx context.Context, tx pgx.Tx, workItemID string) (Payment, error)
	SetGatewayRef(ctx context.Context, tx pgx.Tx, workItemID, ref string) error
	MarkCaptured(ctx context.Context, tx pgx.Tx, workItemID string) (Payment, error)
	MarkFailed(ctx context.Context, tx pgx.Tx, workItemID string) (Payment, error)
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, workItemID, eventType string, actorID *string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives payment state in lockstep with work-item transitions.
// Gateway calls happen strictly outside the internal transaction: initiation
// before it, confirmation as a separate inbound callback after the gateway
// committed on its side.
type Service struct {
	pool     TxBeginner
	repo     Ledger
	gateway  Gateway
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewService(pool TxBeginner, repo Ledger, gateway Gateway, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		gateway:  gateway,
		timeline: timeline,
		outbox:   outbox,
	}
}

// InitiateCapture asks the gateway for a capture intent on the pending
// payment and records the issued reference.
func (s *Service) InitiateCapture(ctx context.Context, posterID, workItemID string) (CaptureIntent, error) {
	if posterID == "" || workItemID == "" {
		return CaptureIntent{}, fault.Validationf("poster id and work item id required")
	}

	p, err := s.repo.GetByWorkItem(ctx, workItemID)
	if err != nil {
		return CaptureIntent{}, err
	}
	if p.PayerID != posterID {
		return CaptureIntent{}, fault.Forbiddenf("caller is not the payer")
	}
	if p.Status != StatusPending {
		return CaptureIntent{}, fault.InvalidStatef("payment is %s, capture not applicable", p.Status)
	}

	// No lock is held here: the gateway call must never straddle a transaction.
	intent, err := s.gateway.InitiateCapture(ctx, CaptureRequest{
		WorkItemID:  workItemID,
		PayerID:     p.PayerID,
		AmountCents: p.AmountCents,
	})
	if err != nil {
		return CaptureIntent{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CaptureIntent{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SetGatewayRef(ctx, tx, workItemID, intent.Reference); err != nil {
		return CaptureIntent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return CaptureIntent{}, fmt.Errorf("escrow: commit gateway ref: %w", err)
	}
	return intent, nil
}

// CaptureCallback is the normalized at-least-once confirmation from the
// gateway. EventID identifies the confirmation for idempotent replay.
type CaptureCallback struct {
	EventID     string
	WorkItemID  string
	Reference   string
	AmountCents int64
	Succeeded   bool
}

// HandleCaptureCallback applies the gateway outcome exactly once. Replays of
// an already-applied confirmation return nil without touching state.
func (s *Service) HandleCaptureCallback(ctx context.Context, cb CaptureCallback) error {
	if cb.EventID == "" {
		return fault.Validationf("missing callback event id")
	}
	if cb.WorkItemID == "" {
		return fault.Validationf("missing work item id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, cb.EventID); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	p, err := s.repo.LockByWorkItem(ctx, tx, cb.WorkItemID)
	if err != nil {
		return err
	}

	switch p.Status {
	case StatusPending:
		// fall through to apply the outcome
	case StatusPaid, StatusReleased, StatusRefunded, StatusDisputed:
		// a second confirmation for money already captured: absorb it
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("escrow: commit replay: %w", err)
		}
		return nil
	default:
		return fault.Conflictf("payment is %s, confirmation no longer applicable", p.Status)
	}

	if cb.AmountCents != p.AmountCents {
		return fault.Validationf("confirmation amount %d does not match payment amount %d", cb.AmountCents, p.AmountCents)
	}

	if cb.Succeeded {
		if _, err := s.repo.MarkCaptured(ctx, tx, cb.WorkItemID); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, tx, cb.WorkItemID, EventCaptured, nil, map[string]any{
			"reference":    cb.Reference,
			"amount_cents": cb.AmountCents,
		}); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, "payment.captured", map[string]any{
			"work_item_id": cb.WorkItemID,
			"amount_cents": cb.AmountCents,
		}); err != nil {
			return err
		}
	} else {
		if _, err := s.repo.MarkFailed(ctx, tx, cb.WorkItemID); err != nil {
			return err
		}
		if err := s.timeline.Append(ctx, tx, cb.WorkItemID, EventCaptureFailed, nil, map[string]any{
			"reference": cb.Reference,
		}); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, "payment.failed", map[string]any{
			"work_item_id": cb.WorkItemID,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit capture outcome: %w", err)
	}
	return nil
}

// GetByWorkItem exposes the active payment for read paths.
func (s *Service) GetByWorkItem(ctx context.Context, workItemID string) (Payment, error) {
	return s.repo.GetByWorkItem(ctx, workItemID)
}
