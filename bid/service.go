package bid

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"taskflow/escrow"
	"taskflow/fault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PaymentCreator opens the escrow payment inside the acceptance transaction.
type PaymentCreator interface {
	CreatePending(ctx context.Context, tx pgx.Tx, workItemID, payerID, payeeID string, amountCents int64) (escrow.Payment, error)
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, workItemID, eventType string, actorID *string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service validates and records bids against open work items, and owns the
// acceptance transaction that guarantees at most one winning bid.
type Service struct {
	pool     TxBeginner
	repo     Repository
	payments PaymentCreator
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewService(pool TxBeginner, repo Repository, payments PaymentCreator, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		payments: payments,
		timeline: timeline,
		outbox:   outbox,
	}
}

// Place records a pending bid for an open work item.
func (s *Service) Place(ctx context.Context, doerID, workItemID string, amountCents int64) (Bid, error) {
	if doerID == "" || workItemID == "" {
		return Bid{}, fault.Validationf("doer id and work item id required")
	}
	if amountCents <= 0 {
		return Bid{}, fault.Validationf("bid amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	placed, err := s.repo.PlaceTx(ctx, tx, doerID, workItemID, amountCents)
	if err != nil {
		return Bid{}, err
	}

	if err := s.timeline.Append(ctx, tx, workItemID, EventPlaced, &doerID, map[string]any{
		"bid_id":       placed.ID,
		"amount_cents": placed.AmountCents,
	}); err != nil {
		return Bid{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "bid.placed", map[string]any{
		"work_item_id": workItemID,
		"bid_id":       placed.ID,
		"doer_id":      doerID,
	}); err != nil {
		return Bid{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("bid: commit place: %w", err)
	}
	return placed, nil
}

// AcceptResult bundles the winning bid with the escrow payment it opened.
type AcceptResult struct {
	Bid     Bid
	Payment escrow.Payment
}

// Accept commits the assignment, the winning bid, every sibling rejection,
// and the pending payment as one atomic unit. Losing a race to a concurrent
// acceptance returns a conflict; callers should treat that as a normal
// outcome, not a bug.
func (s *Service) Accept(ctx context.Context, posterID, bidID string) (AcceptResult, error) {
	if posterID == "" || bidID == "" {
		return AcceptResult{}, fault.Validationf("poster id and bid id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	outcome, err := s.repo.AcceptTx(ctx, tx, posterID, bidID)
	if err != nil {
		return AcceptResult{}, err
	}

	payment, err := s.payments.CreatePending(ctx, tx,
		outcome.Bid.WorkItemID,
		outcome.WorkItemPosterID,
		outcome.Bid.DoerID,
		outcome.Bid.AmountCents,
	)
	if err != nil {
		return AcceptResult{}, err
	}

	if err := s.timeline.Append(ctx, tx, outcome.Bid.WorkItemID, EventAccepted, &posterID, map[string]any{
		"bid_id":            outcome.Bid.ID,
		"doer_id":           outcome.Bid.DoerID,
		"amount_cents":      outcome.Bid.AmountCents,
		"rejected_siblings": outcome.RejectedSiblings,
	}); err != nil {
		return AcceptResult{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "bid.accepted", map[string]any{
		"work_item_id": outcome.Bid.WorkItemID,
		"bid_id":       outcome.Bid.ID,
		"doer_id":      outcome.Bid.DoerID,
	}); err != nil {
		return AcceptResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AcceptResult{}, fmt.Errorf("bid: commit accept: %w", err)
	}
	return AcceptResult{Bid: outcome.Bid, Payment: payment}, nil
}

// Withdraw retracts the caller's pending bid while bidding is still open.
func (s *Service) Withdraw(ctx context.Context, doerID, bidID string) (Bid, error) {
	if doerID == "" || bidID == "" {
		return Bid{}, fault.Validationf("doer id and bid id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	withdrawn, err := s.repo.WithdrawTx(ctx, tx, doerID, bidID)
	if err != nil {
		return Bid{}, err
	}
	if err := s.timeline.Append(ctx, tx, withdrawn.WorkItemID, EventWithdrawn, &doerID, map[string]any{
		"bid_id": withdrawn.ID,
	}); err != nil {
		return Bid{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("bid: commit withdraw: %w", err)
	}
	return withdrawn, nil
}

func (s *Service) ListForWorkItem(ctx context.Context, workItemID string) ([]Bid, error) {
	return s.repo.ListForWorkItem(ctx, workItemID)
}

func (s *Service) Get(ctx context.Context, bidID string) (Bid, error) {
	return s.repo.GetByID(ctx, bidID)
}
