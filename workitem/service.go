package workitem

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"taskflow/escrow"
	"taskflow/fault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TimelineWriter appends business events inside the active transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, workItemID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues post-commit notifications inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// PaymentLedger is the slice of the escrow repository the state machine drives.
// Release and Void run inside the work-item transaction so money state and
// item state commit together.
type PaymentLedger interface {
	StatusForUpdate(ctx context.Context, tx pgx.Tx, workItemID string) (escrow.Status, error)
	Release(ctx context.Context, tx pgx.Tx, workItemID string) error
	Void(ctx context.Context, tx pgx.Tx, workItemID string) error
}

// Service owns the work-item lifecycle. Every transition loads the row under
// FOR UPDATE, re-validates the transition table and the caller's role, and
// commits the status write together with its timeline and outbox entries.
type Service struct {
	pool     TxBeginner
	repo     Repository
	payments PaymentLedger
	timeline TimelineWriter
	outbox   OutboxWriter
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, payments PaymentLedger, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		payments: payments,
		timeline: timeline,
		outbox:   outbox,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateParams struct {
	PosterID    string
	Title       string
	Description string
	BudgetCents int64
	Deadline    *time.Time
}

// Create publishes a new work item in the open state.
func (s *Service) Create(ctx context.Context, params CreateParams) (WorkItem, error) {
	if params.PosterID == "" {
		return WorkItem{}, fault.Validationf("poster id required")
	}
	if params.Title == "" {
		return WorkItem{}, fault.Validationf("title required")
	}
	if params.BudgetCents <= 0 {
		return WorkItem{}, fault.Validationf("budget must be positive")
	}
	if params.Deadline != nil && !params.Deadline.After(s.now()) {
		return WorkItem{}, fault.Validationf("deadline must be in the future")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workitem: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, WorkItem{
		ID:          s.idGen(),
		PosterID:    params.PosterID,
		Title:       params.Title,
		Description: params.Description,
		BudgetCents: params.BudgetCents,
		Deadline:    params.Deadline,
		Status:      StatusOpen,
	})
	if err != nil {
		return WorkItem{}, err
	}

	if err := s.timeline.Append(ctx, tx, created.ID, EventCreated, &params.PosterID, map[string]any{
		"title":        created.Title,
		"budget_cents": created.BudgetCents,
	}); err != nil {
		return WorkItem{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "workitem.created", map[string]any{
		"work_item_id": created.ID,
		"poster_id":    created.PosterID,
	}); err != nil {
		return WorkItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return WorkItem{}, fmt.Errorf("workitem: commit create: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (WorkItem, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) ([]WorkItem, int, error) {
	return s.repo.List(ctx, filters)
}

// Start moves an assigned item to in_progress. Only the assigned doer may
// start, and only once the escrow payment has been captured.
func (s *Service) Start(ctx context.Context, doerID, workItemID string) (WorkItem, error) {
	if doerID == "" || workItemID == "" {
		return WorkItem{}, fault.Validationf("doer id and work item id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workitem: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	item, err := s.repo.GetForUpdate(ctx, tx, workItemID)
	if err != nil {
		return WorkItem{}, err
	}
	if item.Status != StatusAssigned {
		return WorkItem{}, fault.InvalidStatef("work item is %s, cannot start", item.Status)
	}
	if item.DoerID == nil || *item.DoerID != doerID {
		return WorkItem{}, fault.Forbiddenf("caller is not the assigned doer")
	}

	ps, err := s.payments.StatusForUpdate(ctx, tx, workItemID)
	if err != nil {
		return WorkItem{}, err
	}
	if ps != escrow.StatusPaid {
		return WorkItem{}, fault.InvalidStatef("payment not captured yet")
	}

	updated, err := s.repo.SetStatus(ctx, tx, workItemID, StatusInProgress, nil)
	if err != nil {
		return WorkItem{}, err
	}
	if err := s.timeline.Append(ctx, tx, workItemID, EventStarted, &doerID, nil); err != nil {
		return WorkItem{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "work.started", map[string]any{
		"work_item_id": workItemID,
		"doer_id":      doerID,
	}); err != nil {
		return WorkItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return WorkItem{}, fmt.Errorf("workitem: commit start: %w", err)
	}
	return updated, nil
}

// SubmitWork moves an in-progress item to under_review.
func (s *Service) SubmitWork(ctx context.Context, doerID, workItemID string) (WorkItem, error) {
	if doerID == "" || workItemID == "" {
		return WorkItem{}, fault.Validationf("doer id and work item id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workitem: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	item, err := s.repo.GetForUpdate(ctx, tx, workItemID)
	if err != nil {
		return WorkItem{}, err
	}
	if item.Status != StatusInProgress {
		return WorkItem{}, fault.InvalidStatef("work item is %s, cannot submit", item.Status)
	}
	if item.DoerID == nil || *item.DoerID != doerID {
		return WorkItem{}, fault.Forbiddenf("caller is not the assigned doer")
	}

	updated, err := s.repo.SetStatus(ctx, tx, workItemID, StatusUnderReview, nil)
	if err != nil {
		return WorkItem{}, err
	}
	if err := s.timeline.Append(ctx, tx, workItemID, EventSubmitted, &doerID, nil); err != nil {
		return WorkItem{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "work.submitted", map[string]any{
		"work_item_id": workItemID,
		"doer_id":      doerID,
	}); err != nil {
		return WorkItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return WorkItem{}, fmt.Errorf("workitem: commit submit: %w", err)
	}
	return updated, nil
}

// ApproveAndRelease completes the item and releases escrow in one transaction.
// Blocked while a dispute is open so the poster cannot short-circuit it.
func (s *Service) ApproveAndRelease(ctx context.Context, posterID, workItemID string) (WorkItem, error) {
	if posterID == "" || workItemID == "" {
		return WorkItem{}, fault.Validationf("poster id and work item id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workitem: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	item, err := s.repo.GetForUpdate(ctx, tx, workItemID)
	if err != nil {
		return WorkItem{}, err
	}

	blocked, err := s.repo.HasBlockingDispute(ctx, tx, workItemID)
	if err != nil {
		return WorkItem{}, err
	}
	if blocked {
		return WorkItem{}, fault.Forbiddenf("a dispute is open for this work item")
	}
	if item.PosterID != posterID {
		return WorkItem{}, fault.Forbiddenf("caller is not the poster")
	}
	if item.Status != StatusUnderReview {
		return WorkItem{}, fault.InvalidStatef("work item is %s, cannot approve", item.Status)
	}

	ps, err := s.payments.StatusForUpdate(ctx, tx, workItemID)
	if err != nil {
		return WorkItem{}, err
	}
	if ps != escrow.StatusPaid {
		return WorkItem{}, fault.InvalidStatef("payment is %q, cannot release", ps)
	}
	if err := s.payments.Release(ctx, tx, workItemID); err != nil {
		return WorkItem{}, err
	}

	updated, err := s.repo.SetStatus(ctx, tx, workItemID, StatusCompleted, nil)
	if err != nil {
		return WorkItem{}, err
	}
	if err := s.timeline.Append(ctx, tx, workItemID, EventApproved, &posterID, map[string]any{
		"payment": "released",
	}); err != nil {
		return WorkItem{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "payment.released", map[string]any{
		"work_item_id": workItemID,
	}); err != nil {
		return WorkItem{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "workitem.completed", map[string]any{
		"work_item_id": workItemID,
	}); err != nil {
		return WorkItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return WorkItem{}, fmt.Errorf("workitem: commit approve: %w", err)
	}
	return updated, nil
}

// Cancel withdraws an item before work begins. Legal only from open or
// assigned, and never after the escrow payment has been captured; a pending
// payment is voided in the same transaction.
func (s *Service) Cancel(ctx context.Context, posterID, workItemID string, reason *string) (WorkItem, error) {
	if posterID == "" || workItemID == "" {
		return WorkItem{}, fault.Validationf("poster id and work item id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workitem: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	item, err := s.repo.GetForUpdate(ctx, tx, workItemID)
	if err != nil {
		return WorkItem{}, err
	}

	blocked, err := s.repo.HasBlockingDispute(ctx, tx, workItemID)
	if err != nil {
		return WorkItem{}, err
	}
	if blocked {
		return WorkItem{}, fault.Forbiddenf("a dispute is open for this work item")
	}
	if item.PosterID != posterID {
		return WorkItem{}, fault.Forbiddenf("caller is not the poster")
	}
	if item.Status != StatusOpen && item.Status != StatusAssigned {
		return WorkItem{}, fault.InvalidStatef("work item is %s, cannot cancel", item.Status)
	}

	ps, err := s.payments.StatusForUpdate(ctx, tx, workItemID)
	if err != nil {
		return WorkItem{}, err
	}
	switch ps {
	case "", escrow.StatusFailed:
		// nothing to void
	case escrow.StatusPending:
		if err := s.payments.Void(ctx, tx, workItemID); err != nil {
			return WorkItem{}, err
		}
	default:
		return WorkItem{}, fault.InvalidStatef("payment already captured, open a dispute instead")
	}

	updated, err := s.repo.SetStatus(ctx, tx, workItemID, StatusCancelled, reason)
	if err != nil {
		return WorkItem{}, err
	}
	if err := s.timeline.Append(ctx, tx, workItemID, EventCancelled, &posterID, nil); err != nil {
		return WorkItem{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "workitem.cancelled", map[string]any{
		"work_item_id": workItemID,
	}); err != nil {
		return WorkItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return WorkItem{}, fmt.Errorf("workitem: commit cancel: %w", err)
	}
	return updated, nil
}
