package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"taskflow/escrow"
	"taskflow/fault"
	"taskflow/identity"
	"taskflow/workitem"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PaymentLedger is the slice of the escrow repository the dispute workflow
// drives. Resolution is the only caller allowed to force a frozen payment to
// its terminal state.
type PaymentLedger interface {
	StatusForUpdate(ctx context.Context, tx pgx.Tx, workItemID string) (escrow.Status, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, workItemID string) error
	ForceRelease(ctx context.Context, tx pgx.Tx, workItemID string) error
	Refund(ctx context.Context, tx pgx.Tx, workItemID string) error
	Void(ctx context.Context, tx pgx.Tx, workItemID string) error
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, workItemID, eventType string, actorID *string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the dispute workflow: filing, the evidence thread, and the
// arbiter resolution that settles the payment and the work item together.
type Service struct {
	pool     TxBeginner
	repo     Repository
	payments PaymentLedger
	timeline TimelineWriter
	outbox   OutboxWriter
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, payments PaymentLedger, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		payments: payments,
		timeline: timeline,
		outbox:   outbox,
		now:      time.Now,
	}
}

// WithClock overrides time.Now, for tests exercising the grace window.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenParams carries the initiator's filing.
type OpenParams struct {
	InitiatorID string
	WorkItemID  string
	Reason      string
	EvidenceURL *string
}

// Open files a dispute. Admissibility is judged against the locked work item:
// the initiator must be a party, the item must be actively in flight (or
// completed within the grace window), and the payment must not have reached a
// terminal state. On success the work item freezes in DISPUTED and a captured
// payment freezes with it.
func (s *Service) Open(ctx context.Context, params OpenParams) (Dispute, error) {
	if params.InitiatorID == "" || params.WorkItemID == "" {
		return Dispute{}, fault.Validationf("initiator id and work item id required")
	}
	if params.Reason == "" {
		return Dispute{}, fault.Validationf("dispute reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	item, err := s.repo.LockWorkItem(ctx, tx, params.WorkItemID)
	if err != nil {
		return Dispute{}, err
	}
	if !item.IsParty(params.InitiatorID) {
		return Dispute{}, fault.Forbiddenf("only the poster or the assigned doer can open a dispute")
	}

	switch item.Status {
	case workitem.StatusInProgress, workitem.StatusUnderReview:
		// disputable while in flight
	case workitem.StatusCompleted:
		if item.CompletedAt == nil || s.now().Sub(*item.CompletedAt) > CompletionGraceWindow {
			return Dispute{}, fault.InvalidStatef("work item completed outside the dispute window")
		}
	default:
		return Dispute{}, fault.InvalidStatef("work item is %s, cannot be disputed", item.Status)
	}

	payStatus, err := s.payments.StatusForUpdate(ctx, tx, params.WorkItemID)
	if err != nil {
		return Dispute{}, err
	}
	if payStatus != escrow.StatusPending && payStatus != escrow.StatusPaid {
		return Dispute{}, fault.InvalidStatef("payment is %s, nothing to dispute", payStatus)
	}

	d, err := s.repo.Create(ctx, tx, params.WorkItemID, params.InitiatorID, params.Reason)
	if err != nil {
		return Dispute{}, err
	}
	if _, err := s.repo.AppendMessage(ctx, tx, d.ID, params.InitiatorID, params.Reason, params.EvidenceURL); err != nil {
		return Dispute{}, err
	}

	if payStatus == escrow.StatusPaid {
		if err := s.payments.MarkDisputed(ctx, tx, params.WorkItemID); err != nil {
			return Dispute{}, err
		}
	}
	if err := s.repo.SetWorkItemStatus(ctx, tx, params.WorkItemID, workitem.StatusDisputed); err != nil {
		return Dispute{}, err
	}

	if err := s.timeline.Append(ctx, tx, params.WorkItemID, EventOpened, &params.InitiatorID, map[string]any{
		"dispute_id": d.ID,
		"reason":     params.Reason,
	}); err != nil {
		return Dispute{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.opened", map[string]any{
		"work_item_id": params.WorkItemID,
		"dispute_id":   d.ID,
		"initiator_id": params.InitiatorID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return d, nil
}

// BeginReview moves an open dispute under active arbitration.
func (s *Service) BeginReview(ctx context.Context, arbiterID string, arbiterRole identity.Role, disputeID string) (Dispute, error) {
	if arbiterRole != identity.RoleArbiter {
		return Dispute{}, fault.Forbiddenf("only an arbiter can review disputes")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.SetStatus(ctx, tx, disputeID, StatusOpen, StatusUnderReview)
	if err != nil {
		return Dispute{}, err
	}
	if err := s.timeline.Append(ctx, tx, d.WorkItemID, EventReviewStarted, &arbiterID, map[string]any{
		"dispute_id": d.ID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit review: %w", err)
	}
	return d, nil
}

// AddFollowUp appends a message to the dispute thread. Either party may post
// until the dispute is closed; the thread is append-only.
func (s *Service) AddFollowUp(ctx context.Context, authorID, disputeID, body string, evidenceURL *string) (Message, error) {
	if authorID == "" || disputeID == "" {
		return Message{}, fault.Validationf("author id and dispute id required")
	}
	if body == "" {
		return Message{}, fault.Validationf("message body required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Message{}, err
	}
	if d.Status == StatusClosed {
		return Message{}, fault.InvalidStatef("dispute is closed")
	}

	item, err := s.repo.WorkItemParties(ctx, tx, d.WorkItemID)
	if err != nil {
		return Message{}, err
	}
	if !item.IsParty(authorID) {
		return Message{}, fault.Forbiddenf("only the poster or the assigned doer can post to this dispute")
	}

	m, err := s.repo.AppendMessage(ctx, tx, disputeID, authorID, body, evidenceURL)
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("dispute: commit follow-up: %w", err)
	}
	return m, nil
}

// ResolveParams carries the arbiter's verdict.
type ResolveParams struct {
	ArbiterID   string
	ArbiterRole identity.Role
	DisputeID   string
	Outcome     Outcome
}

// Resolve settles the dispute with a binary verdict. Release pays the doer
// and completes the work item; refund returns the money and cancels it. A
// payment still pending at resolution was never captured, so either verdict
// voids it. Dispute, payment, and work item reach their terminal states in
// one transaction or not at all.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Dispute, error) {
	if params.ArbiterRole != identity.RoleArbiter {
		return Dispute{}, fault.Forbiddenf("only an arbiter can resolve disputes")
	}
	if params.Outcome != OutcomeRelease && params.Outcome != OutcomeRefund {
		return Dispute{}, fault.Validationf("outcome must be release or refund")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Dispute{}, err
	}
	if _, err := s.repo.LockWorkItem(ctx, tx, d.WorkItemID); err != nil {
		return Dispute{}, err
	}

	closed, err := s.repo.Close(ctx, tx, d.ID, params.ArbiterID, params.Outcome)
	if err != nil {
		return Dispute{}, err
	}

	payStatus, err := s.payments.StatusForUpdate(ctx, tx, d.WorkItemID)
	if err != nil {
		return Dispute{}, err
	}

	target := workitem.StatusCompleted
	if params.Outcome == OutcomeRefund {
		target = workitem.StatusCancelled
	}

	switch payStatus {
	case escrow.StatusPending:
		if err := s.payments.Void(ctx, tx, d.WorkItemID); err != nil {
			return Dispute{}, err
		}
	case escrow.StatusPaid, escrow.StatusDisputed:
		if params.Outcome == OutcomeRelease {
			err = s.payments.ForceRelease(ctx, tx, d.WorkItemID)
		} else {
			err = s.payments.Refund(ctx, tx, d.WorkItemID)
		}
		if err != nil {
			return Dispute{}, err
		}
	case "":
		// no active payment left to settle
	default:
		return Dispute{}, fault.InvalidStatef("payment is %s, cannot settle", payStatus)
	}

	if err := s.repo.SetWorkItemStatus(ctx, tx, d.WorkItemID, target); err != nil {
		return Dispute{}, err
	}

	if err := s.timeline.Append(ctx, tx, d.WorkItemID, EventResolved, &params.ArbiterID, map[string]any{
		"dispute_id": closed.ID,
		"outcome":    params.Outcome,
	}); err != nil {
		return Dispute{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.resolved", map[string]any{
		"work_item_id": d.WorkItemID,
		"dispute_id":   closed.ID,
		"outcome":      params.Outcome,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return closed, nil
}

func (s *Service) Get(ctx context.Context, disputeID string) (Dispute, error) {
	return s.repo.GetByID(ctx, disputeID)
}

func (s *Service) ListForWorkItem(ctx context.Context, workItemID string) ([]Dispute, error) {
	return s.repo.ListForWorkItem(ctx, workItemID)
}

func (s *Service) Messages(ctx context.Context, disputeID string) ([]Message, error) {
	return s.repo.ListMessages(ctx, disputeID)
}
