package workitem

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"taskflow/escrow"
	"taskflow/fault"
)

func TestCreate_Validation(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakePayments{}, &fakeTimeline{}, &fakeOutbox{})

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"missing poster", CreateParams{Title: "t", BudgetCents: 100}},
		{"missing title", CreateParams{PosterID: "p1", BudgetCents: 100}},
		{"zero budget", CreateParams{PosterID: "p1", Title: "t"}},
		{"negative budget", CreateParams{PosterID: "p1", Title: "t", BudgetCents: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.params)
			if !errors.Is(err, fault.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSubmitWork_WhileOpenIsInvalidState(t *testing.T) {
	repo := &fakeRepo{item: WorkItem{ID: "w1", PosterID: "p1", Status: StatusOpen}}
	svc := NewService(&fakePool{}, repo, &fakePayments{}, &fakeTimeline{}, &fakeOutbox{})

	_, err := svc.SubmitWork(context.Background(), "d1", "w1")
	if !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestSubmitWork_NonDoerIsForbidden(t *testing.T) {
	doer := "d1"
	repo := &fakeRepo{item: WorkItem{ID: "w1", PosterID: "p1", DoerID: &doer, Status: StatusInProgress}}
	svc := NewService(&fakePool{}, repo, &fakePayments{}, &fakeTimeline{}, &fakeOutbox{})

	_, err := svc.SubmitWork(context.Background(), "intruder", "w1")
	if !errors.Is(err, fault.ErrForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestSubmitWork_Success(t *testing.T) {
	doer := "d1"
	pool := &fakePool{}
	repo := &fakeRepo{item: WorkItem{ID: "w1", PosterID: "p1", DoerID: &doer, Status: StatusInProgress}}
	timeline := &fakeTimeline{}
	svc := NewService(pool, repo, &fakePayments{}, timeline, &fakeOutbox{})

	updated, err := svc.SubmitWork(context.Background(), "d1", "w1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if updated.Status != StatusUnderReview {
		t.Fatalf("expected under_review, got %s", updated.Status)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if len(timeline.events) != 1 || timeline.events[0] != EventSubmitted {
		t.Errorf("expected WORK_SUBMITTED timeline event, got %v", timeline.events)
	}
}

func TestStart_RequiresCapturedPayment(t *testing.T) {
	doer := "d1"
	repo := &fakeRepo{item: WorkItem{ID: "w1", PosterID: "p1", DoerID: &doer, Status: StatusAssigned}}
	payments := &fakePayments{status: escrow.StatusPending}
	svc := NewService(&fakePool{}, repo, payments, &fakeTimeline{}, &fakeOutbox{})

	_, err := svc.Start(context.Background(), "d1", "w1")
	if !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestApproveAndRelease_BlockedWhileDisputed(t *testing.T) {
	repo := &fakeRepo{
		item:    WorkItem{ID: "w1", PosterID: "p1", Status: StatusUnderReview},
		blocked: true,
	}
	svc := NewService(&fakePool{}, repo, &fakePayments{status: escrow.StatusPaid}, &fakeTimeline{}, &fakeOutbox{})

	_, err := svc.ApproveAndRelease(context.Background(), "p1", "w1")
	if !errors.Is(err, fault.ErrForbidden) {
		t.Fatalf("expected forbidden error while dispute open, got %v", err)
	}
}

func TestApproveAndRelease_ReleasesInSameTx(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{item: WorkItem{ID: "w1", PosterID: "p1", Status: StatusUnderReview}}
	payments := &fakePayments{status: escrow.StatusPaid}
	svc := NewService(pool, repo, payments, &fakeTimeline{}, &fakeOutbox{})

	updated, err := svc.ApproveAndRelease(context.Background(), "p1", "w1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}
	if !payments.released {
		t.Errorf("expected payment release inside the transaction")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

func TestCancel_AfterCaptureIsInvalidState(t *testing.T) {
	repo := &fakeRepo{item: WorkItem{ID: "w1", PosterID: "p1", Status: StatusAssigned}}
	payments := &fakePayments{status: escrow.StatusPaid}
	svc := NewService(&fakePool{}, repo, payments, &fakeTimeline{}, &fakeOutbox{})

	_, err := svc.Cancel(context.Background(), "p1", "w1", nil)
	if !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	if payments.voided {
		t.Errorf("captured payment must never be voided by cancel")
	}
}

func TestCancel_VoidsPendingPayment(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{item: WorkItem{ID: "w1", PosterID: "p1", Status: StatusAssigned}}
	payments := &fakePayments{status: escrow.StatusPending}
	svc := NewService(pool, repo, payments, &fakeTimeline{}, &fakeOutbox{})

	reason := "found someone locally"
	updated, err := svc.Cancel(context.Background(), "p1", "w1", &reason)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
	if !payments.voided {
		t.Errorf("expected pending payment to be voided")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

type fakeRepo struct {
	item    WorkItem
	getErr  error
	blocked bool
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, item WorkItem) (WorkItem, error) {
	return item, nil
}

func (f *fakeRepo) GetByID(context.Context, string) (WorkItem, error) {
	return f.item, f.getErr
}

func (f *fakeRepo) List(context.Context, Filters) ([]WorkItem, int, error) {
	return []WorkItem{f.item}, 1, nil
}

func (f *fakeRepo) GetForUpdate(context.Context, pgx.Tx, string) (WorkItem, error) {
	return f.item, f.getErr
}

func (f *fakeRepo) SetStatus(_ context.Context, _ pgx.Tx, _ string, status Status, reason *string) (WorkItem, error) {
	out := f.item
	out.Status = status
	out.CancelReason = reason
	return out, nil
}

func (f *fakeRepo) HasBlockingDispute(context.Context, pgx.Tx, string) (bool, error) {
	return f.blocked, nil
}

type fakePayments struct {
	status   escrow.Status
	released bool
	voided   bool
}

func (f *fakePayments) StatusForUpdate(context.Context, pgx.Tx, string) (escrow.Status, error) {
	return f.status, nil
}

func (f *fakePayments) Release(context.Context, pgx.Tx, string) error {
	f.released = true
	return nil
}

func (f *fakePayments) Void(context.Context, pgx.Tx, string) error {
	f.voided = true
	return nil
}

type fakeTimeline struct {
	events []string
}

func (f *fakeTimeline) Append(_ context.Context, _ pgx.Tx, _ string, eventType string, _ *string, _ map[string]any) error {
	f.events = append(f.events, eventType)
	return nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
