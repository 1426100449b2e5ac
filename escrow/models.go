package escrow

import "time"

// Status is the closed payment enumeration. It is monotonic: once a payment
// reaches released or refunded it never moves again, and paid never regresses
// to pending.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusReleased Status = "released"
	StatusDisputed Status = "disputed"
	StatusRefunded Status = "refunded"
	StatusFailed   Status = "failed"
)

// Payment mirrors the payments table. At most one non-failed payment exists
// per work item, enforced by a partial unique index.
type Payment struct {
	ID          string
	WorkItemID  string
	PayerID     string
	PayeeID     string
	AmountCents int64
	Status      Status
	GatewayRef  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CapturedAt  *time.Time
	ReleasedAt  *time.Time
	RefundedAt  *time.Time
}

// Timeline event types appended by the escrow orchestrator.
const (
	EventCaptured      = "PAYMENT_CAPTURED"
	EventCaptureFailed = "PAYMENT_FAILED"
)
