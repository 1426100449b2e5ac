package bid

import "time"

// Status is the closed bid enumeration. A bid's lifecycle is subordinate to
// its work item: once the item leaves open, only the accepted bid mutates.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Bid mirrors the bids table. At most one bid per work item ever reaches
// accepted, enforced by a partial unique index and the accept transaction.
type Bid struct {
	ID          string
	WorkItemID  string
	DoerID      string
	AmountCents int64
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Timeline event types appended by the bid ledger.
const (
	EventPlaced    = "BID_PLACED"
	EventAccepted  = "BID_ACCEPTED"
	EventWithdrawn = "BID_WITHDRAWN"
)
