package dispute

import "time"

// Status tracks a dispute from filing to arbitration.
type Status string

const (
	StatusOpen            Status = "open"
	StatusUnderReview     Status = "under_review"
	StatusResolvedRelease Status = "resolved_release"
	StatusResolvedRefund  Status = "resolved_refund"
	StatusClosed          Status = "closed"
)

// Outcome is the arbiter's binary verdict: pay the doer or refund the poster.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// CompletionGraceWindow is how long after approval a completed work item can
// still be disputed.
const CompletionGraceWindow = 7 * 24 * time.Hour

// Dispute is a formal challenge against a work item. At most one non-closed
// dispute exists per work item; while it stands, the work item and its
// payment are frozen.
type Dispute struct {
	ID          string
	WorkItemID  string
	InitiatorID string
	Reason      string
	Status      Status
	Outcome     *Outcome
	ResolvedBy  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}

// Message is one entry in a dispute's evidence thread, ordered by Seq.
type Message struct {
	ID          string
	DisputeID   string
	AuthorID    string
	Seq         int
	Body        string
	EvidenceURL *string
	CreatedAt   time.Time
}

// Timeline event types recorded against the disputed work item.
const (
	EventOpened        = "DISPUTE_OPENED"
	EventReviewStarted = "DISPUTE_REVIEW_STARTED"
	EventResolved      = "DISPUTE_RESOLVED"
)
