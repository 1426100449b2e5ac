package workitem

import "time"

// Status is the closed lifecycle enumeration for a work item. Transitions are
// legal only where the transition table below says so; every mutation
// re-checks the table against the freshly locked row.
type Status string

const (
	StatusOpen        Status = "open"
	StatusAssigned    Status = "assigned"
	StatusInProgress  Status = "in_progress"
	StatusUnderReview Status = "under_review"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusDisputed    Status = "disputed"
)

var transitions = map[Status][]Status{
	StatusOpen:        {StatusAssigned, StatusCancelled},
	StatusAssigned:    {StatusInProgress, StatusCancelled},
	StatusInProgress:  {StatusUnderReview, StatusDisputed},
	StatusUnderReview: {StatusCompleted, StatusDisputed},
	// A completed item can still be disputed within the grace window; the
	// dispute workflow then forces it back to a terminal financial state.
	StatusCompleted: {StatusDisputed},
	StatusDisputed:  {StatusCompleted, StatusCancelled},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends the ordinary lifecycle.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// WorkItem mirrors the work_items table. DoerID is set if and only if the
// item has reached assigned or a later state.
type WorkItem struct {
	ID           string
	PosterID     string
	DoerID       *string
	Title        string
	Description  string
	BudgetCents  int64
	Deadline     *time.Time
	Status       Status
	CancelReason *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Filters narrows List results.
type Filters struct {
	PosterID string
	DoerID   string
	Status   Status
	Page     int
	PageSize int
}

// Timeline event types appended by the work-item service.
const (
	EventCreated   = "WORKITEM_CREATED"
	EventStarted   = "WORK_STARTED"
	EventSubmitted = "WORK_SUBMITTED"
	EventApproved  = "WORK_APPROVED"
	EventCancelled = "WORKITEM_CANCELLED"
)
