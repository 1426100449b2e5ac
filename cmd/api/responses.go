package main

import (
	"time"

	"taskflow/bid"
	"taskflow/dispute"
	"taskflow/escrow"
	"taskflow/identity"
	"taskflow/workitem"
)

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type workItemResponse struct {
	ID           string  `json:"id"`
	PosterID     string  `json:"posterId"`
	DoerID       *string `json:"doerId,omitempty"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	BudgetCents  int64   `json:"budgetCents"`
	Deadline     *string `json:"deadline,omitempty"`
	Status       string  `json:"status"`
	CancelReason *string `json:"cancelReason,omitempty"`
	CreatedAt    string  `json:"createdAt"`
	CompletedAt  *string `json:"completedAt,omitempty"`
}

func toWorkItemResponse(item workitem.WorkItem) workItemResponse {
	return workItemResponse{
		ID:           item.ID,
		PosterID:     item.PosterID,
		DoerID:       item.DoerID,
		Title:        item.Title,
		Description:  item.Description,
		BudgetCents:  item.BudgetCents,
		Deadline:     formatTimePtr(item.Deadline),
		Status:       string(item.Status),
		CancelReason: item.CancelReason,
		CreatedAt:    item.CreatedAt.Format(time.RFC3339),
		CompletedAt:  formatTimePtr(item.CompletedAt),
	}
}

type bidResponse struct {
	ID          string `json:"id"`
	WorkItemID  string `json:"workItemId"`
	DoerID      string `json:"doerId"`
	AmountCents int64  `json:"amountCents"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

func toBidResponse(b bid.Bid) bidResponse {
	return bidResponse{
		ID:          b.ID,
		WorkItemID:  b.WorkItemID,
		DoerID:      b.DoerID,
		AmountCents: b.AmountCents,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
	}
}

type paymentResponse struct {
	ID          string  `json:"id"`
	WorkItemID  string  `json:"workItemId"`
	PayerID     string  `json:"payerId"`
	PayeeID     string  `json:"payeeId"`
	AmountCents int64   `json:"amountCents"`
	Status      string  `json:"status"`
	GatewayRef  *string `json:"gatewayRef,omitempty"`
	CapturedAt  *string `json:"capturedAt,omitempty"`
	ReleasedAt  *string `json:"releasedAt,omitempty"`
	RefundedAt  *string `json:"refundedAt,omitempty"`
}

func toPaymentResponse(p escrow.Payment) paymentResponse {
	return paymentResponse{
		ID:          p.ID,
		WorkItemID:  p.WorkItemID,
		PayerID:     p.PayerID,
		PayeeID:     p.PayeeID,
		AmountCents: p.AmountCents,
		Status:      string(p.Status),
		GatewayRef:  p.GatewayRef,
		CapturedAt:  formatTimePtr(p.CapturedAt),
		ReleasedAt:  formatTimePtr(p.ReleasedAt),
		RefundedAt:  formatTimePtr(p.RefundedAt),
	}
}

type disputeResponse struct {
	ID          string  `json:"id"`
	WorkItemID  string  `json:"workItemId"`
	InitiatorID string  `json:"initiatorId"`
	Reason      string  `json:"reason"`
	Status      string  `json:"status"`
	Outcome     *string `json:"outcome,omitempty"`
	ResolvedBy  *string `json:"resolvedBy,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	ResolvedAt  *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	var outcome *string
	if d.Outcome != nil {
		s := string(*d.Outcome)
		outcome = &s
	}
	return disputeResponse{
		ID:          d.ID,
		WorkItemID:  d.WorkItemID,
		InitiatorID: d.InitiatorID,
		Reason:      d.Reason,
		Status:      string(d.Status),
		Outcome:     outcome,
		ResolvedBy:  d.ResolvedBy,
		CreatedAt:   d.CreatedAt.Format(time.RFC3339),
		ResolvedAt:  formatTimePtr(d.ResolvedAt),
	}
}

type messageResponse struct {
	ID          string  `json:"id"`
	DisputeID   string  `json:"disputeId"`
	AuthorID    string  `json:"authorId"`
	Seq         int     `json:"seq"`
	Body        string  `json:"body"`
	EvidenceURL *string `json:"evidenceUrl,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

func toMessageResponse(m dispute.Message) messageResponse {
	return messageResponse{
		ID:          m.ID,
		DisputeID:   m.DisputeID,
		AuthorID:    m.AuthorID,
		Seq:         m.Seq,
		Body:        m.Body,
		EvidenceURL: m.EvidenceURL,
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
