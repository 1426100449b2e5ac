package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskflow/bid"
	"taskflow/dispute"
	"taskflow/escrow"
	"taskflow/fault"
	"taskflow/identity"
	"taskflow/workitem"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (string, identity.Role, error)
}

type workItemService interface {
	Create(ctx context.Context, params workitem.CreateParams) (workitem.WorkItem, error)
	Get(ctx context.Context, id string) (workitem.WorkItem, error)
	List(ctx context.Context, filters workitem.Filters) ([]workitem.WorkItem, int, error)
	Start(ctx context.Context, doerID, workItemID string) (workitem.WorkItem, error)
	SubmitWork(ctx context.Context, doerID, workItemID string) (workitem.WorkItem, error)
	ApproveAndRelease(ctx context.Context, posterID, workItemID string) (workitem.WorkItem, error)
	Cancel(ctx context.Context, posterID, workItemID string, reason *string) (workitem.WorkItem, error)
}

type bidService interface {
	Place(ctx context.Context, doerID, workItemID string, amountCents int64) (bid.Bid, error)
	Accept(ctx context.Context, posterID, bidID string) (bid.AcceptResult, error)
	Withdraw(ctx context.Context, doerID, bidID string) (bid.Bid, error)
	ListForWorkItem(ctx context.Context, workItemID string) ([]bid.Bid, error)
}

type escrowService interface {
	InitiateCapture(ctx context.Context, posterID, workItemID string) (escrow.CaptureIntent, error)
	HandleCaptureCallback(ctx context.Context, cb escrow.CaptureCallback) error
	GetByWorkItem(ctx context.Context, workItemID string) (escrow.Payment, error)
}

type disputeService interface {
	Open(ctx context.Context, params dispute.OpenParams) (dispute.Dispute, error)
	BeginReview(ctx context.Context, arbiterID string, role identity.Role, disputeID string) (dispute.Dispute, error)
	AddFollowUp(ctx context.Context, authorID, disputeID, body string, evidenceURL *string) (dispute.Message, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Dispute, error)
	Get(ctx context.Context, disputeID string) (dispute.Dispute, error)
	ListForWorkItem(ctx context.Context, workItemID string) ([]dispute.Dispute, error)
	Messages(ctx context.Context, disputeID string) ([]dispute.Message, error)
}

// Server wires HTTP handlers to the domain services.
type Server struct {
	identityService identityService
	workItemService workItemService
	bidService      bidService
	escrowService   escrowService
	disputeService  disputeService
}

// Routes builds the request multiplexer.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.HandleFunc("GET /api/work-items", s.handleListWorkItems)
	mux.HandleFunc("POST /api/work-items", s.requireAuth(s.handleCreateWorkItem))
	mux.HandleFunc("GET /api/work-items/{id}", s.handleGetWorkItem)
	mux.HandleFunc("POST /api/work-items/{id}/start", s.requireAuth(s.handleStartWork))
	mux.HandleFunc("POST /api/work-items/{id}/submit", s.requireAuth(s.handleSubmitWork))
	mux.HandleFunc("POST /api/work-items/{id}/approve", s.requireAuth(s.handleApprove))
	mux.HandleFunc("POST /api/work-items/{id}/cancel", s.requireAuth(s.handleCancel))

	mux.HandleFunc("GET /api/work-items/{id}/bids", s.handleListBids)
	mux.HandleFunc("POST /api/work-items/{id}/bids", s.requireAuth(s.handlePlaceBid))
	mux.HandleFunc("POST /api/bids/{id}/accept", s.requireAuth(s.handleAcceptBid))
	mux.HandleFunc("POST /api/bids/{id}/withdraw", s.requireAuth(s.handleWithdrawBid))

	mux.HandleFunc("GET /api/work-items/{id}/payment", s.requireAuth(s.handleGetPayment))
	mux.HandleFunc("POST /api/work-items/{id}/payment/capture", s.requireAuth(s.handleInitiateCapture))
	mux.HandleFunc("POST /api/payments/callback", s.handleCaptureCallback)

	mux.HandleFunc("POST /api/disputes", s.requireAuth(s.handleOpenDispute))
	mux.HandleFunc("GET /api/disputes/{id}", s.requireAuth(s.handleGetDispute))
	mux.HandleFunc("GET /api/disputes/{id}/messages", s.requireAuth(s.handleListDisputeMessages))
	mux.HandleFunc("POST /api/disputes/{id}/messages", s.requireAuth(s.handleAddFollowUp))
	mux.HandleFunc("POST /api/disputes/{id}/review", s.requireAuth(s.handleBeginReview))
	mux.HandleFunc("POST /api/disputes/{id}/resolve", s.requireAuth(s.handleResolveDispute))
	mux.HandleFunc("GET /api/work-items/{id}/disputes", s.requireAuth(s.handleListDisputes))

	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.identityService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		if errors.Is(err, identity.ErrWeakPassword) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string     `json:"title"`
		Description string     `json:"description"`
		BudgetCents int64      `json:"budget_cents"`
		Deadline    *time.Time `json:"deadline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	item, err := s.workItemService.Create(r.Context(), workitem.CreateParams{
		PosterID:    callerID(r),
		Title:       req.Title,
		Description: req.Description,
		BudgetCents: req.BudgetCents,
		Deadline:    req.Deadline,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkItemResponse(item))
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	items, total, err := s.workItemService.List(r.Context(), workitem.Filters{
		PosterID: q.Get("poster_id"),
		DoerID:   q.Get("doer_id"),
		Status:   workitem.Status(q.Get("status")),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]workItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toWorkItemResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.workItemService.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkItemResponse(item))
}

func (s *Server) handleStartWork(w http.ResponseWriter, r *http.Request) {
	item, err := s.workItemService.Start(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkItemResponse(item))
}

func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	item, err := s.workItemService.SubmitWork(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkItemResponse(item))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	item, err := s.workItemService.ApproveAndRelease(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkItemResponse(item))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason *string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	item, err := s.workItemService.Cancel(r.Context(), callerID(r), r.PathValue("id"), req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkItemResponse(item))
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountCents int64 `json:"amount_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	placed, err := s.bidService.Place(r.Context(), callerID(r), r.PathValue("id"), req.AmountCents)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBidResponse(placed))
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.bidService.ListForWorkItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, toBidResponse(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	result, err := s.bidService.Accept(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bid":     toBidResponse(result.Bid),
		"payment": toPaymentResponse(result.Payment),
	})
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	withdrawn, err := s.bidService.Withdraw(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponse(withdrawn))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.escrowService.GetByWorkItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (s *Server) handleInitiateCapture(w http.ResponseWriter, r *http.Request) {
	intent, err := s.escrowService.InitiateCapture(r.Context(), callerID(r), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleCaptureCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID     string `json:"event_id"`
		WorkItemID  string `json:"work_item_id"`
		Reference   string `json:"reference"`
		AmountCents int64  `json:"amount_cents"`
		Succeeded   bool   `json:"succeeded"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := s.escrowService.HandleCaptureCallback(r.Context(), escrow.CaptureCallback{
		EventID:     req.EventID,
		WorkItemID:  req.WorkItemID,
		Reference:   req.Reference,
		AmountCents: req.AmountCents,
		Succeeded:   req.Succeeded,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkItemID  string  `json:"work_item_id"`
		Reason      string  `json:"reason"`
		EvidenceURL *string `json:"evidence_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := s.disputeService.Open(r.Context(), dispute.OpenParams{
		InitiatorID: callerID(r),
		WorkItemID:  req.WorkItemID,
		Reason:      req.Reason,
		EvidenceURL: req.EvidenceURL,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	disputes, err := s.disputeService.ListForWorkItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]disputeResponse, 0, len(disputes))
	for _, d := range disputes {
		out = append(out, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleListDisputeMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.disputeService.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleAddFollowUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body        string  `json:"body"`
		EvidenceURL *string `json:"evidence_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	m, err := s.disputeService.AddFollowUp(r.Context(), callerID(r), r.PathValue("id"), req.Body, req.EvidenceURL)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(m))
}

func (s *Server) handleBeginReview(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.BeginReview(r.Context(), callerID(r), callerRole(r), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
		ArbiterID:   callerID(r),
		ArbiterRole: callerRole(r),
		DisputeID:   r.PathValue("id"),
		Outcome:     dispute.Outcome(req.Outcome),
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerRole(r *http.Request) identity.Role {
	role, _ := r.Context().Value(ctxKeyRole).(identity.Role)
	return role
}

// writeFault maps the error taxonomy onto HTTP statuses. Conflicts and
// invalid states both land on 409 with distinguishable messages.
func writeFault(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fault.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fault.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, fault.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fault.ErrInvalidState), errors.Is(err, fault.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fault.ErrGateway):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
