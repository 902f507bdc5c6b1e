package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"proofpay/services/escrowd/escrow"
	"proofpay/services/escrowd/models"
)

type createRequest struct {
	SellerIdentity string `json:"sellerIdentity"`
	BuyerIdentity  string `json:"buyerIdentity"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
}

type createResponse struct {
	ShortCode string     `json:"shortCode"`
	OnChainID string     `json:"onChainId"`
	Deadline  *time.Time `json:"deadline"`
}

type partyRequest struct {
	ShortCode         string `json:"shortCode"`
	RequesterIdentity string `json:"requesterIdentity"`
}

type txResponse struct {
	TxHash string `json:"txHash"`
}

type evidenceUpload struct {
	Filename string `json:"filename"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

type disputeRequest struct {
	ShortCode         string           `json:"shortCode"`
	RequesterIdentity string           `json:"requesterIdentity"`
	Reason            string           `json:"reason"`
	Description       string           `json:"description"`
	Evidence          []evidenceUpload `json:"evidence,omitempty"`
}

type disputeResponse struct {
	DisputeID    uuid.UUID `json:"disputeId"`
	EvidenceURLs []string  `json:"evidenceUrls,omitempty"`
}

type resolveRequest struct {
	DisputeID        string `json:"disputeId"`
	BuyerPercentage  *int   `json:"buyerPercentage"`
	ResolverIdentity string `json:"resolverIdentity"`
}

type jobResponse struct {
	ProcessedCount int `json:"processedCount"`
	FailedCount    int `json:"failedCount"`
	SkippedCount   int `json:"skippedCount"`
}

type escrowView struct {
	ShortCode      string     `json:"shortCode"`
	OnChainID      string     `json:"onChainId"`
	BuyerIdentity  string     `json:"buyerIdentity"`
	SellerIdentity string     `json:"sellerIdentity"`
	Amount         string     `json:"amount"`
	Description    string     `json:"description"`
	Status         string     `json:"status"`
	DisputeRaised  bool       `json:"disputeRaised"`
	DisputeID      *uuid.UUID `json:"disputeId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	FundedAt       *time.Time `json:"fundedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Deadline       *time.Time `json:"deadline"`
}

func viewOf(esc *models.Escrow) escrowView {
	amount, err := escrow.FormatStored(esc.Amount)
	if err != nil {
		amount = esc.Amount
	}
	return escrowView{
		ShortCode:      esc.ShortCode,
		OnChainID:      esc.OnChainID,
		BuyerIdentity:  esc.BuyerIdentity,
		SellerIdentity: esc.SellerIdentity,
		Amount:         amount,
		Description:    esc.Description,
		Status:         string(esc.Status),
		DisputeRaised:  esc.DisputeRaised,
		DisputeID:      esc.DisputeID,
		CreatedAt:      esc.CreatedAt,
		FundedAt:       esc.FundedAt,
		CompletedAt:    esc.CompletedAt,
		Deadline:       esc.AutoReleaseAt,
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, "escrow.create", err)
		return
	}
	esc, err := s.svc.Create(r.Context(), escrow.CreateRequest{
		SellerIdentity: req.SellerIdentity,
		BuyerIdentity:  req.BuyerIdentity,
		Amount:         req.Amount,
		Description:    req.Description,
	})
	if err != nil {
		s.fail(w, "escrow.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ShortCode: esc.ShortCode, OnChainID: esc.OnChainID, Deadline: esc.AutoReleaseAt})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req partyRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, "escrow.fund", err)
		return
	}
	txHash, err := s.svc.Fund(r.Context(), req.ShortCode, req.RequesterIdentity)
	if err != nil {
		s.fail(w, "escrow.fund", err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{TxHash: txHash})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req partyRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, "escrow.release", err)
		return
	}
	txHash, err := s.svc.Release(r.Context(), req.ShortCode, req.RequesterIdentity)
	if err != nil {
		s.fail(w, "escrow.release", err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{TxHash: txHash})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, "escrow.dispute", err)
		return
	}
	files := make([]escrow.EvidenceFile, 0, len(req.Evidence))
	for _, f := range req.Evidence {
		files = append(files, escrow.EvidenceFile{Filename: f.Filename, Data: f.Data})
	}
	dispute, err := s.svc.RaiseDispute(r.Context(), escrow.DisputeRequest{
		ShortCode:   req.ShortCode,
		Requester:   req.RequesterIdentity,
		Reason:      req.Reason,
		Description: req.Description,
		Evidence:    files,
	})
	if err != nil {
		s.fail(w, "escrow.dispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, disputeResponse{DisputeID: dispute.ID, EvidenceURLs: dispute.EvidenceURLs})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, "escrow.resolve_dispute", err)
		return
	}
	id, err := uuid.Parse(req.DisputeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	if req.BuyerPercentage == nil {
		writeError(w, http.StatusBadRequest, "buyerPercentage is required")
		return
	}
	resolver := req.ResolverIdentity
	if resolver == "" {
		resolver = subjectFrom(r.Context())
	}
	txHash, err := s.svc.ResolveDispute(r.Context(), id, *req.BuyerPercentage, resolver)
	if err != nil {
		s.fail(w, "escrow.resolve_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{TxHash: txHash})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	esc, err := s.svc.Get(r.Context(), chi.URLParam(r, "shortCode"))
	if err != nil {
		s.fail(w, "escrow.get", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(esc))
}

// handleResync mirrors the on-chain status of an escrow into the ledger.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	esc, err := s.svc.Resync(r.Context(), chi.URLParam(r, "shortCode"))
	if err != nil {
		s.fail(w, "escrow.resync", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(esc))
}

func (s *Server) handleByIdentity(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.ListForIdentity(r.Context(), chi.URLParam(r, "identity"), escrow.MaxHistory)
	if err != nil {
		s.fail(w, "escrow.by_identity", err)
		return
	}
	out := make([]escrowView, 0, len(rows))
	for i := range rows {
		out = append(out, viewOf(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": out})
}

type eventView struct {
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TxHash    string    `json:"txHash,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.History(r.Context(), chi.URLParam(r, "shortCode"))
	if err != nil {
		s.fail(w, "escrow.events", err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, evt := range events {
		out = append(out, eventView{Action: evt.Action, Actor: evt.Actor, TxHash: evt.TxHash, Details: evt.Details, CreatedAt: evt.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
