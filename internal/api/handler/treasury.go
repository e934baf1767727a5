package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/treasury"
)

// TreasuryHandler serves the multisig governance surface.
type TreasuryHandler struct {
	svc *treasury.Service
}

func NewTreasuryHandler(svc *treasury.Service) *TreasuryHandler {
	return &TreasuryHandler{svc: svc}
}

type signerSetRequest struct {
	Threshold int      `json:"threshold"`
	Signers   []string `json:"signers"`
}

func (h *TreasuryHandler) SetSignerSet(w http.ResponseWriter, r *http.Request) {
	var req signerSetRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	set, err := h.svc.SetSignerSet(r.Context(), chi.URLParam(r, "poolID"), req.Threshold, req.Signers)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, set)
}

func (h *TreasuryHandler) GetSignerSet(w http.ResponseWriter, r *http.Request) {
	set, err := h.svc.SignerSet(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, set)
}

type proposeRequest struct {
	ActionClass    string          `json:"action_class"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

func (h *TreasuryHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	sr, err := h.svc.Propose(r.Context(), treasury.ProposeRequest{
		PoolID:         chi.URLParam(r, "poolID"),
		ActionClass:    req.ActionClass,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
	})
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, sr)
}

type approveRequest struct {
	SignerID string `json:"signer_id"`
}

func (h *TreasuryHandler) Approve(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		RespondDomainError(w, r, domain.Validationf("invalid signing request id"))
		return
	}
	var req approveRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	sr, err := h.svc.Approve(r.Context(), requestID, req.SignerID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, sr)
}

func (h *TreasuryHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		RespondDomainError(w, r, domain.Validationf("invalid signing request id"))
		return
	}
	sr, err := h.svc.Get(r.Context(), requestID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, sr)
}
