package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/envelope"
	"github.com/creditrail/settlement-core/internal/underwriting"
)

// CreditHandler serves the intent -> offer -> envelope -> settlement surface.
type CreditHandler struct {
	envelopes *envelope.Service
	pricing   *underwriting.Service
}

func NewCreditHandler(envelopes *envelope.Service, pricing *underwriting.Service) *CreditHandler {
	return &CreditHandler{envelopes: envelopes, pricing: pricing}
}

type createIntentRequest struct {
	AgentID  string `json:"agent_id"`
	Scope    string `json:"scope"`
	CapUnits int64  `json:"cap_units"`
}

func (h *CreditHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	intent, err := h.envelopes.CreateIntent(r.Context(), req.AgentID, req.Scope, req.CapUnits)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, intent)
}

type requestOfferRequest struct {
	RequireVerifier bool `json:"require_verifier"`
}

func (h *CreditHandler) RequestOffer(w http.ResponseWriter, r *http.Request) {
	intentID, err := uuid.Parse(chi.URLParam(r, "intentID"))
	if err != nil {
		RespondDomainError(w, r, domain.Validationf("invalid intent id"))
		return
	}
	var req requestOfferRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	offer, err := h.envelopes.RequestOffer(r.Context(), intentID, req.RequireVerifier)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, offer)
}

type issueEnvelopeRequest struct {
	ProviderID string `json:"provider_id"`
}

func (h *CreditHandler) IssueEnvelope(w http.ResponseWriter, r *http.Request) {
	var req issueEnvelopeRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	env, err := h.envelopes.IssueEnvelope(r.Context(), chi.URLParam(r, "offerID"), req.ProviderID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, env)
}

func (h *CreditHandler) GetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := h.envelopes.GetEnvelope(r.Context(), chi.URLParam(r, "envelopeID"))
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, env)
}

type settleRequest struct {
	ProviderID    string          `json:"provider_id"`
	Outcome       string          `json:"outcome"`
	SpentUnits    int64           `json:"spent_units"`
	FeeUnits      int64           `json:"fee_units"`
	ProofHash     string          `json:"proof_hash"`
	PolicyContext json.RawMessage `json:"policy_context"`
}

func (h *CreditHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	st, err := h.envelopes.Settle(r.Context(), envelope.SettleRequest{
		EnvelopeID:    chi.URLParam(r, "envelopeID"),
		ProviderID:    req.ProviderID,
		Outcome:       req.Outcome,
		SpentUnits:    req.SpentUnits,
		FeeUnits:      req.FeeUnits,
		ProofHash:     req.ProofHash,
		PolicyContext: req.PolicyContext,
	})
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, st)
}

func (h *CreditHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.envelopes.Revoke(r.Context(), chi.URLParam(r, "envelopeID")); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": domain.EnvelopeStatusRevoked})
}

func (h *CreditHandler) AgentExposure(w http.ResponseWriter, r *http.Request) {
	exp, err := h.envelopes.AgentExposure(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, exp)
}

func (h *CreditHandler) UnderwritingAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := h.pricing.Audit(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, audit)
}
