package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/executor"
)

// PaymentHandler serves the quote/pay surface.
type PaymentHandler struct {
	svc *executor.Service
}

func NewPaymentHandler(svc *executor.Service) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

type quoteRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Invoice        string `json:"invoice"`
	MaxAmountUnits int64  `json:"max_amount_units"`
	MaxFeeUnits    int64  `json:"max_fee_units"`
	Urgency        string `json:"urgency,omitempty"`
}

func (h *PaymentHandler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	q, err := h.svc.Quote(r.Context(), executor.QuoteRequest{
		IdempotencyKey: req.IdempotencyKey,
		Invoice:        req.Invoice,
		MaxAmountUnits: req.MaxAmountUnits,
		MaxFeeUnits:    req.MaxFeeUnits,
		Urgency:        req.Urgency,
	})
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, q)
}

func (h *PaymentHandler) Pay(w http.ResponseWriter, r *http.Request) {
	quoteID, err := uuid.Parse(chi.URLParam(r, "quoteID"))
	if err != nil {
		RespondDomainError(w, r, domain.Validationf("invalid quote id"))
		return
	}
	p, err := h.svc.Pay(r.Context(), quoteID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	quoteID, err := uuid.Parse(chi.URLParam(r, "quoteID"))
	if err != nil {
		RespondDomainError(w, r, domain.Validationf("invalid quote id"))
		return
	}
	q, p, err := h.svc.Status(r.Context(), quoteID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"quote": q, "payment": p})
}
