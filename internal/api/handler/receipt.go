package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/creditrail/settlement-core/internal/receipt"
)

// ReceiptHandler serves receipt lookup and integrity verification.
type ReceiptHandler struct {
	svc *receipt.Service
}

func NewReceiptHandler(svc *receipt.Service) *ReceiptHandler {
	return &ReceiptHandler{svc: svc}
}

func (h *ReceiptHandler) Verify(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Verify(r.Context(), chi.URLParam(r, "receiptID"))
	if err != nil {
		if errors.Is(err, receipt.ErrIntegrity) {
			RespondError(w, r, http.StatusInternalServerError, "receipt/integrity", "stored receipt failed hash verification")
			return
		}
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"verified": true, "receipt": rec})
}
