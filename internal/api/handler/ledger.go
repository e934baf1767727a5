package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/creditrail/settlement-core/internal/ledger"
)

// LedgerHandler serves pool, deposit, withdrawal and snapshot endpoints.
type LedgerHandler struct {
	svc *ledger.Service
}

func NewLedgerHandler(svc *ledger.Service) *LedgerHandler {
	return &LedgerHandler{svc: svc}
}

type createPoolRequest struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Operator string          `json:"operator"`
	Policy   json.RawMessage `json:"policy,omitempty"`
}

func (h *LedgerHandler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	pool, err := h.svc.CreatePool(r.Context(), req.ID, req.Kind, req.Operator, req.Policy)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, pool)
}

func (h *LedgerHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.svc.GetPool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, pool)
}

type movementRequest struct {
	LPID           string `json:"lp_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountUnits    int64  `json:"amount_units"`
	Rail           string `json:"rail"`
}

func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	d, err := h.svc.Deposit(r.Context(), ledger.DepositRequest{
		PoolID:         chi.URLParam(r, "poolID"),
		LPID:           req.LPID,
		Partition:      chi.URLParam(r, "partition"),
		IdempotencyKey: req.IdempotencyKey,
		AmountUnits:    req.AmountUnits,
		Rail:           req.Rail,
	})
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, d)
}

func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	wd, err := h.svc.Withdraw(r.Context(), ledger.WithdrawRequest{
		PoolID:         chi.URLParam(r, "poolID"),
		LPID:           req.LPID,
		Partition:      chi.URLParam(r, "partition"),
		IdempotencyKey: req.IdempotencyKey,
		AmountUnits:    req.AmountUnits,
		Rail:           req.Rail,
	})
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, wd)
}

func (h *LedgerHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Account(r.Context(),
		chi.URLParam(r, "poolID"),
		chi.URLParam(r, "lpID"),
		chi.URLParam(r, "partition"))
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, acct)
}

func (h *LedgerHandler) TakeSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Snapshot(r.Context(),
		chi.URLParam(r, "poolID"),
		chi.URLParam(r, "partition"))
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, snap)
}

func (h *LedgerHandler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.LatestSnapshot(r.Context(),
		chi.URLParam(r, "poolID"),
		chi.URLParam(r, "partition"))
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, snap)
}
