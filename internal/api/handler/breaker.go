package handler

import (
	"net/http"

	"github.com/creditrail/settlement-core/internal/breaker"
)

// BreakerHandler exposes the circuit breaker's derived state for operators.
type BreakerHandler struct {
	monitor *breaker.Monitor
}

func NewBreakerHandler(monitor *breaker.Monitor) *BreakerHandler {
	return &BreakerHandler{monitor: monitor}
}

func (h *BreakerHandler) State(w http.ResponseWriter, r *http.Request) {
	st := h.monitor.State()
	RespondJSON(w, http.StatusOK, map[string]any{
		"settlement_samples":     st.SettlementSamples,
		"loss_rate":              st.LossRate,
		"halt_new_envelopes":     st.HaltNewEnvelopes,
		"rail_samples":           st.RailSamples,
		"rail_failure_rate":      st.RailFailureRate,
		"halt_large_settlements": st.HaltLargeSettlements,
		"computed_at":            st.ComputedAt,
	})
}
