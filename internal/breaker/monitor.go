package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/observability"
)

// HaltNewEnvelopes and HaltLargeSettlements name the two degraded modes the
// monitor can enter. Both clear on their own once the rolling window recovers.
const (
	HaltNewEnvelopes     = "halt_new_envelopes"
	HaltLargeSettlements = "halt_large_settlements"
)

// State is a point-in-time view of the rolling health window. It is derived
// on every read; the monitor keeps no latched open/closed flag.
type State struct {
	SettlementSamples    int
	LossRate             float64
	HaltNewEnvelopes     bool
	RailSamples          int
	RailFailureRate      float64
	HaltLargeSettlements bool
	ComputedAt           time.Time
}

type settlementSample struct {
	spentUnits     int64
	defaultedUnits int64
	at             time.Time
}

type railSample struct {
	ok bool
	at time.Time
}

// Monitor keeps bounded rolling windows of settlement and rail outcomes and
// answers admission checks for envelope issuance and settlement size.
type Monitor struct {
	policy config.Policy
	log    *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	settlements []settlementSample
	railCalls   []railSample
}

func NewMonitor(policy config.Policy, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		policy: policy,
		log:    log.Named("breaker"),
		now:    time.Now,
	}
}

// RecordSettlement feeds one settled envelope into the loss window. A
// defaulted settlement contributes its spent value as lost; a partial one
// contributes the unpaid remainder.
func (m *Monitor) RecordSettlement(spentUnits, defaultedUnits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements = append(m.settlements, settlementSample{
		spentUnits:     spentUnits,
		defaultedUnits: defaultedUnits,
		at:             m.now(),
	})
	m.pruneLocked()
}

// RecordRailOutcome feeds one rail payment attempt into the failure window.
func (m *Monitor) RecordRailOutcome(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.railCalls = append(m.railCalls, railSample{ok: ok, at: m.now()})
	m.pruneLocked()
}

// State computes the current halt decisions from the rolling windows. Rates
// below the sample floors never trip a halt regardless of their value.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	st := State{
		SettlementSamples: len(m.settlements),
		RailSamples:       len(m.railCalls),
		ComputedAt:        m.now(),
	}

	var totalValue, lostValue int64
	for _, s := range m.settlements {
		totalValue += s.spentUnits + s.defaultedUnits
		lostValue += s.defaultedUnits
	}
	if totalValue > 0 {
		st.LossRate = float64(lostValue) / float64(totalValue)
	}
	if st.SettlementSamples >= m.policy.SettlementSampleFloor && st.LossRate > m.policy.MaxLossRate {
		st.HaltNewEnvelopes = true
	}

	var railFailures int
	for _, r := range m.railCalls {
		if !r.ok {
			railFailures++
		}
	}
	if st.RailSamples > 0 {
		st.RailFailureRate = float64(railFailures) / float64(st.RailSamples)
	}
	if st.RailSamples >= m.policy.RailSampleFloor && st.RailFailureRate > m.policy.MaxRailFailureRate {
		st.HaltLargeSettlements = true
	}

	observability.SetBreakerHalt(HaltNewEnvelopes, st.HaltNewEnvelopes)
	observability.SetBreakerHalt(HaltLargeSettlements, st.HaltLargeSettlements)
	return st
}

// AllowNewEnvelope returns a circuit_open error while the loss window is in
// breach.
func (m *Monitor) AllowNewEnvelope() error {
	st := m.State()
	if st.HaltNewEnvelopes {
		m.log.Warn("envelope issuance halted",
			zap.Float64("loss_rate", st.LossRate),
			zap.Int("samples", st.SettlementSamples))
		return domain.CircuitOpenf("envelope issuance halted: loss rate %.4f over %d settlements exceeds %.4f",
			st.LossRate, st.SettlementSamples, m.policy.MaxLossRate)
	}
	return nil
}

// AllowSettlement returns a circuit_open error for settlements above the
// large-settlement cap while the rail failure window is in breach. Small
// settlements always pass.
func (m *Monitor) AllowSettlement(amountUnits int64) error {
	if amountUnits <= m.policy.LargeSettlementCap {
		return nil
	}
	st := m.State()
	if st.HaltLargeSettlements {
		m.log.Warn("large settlement halted",
			zap.Int64("amount_units", amountUnits),
			zap.Float64("rail_failure_rate", st.RailFailureRate))
		return domain.CircuitOpenf("settlements above %d units halted: rail failure rate %.4f over %d calls exceeds %.4f",
			m.policy.LargeSettlementCap, st.RailFailureRate, st.RailSamples, m.policy.MaxRailFailureRate)
	}
	return nil
}

// pruneLocked drops samples outside the time window and trims each series to
// the configured cap, oldest first. Caller holds m.mu.
func (m *Monitor) pruneLocked() {
	cutoff := m.now().Add(-m.policy.SampleWindow)

	kept := m.settlements[:0]
	for _, s := range m.settlements {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.settlements = kept
	if n := len(m.settlements) - m.policy.SampleLimit; n > 0 {
		m.settlements = append(m.settlements[:0], m.settlements[n:]...)
	}

	keptRail := m.railCalls[:0]
	for _, r := range m.railCalls {
		if r.at.After(cutoff) {
			keptRail = append(keptRail, r)
		}
	}
	m.railCalls = keptRail
	if n := len(m.railCalls) - m.policy.SampleLimit; n > 0 {
		m.railCalls = append(m.railCalls[:0], m.railCalls[n:]...)
	}
}
