package underwriting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/canonical"
	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

// Service prices credit offers. The same intent and policy inputs always
// produce the same terms and the same offer id, so a retried request lands on
// the row its first attempt created.
type Service struct {
	credit storage.CreditStore
	policy config.Policy
	log    *zap.Logger
	now    func() time.Time
}

func NewService(credit storage.CreditStore, policy config.Policy, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		credit: credit,
		policy: policy,
		log:    log.Named("underwriting"),
		now:    time.Now,
	}
}

// assessment is what the pricing curve saw and decided. Persisted verbatim in
// the audit record.
type assessment struct {
	AgentID        string          `json:"agent_id"`
	WindowStart    time.Time       `json:"window_start"`
	Samples        int             `json:"samples"`
	CompletedUnits int64           `json:"completed_units"`
	TotalUnits     int64           `json:"total_units"`
	Trust          decimal.Decimal `json:"trust"`
	BaseCapUnits   int64           `json:"base_cap_units"`
	MinFeeBps      int32           `json:"min_fee_bps"`
	MaxFeeBps      int32           `json:"max_fee_bps"`
}

// IssueOffer prices the intent against the agent's rolling settlement history
// and persists the offer plus its audit record. Re-issuing for the same intent
// returns the first offer unchanged, even if the history has moved since.
func (s *Service) IssueOffer(ctx context.Context, intent *domain.CreditIntent, requireVerifier bool) (*domain.CreditOffer, error) {
	now := s.now().UTC()
	if !intent.ExpiresAt.IsZero() && !intent.ExpiresAt.After(now) {
		return nil, domain.Validationf("intent %s expired at %s", intent.ID, intent.ExpiresAt.Format(time.RFC3339))
	}

	a, err := s.assess(ctx, intent.AgentID, now)
	if err != nil {
		return nil, err
	}
	capUnits, feeBps := s.terms(a)
	if intent.CapUnits > 0 && intent.CapUnits < capUnits {
		capUnits = intent.CapUnits
	}

	fingerprint := canonical.Fingerprint(
		intent.ID.String(),
		intent.AgentID,
		intent.Scope,
		strconv.FormatInt(intent.CapUnits, 10),
		strconv.FormatBool(requireVerifier),
	)
	offer := &domain.CreditOffer{
		ID:              canonical.DeterministicID("offer", fingerprint),
		IntentID:        intent.ID,
		AgentID:         intent.AgentID,
		Scope:           intent.Scope,
		CapUnits:        capUnits,
		FeeBps:          feeBps,
		RequireVerifier: requireVerifier,
		Status:          domain.OfferStatusIssued,
		Fingerprint:     fingerprint,
		ExpiresAt:       now.Add(s.policy.OfferTTL),
		CreatedAt:       now,
	}

	if err := s.credit.InsertOffer(ctx, offer); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			existing, getErr := s.credit.GetOffer(ctx, offer.ID)
			if getErr != nil {
				return nil, fmt.Errorf("load existing offer %s: %w", offer.ID, getErr)
			}
			// A repeat whose recomputed terms drifted is not a replay.
			if existing.CapUnits != offer.CapUnits || existing.FeeBps != offer.FeeBps {
				return nil, domain.Conflictf("offer %s already issued with cap=%d fee=%dbps; recomputed terms cap=%d fee=%dbps differ",
					existing.ID, existing.CapUnits, existing.FeeBps, offer.CapUnits, offer.FeeBps)
			}
			s.log.Debug("offer replayed", zap.String("offer_id", existing.ID))
			return existing, nil
		}
		return nil, fmt.Errorf("insert offer %s: %w", offer.ID, err)
	}

	if err := s.recordAudit(ctx, offer, a); err != nil {
		return nil, err
	}

	s.log.Info("offer issued",
		zap.String("offer_id", offer.ID),
		zap.String("agent_id", offer.AgentID),
		zap.Int64("cap_units", offer.CapUnits),
		zap.Int32("fee_bps", offer.FeeBps),
		zap.String("trust", a.Trust.String()))
	return offer, nil
}

// Audit returns the immutable decision record behind an offer.
func (s *Service) Audit(ctx context.Context, offerID string) (*domain.UnderwritingAudit, error) {
	a, err := s.credit.GetUnderwritingAudit(ctx, offerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("no underwriting audit for offer %s", offerID)
		}
		return nil, fmt.Errorf("load underwriting audit for %s: %w", offerID, err)
	}
	return a, nil
}

// assess computes the trust factor from completed value over total settled
// value inside the rolling window. Agents with no history get the configured
// new-agent trust rather than zero.
func (s *Service) assess(ctx context.Context, agentID string, now time.Time) (assessment, error) {
	windowStart := now.Add(-s.policy.UnderwritingWindow)
	history, err := s.credit.SettlementsByAgent(ctx, agentID, windowStart, s.policy.UnderwritingLimit)
	if err != nil {
		return assessment{}, fmt.Errorf("load settlement history for %s: %w", agentID, err)
	}

	a := assessment{
		AgentID:      agentID,
		WindowStart:  windowStart,
		Samples:      len(history),
		BaseCapUnits: s.policy.BaseCapUnits,
		MinFeeBps:    s.policy.MinFeeBps,
		MaxFeeBps:    s.policy.MaxFeeBps,
	}
	for _, st := range history {
		a.TotalUnits += st.SpentUnits
		if st.Outcome == domain.OutcomeCompleted {
			a.CompletedUnits += st.SpentUnits
		}
	}

	if a.TotalUnits == 0 {
		a.Trust = decimal.NewFromFloat(s.policy.NewAgentTrust)
	} else {
		a.Trust = decimal.NewFromInt(a.CompletedUnits).
			Div(decimal.NewFromInt(a.TotalUnits)).
			Round(6)
	}
	return a, nil
}

// terms maps trust onto the cap and fee curve: cap scales up with trust, fee
// scales down, both clamped to policy bounds.
func (s *Service) terms(a assessment) (capUnits int64, feeBps int32) {
	capUnits = decimal.NewFromInt(a.BaseCapUnits).Mul(a.Trust).IntPart()
	if capUnits < 1 {
		capUnits = 1
	}

	spread := decimal.NewFromInt(int64(a.MaxFeeBps - a.MinFeeBps))
	fee := decimal.NewFromInt(int64(a.MaxFeeBps)).Sub(a.Trust.Mul(spread))
	feeBps = int32(fee.Round(0).IntPart())
	if feeBps < a.MinFeeBps {
		feeBps = a.MinFeeBps
	}
	if feeBps > a.MaxFeeBps {
		feeBps = a.MaxFeeBps
	}
	return capUnits, feeBps
}

func (s *Service) recordAudit(ctx context.Context, offer *domain.CreditOffer, a assessment) error {
	inputs, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal underwriting inputs: %w", err)
	}
	outputs, err := json.Marshal(map[string]any{
		"offer_id":  offer.ID,
		"cap_units": offer.CapUnits,
		"fee_bps":   offer.FeeBps,
	})
	if err != nil {
		return fmt.Errorf("marshal underwriting outputs: %w", err)
	}
	hash, _, err := canonical.SumObject(map[string]json.RawMessage{
		"inputs":  inputs,
		"outputs": outputs,
	})
	if err != nil {
		return fmt.Errorf("hash underwriting audit: %w", err)
	}

	audit := &domain.UnderwritingAudit{
		ID:        uuid.New(),
		OfferID:   offer.ID,
		AgentID:   offer.AgentID,
		Inputs:    inputs,
		Outputs:   outputs,
		Hash:      hash,
		CreatedAt: s.now().UTC(),
	}
	if err := s.credit.InsertUnderwritingAudit(ctx, audit); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("insert underwriting audit for %s: %w", offer.ID, err)
	}
	return nil
}
