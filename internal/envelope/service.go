package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/breaker"
	"github.com/creditrail/settlement-core/internal/canonical"
	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/observability"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage"
	"github.com/creditrail/settlement-core/internal/underwriting"
)

// maxSettleUnits bounds each settlement term so cap arithmetic stays well
// inside int64.
const maxSettleUnits = int64(1) << 53

// Service drives the intent -> offer -> envelope -> settlement lifecycle.
// Offers are consumed exactly once, envelopes fix their terms at issuance and
// settle exactly once per fingerprint.
type Service struct {
	credit   storage.CreditStore
	pricing  *underwriting.Service
	receipts *receipt.Service
	monitor  *breaker.Monitor
	policy   config.Policy
	log      *zap.Logger
	now      func() time.Time
}

func NewService(credit storage.CreditStore, pricing *underwriting.Service, receipts *receipt.Service, monitor *breaker.Monitor, policy config.Policy, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		credit:   credit,
		pricing:  pricing,
		receipts: receipts,
		monitor:  monitor,
		policy:   policy,
		log:      log.Named("envelope"),
		now:      time.Now,
	}
}

// CreateIntent registers an agent's declared borrowing need. Intents are
// immutable and only ever read back during offer pricing.
func (s *Service) CreateIntent(ctx context.Context, agentID, scope string, capUnits int64) (*domain.CreditIntent, error) {
	if agentID == "" || scope == "" {
		return nil, domain.Validationf("agent and scope are required")
	}
	if capUnits < 0 {
		return nil, domain.Validationf("requested cap must not be negative, got %d", capUnits)
	}
	now := s.now().UTC()
	intent := &domain.CreditIntent{
		ID:        uuid.New(),
		AgentID:   agentID,
		Scope:     scope,
		CapUnits:  capUnits,
		ExpiresAt: now.Add(s.policy.OfferTTL),
		CreatedAt: now,
	}
	if err := s.credit.InsertIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("insert intent for %s: %w", agentID, err)
	}
	s.log.Info("intent created",
		zap.String("intent_id", intent.ID.String()),
		zap.String("agent_id", agentID),
		zap.String("scope", scope))
	return intent, nil
}

// RequestOffer prices an intent through the underwriting engine.
func (s *Service) RequestOffer(ctx context.Context, intentID uuid.UUID, requireVerifier bool) (*domain.CreditOffer, error) {
	intent, err := s.credit.GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("intent %s not found", intentID)
		}
		return nil, fmt.Errorf("load intent %s: %w", intentID, err)
	}
	return s.pricing.IssueOffer(ctx, intent, requireVerifier)
}

// IssueEnvelope consumes an offer into a live envelope bound to one provider.
// The envelope id derives from (offer, provider), so the same consumer retry
// lands on the existing envelope while a second provider gets a conflict.
func (s *Service) IssueEnvelope(ctx context.Context, offerID, providerID string) (*domain.CreditEnvelope, error) {
	if providerID == "" {
		return nil, domain.Validationf("provider is required")
	}
	if s.monitor != nil {
		if err := s.monitor.AllowNewEnvelope(); err != nil {
			return nil, err
		}
	}

	offer, err := s.credit.GetOffer(ctx, offerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("offer %s not found", offerID)
		}
		return nil, fmt.Errorf("load offer %s: %w", offerID, err)
	}

	envID := canonical.DeterministicID("cep", offer.ID, providerID)

	switch offer.Status {
	case domain.OfferStatusIssued:
		// Fall through to consumption.
	case domain.OfferStatusConsumed:
		if offer.EnvelopeID == envID {
			return s.getEnvelope(ctx, envID)
		}
		return nil, domain.Conflictf("offer %s already consumed by envelope %s", offer.ID, offer.EnvelopeID)
	default:
		return nil, domain.Conflictf("offer %s is %s", offer.ID, offer.Status)
	}

	now := s.now().UTC()
	if !offer.ExpiresAt.After(now) {
		return nil, domain.Conflictf("offer %s expired at %s", offer.ID, offer.ExpiresAt.Format(time.RFC3339))
	}

	if err := s.credit.ConsumeOffer(ctx, offer.ID, envID); err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			// Raced another consumer. Replay only if it was us.
			current, getErr := s.credit.GetOffer(ctx, offer.ID)
			if getErr != nil {
				return nil, fmt.Errorf("reload offer %s: %w", offer.ID, getErr)
			}
			if current.EnvelopeID == envID {
				return s.getEnvelope(ctx, envID)
			}
			return nil, domain.Conflictf("offer %s already consumed by envelope %s", offer.ID, current.EnvelopeID)
		}
		return nil, fmt.Errorf("consume offer %s: %w", offer.ID, err)
	}

	env := &domain.CreditEnvelope{
		ID:         envID,
		OfferID:    offer.ID,
		AgentID:    offer.AgentID,
		ProviderID: providerID,
		Scope:      offer.Scope,
		CapUnits:   offer.CapUnits,
		FeeBps:     offer.FeeBps,
		Status:     domain.EnvelopeStatusIssued,
		ExpiresAt:  now.Add(s.policy.EnvelopeTTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.credit.InsertEnvelope(ctx, env); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return s.getEnvelope(ctx, envID)
		}
		return nil, fmt.Errorf("insert envelope %s: %w", envID, err)
	}

	s.log.Info("envelope issued",
		zap.String("envelope_id", env.ID),
		zap.String("offer_id", offer.ID),
		zap.String("agent_id", env.AgentID),
		zap.String("provider_id", providerID),
		zap.Int64("cap_units", env.CapUnits))
	return env, nil
}

// SettleRequest carries the provider's claimed terminal outcome.
type SettleRequest struct {
	EnvelopeID    string
	ProviderID    string
	Outcome       string
	SpentUnits    int64
	FeeUnits      int64
	ProofHash     string
	PolicyContext json.RawMessage
}

// Settle records the single terminal outcome of an envelope. Idempotent per
// (envelope, fingerprint): identical repeats replay, a different payload
// against a settled envelope is a conflict. spent+fee <= cap is enforced
// before anything is written.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*domain.CreditSettlement, error) {
	if err := validateSettle(req); err != nil {
		return nil, err
	}

	env, err := s.getEnvelope(ctx, req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	if env.ProviderID != req.ProviderID {
		return nil, domain.Unauthorizedf("provider %s does not hold envelope %s", req.ProviderID, env.ID)
	}
	// Compared term by term so the sum cannot wrap around int64.
	if req.SpentUnits > env.CapUnits || req.FeeUnits > env.CapUnits-req.SpentUnits {
		return nil, domain.Validationf("spent %d + fee %d exceeds envelope cap %d",
			req.SpentUnits, req.FeeUnits, env.CapUnits)
	}

	fingerprint := canonical.Fingerprint(
		env.ID, req.ProviderID, req.Outcome,
		strconv.FormatInt(req.SpentUnits, 10),
		strconv.FormatInt(req.FeeUnits, 10),
		req.ProofHash,
	)

	switch env.Status {
	case domain.EnvelopeStatusIssued:
		// Fall through to settlement.
	case domain.EnvelopeStatusSettled:
		return s.replaySettlement(ctx, env.ID, fingerprint)
	default:
		return nil, domain.Conflictf("envelope %s is %s", env.ID, env.Status)
	}

	now := s.now().UTC()
	if !env.ExpiresAt.After(now) {
		// Lazy expiry: flip the row so reads agree, then reject.
		if err := s.credit.TransitionEnvelope(ctx, env.ID, domain.EnvelopeStatusIssued, domain.EnvelopeStatusExpired); err != nil && !errors.Is(err, storage.ErrStaleState) {
			return nil, fmt.Errorf("expire envelope %s: %w", env.ID, err)
		}
		return nil, domain.Conflictf("envelope %s expired at %s", env.ID, env.ExpiresAt.Format(time.RFC3339))
	}

	if s.monitor != nil {
		if err := s.monitor.AllowSettlement(req.SpentUnits + req.FeeUnits); err != nil {
			return nil, err
		}
	}

	rec, err := s.receipts.Stamp(ctx, domain.ReceiptKindSettlement, env.ID, map[string]any{
		"envelope_id": env.ID,
		"provider_id": req.ProviderID,
		"outcome":     req.Outcome,
		"spent_units": req.SpentUnits,
		"fee_units":   req.FeeUnits,
		"proof_hash":  req.ProofHash,
		"fingerprint": fingerprint,
	})
	if err != nil {
		return nil, err
	}

	settlement := &domain.CreditSettlement{
		ID:            uuid.New(),
		EnvelopeID:    env.ID,
		AgentID:       env.AgentID,
		ProviderID:    req.ProviderID,
		Outcome:       req.Outcome,
		SpentUnits:    req.SpentUnits,
		FeeUnits:      req.FeeUnits,
		ProofHash:     req.ProofHash,
		PolicyContext: req.PolicyContext,
		Fingerprint:   fingerprint,
		ReceiptID:     rec.ID,
		CreatedAt:     now,
	}
	if err := s.credit.InsertSettlement(ctx, settlement); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return s.replaySettlement(ctx, env.ID, fingerprint)
		}
		return nil, fmt.Errorf("insert settlement for %s: %w", env.ID, err)
	}
	if err := s.credit.TransitionEnvelope(ctx, env.ID, domain.EnvelopeStatusIssued, domain.EnvelopeStatusSettled); err != nil && !errors.Is(err, storage.ErrStaleState) {
		return nil, fmt.Errorf("mark envelope %s settled: %w", env.ID, err)
	}

	s.feedMonitor(env, settlement)
	observability.IncrementSettlement(settlement.Outcome)
	s.log.Info("envelope settled",
		zap.String("envelope_id", env.ID),
		zap.String("outcome", settlement.Outcome),
		zap.Int64("spent_units", settlement.SpentUnits),
		zap.Int64("fee_units", settlement.FeeUnits))
	return settlement, nil
}

// Revoke force-terminates an issued envelope. Revoked envelopes can never be
// settled.
func (s *Service) Revoke(ctx context.Context, envelopeID string) error {
	if err := s.credit.TransitionEnvelope(ctx, envelopeID, domain.EnvelopeStatusIssued, domain.EnvelopeStatusRevoked); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return domain.NotFoundf("envelope %s not found", envelopeID)
		case errors.Is(err, storage.ErrStaleState):
			return domain.Conflictf("envelope %s is no longer issued", envelopeID)
		}
		return fmt.Errorf("revoke envelope %s: %w", envelopeID, err)
	}
	s.log.Info("envelope revoked", zap.String("envelope_id", envelopeID))
	return nil
}

// GetEnvelope returns one envelope by id.
func (s *Service) GetEnvelope(ctx context.Context, id string) (*domain.CreditEnvelope, error) {
	return s.getEnvelope(ctx, id)
}

// Exposure summarizes an agent's open and settled credit.
type Exposure struct {
	AgentID          string                     `json:"agent_id"`
	OpenEnvelopes    int                        `json:"open_envelopes"`
	OutstandingUnits int64                      `json:"outstanding_units"`
	Envelopes        []*domain.CreditEnvelope   `json:"envelopes"`
	Settlements      []*domain.CreditSettlement `json:"settlements"`
}

// AgentExposure reports every envelope for the agent plus settlement history
// inside the underwriting window.
func (s *Service) AgentExposure(ctx context.Context, agentID string) (*Exposure, error) {
	envs, err := s.credit.EnvelopesByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load envelopes for %s: %w", agentID, err)
	}
	settlements, err := s.credit.SettlementsByAgent(ctx, agentID, s.now().Add(-s.policy.UnderwritingWindow), s.policy.UnderwritingLimit)
	if err != nil {
		return nil, fmt.Errorf("load settlements for %s: %w", agentID, err)
	}

	exp := &Exposure{AgentID: agentID, Envelopes: envs, Settlements: settlements}
	for _, e := range envs {
		if e.Status == domain.EnvelopeStatusIssued {
			exp.OpenEnvelopes++
			exp.OutstandingUnits += e.CapUnits
		}
	}
	return exp, nil
}

func (s *Service) getEnvelope(ctx context.Context, id string) (*domain.CreditEnvelope, error) {
	env, err := s.credit.GetEnvelope(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("envelope %s not found", id)
		}
		return nil, fmt.Errorf("load envelope %s: %w", id, err)
	}
	return env, nil
}

func (s *Service) replaySettlement(ctx context.Context, envelopeID, fingerprint string) (*domain.CreditSettlement, error) {
	stored, err := s.credit.GetSettlementByEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("load settlement for %s: %w", envelopeID, err)
	}
	if stored.Fingerprint != fingerprint {
		return nil, domain.Conflictf("envelope %s already settled with a different payload", envelopeID)
	}
	return stored, nil
}

func (s *Service) feedMonitor(env *domain.CreditEnvelope, st *domain.CreditSettlement) {
	if s.monitor == nil {
		return
	}
	paid := st.SpentUnits + st.FeeUnits
	switch st.Outcome {
	case domain.OutcomeDefaulted:
		s.monitor.RecordSettlement(0, paid)
	case domain.OutcomePartial:
		s.monitor.RecordSettlement(paid, env.CapUnits-paid)
	default:
		s.monitor.RecordSettlement(paid, 0)
	}
}

func validateSettle(req SettleRequest) error {
	if req.EnvelopeID == "" {
		return domain.Validationf("envelope id is required")
	}
	if req.ProviderID == "" {
		return domain.Validationf("provider is required")
	}
	switch req.Outcome {
	case domain.OutcomeCompleted, domain.OutcomePartial, domain.OutcomeDefaulted:
	default:
		return domain.Validationf("unknown outcome %q", req.Outcome)
	}
	if req.SpentUnits < 0 || req.FeeUnits < 0 {
		return domain.Validationf("spent and fee must not be negative")
	}
	if req.SpentUnits > maxSettleUnits || req.FeeUnits > maxSettleUnits {
		return domain.Validationf("spent and fee must not exceed %d units", maxSettleUnits)
	}
	if req.ProofHash == "" {
		return domain.Validationf("verification proof is required")
	}
	if len(req.PolicyContext) == 0 {
		return domain.Validationf("policy context is required")
	}
	return nil
}
