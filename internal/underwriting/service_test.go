package underwriting

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage/memory"
)

func testPolicy() config.Policy {
	return config.Policy{
		BaseCapUnits:       8_000,
		MinFeeBps:          100,
		MaxFeeBps:          500,
		NewAgentTrust:      0.25,
		UnderwritingWindow: 30 * 24 * time.Hour,
		UnderwritingLimit:  200,
		OfferTTL:           15 * time.Minute,
	}
}

func newIntent(agent string) *domain.CreditIntent {
	return &domain.CreditIntent{
		ID:        uuid.New(),
		AgentID:   agent,
		Scope:     "inference",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
}

func seedSettlement(t *testing.T, store *memory.CreditStore, agent, outcome string, spent int64) {
	t.Helper()
	env := &domain.CreditEnvelope{
		ID:         "cep_" + uuid.NewString(),
		OfferID:    "offer_" + uuid.NewString(),
		AgentID:    agent,
		ProviderID: "prov-1",
		Scope:      "inference",
		CapUnits:   spent * 2,
		Status:     domain.EnvelopeStatusSettled,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, store.InsertEnvelope(context.Background(), env))
	require.NoError(t, store.InsertSettlement(context.Background(), &domain.CreditSettlement{
		ID:         uuid.New(),
		EnvelopeID: env.ID,
		AgentID:    agent,
		ProviderID: env.ProviderID,
		Outcome:    outcome,
		SpentUnits: spent,
		CreatedAt:  time.Now(),
	}))
}

func TestIssueOfferNewAgentTerms(t *testing.T) {
	store := memory.NewCreditStore()
	svc := NewService(store, testPolicy(), zap.NewNop())

	offer, err := svc.IssueOffer(context.Background(), newIntent("agent-new"), false)
	require.NoError(t, err)

	// trust = 0.25 -> cap = 8000 * 0.25, fee = 500 - 0.25*(500-100).
	assert.Equal(t, int64(2_000), offer.CapUnits)
	assert.Equal(t, int32(400), offer.FeeBps)
	assert.Equal(t, domain.OfferStatusIssued, offer.Status)
	assert.NotEmpty(t, offer.Fingerprint)
}

func TestIssueOfferTrustedAgentGetsBetterTerms(t *testing.T) {
	store := memory.NewCreditStore()
	svc := NewService(store, testPolicy(), zap.NewNop())

	for i := 0; i < 5; i++ {
		seedSettlement(t, store, "agent-good", domain.OutcomeCompleted, 1_000)
	}

	offer, err := svc.IssueOffer(context.Background(), newIntent("agent-good"), false)
	require.NoError(t, err)

	// Perfect history: full base cap at the floor fee.
	assert.Equal(t, int64(8_000), offer.CapUnits)
	assert.Equal(t, int32(100), offer.FeeBps)
}

func TestIssueOfferDefaultsDepressTerms(t *testing.T) {
	store := memory.NewCreditStore()
	svc := NewService(store, testPolicy(), zap.NewNop())

	seedSettlement(t, store, "agent-shaky", domain.OutcomeCompleted, 1_000)
	seedSettlement(t, store, "agent-shaky", domain.OutcomeDefaulted, 1_000)

	offer, err := svc.IssueOffer(context.Background(), newIntent("agent-shaky"), false)
	require.NoError(t, err)

	// trust = 0.5.
	assert.Equal(t, int64(4_000), offer.CapUnits)
	assert.Equal(t, int32(300), offer.FeeBps)
}

func TestIssueOfferRespectsIntentCap(t *testing.T) {
	store := memory.NewCreditStore()
	svc := NewService(store, testPolicy(), zap.NewNop())

	intent := newIntent("agent-capped")
	intent.CapUnits = 500
	offer, err := svc.IssueOffer(context.Background(), intent, false)
	require.NoError(t, err)
	assert.Equal(t, int64(500), offer.CapUnits)
}

func TestIssueOfferReplayReturnsSameOffer(t *testing.T) {
	store := memory.NewCreditStore()
	svc := NewService(store, testPolicy(), zap.NewNop())

	intent := newIntent("agent-retry")
	first, err := svc.IssueOffer(context.Background(), intent, true)
	require.NoError(t, err)

	second, err := svc.IssueOffer(context.Background(), intent, true)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CapUnits, second.CapUnits)
	assert.Equal(t, first.FeeBps, second.FeeBps)
	assert.True(t, second.RequireVerifier)
}

func TestIssueOfferConflictsWhenTermsDrift(t *testing.T) {
	store := memory.NewCreditStore()
	svc := NewService(store, testPolicy(), zap.NewNop())

	intent := newIntent("agent-drift")
	_, err := svc.IssueOffer(context.Background(), intent, false)
	require.NoError(t, err)

	// History changes between the first request and its replay, so the
	// recomputed terms no longer match the stored row.
	seedSettlement(t, store, "agent-drift", domain.OutcomeDefaulted, 1_000)

	_, err = svc.IssueOffer(context.Background(), intent, false)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestIssueOfferRejectsExpiredIntent(t *testing.T) {
	store := memory.NewCreditStore()
	svc := NewService(store, testPolicy(), zap.NewNop())

	intent := newIntent("agent-late")
	intent.ExpiresAt = time.Now().Add(-time.Minute)

	_, err := svc.IssueOffer(context.Background(), intent, false)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestIssueOfferWritesAuditRecord(t *testing.T) {
	store := memory.NewCreditStore()
	svc := NewService(store, testPolicy(), zap.NewNop())

	offer, err := svc.IssueOffer(context.Background(), newIntent("agent-audited"), false)
	require.NoError(t, err)

	audit, err := svc.Audit(context.Background(), offer.ID)
	require.NoError(t, err)
	assert.Equal(t, offer.ID, audit.OfferID)
	assert.NotEmpty(t, audit.Inputs)
	assert.NotEmpty(t, audit.Outputs)
	assert.Contains(t, audit.Hash, "sha256:")
}
