package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/breaker"
	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage/memory"
	"github.com/creditrail/settlement-core/internal/underwriting"
)

func testPolicy() config.Policy {
	return config.Policy{
		BaseCapUnits:          8_000,
		MinFeeBps:             100,
		MaxFeeBps:             100,
		NewAgentTrust:         0.25,
		UnderwritingWindow:    30 * 24 * time.Hour,
		UnderwritingLimit:     200,
		OfferTTL:              15 * time.Minute,
		EnvelopeTTL:           time.Hour,
		SettlementSampleFloor: 5,
		RailSampleFloor:       5,
		MaxLossRate:           0.10,
		MaxRailFailureRate:    0.25,
		LargeSettlementCap:    50_000,
		SampleLimit:           100,
		SampleWindow:          time.Hour,
	}
}

func newTestService(t *testing.T, monitor *breaker.Monitor) (*Service, *memory.CreditStore) {
	t.Helper()
	store := memory.NewCreditStore()
	policy := testPolicy()
	pricing := underwriting.NewService(store, policy, zap.NewNop())
	receipts := receipt.NewService(memory.NewReceiptStore(), nil)
	return NewService(store, pricing, receipts, monitor, policy, zap.NewNop()), store
}

func issueTestEnvelope(t *testing.T, svc *Service) *domain.CreditEnvelope {
	t.Helper()
	ctx := context.Background()
	intent, err := svc.CreateIntent(ctx, "agent-1", "inference", 2_000)
	require.NoError(t, err)
	offer, err := svc.RequestOffer(ctx, intent.ID, false)
	require.NoError(t, err)
	env, err := svc.IssueEnvelope(ctx, offer.ID, "prov-1")
	require.NoError(t, err)
	return env
}

func settleReq(envID string) SettleRequest {
	return SettleRequest{
		EnvelopeID:    envID,
		ProviderID:    "prov-1",
		Outcome:       domain.OutcomeCompleted,
		SpentUnits:    1_800,
		FeeUnits:      20,
		ProofHash:     "sha256:deadbeef",
		PolicyContext: json.RawMessage(`{"policy":"base"}`),
	}
}

func TestLifecycleIntentToSettlement(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, "agent-1", "inference", 2_000)
	require.NoError(t, err)

	offer, err := svc.RequestOffer(ctx, intent.ID, false)
	require.NoError(t, err)
	// New agent: 8000 * 0.25 capped by the intent ask, pinned fee band.
	assert.Equal(t, int64(2_000), offer.CapUnits)
	assert.Equal(t, int32(100), offer.FeeBps)

	env, err := svc.IssueEnvelope(ctx, offer.ID, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeStatusIssued, env.Status)
	assert.Equal(t, offer.CapUnits, env.CapUnits)

	st, err := svc.Settle(ctx, settleReq(env.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompleted, st.Outcome)
	assert.NotEmpty(t, st.ReceiptID)

	settled, err := svc.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeStatusSettled, settled.Status)
}

func TestOfferConsumedExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, "agent-1", "inference", 0)
	require.NoError(t, err)
	offer, err := svc.RequestOffer(ctx, intent.ID, false)
	require.NoError(t, err)

	env, err := svc.IssueEnvelope(ctx, offer.ID, "prov-1")
	require.NoError(t, err)

	// Same provider retry lands on the same envelope.
	again, err := svc.IssueEnvelope(ctx, offer.ID, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, env.ID, again.ID)

	// A different provider cannot consume the spent offer.
	_, err = svc.IssueEnvelope(ctx, offer.ID, "prov-2")
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestSettleReplayAndConflict(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	env := issueTestEnvelope(t, svc)

	first, err := svc.Settle(ctx, settleReq(env.ID))
	require.NoError(t, err)

	// Identical repeat replays the stored settlement.
	replay, err := svc.Settle(ctx, settleReq(env.ID))
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	// A different payload against the settled envelope is a conflict.
	drifted := settleReq(env.ID)
	drifted.SpentUnits = 500
	_, err = svc.Settle(ctx, drifted)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestSettleEnforcesCapBeforeMutation(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	env := issueTestEnvelope(t, svc)

	req := settleReq(env.ID)
	req.SpentUnits = 1_990
	req.FeeUnits = 20 // 2010 > 2000
	_, err := svc.Settle(ctx, req)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	// Nothing was written: the envelope is still issued and settleable.
	current, err := store.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeStatusIssued, current.Status)

	req.SpentUnits = 1_980 // exactly at cap
	_, err = svc.Settle(ctx, req)
	require.NoError(t, err)
}

func TestSettleCapCheckSurvivesHugeTerms(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	env := issueTestEnvelope(t, svc)

	// Terms near MaxInt64 must not wrap the cap arithmetic into acceptance.
	req := settleReq(env.ID)
	req.SpentUnits = math.MaxInt64 - 5
	req.FeeUnits = 10
	_, err := svc.Settle(ctx, req)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	req.SpentUnits = maxSettleUnits
	req.FeeUnits = maxSettleUnits
	_, err = svc.Settle(ctx, req)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	current, err := store.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeStatusIssued, current.Status)
}

func TestConcurrentSettleRecordsOneOutcome(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	env := issueTestEnvelope(t, svc)

	const callers = 12
	type outcome struct {
		st  *domain.CreditSettlement
		err error
	}
	results := make(chan outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := svc.Settle(ctx, settleReq(env.ID))
			results <- outcome{st: st, err: err}
		}()
	}
	wg.Wait()
	close(results)

	// Every caller lands on the same stored settlement.
	stored, err := store.GetSettlementByEnvelope(ctx, env.ID)
	require.NoError(t, err)
	for res := range results {
		require.NoError(t, res.err)
		assert.Equal(t, stored.ID, res.st.ID)
	}
	settled, err := store.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeStatusSettled, settled.Status)
}

func TestSettleRequiresProofProviderAndPolicyContext(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	env := issueTestEnvelope(t, svc)

	noProof := settleReq(env.ID)
	noProof.ProofHash = ""
	_, err := svc.Settle(ctx, noProof)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	noCtx := settleReq(env.ID)
	noCtx.PolicyContext = nil
	_, err = svc.Settle(ctx, noCtx)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	wrongProvider := settleReq(env.ID)
	wrongProvider.ProviderID = "prov-2"
	_, err = svc.Settle(ctx, wrongProvider)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))
}

func TestSettleExpiredEnvelope(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	env := issueTestEnvelope(t, svc)

	svc.now = func() time.Time { return env.ExpiresAt.Add(time.Minute) }

	_, err := svc.Settle(ctx, settleReq(env.ID))
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))

	expired, err := store.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvelopeStatusExpired, expired.Status)
}

func TestRevokeBlocksSettlement(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	env := issueTestEnvelope(t, svc)

	require.NoError(t, svc.Revoke(ctx, env.ID))

	_, err := svc.Settle(ctx, settleReq(env.ID))
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))

	// Revoke is not repeatable.
	err = svc.Revoke(ctx, env.ID)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestBreakerHaltsIssuanceAfterLossStreak(t *testing.T) {
	monitor := breaker.NewMonitor(testPolicy(), zap.NewNop())
	svc, _ := newTestService(t, monitor)
	ctx := context.Background()

	// Settle six fully defaulted envelopes to breach the loss window. Each
	// comes from a fresh agent so underwriting keeps granting full caps.
	for i := 0; i < 6; i++ {
		intent, err := svc.CreateIntent(ctx, fmt.Sprintf("agent-bad-%d", i), "inference", 0)
		require.NoError(t, err)
		offer, err := svc.RequestOffer(ctx, intent.ID, false)
		require.NoError(t, err)
		env, err := svc.IssueEnvelope(ctx, offer.ID, "prov-1")
		require.NoError(t, err)

		req := settleReq(env.ID)
		req.Outcome = domain.OutcomeDefaulted
		_, err = svc.Settle(ctx, req)
		require.NoError(t, err)
	}

	intent, err := svc.CreateIntent(ctx, "agent-next", "inference", 0)
	require.NoError(t, err)
	offer, err := svc.RequestOffer(ctx, intent.ID, false)
	require.NoError(t, err)
	_, err = svc.IssueEnvelope(ctx, offer.ID, "prov-1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeCircuitOpen, domain.CodeOf(err))
}

func TestPartialSettlementsFeedLossWindow(t *testing.T) {
	monitor := breaker.NewMonitor(testPolicy(), zap.NewNop())
	svc, _ := newTestService(t, monitor)
	ctx := context.Background()

	// Partial outcomes that pay back almost nothing leave most of the cap
	// unpaid; that remainder must count as lost value.
	for i := 0; i < 6; i++ {
		intent, err := svc.CreateIntent(ctx, fmt.Sprintf("agent-partial-%d", i), "inference", 0)
		require.NoError(t, err)
		offer, err := svc.RequestOffer(ctx, intent.ID, false)
		require.NoError(t, err)
		env, err := svc.IssueEnvelope(ctx, offer.ID, "prov-1")
		require.NoError(t, err)

		req := settleReq(env.ID)
		req.Outcome = domain.OutcomePartial
		req.SpentUnits = 10
		req.FeeUnits = 10
		_, err = svc.Settle(ctx, req)
		require.NoError(t, err)
	}

	intent, err := svc.CreateIntent(ctx, "agent-next", "inference", 0)
	require.NoError(t, err)
	offer, err := svc.RequestOffer(ctx, intent.ID, false)
	require.NoError(t, err)
	_, err = svc.IssueEnvelope(ctx, offer.ID, "prov-1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeCircuitOpen, domain.CodeOf(err))
}

func TestAgentExposure(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	env := issueTestEnvelope(t, svc)

	exp, err := svc.AgentExposure(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, exp.OpenEnvelopes)
	assert.Equal(t, env.CapUnits, exp.OutstandingUnits)
	assert.Empty(t, exp.Settlements)

	_, err = svc.Settle(ctx, settleReq(env.ID))
	require.NoError(t, err)

	exp, err = svc.AgentExposure(ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, exp.OpenEnvelopes)
	assert.Len(t, exp.Settlements, 1)
}
