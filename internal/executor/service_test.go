package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/rail"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage"
	"github.com/creditrail/settlement-core/internal/storage/memory"
)

func newTestService(t *testing.T, r rail.Rail) *Service {
	t.Helper()
	receipts := receipt.NewService(memory.NewReceiptStore(), nil)
	policy := config.Policy{QuoteTTL: 5 * time.Minute}
	return NewService(memory.NewPaymentStore(), r, receipts, nil, policy, time.Second, zap.NewNop())
}

func happyRail() *rail.MockRail {
	return &rail.MockRail{FailureRate: 0}
}

func quoteReq(key string) QuoteRequest {
	return QuoteRequest{
		IdempotencyKey: key,
		Invoice:        "lninv-" + key,
		MaxAmountUnits: 10_000,
		MaxFeeUnits:    100,
		Urgency:        UrgencyNormal,
	}
}

func TestQuoteCreatesPendingPayment(t *testing.T) {
	svc := newTestService(t, happyRail())

	q, err := svc.Quote(context.Background(), quoteReq("q-1"))
	require.NoError(t, err)
	assert.True(t, q.ExpiresAt.After(time.Now()))

	_, p, err := svc.Status(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
}

func TestQuoteReplayAndConflict(t *testing.T) {
	svc := newTestService(t, happyRail())

	first, err := svc.Quote(context.Background(), quoteReq("q-1"))
	require.NoError(t, err)

	replay, err := svc.Quote(context.Background(), quoteReq("q-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	drifted := quoteReq("q-1")
	drifted.MaxAmountUnits = 5_000
	_, err = svc.Quote(context.Background(), drifted)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestPaySettlesOnceAndReplays(t *testing.T) {
	mock := happyRail()
	svc := newTestService(t, mock)

	q, err := svc.Quote(context.Background(), quoteReq("q-1"))
	require.NoError(t, err)

	p, err := svc.Pay(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, p.Status)
	assert.Equal(t, int64(10_000), p.AmountUnits)
	assert.Equal(t, int64(10), p.FeeUnits)
	assert.NotEmpty(t, p.PreimageHash)
	assert.NotEmpty(t, p.ReceiptID)

	// A second pay replays the terminal state without touching the rail.
	again, err := svc.Pay(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, p.PreimageHash, again.PreimageHash)
	assert.Equal(t, int64(1), mock.Calls())
}

func TestPayRailFailureIsTerminal(t *testing.T) {
	mock := &rail.MockRail{FailureRate: 1}
	svc := newTestService(t, mock)

	q, err := svc.Quote(context.Background(), quoteReq("q-1"))
	require.NoError(t, err)

	p, err := svc.Pay(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, p.Status)
	assert.Equal(t, "NO_ROUTE", p.ErrorCode)

	// Failure is terminal: a retry replays the failure, no second rail call.
	again, err := svc.Pay(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, again.Status)
	assert.Equal(t, int64(1), mock.Calls())
}

func TestPayExpiredQuoteFailsWithoutRailCall(t *testing.T) {
	mock := happyRail()
	svc := newTestService(t, mock)
	svc.policy.QuoteTTL = -time.Minute

	q, err := svc.Quote(context.Background(), quoteReq("q-1"))
	require.NoError(t, err)

	p, err := svc.Pay(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, p.Status)
	assert.Equal(t, "QUOTE_EXPIRED", p.ErrorCode)
	assert.Zero(t, mock.Calls())
}

func TestPayConcurrentCallersShareOneRailCall(t *testing.T) {
	mock := happyRail()
	mock.Latency = 20 * time.Millisecond
	svc := newTestService(t, mock)

	q, err := svc.Quote(context.Background(), quoteReq("q-1"))
	require.NoError(t, err)

	const callers = 16
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := svc.Pay(context.Background(), q.ID)
			if err == nil && p.Status != domain.PaymentStatusPaid {
				err = fmt.Errorf("unexpected status %s", p.Status)
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var paid, conflicts int
	for err := range results {
		switch {
		case err == nil:
			paid++
		case domain.CodeOf(err) == domain.CodeConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Exactly one rail invocation; every caller either saw the terminal
	// payment or lost the in-flight race.
	assert.Equal(t, int64(1), mock.Calls())
	assert.GreaterOrEqual(t, paid, 1)
	assert.Equal(t, callers, paid+conflicts)
}

type failingReceiptStore struct{}

func (failingReceiptStore) InsertReceipt(context.Context, *domain.Receipt) error {
	return errors.New("receipt store down")
}

func (failingReceiptStore) GetReceipt(context.Context, string) (*domain.Receipt, error) {
	return nil, storage.ErrNotFound
}

func TestPayFinalizesEvenWhenReceiptStampFails(t *testing.T) {
	mock := happyRail()
	receipts := receipt.NewService(failingReceiptStore{}, nil)
	policy := config.Policy{QuoteTTL: 5 * time.Minute}
	svc := NewService(memory.NewPaymentStore(), mock, receipts, nil, policy, time.Second, zap.NewNop())

	q, err := svc.Quote(context.Background(), quoteReq("q-1"))
	require.NoError(t, err)

	// The rail settled, so the payment must reach PAID even though the
	// receipt could not be stamped.
	p, err := svc.Pay(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, p.Status)
	assert.NotEmpty(t, p.PreimageHash)
	assert.Empty(t, p.ReceiptID)

	// Not stranded in flight: a retry replays the terminal state.
	again, err := svc.Pay(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, again.Status)
	assert.Equal(t, int64(1), mock.Calls())
}

func TestPayUnknownQuote(t *testing.T) {
	svc := newTestService(t, happyRail())
	_, err := svc.Pay(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestQuoteValidation(t *testing.T) {
	svc := newTestService(t, happyRail())

	cases := []QuoteRequest{
		{Invoice: "inv", MaxAmountUnits: 100},                                     // no key
		{IdempotencyKey: "k", MaxAmountUnits: 100},                                // no invoice
		{IdempotencyKey: "k", Invoice: "inv", MaxAmountUnits: 0},                  // zero amount
		{IdempotencyKey: "k", Invoice: "inv", MaxAmountUnits: 1, MaxFeeUnits: -1}, // negative fee
		{IdempotencyKey: "k", Invoice: "inv", MaxAmountUnits: 1, Urgency: "asap"}, // bad urgency
	}
	for _, req := range cases {
		_, err := svc.Quote(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
	}
}
