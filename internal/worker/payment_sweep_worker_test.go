package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage/memory"
)

func TestPaymentSweepFailsStaleInFlight(t *testing.T) {
	store := memory.NewPaymentStore()
	ctx := context.Background()

	now := time.Now().UTC()
	q := &domain.LiquidityQuote{
		ID:             uuid.New(),
		IdempotencyKey: "q-1",
		Invoice:        "lninv-q-1",
		MaxAmountUnits: 10_000,
		ExpiresAt:      now.Add(5 * time.Minute),
		CreatedAt:      now,
	}
	p := &domain.LiquidityPayment{
		ID:        uuid.New(),
		QuoteID:   q.ID,
		Status:    domain.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.InsertQuote(ctx, q, p))
	require.NoError(t, store.TransitionPayment(ctx, q.ID, domain.PaymentStatusPending, domain.PaymentStatusInFlight, nil))

	w := NewPaymentSweepWorker(store, time.Nanosecond, zap.NewNop())
	time.Sleep(5 * time.Millisecond)
	w.ProcessOnce(ctx)

	got, err := store.GetPaymentByQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, got.Status)
	assert.Equal(t, "RAIL_UNKNOWN", got.ErrorCode)

	// Fresh in-flight payments are left alone.
	q2 := &domain.LiquidityQuote{ID: uuid.New(), IdempotencyKey: "q-2", Invoice: "lninv-q-2", MaxAmountUnits: 1, ExpiresAt: now.Add(5 * time.Minute), CreatedAt: now}
	p2 := &domain.LiquidityPayment{ID: uuid.New(), QuoteID: q2.ID, Status: domain.PaymentStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.InsertQuote(ctx, q2, p2))
	require.NoError(t, store.TransitionPayment(ctx, q2.ID, domain.PaymentStatusPending, domain.PaymentStatusInFlight, nil))

	fresh := NewPaymentSweepWorker(store, time.Hour, zap.NewNop())
	fresh.ProcessOnce(ctx)
	got2, err := store.GetPaymentByQuote(ctx, q2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusInFlight, got2.Status)
}
