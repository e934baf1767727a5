package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/ledger"
	"github.com/creditrail/settlement-core/internal/rail"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage/memory"
)

func newDueWithdrawal(t *testing.T) (*memory.LedgerStore, *domain.Withdrawal) {
	t.Helper()
	store := memory.NewLedgerStore()
	receipts := receipt.NewService(memory.NewReceiptStore(), nil)
	svc := ledger.NewService(store, receipts, nil, config.Policy{}, zap.NewNop())

	_, err := svc.CreatePool(context.Background(), "llp-main", "settlement", "op-1", nil)
	require.NoError(t, err)
	_, err = svc.Deposit(context.Background(), ledger.DepositRequest{
		PoolID:         "llp-main",
		LPID:           "lp-1",
		Partition:      "general",
		IdempotencyKey: "dep-1",
		AmountUnits:    50_000,
		Rail:           "onchain",
	})
	require.NoError(t, err)

	// Zero WithdrawalDelay makes the payout due immediately.
	wd, err := svc.Withdraw(context.Background(), ledger.WithdrawRequest{
		PoolID:         "llp-main",
		LPID:           "lp-1",
		Partition:      "general",
		IdempotencyKey: "wd-1",
		AmountUnits:    10_000,
		Rail:           "onchain",
	})
	require.NoError(t, err)
	return store, wd
}

func TestWithdrawalWorkerPaysOutDueWithdrawals(t *testing.T) {
	store, wd := newDueWithdrawal(t)
	mock := &rail.MockRail{}

	w := NewWithdrawalWorker(store, mock, config.Policy{PayoutFeeBps: 100}, zap.NewNop()).
		WithPollInterval(time.Minute).
		WithBatchSize(10)
	w.ProcessOnce(context.Background())

	assert.Equal(t, int64(1), mock.Calls())
	got, err := store.GetWithdrawalByKey(context.Background(), wd.PoolID, wd.LPID, wd.Partition, wd.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.MovementStatusPaidOut, got.Status)

	// The batch drained; another tick finds nothing to pay.
	w.ProcessOnce(context.Background())
	assert.Equal(t, int64(1), mock.Calls())
}

func TestWithdrawalWorkerRecordsRailFailure(t *testing.T) {
	store, wd := newDueWithdrawal(t)
	mock := &rail.MockRail{FailureRate: 1.0}

	w := NewWithdrawalWorker(store, mock, config.Policy{PayoutFeeBps: 100}, zap.NewNop())
	w.ProcessOnce(context.Background())

	got, err := store.GetWithdrawalByKey(context.Background(), wd.PoolID, wd.LPID, wd.Partition, wd.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.MovementStatusFailed, got.Status)
	assert.Equal(t, "NO_ROUTE", got.FailureReason)
}

func TestWithdrawalWorkerHonorsPayoutFeePolicy(t *testing.T) {
	store, wd := newDueWithdrawal(t)
	mock := &rail.MockRail{}

	// A zero fee allowance makes every mock payout exceed its fee cap.
	w := NewWithdrawalWorker(store, mock, config.Policy{PayoutFeeBps: 0}, zap.NewNop())
	w.ProcessOnce(context.Background())

	got, err := store.GetWithdrawalByKey(context.Background(), wd.PoolID, wd.LPID, wd.Partition, wd.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.MovementStatusFailed, got.Status)
	assert.Equal(t, "FEE_LIMIT", got.FailureReason)
}
