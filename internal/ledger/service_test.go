package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage/memory"
	"github.com/creditrail/settlement-core/internal/telemetry"
)

func newTestService(t *testing.T, collector telemetry.Collector) (*Service, *memory.LedgerStore) {
	t.Helper()
	store := memory.NewLedgerStore()
	receipts := receipt.NewService(memory.NewReceiptStore(), nil)
	policy := config.Policy{WithdrawalDelay: 24 * time.Hour}
	return NewService(store, receipts, collector, policy, zap.NewNop()), store
}

func createActivePool(t *testing.T, svc *Service, id string) {
	t.Helper()
	_, err := svc.CreatePool(context.Background(), id, "settlement", "op-1", nil)
	require.NoError(t, err)
}

func TestDepositMintsAtParAndReplays(t *testing.T) {
	svc, store := newTestService(t, nil)
	createActivePool(t, svc, "llp-main")

	req := DepositRequest{
		PoolID:         "llp-main",
		LPID:           "lp-1",
		Partition:      "cep",
		IdempotencyKey: "dep-1",
		AmountUnits:    100_000,
		Rail:           "onchain",
	}
	d, err := svc.Deposit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), d.SharesMinted)
	assert.Equal(t, "1", d.SharePrice.String())
	assert.Equal(t, domain.MovementStatusConfirmed, d.Status)
	assert.NotEmpty(t, d.ReceiptID)

	replay, err := svc.Deposit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, d.ID, replay.ID)
	assert.Equal(t, d.SharesMinted, replay.SharesMinted)

	shares, units, err := store.PartitionTotals(context.Background(), "llp-main", "cep")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), shares)
	assert.Equal(t, int64(100_000), units)
}

func TestDepositKeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	svc, _ := newTestService(t, nil)
	createActivePool(t, svc, "llp-main")

	req := DepositRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "dep-1", AmountUnits: 100_000, Rail: "onchain",
	}
	_, err := svc.Deposit(context.Background(), req)
	require.NoError(t, err)

	req.AmountUnits = 50_000
	_, err = svc.Deposit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestDepositRejectedOnPausedPool(t *testing.T) {
	svc, _ := newTestService(t, nil)
	createActivePool(t, svc, "llp-main")
	require.NoError(t, svc.ChangePoolStatus(context.Background(), "llp-main", domain.PoolStatusActive, domain.PoolStatusPaused))

	_, err := svc.Deposit(context.Background(), DepositRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "dep-1", AmountUnits: 1_000, Rail: "onchain",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestPartitionsAreSegregated(t *testing.T) {
	svc, store := newTestService(t, nil)
	createActivePool(t, svc, "llp-main")

	_, err := svc.Deposit(context.Background(), DepositRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "dep-1", AmountUnits: 60_000, Rail: "onchain",
	})
	require.NoError(t, err)
	_, err = svc.Deposit(context.Background(), DepositRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "general",
		IdempotencyKey: "dep-2", AmountUnits: 40_000, Rail: "onchain",
	})
	require.NoError(t, err)

	_, cepUnits, err := store.PartitionTotals(context.Background(), "llp-main", "cep")
	require.NoError(t, err)
	_, genUnits, err := store.PartitionTotals(context.Background(), "llp-main", "general")
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), cepUnits)
	assert.Equal(t, int64(40_000), genUnits)

	// A withdrawal cannot pull from a sibling partition's liquidity.
	_, err = svc.Withdraw(context.Background(), WithdrawRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "general",
		IdempotencyKey: "wd-1", AmountUnits: 50_000, Rail: "onchain",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestWithdrawSchedulesDelayedPayout(t *testing.T) {
	svc, _ := newTestService(t, nil)
	createActivePool(t, svc, "llp-main")

	_, err := svc.Deposit(context.Background(), DepositRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "dep-1", AmountUnits: 100_000, Rail: "onchain",
	})
	require.NoError(t, err)

	before := time.Now()
	w, err := svc.Withdraw(context.Background(), WithdrawRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "wd-1", AmountUnits: 30_000, Rail: "onchain",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MovementStatusPending, w.Status)
	assert.Equal(t, int64(30_000), w.SharesBurned)
	assert.True(t, w.PayoutAfter.After(before.Add(23*time.Hour)))

	acct, err := svc.Account(context.Background(), "llp-main", "lp-1", "cep")
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), acct.Shares)

	replay, err := svc.Withdraw(context.Background(), WithdrawRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "wd-1", AmountUnits: 30_000, Rail: "onchain",
	})
	require.NoError(t, err)
	assert.Equal(t, w.ID, replay.ID)
	acct, err = svc.Account(context.Background(), "llp-main", "lp-1", "cep")
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), acct.Shares)
}

func TestWithdrawInsufficientShares(t *testing.T) {
	svc, _ := newTestService(t, nil)
	createActivePool(t, svc, "llp-main")

	_, err := svc.Withdraw(context.Background(), WithdrawRequest{
		PoolID: "llp-main", LPID: "lp-broke", Partition: "cep",
		IdempotencyKey: "wd-1", AmountUnits: 1_000, Rail: "onchain",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestSnapshotDerivesSharePriceAndAnnotatesTelemetry(t *testing.T) {
	collector := &telemetry.Static{Report: &telemetry.Report{
		LocalBalanceUnits:  500,
		RemoteBalanceUnits: 800,
		PendingHTLCs:       2,
	}}
	svc, _ := newTestService(t, collector)
	createActivePool(t, svc, "llp-main")

	_, err := svc.Deposit(context.Background(), DepositRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "dep-1", AmountUnits: 100_000, Rail: "onchain",
	})
	require.NoError(t, err)

	snap, err := svc.Snapshot(context.Background(), "llp-main", "cep")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), snap.AssetsUnits)
	assert.Equal(t, int64(100_000), snap.OutstandingShares)
	assert.Equal(t, "1", snap.SharePrice.String())
	assert.Contains(t, snap.TelemetryNote, "local=500")
	assert.Contains(t, snap.Hash, "sha256:")

	latest, err := svc.LatestSnapshot(context.Background(), "llp-main", "cep")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)
}

func TestSnapshotSurvivesDeadTelemetry(t *testing.T) {
	svc, _ := newTestService(t, &telemetry.Static{Err: telemetry.ErrUnavailable})
	createActivePool(t, svc, "llp-main")

	snap, err := svc.Snapshot(context.Background(), "llp-main", "cep")
	require.NoError(t, err)
	assert.Contains(t, snap.TelemetryNote, "telemetry unavailable")
	assert.NotEmpty(t, snap.Hash)
}

func TestSnapshotCountsPendingPayoutsAsLiabilities(t *testing.T) {
	svc, _ := newTestService(t, nil)
	createActivePool(t, svc, "llp-main")

	_, err := svc.Deposit(context.Background(), DepositRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "dep-1", AmountUnits: 100_000, Rail: "onchain",
	})
	require.NoError(t, err)
	_, err = svc.Withdraw(context.Background(), WithdrawRequest{
		PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "wd-1", AmountUnits: 25_000, Rail: "onchain",
	})
	require.NoError(t, err)

	snap, err := svc.Snapshot(context.Background(), "llp-main", "cep")
	require.NoError(t, err)
	assert.Equal(t, int64(75_000), snap.AssetsUnits)
	assert.Equal(t, int64(25_000), snap.LiabilitiesUnits)
}

func TestPoolStatusTransitions(t *testing.T) {
	svc, _ := newTestService(t, nil)
	createActivePool(t, svc, "llp-main")
	ctx := context.Background()

	require.NoError(t, svc.ChangePoolStatus(ctx, "llp-main", domain.PoolStatusActive, domain.PoolStatusDraining))
	require.NoError(t, svc.ChangePoolStatus(ctx, "llp-main", domain.PoolStatusDraining, domain.PoolStatusRetired))

	// Retired is terminal.
	err := svc.ChangePoolStatus(ctx, "llp-main", domain.PoolStatusRetired, domain.PoolStatusActive)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	// Stale from-status is a conflict.
	err = svc.ChangePoolStatus(ctx, "llp-main", domain.PoolStatusActive, domain.PoolStatusPaused)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}
