package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

func insertTestPool(t *testing.T, store *LedgerStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.InsertPool(context.Background(), &domain.LiquidityPool{
		ID: id, Kind: "settlement", Operator: "op-1",
		Status: domain.PoolStatusActive, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
}

func TestLedgerStoreMintAndBurn(t *testing.T) {
	pool := setupTestDB(t)
	store := NewLedgerStore(pool)
	ctx := context.Background()
	insertTestPool(t, store, "llp-main")

	dep := &domain.Deposit{
		ID: uuid.New(), PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "dep-1", AmountUnits: 100_000, Rail: "onchain",
		SharePrice: decimal.NewFromInt(1), SharesMinted: 100_000,
		Status: domain.MovementStatusConfirmed, Fingerprint: "fp-dep-1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.MintShares(ctx, dep))
	assert.ErrorIs(t, store.MintShares(ctx, dep), storage.ErrDuplicateKey)

	shares, units, err := store.PartitionTotals(ctx, "llp-main", "cep")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), shares)
	assert.Equal(t, int64(100_000), units)

	now := time.Now().UTC()
	wd := &domain.Withdrawal{
		ID: uuid.New(), PoolID: "llp-main", LPID: "lp-1", Partition: "cep",
		IdempotencyKey: "wd-1", AmountUnits: 40_000, Rail: "onchain",
		SharePrice: decimal.NewFromInt(1), SharesBurned: 40_000,
		Status: domain.MovementStatusPending, Fingerprint: "fp-wd-1",
		PayoutAfter: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.BurnShares(ctx, wd))

	shares, units, err = store.PartitionTotals(ctx, "llp-main", "cep")
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), shares)
	assert.Equal(t, int64(60_000), units)

	// Nothing covers a second 40k burn from another LP.
	over := *wd
	over.ID = uuid.New()
	over.LPID = "lp-2"
	over.IdempotencyKey = "wd-2"
	assert.ErrorIs(t, store.BurnShares(ctx, &over), storage.ErrInvalidInput)

	// The failed burn must not have leaked a withdrawal row or moved units.
	_, err = store.GetWithdrawalByKey(ctx, "llp-main", "lp-2", "cep", "wd-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, units, err = store.PartitionTotals(ctx, "llp-main", "cep")
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), units)
}

func TestLedgerStoreWithdrawalTransitions(t *testing.T) {
	pool := setupTestDB(t)
	store := NewLedgerStore(pool)
	ctx := context.Background()
	insertTestPool(t, store, "llp-main")

	dep := &domain.Deposit{
		ID: uuid.New(), PoolID: "llp-main", LPID: "lp-1", Partition: "general",
		IdempotencyKey: "dep-1", AmountUnits: 10_000, Rail: "onchain",
		SharePrice: decimal.NewFromInt(1), SharesMinted: 10_000,
		Status: domain.MovementStatusConfirmed, Fingerprint: "fp",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.MintShares(ctx, dep))

	now := time.Now().UTC()
	wd := &domain.Withdrawal{
		ID: uuid.New(), PoolID: "llp-main", LPID: "lp-1", Partition: "general",
		IdempotencyKey: "wd-1", AmountUnits: 5_000, Rail: "onchain",
		SharePrice: decimal.NewFromInt(1), SharesBurned: 5_000,
		Status: domain.MovementStatusPending, Fingerprint: "fp-wd",
		PayoutAfter: now.Add(-time.Minute), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.BurnShares(ctx, wd))

	due, err := store.DueWithdrawals(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, wd.ID, due[0].ID)

	require.NoError(t, store.TransitionWithdrawal(ctx, wd.ID,
		domain.MovementStatusPending, domain.MovementStatusPaidOut, ""))
	assert.ErrorIs(t, store.TransitionWithdrawal(ctx, wd.ID,
		domain.MovementStatusPending, domain.MovementStatusPaidOut, ""), storage.ErrStaleState)

	due, err = store.DueWithdrawals(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestLedgerStorePoolStatusCAS(t *testing.T) {
	pool := setupTestDB(t)
	store := NewLedgerStore(pool)
	ctx := context.Background()
	insertTestPool(t, store, "llp-main")

	require.NoError(t, store.TransitionPoolStatus(ctx, "llp-main",
		domain.PoolStatusActive, domain.PoolStatusPaused))
	assert.ErrorIs(t, store.TransitionPoolStatus(ctx, "llp-main",
		domain.PoolStatusActive, domain.PoolStatusPaused), storage.ErrStaleState)
	assert.ErrorIs(t, store.TransitionPoolStatus(ctx, "missing",
		domain.PoolStatusActive, domain.PoolStatusPaused), storage.ErrNotFound)

	got, err := store.GetPool(ctx, "llp-main")
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusPaused, got.Status)
}
