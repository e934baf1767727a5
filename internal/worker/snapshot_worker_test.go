package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/ledger"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage/memory"
)

func TestSnapshotWorkerValuesEveryKnownPartition(t *testing.T) {
	store := memory.NewLedgerStore()
	receipts := receipt.NewService(memory.NewReceiptStore(), nil)
	svc := ledger.NewService(store, receipts, nil, config.Policy{}, zap.NewNop())
	ctx := context.Background()

	_, err := svc.CreatePool(ctx, "llp-main", "settlement", "op-1", nil)
	require.NoError(t, err)
	for _, partition := range []string{"general", "cep"} {
		_, err := svc.Deposit(ctx, ledger.DepositRequest{
			PoolID:         "llp-main",
			LPID:           "lp-1",
			Partition:      partition,
			IdempotencyKey: "dep-" + partition,
			AmountUnits:    25_000,
			Rail:           "onchain",
		})
		require.NoError(t, err)
	}

	w := NewSnapshotWorker(svc, store, zap.NewNop())
	w.ProcessOnce(ctx)

	for _, partition := range []string{"general", "cep"} {
		snap, err := svc.LatestSnapshot(ctx, "llp-main", partition)
		require.NoError(t, err)
		assert.Equal(t, int64(25_000), snap.AssetsUnits)
		assert.Equal(t, "1", snap.SharePrice.String())
	}
}
