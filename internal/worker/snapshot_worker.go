package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/ledger"
	"github.com/creditrail/settlement-core/internal/observability"
	"github.com/creditrail/settlement-core/internal/storage"
)

// SnapshotWorker periodically records partition valuations so share prices
// stay current without an operator in the loop. Targets are discovered from
// the ledger each tick: every partition that ever held liquidity gets valued.
type SnapshotWorker struct {
	svc      *ledger.Service
	store    storage.LedgerStore
	interval time.Duration
	log      *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSnapshotWorker(svc *ledger.Service, store storage.LedgerStore, log *zap.Logger) *SnapshotWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &SnapshotWorker{
		svc:      svc,
		store:    store,
		interval: time.Hour,
		log:      log.Named("snapshot_worker"),
		stopCh:   make(chan struct{}),
	}
}

// WithInterval sets the tick interval.
func (w *SnapshotWorker) WithInterval(interval time.Duration) *SnapshotWorker {
	w.interval = interval
	return w
}

// Start runs the tick loop until Stop or context cancellation.
func (w *SnapshotWorker) Start(ctx context.Context) {
	w.log.Info("starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *SnapshotWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run starts the worker in a goroutine and returns its stop function.
func (w *SnapshotWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce values every known partition once.
func (w *SnapshotWorker) ProcessOnce(ctx context.Context) {
	refs, err := w.store.ListPartitions(ctx)
	if err != nil {
		observability.IncrementWorkerRun("snapshot", "error")
		w.log.Error("listing partitions failed", zap.Error(err))
		return
	}

	for _, ref := range refs {
		if _, err := w.svc.Snapshot(ctx, ref.PoolID, ref.Partition); err != nil {
			observability.IncrementWorkerRun("snapshot", "error")
			w.log.Warn("snapshot failed",
				zap.String("pool_id", ref.PoolID),
				zap.String("partition", ref.Partition),
				zap.Error(err))
			continue
		}
		observability.IncrementWorkerRun("snapshot", "ok")
	}
}
