package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/observability"
	"github.com/creditrail/settlement-core/internal/rail"
	"github.com/creditrail/settlement-core/internal/storage"
)

// WithdrawalWorker pays out withdrawals whose delay window has elapsed. Shares
// and units were already reserved at request time, so the worker only moves
// value over the rail and finalizes the movement status.
type WithdrawalWorker struct {
	ledger       storage.LedgerStore
	rail         rail.Rail
	payoutFeeBps int32
	pollInterval time.Duration
	batchSize    int
	log          *zap.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func NewWithdrawalWorker(ledger storage.LedgerStore, r rail.Rail, policy config.Policy, log *zap.Logger) *WithdrawalWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &WithdrawalWorker{
		ledger:       ledger,
		rail:         r,
		payoutFeeBps: policy.PayoutFeeBps,
		pollInterval: 30 * time.Second,
		batchSize:    25,
		log:          log.Named("withdrawal_worker"),
		stopCh:       make(chan struct{}),
	}
}

// WithPollInterval sets the polling interval.
func (w *WithdrawalWorker) WithPollInterval(interval time.Duration) *WithdrawalWorker {
	w.pollInterval = interval
	return w
}

// WithBatchSize sets how many due withdrawals are processed per tick.
func (w *WithdrawalWorker) WithBatchSize(size int) *WithdrawalWorker {
	w.batchSize = size
	return w
}

// Start runs the poll loop until Stop or context cancellation.
func (w *WithdrawalWorker) Start(ctx context.Context) {
	w.log.Info("starting",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Int("batch_size", w.batchSize))
	ticker := time.NewTicker(w.pollInterval)
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
func (w *WithdrawalWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run starts the worker in a goroutine and returns its stop function.
func (w *WithdrawalWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce pays out one batch of due withdrawals.
func (w *WithdrawalWorker) ProcessOnce(ctx context.Context) {
	due, err := w.ledger.DueWithdrawals(ctx, time.Now().UTC(), w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("withdrawal_payout", "error")
		w.log.Error("listing due withdrawals failed", zap.Error(err))
		return
	}

	for _, wd := range due {
		w.payOut(ctx, wd)
	}
	if len(due) > 0 {
		observability.IncrementWorkerRun("withdrawal_payout", "ok")
	}
}

func (w *WithdrawalWorker) payOut(ctx context.Context, wd *domain.Withdrawal) {
	res, err := w.rail.Pay(ctx, rail.Request{
		Invoice:        wd.ID.String(),
		MaxAmountUnits: wd.AmountUnits,
		MaxFeeUnits:    wd.AmountUnits * int64(w.payoutFeeBps) / 10_000,
		Urgency:        rail.UrgencyNormal,
	})
	if err != nil {
		reason := "RAIL_TIMEOUT"
		var failure *rail.Failure
		if errors.As(err, &failure) {
			reason = failure.Code
		}
		observability.IncrementRailCall("withdrawal", "failed")
		if terr := w.ledger.TransitionWithdrawal(ctx, wd.ID, domain.MovementStatusPending, domain.MovementStatusFailed, reason); terr != nil {
			w.log.Error("failing withdrawal failed", zap.String("id", wd.ID.String()), zap.Error(terr))
			return
		}
		w.log.Warn("withdrawal payout failed",
			zap.String("id", wd.ID.String()),
			zap.String("reason", reason))
		return
	}

	observability.IncrementRailCall("withdrawal", "paid")
	if err := w.ledger.TransitionWithdrawal(ctx, wd.ID, domain.MovementStatusPending, domain.MovementStatusPaidOut, ""); err != nil {
		// A concurrent worker may have won the transition; the payout itself
		// is already settled on the rail.
		if !errors.Is(err, storage.ErrStaleState) {
			w.log.Error("finalizing withdrawal failed", zap.String("id", wd.ID.String()), zap.Error(err))
		}
		return
	}
	w.log.Info("withdrawal paid out",
		zap.String("id", wd.ID.String()),
		zap.String("pool_id", wd.PoolID),
		zap.Int64("amount_units", res.AmountUnits))
}
