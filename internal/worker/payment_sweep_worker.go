package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/observability"
	"github.com/creditrail/settlement-core/internal/storage"
)

// PaymentSweepWorker finalizes payments stranded in flight, typically after a
// crash between the rail call and the terminal transition. The rail outcome is
// unknowable at that point, so the payment fails with an explicit code rather
// than blocking its quote forever.
type PaymentSweepWorker struct {
	payments     storage.PaymentStore
	staleAfter   time.Duration
	pollInterval time.Duration
	batchSize    int
	log          *zap.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func NewPaymentSweepWorker(payments storage.PaymentStore, staleAfter time.Duration, log *zap.Logger) *PaymentSweepWorker {
	if log == nil {
		log = zap.NewNop()
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &PaymentSweepWorker{
		payments:     payments,
		staleAfter:   staleAfter,
		pollInterval: time.Minute,
		batchSize:    50,
		log:          log.Named("payment_sweep"),
		stopCh:       make(chan struct{}),
	}
}

// WithPollInterval sets the polling interval.
func (w *PaymentSweepWorker) WithPollInterval(interval time.Duration) *PaymentSweepWorker {
	w.pollInterval = interval
	return w
}

// Start runs the sweep loop until Stop or context cancellation.
func (w *PaymentSweepWorker) Start(ctx context.Context) {
	w.log.Info("starting",
		zap.Duration("stale_after", w.staleAfter),
		zap.Duration("poll_interval", w.pollInterval))
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
func (w *PaymentSweepWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run starts the worker in a goroutine and returns its stop function.
func (w *PaymentSweepWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce fails one batch of stale in-flight payments.
func (w *PaymentSweepWorker) ProcessOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.staleAfter)
	stale, err := w.payments.StaleInFlightPayments(ctx, cutoff, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("payment_sweep", "error")
		w.log.Error("listing stale payments failed", zap.Error(err))
		return
	}

	for _, p := range stale {
		err := w.payments.TransitionPayment(ctx, p.QuoteID, domain.PaymentStatusInFlight, domain.PaymentStatusFailed, func(pay *domain.LiquidityPayment) {
			pay.ErrorCode = "RAIL_UNKNOWN"
			pay.ErrorMessage = "payment stranded in flight past the stale cutoff"
		})
		if err != nil {
			// A racing caller finalized it first; the quote is unblocked
			// either way.
			if !errors.Is(err, storage.ErrStaleState) {
				w.log.Error("failing stale payment failed",
					zap.String("quote_id", p.QuoteID.String()), zap.Error(err))
			}
			continue
		}
		w.log.Warn("stale in-flight payment failed",
			zap.String("quote_id", p.QuoteID.String()))
	}
	if len(stale) > 0 {
		observability.IncrementWorkerRun("payment_sweep", "ok")
	}
}
