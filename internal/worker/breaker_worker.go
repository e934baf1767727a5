package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/breaker"
	"github.com/creditrail/settlement-core/internal/observability"
)

// StateArchive persists breaker observations for offline analysis.
type StateArchive interface {
	Append(ctx context.Context, st breaker.State) error
}

// BreakerWorker periodically derives the circuit-breaker state so the exported
// gauges stay current even when no envelope traffic triggers a read, and
// archives each observation when an archive is configured.
type BreakerWorker struct {
	monitor  *breaker.Monitor
	archive  StateArchive
	interval time.Duration
	log      *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBreakerWorker(monitor *breaker.Monitor, archive StateArchive, log *zap.Logger) *BreakerWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &BreakerWorker{
		monitor:  monitor,
		archive:  archive,
		interval: 15 * time.Second,
		log:      log.Named("breaker_worker"),
		stopCh:   make(chan struct{}),
	}
}

// WithInterval sets the refresh interval.
func (w *BreakerWorker) WithInterval(interval time.Duration) *BreakerWorker {
	w.interval = interval
	return w
}

// Start runs the refresh loop until Stop or context cancellation.
func (w *BreakerWorker) Start(ctx context.Context) {
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
func (w *BreakerWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run starts the worker in a goroutine and returns its stop function.
func (w *BreakerWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce refreshes the derived state and archives it.
func (w *BreakerWorker) ProcessOnce(ctx context.Context) {
	st := w.monitor.State()
	observability.IncrementWorkerRun("breaker_refresh", "ok")
	if w.archive == nil {
		return
	}
	if err := w.archive.Append(ctx, st); err != nil {
		w.log.Warn("archiving breaker state failed", zap.Error(err))
	}
}
