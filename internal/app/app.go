package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/api"
	"github.com/creditrail/settlement-core/internal/breaker"
	"github.com/creditrail/settlement-core/internal/canonical"
	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/envelope"
	"github.com/creditrail/settlement-core/internal/executor"
	"github.com/creditrail/settlement-core/internal/idempotency"
	"github.com/creditrail/settlement-core/internal/ledger"
	"github.com/creditrail/settlement-core/internal/observability"
	"github.com/creditrail/settlement-core/internal/rail"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage"
	"github.com/creditrail/settlement-core/internal/storage/clickhouse"
	"github.com/creditrail/settlement-core/internal/storage/memory"
	"github.com/creditrail/settlement-core/internal/storage/migrations"
	"github.com/creditrail/settlement-core/internal/storage/postgres"
	"github.com/creditrail/settlement-core/internal/telemetry"
	"github.com/creditrail/settlement-core/internal/treasury"
	"github.com/creditrail/settlement-core/internal/underwriting"
	"github.com/creditrail/settlement-core/internal/worker"
)

// stores bundles every persistence interface the services consume.
type stores struct {
	ledger      storage.LedgerStore
	credit      storage.CreditStore
	payments    storage.PaymentStore
	receipts    storage.ReceiptStore
	treasury    storage.TreasuryStore
	idempotency storage.IdempotencyStore
}

// Run bootstraps the engine and blocks until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Without DATABASE_URL the engine runs on in-memory stores, which is the
	// standalone and test topology.
	var (
		st     stores
		dbPool *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		dbPool = pool.Pool
		st = stores{
			ledger:      postgres.NewLedgerStore(pool),
			credit:      postgres.NewCreditStore(pool),
			payments:    postgres.NewPaymentStore(pool),
			receipts:    postgres.NewReceiptStore(pool),
			treasury:    postgres.NewTreasuryStore(pool),
			idempotency: postgres.NewIdempotencyStore(pool),
		}
		logger.Info("postgres stores ready")
	} else {
		st = stores{
			ledger:      memory.NewLedgerStore(),
			credit:      memory.NewCreditStore(),
			payments:    memory.NewPaymentStore(),
			receipts:    memory.NewReceiptStore(),
			treasury:    memory.NewTreasuryStore(),
			idempotency: memory.NewIdempotencyStore(),
		}
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	var redisClient redis.Cmdable
	if cfg.RedisURL != "" {
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		redisClient = client
	}

	var signer *canonical.Signer
	if cfg.SignerSeed != "" {
		signer, err = canonical.NewSigner(cfg.SignerSeed)
		if err != nil {
			return fmt.Errorf("init receipt signer: %w", err)
		}
	}

	var collector telemetry.Collector
	if cfg.TelemetryWSURL != "" {
		ws := telemetry.NewWSCollector(cfg.TelemetryWSURL, nil)
		defer ws.Close()
		collector = ws
	}

	idemStore := idempotency.NewStore(redisClient, st.idempotency, cfg.IdempotencyTTL)
	paymentRail := rail.NewMockRail()

	receipts := receipt.NewService(st.receipts, signer)
	monitor := breaker.NewMonitor(cfg.Policy, logger)
	ledgerSvc := ledger.NewService(st.ledger, receipts, collector, cfg.Policy, logger)
	pricing := underwriting.NewService(st.credit, cfg.Policy, logger)
	envelopes := envelope.NewService(st.credit, pricing, receipts, monitor, cfg.Policy, logger)
	payExec := executor.NewService(st.payments, paymentRail, receipts, monitor, cfg.Policy, cfg.RailTimeout, logger)
	treasurySvc := treasury.NewService(st.treasury, receipts, logger)
	registerTreasuryActions(treasurySvc, ledgerSvc)

	var archive worker.StateArchive
	if cfg.ClickHouseURL != "" {
		chArchive, err := clickhouse.NewOutcomeArchive(ctx, cfg.ClickHouseURL, logger)
		if err != nil {
			// The archive is advisory; the breaker runs without it.
			logger.Warn("clickhouse archive unavailable", zap.Error(err))
		} else {
			defer chArchive.Close()
			archive = chArchive
		}
	}

	snapshotWorker := worker.NewSnapshotWorker(ledgerSvc, st.ledger, logger).
		WithInterval(cfg.SnapshotInterval)
	withdrawalWorker := worker.NewWithdrawalWorker(st.ledger, paymentRail, cfg.Policy, logger).
		WithPollInterval(cfg.PayoutPollInterval).
		WithBatchSize(cfg.PayoutBatchSize)
	breakerWorker := worker.NewBreakerWorker(monitor, archive, logger)
	sweepWorker := worker.NewPaymentSweepWorker(st.payments, cfg.PaymentStaleAfter, logger)

	stopSnapshots := snapshotWorker.Run(ctx)
	stopWithdrawals := withdrawalWorker.Run(ctx)
	stopBreaker := breakerWorker.Run(ctx)
	stopSweep := sweepWorker.Run(ctx)

	router := api.NewRouter(cfg, logger, api.Services{
		Ledger:    ledgerSvc,
		Envelopes: envelopes,
		Pricing:   pricing,
		Executor:  payExec,
		Treasury:  treasurySvc,
		Receipts:  receipts,
		Monitor:   monitor,
	}, idemStore, dbPool, redisClient)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopSnapshots()
	stopWithdrawals()
	stopBreaker()
	stopSweep()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// registerTreasuryActions binds every gated action class to the ledger
// operation it governs.
func registerTreasuryActions(svc *treasury.Service, ledgerSvc *ledger.Service) {
	svc.RegisterExecutor(domain.ActionPoolStatusChange, func(ctx context.Context, poolID string, payload json.RawMessage) (json.RawMessage, error) {
		var body struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, domain.Validationf("pool_status_change payload: %v", err)
		}
		if err := ledgerSvc.ChangePoolStatus(ctx, poolID, body.From, body.To); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"pool_id": poolID, "status": body.To})
	})

	svc.RegisterExecutor(domain.ActionPolicyUpdate, func(ctx context.Context, poolID string, payload json.RawMessage) (json.RawMessage, error) {
		if err := ledgerSvc.UpdatePoolPolicy(ctx, poolID, payload); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"pool_id": poolID, "policy": payload})
	})

	svc.RegisterExecutor(domain.ActionPartitionDrain, func(ctx context.Context, poolID string, payload json.RawMessage) (json.RawMessage, error) {
		var body struct {
			Partition string `json:"partition"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.Partition == "" {
			return nil, domain.Validationf("partition_drain payload requires partition")
		}
		pool, err := ledgerSvc.GetPool(ctx, poolID)
		if err != nil {
			return nil, err
		}
		if pool.Status != domain.PoolStatusDraining {
			if err := ledgerSvc.ChangePoolStatus(ctx, poolID, pool.Status, domain.PoolStatusDraining); err != nil {
				return nil, err
			}
		}
		snap, err := ledgerSvc.Snapshot(ctx, poolID, body.Partition)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"pool_id":            poolID,
			"partition":          body.Partition,
			"status":             domain.PoolStatusDraining,
			"assets_units":       snap.AssetsUnits,
			"liabilities_units":  snap.LiabilitiesUnits,
			"outstanding_shares": snap.OutstandingShares,
			"snapshot_hash":      snap.Hash,
		})
	})
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
