package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/api/handler"
	apimw "github.com/creditrail/settlement-core/internal/api/middleware"
	"github.com/creditrail/settlement-core/internal/breaker"
	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/envelope"
	"github.com/creditrail/settlement-core/internal/executor"
	"github.com/creditrail/settlement-core/internal/idempotency"
	"github.com/creditrail/settlement-core/internal/ledger"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/treasury"
	"github.com/creditrail/settlement-core/internal/underwriting"
)

// Services bundles everything the router serves.
type Services struct {
	Ledger    *ledger.Service
	Envelopes *envelope.Service
	Pricing   *underwriting.Service
	Executor  *executor.Service
	Treasury  *treasury.Service
	Receipts  *receipt.Service
	Monitor   *breaker.Monitor
}

// Router wires handlers, middleware and infrastructure probes.
type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	services  Services
	idemStore *idempotency.Store
	db        *pgxpool.Pool
	redis     redis.Cmdable
}

func NewRouter(cfg *config.Config, logger *zap.Logger, services Services, idemStore *idempotency.Store, db *pgxpool.Pool, redisClient redis.Cmdable) *Router {
	return &Router{
		cfg:       cfg,
		logger:    logger,
		services:  services,
		idemStore: idemStore,
		db:        db,
		redis:     redisClient,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(apimw.TraceMiddleware)
	r.Use(apimw.RecoverMiddleware(api.logger))
	r.Use(apimw.LoggingMiddleware(api.logger))
	r.Use(apimw.MetricsMiddleware)
	r.Use(apimw.PublicRateLimiter(api.cfg.PublicRateLimitRPS))

	idem := apimw.IdempotencyMiddleware(api.idemStore, api.logger)

	ledgerHandler := handler.NewLedgerHandler(api.services.Ledger)
	creditHandler := handler.NewCreditHandler(api.services.Envelopes, api.services.Pricing)
	paymentHandler := handler.NewPaymentHandler(api.services.Executor)
	treasuryHandler := handler.NewTreasuryHandler(api.services.Treasury)
	receiptHandler := handler.NewReceiptHandler(api.services.Receipts)
	breakerHandler := handler.NewBreakerHandler(api.services.Monitor)
	healthHandler := handler.NewHealthHandler(api.db, api.redis)

	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Pools and partitioned capital.
	r.Post("/v1/pools", ledgerHandler.CreatePool)
	r.Get("/v1/pools/{poolID}", ledgerHandler.GetPool)
	r.With(idem).Post("/v1/pools/{poolID}/partitions/{partition}/deposits", ledgerHandler.Deposit)
	r.With(idem).Post("/v1/pools/{poolID}/partitions/{partition}/withdrawals", ledgerHandler.Withdraw)
	r.Get("/v1/pools/{poolID}/partitions/{partition}/accounts/{lpID}", ledgerHandler.GetAccount)
	r.Post("/v1/pools/{poolID}/partitions/{partition}/snapshots", ledgerHandler.TakeSnapshot)
	r.Get("/v1/pools/{poolID}/partitions/{partition}/snapshots/latest", ledgerHandler.LatestSnapshot)

	// Credit lifecycle.
	r.Post("/v1/credit/intents", creditHandler.CreateIntent)
	r.Post("/v1/credit/intents/{intentID}/offers", creditHandler.RequestOffer)
	r.Get("/v1/credit/offers/{offerID}/audit", creditHandler.UnderwritingAudit)
	r.Post("/v1/credit/offers/{offerID}/envelopes", creditHandler.IssueEnvelope)
	r.Get("/v1/credit/envelopes/{envelopeID}", creditHandler.GetEnvelope)
	r.Post("/v1/credit/envelopes/{envelopeID}/settle", creditHandler.Settle)
	r.Post("/v1/credit/envelopes/{envelopeID}/revoke", creditHandler.Revoke)
	r.Get("/v1/credit/agents/{agentID}/exposure", creditHandler.AgentExposure)

	// Quote/pay execution.
	r.With(idem).Post("/v1/payments/quotes", paymentHandler.CreateQuote)
	r.Post("/v1/payments/quotes/{quoteID}/pay", paymentHandler.Pay)
	r.Get("/v1/payments/quotes/{quoteID}", paymentHandler.Status)

	// Treasury governance.
	r.Put("/v1/treasury/pools/{poolID}/signers", treasuryHandler.SetSignerSet)
	r.Get("/v1/treasury/pools/{poolID}/signers", treasuryHandler.GetSignerSet)
	r.With(idem).Post("/v1/treasury/pools/{poolID}/requests", treasuryHandler.Propose)
	r.Post("/v1/treasury/requests/{requestID}/approvals", treasuryHandler.Approve)
	r.Get("/v1/treasury/requests/{requestID}", treasuryHandler.GetRequest)

	// Receipts and breaker state.
	r.Get("/v1/receipts/{receiptID}/verify", receiptHandler.Verify)
	r.Get("/v1/breaker", breakerHandler.State)

	return r
}
