package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/canonical"
	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage"
	"github.com/creditrail/settlement-core/internal/telemetry"
)

// poolTransitions enumerates the legal pool status moves. Everything else is
// rejected before touching storage.
var poolTransitions = map[string][]string{
	domain.PoolStatusActive:   {domain.PoolStatusPaused, domain.PoolStatusDraining},
	domain.PoolStatusPaused:   {domain.PoolStatusActive, domain.PoolStatusDraining},
	domain.PoolStatusDraining: {domain.PoolStatusRetired},
}

// Service owns pools, partitioned LP share accounts and capital movements.
// All mutations are idempotent per (pool, lp, partition, key) and every
// movement is stamped with a canonical receipt.
type Service struct {
	ledger    storage.LedgerStore
	receipts  *receipt.Service
	collector telemetry.Collector
	policy    config.Policy
	log       *zap.Logger
	now       func() time.Time
}

func NewService(ledger storage.LedgerStore, receipts *receipt.Service, collector telemetry.Collector, policy config.Policy, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ledger:    ledger,
		receipts:  receipts,
		collector: collector,
		policy:    policy,
		log:       log.Named("ledger"),
		now:       time.Now,
	}
}

// CreatePool registers a pool in ACTIVE status. Creating an id that already
// exists returns the existing pool unchanged.
func (s *Service) CreatePool(ctx context.Context, id, kind, operator string, policy []byte) (*domain.LiquidityPool, error) {
	if id == "" || operator == "" {
		return nil, domain.Validationf("pool id and operator are required")
	}
	now := s.now().UTC()
	pool := &domain.LiquidityPool{
		ID:        id,
		Kind:      kind,
		Operator:  operator,
		Status:    domain.PoolStatusActive,
		Policy:    policy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ledger.InsertPool(ctx, pool); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return s.GetPool(ctx, id)
		}
		return nil, fmt.Errorf("insert pool %s: %w", id, err)
	}
	s.log.Info("pool created", zap.String("pool_id", id), zap.String("operator", operator))
	return pool, nil
}

func (s *Service) GetPool(ctx context.Context, id string) (*domain.LiquidityPool, error) {
	p, err := s.ledger.GetPool(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("pool %s not found", id)
		}
		return nil, fmt.Errorf("load pool %s: %w", id, err)
	}
	return p, nil
}

// ChangePoolStatus applies one legal status transition. Invoked only through
// treasury execution; there is no direct operator path.
func (s *Service) ChangePoolStatus(ctx context.Context, id, from, to string) error {
	legal := false
	for _, next := range poolTransitions[from] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return domain.Validationf("pool status %s -> %s is not a legal transition", from, to)
	}
	if err := s.ledger.TransitionPoolStatus(ctx, id, from, to); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return domain.NotFoundf("pool %s not found", id)
		case errors.Is(err, storage.ErrStaleState):
			return domain.Conflictf("pool %s is no longer in status %s", id, from)
		}
		return fmt.Errorf("transition pool %s: %w", id, err)
	}
	s.log.Info("pool status changed",
		zap.String("pool_id", id),
		zap.String("from", from),
		zap.String("to", to))
	return nil
}

// UpdatePoolPolicy replaces the pool's policy document. Invoked only through
// treasury execution.
func (s *Service) UpdatePoolPolicy(ctx context.Context, id string, policy []byte) error {
	if len(policy) == 0 || !json.Valid(policy) {
		return domain.Validationf("pool policy must be a valid JSON document")
	}
	if err := s.ledger.UpdatePoolPolicy(ctx, id, policy); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NotFoundf("pool %s not found", id)
		}
		return fmt.Errorf("update pool %s policy: %w", id, err)
	}
	s.log.Info("pool policy updated", zap.String("pool_id", id))
	return nil
}

// DepositRequest is one inbound capital movement.
type DepositRequest struct {
	PoolID         string
	LPID           string
	Partition      string
	IdempotencyKey string
	AmountUnits    int64
	Rail           string
}

// Deposit mints shares at the current share price. Replaying the same key
// with the same payload returns the original deposit; a different payload
// under a used key is a conflict.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*domain.Deposit, error) {
	if err := validateMovement(req.PoolID, req.LPID, req.Partition, req.IdempotencyKey, req.AmountUnits); err != nil {
		return nil, err
	}
	pool, err := s.GetPool(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.Status != domain.PoolStatusActive {
		return nil, domain.Conflictf("pool %s does not accept deposits in status %s", pool.ID, pool.Status)
	}

	fingerprint := canonical.Fingerprint(
		req.PoolID, req.LPID, req.Partition, req.IdempotencyKey,
		strconv.FormatInt(req.AmountUnits, 10), req.Rail,
	)
	if existing, err := s.ledger.GetDepositByKey(ctx, req.PoolID, req.LPID, req.Partition, req.IdempotencyKey); err == nil {
		if existing.Fingerprint != fingerprint {
			return nil, domain.Conflictf("idempotency key %s already used for a different deposit", req.IdempotencyKey)
		}
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load deposit by key %s: %w", req.IdempotencyKey, err)
	}

	price, err := s.sharePrice(ctx, req.PoolID, req.Partition)
	if err != nil {
		return nil, err
	}
	shares := decimal.NewFromInt(req.AmountUnits).Div(price).IntPart()
	if shares < 1 {
		return nil, domain.Validationf("deposit of %d units mints no shares at price %s", req.AmountUnits, price)
	}

	d := &domain.Deposit{
		ID:             uuid.New(),
		PoolID:         req.PoolID,
		LPID:           req.LPID,
		Partition:      req.Partition,
		IdempotencyKey: req.IdempotencyKey,
		AmountUnits:    req.AmountUnits,
		Rail:           req.Rail,
		SharePrice:     price,
		SharesMinted:   shares,
		Status:         domain.MovementStatusConfirmed,
		Fingerprint:    fingerprint,
		CreatedAt:      s.now().UTC(),
	}

	rec, err := s.receipts.Stamp(ctx, domain.ReceiptKindDeposit, fingerprint, movementArtifact(
		d.PoolID, d.LPID, d.Partition, d.IdempotencyKey, d.Rail, d.AmountUnits, d.SharesMinted, price,
	))
	if err != nil {
		return nil, err
	}
	d.ReceiptID = rec.ID

	if err := s.ledger.MintShares(ctx, d); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Lost a race with an identical request.
			return s.ledger.GetDepositByKey(ctx, req.PoolID, req.LPID, req.Partition, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("mint shares for %s: %w", req.IdempotencyKey, err)
	}

	s.log.Info("deposit confirmed",
		zap.String("pool_id", d.PoolID),
		zap.String("lp_id", d.LPID),
		zap.String("partition", d.Partition),
		zap.Int64("amount_units", d.AmountUnits),
		zap.Int64("shares_minted", d.SharesMinted))
	return d, nil
}

// WithdrawRequest is one outbound capital movement.
type WithdrawRequest struct {
	PoolID         string
	LPID           string
	Partition      string
	IdempotencyKey string
	AmountUnits    int64
	Rail           string
}

// Withdraw burns shares at the current share price and schedules the payout
// after the configured delay. Same idempotency semantics as Deposit.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*domain.Withdrawal, error) {
	if err := validateMovement(req.PoolID, req.LPID, req.Partition, req.IdempotencyKey, req.AmountUnits); err != nil {
		return nil, err
	}
	pool, err := s.GetPool(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == domain.PoolStatusRetired {
		return nil, domain.Conflictf("pool %s is retired", pool.ID)
	}

	fingerprint := canonical.Fingerprint(
		req.PoolID, req.LPID, req.Partition, req.IdempotencyKey,
		strconv.FormatInt(req.AmountUnits, 10), req.Rail, "withdrawal",
	)
	if existing, err := s.ledger.GetWithdrawalByKey(ctx, req.PoolID, req.LPID, req.Partition, req.IdempotencyKey); err == nil {
		if existing.Fingerprint != fingerprint {
			return nil, domain.Conflictf("idempotency key %s already used for a different withdrawal", req.IdempotencyKey)
		}
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load withdrawal by key %s: %w", req.IdempotencyKey, err)
	}

	price, err := s.sharePrice(ctx, req.PoolID, req.Partition)
	if err != nil {
		return nil, err
	}
	shares := decimal.NewFromInt(req.AmountUnits).Div(price).Ceil().IntPart()

	now := s.now().UTC()
	w := &domain.Withdrawal{
		ID:             uuid.New(),
		PoolID:         req.PoolID,
		LPID:           req.LPID,
		Partition:      req.Partition,
		IdempotencyKey: req.IdempotencyKey,
		AmountUnits:    req.AmountUnits,
		Rail:           req.Rail,
		SharePrice:     price,
		SharesBurned:   shares,
		Status:         domain.MovementStatusPending,
		Fingerprint:    fingerprint,
		PayoutAfter:    now.Add(s.policy.WithdrawalDelay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	rec, err := s.receipts.Stamp(ctx, domain.ReceiptKindWithdrawal, fingerprint, movementArtifact(
		w.PoolID, w.LPID, w.Partition, w.IdempotencyKey, w.Rail, w.AmountUnits, w.SharesBurned, price,
	))
	if err != nil {
		return nil, err
	}
	w.ReceiptID = rec.ID

	if err := s.ledger.BurnShares(ctx, w); err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateKey):
			return s.ledger.GetWithdrawalByKey(ctx, req.PoolID, req.LPID, req.Partition, req.IdempotencyKey)
		case errors.Is(err, storage.ErrInvalidInput):
			return nil, domain.Validationf("lp %s lacks shares or partition %s lacks liquidity for %d units",
				req.LPID, req.Partition, req.AmountUnits)
		}
		return nil, fmt.Errorf("burn shares for %s: %w", req.IdempotencyKey, err)
	}

	s.log.Info("withdrawal scheduled",
		zap.String("pool_id", w.PoolID),
		zap.String("lp_id", w.LPID),
		zap.String("partition", w.Partition),
		zap.Int64("amount_units", w.AmountUnits),
		zap.Time("payout_after", w.PayoutAfter))
	return w, nil
}

// Account returns an LP's share balance in one partition. A never-funded
// account reads as zero shares rather than not found.
func (s *Service) Account(ctx context.Context, pool, lp, partition string) (*domain.LPAccount, error) {
	a, err := s.ledger.GetAccount(ctx, pool, lp, partition)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &domain.LPAccount{PoolID: pool, LPID: lp, Partition: partition}, nil
		}
		return nil, fmt.Errorf("load account %s/%s/%s: %w", pool, lp, partition, err)
	}
	return a, nil
}

// Snapshot assembles an append-only partition valuation: assets and shares
// from the ledger, share price derived, node telemetry attached best-effort.
func (s *Service) Snapshot(ctx context.Context, pool, partition string) (*domain.PoolSnapshot, error) {
	if _, err := s.GetPool(ctx, pool); err != nil {
		return nil, err
	}
	shares, units, err := s.ledger.PartitionTotals(ctx, pool, partition)
	if err != nil {
		return nil, fmt.Errorf("partition totals %s/%s: %w", pool, partition, err)
	}

	price := decimal.NewFromInt(1)
	if shares > 0 {
		price = decimal.NewFromInt(units).Div(decimal.NewFromInt(shares)).Round(6)
	}

	// Reserved-but-unpaid payouts count as liabilities. Their units left the
	// partition at burn time, so they do not affect the share price.
	var liabilities int64
	pending, err := s.ledger.DueWithdrawals(ctx, s.now().Add(10*365*24*time.Hour), 0)
	if err != nil {
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}
	for _, w := range pending {
		if w.PoolID == pool && w.Partition == partition {
			liabilities += w.AmountUnits
		}
	}

	snap := &domain.PoolSnapshot{
		ID:                uuid.New(),
		PoolID:            pool,
		Partition:         partition,
		AsOf:              s.now().UTC(),
		AssetsUnits:       units,
		LiabilitiesUnits:  liabilities,
		OutstandingShares: shares,
		SharePrice:        price,
	}

	// Telemetry is advisory. A dead collector is recorded in the snapshot
	// itself, never aborts it.
	if s.collector != nil {
		if report, err := s.collector.Collect(ctx); err == nil {
			snap.TelemetryNote = fmt.Sprintf("node local=%d remote=%d pending_htlcs=%d",
				report.LocalBalanceUnits, report.RemoteBalanceUnits, report.PendingHTLCs)
		} else {
			snap.TelemetryNote = fmt.Sprintf("telemetry unavailable: %v", err)
			s.log.Debug("telemetry unavailable for snapshot", zap.Error(err))
		}
	}

	hash, _, err := canonical.SumObject(map[string]any{
		"pool_id":            snap.PoolID,
		"partition":          snap.Partition,
		"as_of":              snap.AsOf,
		"assets_units":       snap.AssetsUnits,
		"liabilities_units":  snap.LiabilitiesUnits,
		"outstanding_shares": snap.OutstandingShares,
		"share_price":        snap.SharePrice.String(),
		"telemetry_note":     snap.TelemetryNote,
	})
	if err != nil {
		return nil, fmt.Errorf("hash snapshot: %w", err)
	}
	snap.Hash = hash

	if err := s.ledger.InsertSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("insert snapshot for %s/%s: %w", pool, partition, err)
	}
	if _, err := s.receipts.Stamp(ctx, domain.ReceiptKindSnapshot, snap.ID.String(), snap); err != nil {
		return nil, err
	}

	s.log.Info("snapshot recorded",
		zap.String("pool_id", pool),
		zap.String("partition", partition),
		zap.Int64("assets_units", units),
		zap.Int64("outstanding_shares", shares),
		zap.String("share_price", price.String()))
	return snap, nil
}

// LatestSnapshot returns the most recent valuation for one partition.
func (s *Service) LatestSnapshot(ctx context.Context, pool, partition string) (*domain.PoolSnapshot, error) {
	snap, err := s.ledger.LatestSnapshot(ctx, pool, partition)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("no snapshot for %s/%s", pool, partition)
		}
		return nil, fmt.Errorf("load latest snapshot %s/%s: %w", pool, partition, err)
	}
	return snap, nil
}

// sharePrice reads the latest snapshot price, defaulting to 1 for a
// partition that has never been valued.
func (s *Service) sharePrice(ctx context.Context, pool, partition string) (decimal.Decimal, error) {
	snap, err := s.ledger.LatestSnapshot(ctx, pool, partition)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, fmt.Errorf("load share price %s/%s: %w", pool, partition, err)
	}
	if snap.SharePrice.IsZero() || snap.SharePrice.IsNegative() {
		return decimal.NewFromInt(1), nil
	}
	return snap.SharePrice, nil
}

func validateMovement(pool, lp, partition, key string, amount int64) error {
	if pool == "" || lp == "" || partition == "" {
		return domain.Validationf("pool, lp and partition are required")
	}
	if key == "" {
		return domain.Validationf("idempotency key is required")
	}
	if amount <= 0 {
		return domain.Validationf("amount must be positive, got %d", amount)
	}
	return nil
}

func movementArtifact(pool, lp, partition, key, rail string, amount, shares int64, price decimal.Decimal) map[string]any {
	return map[string]any{
		"pool_id":         pool,
		"lp_id":           lp,
		"partition":       partition,
		"idempotency_key": key,
		"rail":            rail,
		"amount_units":    amount,
		"shares":          shares,
		"share_price":     price.String(),
	}
}
