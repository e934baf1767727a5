package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/breaker"
	"github.com/creditrail/settlement-core/internal/canonical"
	"github.com/creditrail/settlement-core/internal/config"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/observability"
	"github.com/creditrail/settlement-core/internal/rail"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage"
)

// Urgency levels accepted on quotes.
const (
	UrgencyNormal = rail.UrgencyNormal
	UrgencyHigh   = rail.UrgencyHigh
)

// Service executes quoted outbound payments against the external rail.
// Each quote owns exactly one payment state machine; the IN_FLIGHT CAS
// guarantees the rail is invoked at most once per quote.
type Service struct {
	payments storage.PaymentStore
	rail     rail.Rail
	receipts *receipt.Service
	monitor  *breaker.Monitor
	policy   config.Policy
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewService(payments storage.PaymentStore, r rail.Rail, receipts *receipt.Service, monitor *breaker.Monitor, policy config.Policy, railTimeout time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		payments: payments,
		rail:     r,
		receipts: receipts,
		monitor:  monitor,
		policy:   policy,
		timeout:  railTimeout,
		log:      log.Named("executor"),
		now:      time.Now,
	}
}

// QuoteRequest describes the payment the caller wants bounded.
type QuoteRequest struct {
	IdempotencyKey string
	Invoice        string
	MaxAmountUnits int64
	MaxFeeUnits    int64
	Urgency        string
}

// Quote creates an immutable quote and its PENDING payment. Replaying the
// same key with the same payload returns the stored quote; a different
// payload under a used key is a conflict.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*domain.LiquidityQuote, error) {
	if req.IdempotencyKey == "" {
		return nil, domain.Validationf("idempotency key is required")
	}
	if req.Invoice == "" {
		return nil, domain.Validationf("invoice is required")
	}
	if req.MaxAmountUnits <= 0 {
		return nil, domain.Validationf("max amount must be positive, got %d", req.MaxAmountUnits)
	}
	if req.MaxFeeUnits < 0 {
		return nil, domain.Validationf("max fee must not be negative, got %d", req.MaxFeeUnits)
	}
	if req.Urgency == "" {
		req.Urgency = UrgencyNormal
	}
	if req.Urgency != UrgencyNormal && req.Urgency != UrgencyHigh {
		return nil, domain.Validationf("unknown urgency %q", req.Urgency)
	}

	fingerprint := canonical.Fingerprint(
		req.IdempotencyKey,
		req.Invoice,
		strconv.FormatInt(req.MaxAmountUnits, 10),
		strconv.FormatInt(req.MaxFeeUnits, 10),
		req.Urgency,
	)
	if existing, err := s.payments.GetQuoteByKey(ctx, req.IdempotencyKey); err == nil {
		if existing.Fingerprint != fingerprint {
			return nil, domain.Conflictf("idempotency key %s already used for a different quote", req.IdempotencyKey)
		}
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load quote by key %s: %w", req.IdempotencyKey, err)
	}

	now := s.now().UTC()
	q := &domain.LiquidityQuote{
		ID:             uuid.New(),
		IdempotencyKey: req.IdempotencyKey,
		Invoice:        req.Invoice,
		MaxAmountUnits: req.MaxAmountUnits,
		MaxFeeUnits:    req.MaxFeeUnits,
		Urgency:        req.Urgency,
		Fingerprint:    fingerprint,
		ExpiresAt:      now.Add(s.policy.QuoteTTL),
		CreatedAt:      now,
	}
	p := &domain.LiquidityPayment{
		ID:        uuid.New(),
		QuoteID:   q.ID,
		Status:    domain.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.payments.InsertQuote(ctx, q, p); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			existing, getErr := s.payments.GetQuoteByKey(ctx, req.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("load existing quote %s: %w", req.IdempotencyKey, getErr)
			}
			if existing.Fingerprint != fingerprint {
				return nil, domain.Conflictf("idempotency key %s already used for a different quote", req.IdempotencyKey)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("insert quote %s: %w", req.IdempotencyKey, err)
	}

	s.log.Info("quote created",
		zap.String("quote_id", q.ID.String()),
		zap.Int64("max_amount_units", q.MaxAmountUnits),
		zap.Int64("max_fee_units", q.MaxFeeUnits),
		zap.String("urgency", q.Urgency))
	return q, nil
}

// Pay executes the quoted payment. The PENDING -> IN_FLIGHT CAS admits
// exactly one caller to the rail; losers observe the winner's state. A call
// against a terminal payment replays the stored result.
func (s *Service) Pay(ctx context.Context, quoteID uuid.UUID) (*domain.LiquidityPayment, error) {
	q, err := s.payments.GetQuote(ctx, quoteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("quote %s not found", quoteID)
		}
		return nil, fmt.Errorf("load quote %s: %w", quoteID, err)
	}

	err = s.payments.TransitionPayment(ctx, quoteID, domain.PaymentStatusPending, domain.PaymentStatusInFlight, nil)
	if err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return s.observeExisting(ctx, quoteID)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("payment for quote %s not found", quoteID)
		}
		return nil, fmt.Errorf("mark payment in flight for %s: %w", quoteID, err)
	}

	// We own the in-flight payment now. Expiry is checked after winning the
	// CAS so an expired quote finalizes as FAILED, not stuck in flight.
	if !q.ExpiresAt.After(s.now().UTC()) {
		return s.fail(ctx, q, "QUOTE_EXPIRED", fmt.Sprintf("quote expired at %s", q.ExpiresAt.Format(time.RFC3339)), false)
	}

	railCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result, err := s.rail.Pay(railCtx, rail.Request{
		Invoice:        q.Invoice,
		MaxAmountUnits: q.MaxAmountUnits,
		MaxFeeUnits:    q.MaxFeeUnits,
		Urgency:        q.Urgency,
	})
	if err != nil {
		var rf *rail.Failure
		if errors.As(err, &rf) {
			return s.fail(ctx, q, rf.Code, rf.Message, true)
		}
		return s.fail(ctx, q, "RAIL_TIMEOUT", err.Error(), true)
	}

	if result.AmountUnits > q.MaxAmountUnits || result.FeeUnits > q.MaxFeeUnits {
		// The rail settled outside the quoted bounds. Record it as failed;
		// the preimage still lands in the error message for the operators.
		return s.fail(ctx, q, "BOUNDS_EXCEEDED",
			fmt.Sprintf("rail settled %d units fee %d outside quote bounds", result.AmountUnits, result.FeeUnits), true)
	}

	// The rail has settled; finalize the terminal state before anything that
	// can fail, so the payment never stays in flight once the money moved.
	err = s.payments.TransitionPayment(ctx, quoteID, domain.PaymentStatusInFlight, domain.PaymentStatusPaid, func(p *domain.LiquidityPayment) {
		p.AmountUnits = result.AmountUnits
		p.FeeUnits = result.FeeUnits
		p.PreimageHash = result.PreimageHash
	})
	if err != nil {
		return nil, fmt.Errorf("finalize paid payment for %s: %w", quoteID, err)
	}

	rec, err := s.receipts.Stamp(ctx, domain.ReceiptKindPayment, q.ID.String(), map[string]any{
		"quote_id":      q.ID.String(),
		"invoice":       q.Invoice,
		"amount_units":  result.AmountUnits,
		"fee_units":     result.FeeUnits,
		"preimage_hash": result.PreimageHash,
	})
	if err != nil {
		s.log.Error("stamping payment receipt failed",
			zap.String("quote_id", q.ID.String()), zap.Error(err))
	} else if err := s.payments.TransitionPayment(ctx, quoteID, domain.PaymentStatusPaid, domain.PaymentStatusPaid, func(p *domain.LiquidityPayment) {
		p.ReceiptID = rec.ID
	}); err != nil {
		s.log.Error("attaching payment receipt failed",
			zap.String("quote_id", q.ID.String()), zap.Error(err))
	}

	s.recordRailOutcome(true)
	s.log.Info("payment settled",
		zap.String("quote_id", q.ID.String()),
		zap.Int64("amount_units", result.AmountUnits),
		zap.Int64("fee_units", result.FeeUnits))
	return s.payments.GetPaymentByQuote(ctx, quoteID)
}

// Status returns the quote and its payment.
func (s *Service) Status(ctx context.Context, quoteID uuid.UUID) (*domain.LiquidityQuote, *domain.LiquidityPayment, error) {
	q, err := s.payments.GetQuote(ctx, quoteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, domain.NotFoundf("quote %s not found", quoteID)
		}
		return nil, nil, fmt.Errorf("load quote %s: %w", quoteID, err)
	}
	p, err := s.payments.GetPaymentByQuote(ctx, quoteID)
	if err != nil {
		return nil, nil, fmt.Errorf("load payment for %s: %w", quoteID, err)
	}
	return q, p, nil
}

// observeExisting handles Pay against a payment some other caller already
// advanced: terminal states replay, an in-flight payment is a conflict.
func (s *Service) observeExisting(ctx context.Context, quoteID uuid.UUID) (*domain.LiquidityPayment, error) {
	p, err := s.payments.GetPaymentByQuote(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("load payment for %s: %w", quoteID, err)
	}
	if p.Terminal() {
		return p, nil
	}
	return nil, domain.Conflictf("payment for quote %s is already in flight", quoteID)
}

func (s *Service) fail(ctx context.Context, q *domain.LiquidityQuote, code, message string, railInvoked bool) (*domain.LiquidityPayment, error) {
	err := s.payments.TransitionPayment(ctx, q.ID, domain.PaymentStatusInFlight, domain.PaymentStatusFailed, func(p *domain.LiquidityPayment) {
		p.ErrorCode = code
		p.ErrorMessage = message
	})
	if err != nil {
		return nil, fmt.Errorf("finalize failed payment for %s: %w", q.ID, err)
	}
	// An expired quote never reached the rail; only real rail attempts feed
	// the breaker's failure window.
	if railInvoked {
		s.recordRailOutcome(false)
	}
	s.log.Warn("payment failed",
		zap.String("quote_id", q.ID.String()),
		zap.String("error_code", code),
		zap.String("error_message", message))
	return s.payments.GetPaymentByQuote(ctx, q.ID)
}

func (s *Service) recordRailOutcome(ok bool) {
	outcome := "paid"
	if !ok {
		outcome = "failed"
	}
	observability.IncrementRailCall("payment", outcome)
	if s.monitor != nil {
		s.monitor.RecordRailOutcome(ok)
	}
}
