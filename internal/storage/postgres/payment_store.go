package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

// PaymentStore implements storage.PaymentStore using PostgreSQL. The
// TransitionPayment CAS runs as SELECT ... FOR UPDATE so exactly one caller
// observes the from-status.
type PaymentStore struct {
	pool *Pool
}

// NewPaymentStore creates a new PaymentStore.
func NewPaymentStore(pool *Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

var _ storage.PaymentStore = (*PaymentStore)(nil)

func (s *PaymentStore) InsertQuote(ctx context.Context, q *domain.LiquidityQuote, p *domain.LiquidityPayment) error {
	return s.pool.runInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO liquidity_quotes
				(id, idempotency_key, invoice, max_amount_units, max_fee_units,
				 urgency, fingerprint, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, q.ID, q.IdempotencyKey, q.Invoice, q.MaxAmountUnits, q.MaxFeeUnits,
			q.Urgency, q.Fingerprint, q.ExpiresAt, q.CreatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert quote: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO liquidity_payments
				(id, quote_id, status, amount_units, fee_units, preimage_hash,
				 error_code, error_message, receipt_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, p.ID, p.QuoteID, p.Status, p.AmountUnits, p.FeeUnits, p.PreimageHash,
			p.ErrorCode, p.ErrorMessage, p.ReceiptID, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		return nil
	})
}

func (s *PaymentStore) GetQuote(ctx context.Context, id uuid.UUID) (*domain.LiquidityQuote, error) {
	return s.getQuote(ctx, `WHERE id = $1`, id)
}

func (s *PaymentStore) GetQuoteByKey(ctx context.Context, key string) (*domain.LiquidityQuote, error) {
	return s.getQuote(ctx, `WHERE idempotency_key = $1`, key)
}

func (s *PaymentStore) getQuote(ctx context.Context, where string, arg any) (*domain.LiquidityQuote, error) {
	query := `
		SELECT id, idempotency_key, invoice, max_amount_units, max_fee_units,
		       urgency, fingerprint, expires_at, created_at
		FROM liquidity_quotes ` + where
	q := &domain.LiquidityQuote{}
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&q.ID, &q.IdempotencyKey, &q.Invoice, &q.MaxAmountUnits, &q.MaxFeeUnits,
		&q.Urgency, &q.Fingerprint, &q.ExpiresAt, &q.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get quote: %w", err)
	}
	return q, nil
}

func (s *PaymentStore) GetPaymentByQuote(ctx context.Context, quoteID uuid.UUID) (*domain.LiquidityPayment, error) {
	query := paymentColumns + ` WHERE quote_id = $1`
	p, err := scanPayment(s.pool.QueryRow(ctx, query, quoteID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get payment by quote: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) StaleInFlightPayments(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.LiquidityPayment, error) {
	query := paymentColumns + ` WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`
	args := []any{domain.PaymentStatusInFlight, updatedBefore}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale in-flight payments: %w", err)
	}
	defer rows.Close()

	var out []*domain.LiquidityPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PaymentStore) TransitionPayment(ctx context.Context, quoteID uuid.UUID, from, to string, mutate func(*domain.LiquidityPayment)) error {
	return s.pool.runInTx(ctx, func(tx pgx.Tx) error {
		query := paymentColumns + ` WHERE quote_id = $1 FOR UPDATE`
		p, err := scanPayment(tx.QueryRow(ctx, query, quoteID))
		if err != nil {
			if isNotFoundError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("lock payment: %w", err)
		}
		if p.Status != from {
			return storage.ErrStaleState
		}

		p.Status = to
		if mutate != nil {
			mutate(p)
		}

		_, err = tx.Exec(ctx, `
			UPDATE liquidity_payments
			SET status = $2, amount_units = $3, fee_units = $4, preimage_hash = $5,
			    error_code = $6, error_message = $7, receipt_id = $8, updated_at = NOW()
			WHERE quote_id = $1
		`, quoteID, p.Status, p.AmountUnits, p.FeeUnits, p.PreimageHash,
			p.ErrorCode, p.ErrorMessage, p.ReceiptID)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		return nil
	})
}

const paymentColumns = `
	SELECT id, quote_id, status, amount_units, fee_units, preimage_hash,
	       error_code, error_message, receipt_id, created_at, updated_at
	FROM liquidity_payments`

func scanPayment(row pgx.Row) (*domain.LiquidityPayment, error) {
	p := &domain.LiquidityPayment{}
	err := row.Scan(
		&p.ID, &p.QuoteID, &p.Status, &p.AmountUnits, &p.FeeUnits, &p.PreimageHash,
		&p.ErrorCode, &p.ErrorMessage, &p.ReceiptID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}
