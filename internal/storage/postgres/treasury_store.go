package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

// TreasuryStore implements storage.TreasuryStore using PostgreSQL. Approval
// counting runs inside a transaction so two racing approvals can never both
// observe themselves crossing the threshold.
type TreasuryStore struct {
	pool *Pool
}

// NewTreasuryStore creates a new TreasuryStore.
func NewTreasuryStore(pool *Pool) *TreasuryStore {
	return &TreasuryStore{pool: pool}
}

var _ storage.TreasuryStore = (*TreasuryStore)(nil)

func (s *TreasuryStore) PutSignerSet(ctx context.Context, set *domain.SignerSet) error {
	if set == nil || set.PoolID == "" {
		return storage.ErrInvalidInput
	}
	query := `
		INSERT INTO signer_sets (pool_id, threshold, signers, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (pool_id)
		DO UPDATE SET threshold = EXCLUDED.threshold, signers = EXCLUDED.signers, updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, set.PoolID, set.Threshold, set.Signers); err != nil {
		return fmt.Errorf("put signer set: %w", err)
	}
	return nil
}

func (s *TreasuryStore) GetSignerSet(ctx context.Context, poolID string) (*domain.SignerSet, error) {
	query := `
		SELECT pool_id, threshold, signers, updated_at
		FROM signer_sets
		WHERE pool_id = $1
	`
	set := &domain.SignerSet{}
	err := s.pool.QueryRow(ctx, query, poolID).Scan(
		&set.PoolID, &set.Threshold, &set.Signers, &set.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get signer set: %w", err)
	}
	return set, nil
}

func (s *TreasuryStore) InsertSigningRequest(ctx context.Context, r *domain.SigningRequest) error {
	query := `
		INSERT INTO signing_requests
			(id, pool_id, action_class, idempotency_key, payload, payload_hash,
			 threshold, approvals, status, result, receipt_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(ctx, query, r.ID, r.PoolID, r.ActionClass, r.IdempotencyKey,
		r.Payload, r.PayloadHash, r.Threshold, r.Approvals, r.Status, r.Result,
		r.ReceiptID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert signing request: %w", err)
	}
	return nil
}

func (s *TreasuryStore) GetSigningRequest(ctx context.Context, id uuid.UUID) (*domain.SigningRequest, error) {
	query := signingRequestColumns + ` WHERE id = $1`
	r, err := scanSigningRequest(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get signing request: %w", err)
	}
	return r, nil
}

func (s *TreasuryStore) GetSigningRequestByKey(ctx context.Context, poolID, actionClass, key string) (*domain.SigningRequest, error) {
	query := signingRequestColumns + `
		WHERE pool_id = $1 AND action_class = $2 AND idempotency_key = $3
	`
	r, err := scanSigningRequest(s.pool.QueryRow(ctx, query, poolID, actionClass, key))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get signing request by key: %w", err)
	}
	return r, nil
}

func (s *TreasuryStore) AddApproval(ctx context.Context, requestID uuid.UUID, signerID string) (int, error) {
	var approvals int
	err := s.pool.runInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO signing_approvals (request_id, signer_id, created_at)
			VALUES ($1, $2, NOW())
		`, requestID, signerID)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert approval: %w", err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE signing_requests
			SET approvals = (SELECT COUNT(*) FROM signing_approvals WHERE request_id = $1),
			    updated_at = NOW()
			WHERE id = $1
			RETURNING approvals
		`, requestID).Scan(&approvals)
		if err != nil {
			if isNotFoundError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("count approvals: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return approvals, nil
}

func (s *TreasuryStore) TransitionSigningRequest(ctx context.Context, id uuid.UUID, from, to string, result []byte, receiptID string) error {
	query := `
		UPDATE signing_requests
		SET status = $3,
		    result = COALESCE($4::jsonb, result),
		    receipt_id = CASE WHEN $5 <> '' THEN $5 ELSE receipt_id END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, from, to, result, receiptID)
	if err != nil {
		return fmt.Errorf("transition signing request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSigningRequest(ctx, id); err != nil {
			return err
		}
		return storage.ErrStaleState
	}
	return nil
}

const signingRequestColumns = `
	SELECT id, pool_id, action_class, idempotency_key, payload, payload_hash,
	       threshold, approvals, status, result, receipt_id, created_at, updated_at
	FROM signing_requests`

func scanSigningRequest(row pgx.Row) (*domain.SigningRequest, error) {
	r := &domain.SigningRequest{}
	err := row.Scan(
		&r.ID, &r.PoolID, &r.ActionClass, &r.IdempotencyKey, &r.Payload, &r.PayloadHash,
		&r.Threshold, &r.Approvals, &r.Status, &r.Result, &r.ReceiptID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}
