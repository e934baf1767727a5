package postgres

import (
	"context"
	"fmt"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

// ReceiptStore implements storage.ReceiptStore using PostgreSQL.
type ReceiptStore struct {
	pool *Pool
}

// NewReceiptStore creates a new ReceiptStore.
func NewReceiptStore(pool *Pool) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

var _ storage.ReceiptStore = (*ReceiptStore)(nil)

func (s *ReceiptStore) InsertReceipt(ctx context.Context, r *domain.Receipt) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}
	query := `
		INSERT INTO receipts (id, kind, entity_id, payload, hash, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, r.ID, r.Kind, r.EntityID, r.Payload, r.Hash, r.Signature, r.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *ReceiptStore) GetReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	query := `
		SELECT id, kind, entity_id, payload, hash, signature, created_at
		FROM receipts
		WHERE id = $1
	`
	r := &domain.Receipt{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Kind, &r.EntityID, &r.Payload, &r.Hash, &r.Signature, &r.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}
