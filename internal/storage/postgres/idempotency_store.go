package postgres

import (
	"context"
	"fmt"

	"github.com/creditrail/settlement-core/internal/storage"
)

// IdempotencyStore implements storage.IdempotencyStore using PostgreSQL.
type IdempotencyStore struct {
	pool *Pool
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(pool *Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

var _ storage.IdempotencyStore = (*IdempotencyStore)(nil)

func (s *IdempotencyStore) Reserve(ctx context.Context, key, requestHash, method, path string) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, request_hash, method, path, in_progress, created_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		ON CONFLICT (key) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query, key, requestHash, method, path)
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *IdempotencyStore) Finalize(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) error {
	query := `
		UPDATE idempotency_keys
		SET in_progress = FALSE, status = $3, body = $4, content_type = $5
		WHERE key = $1 AND request_hash = $2
	`
	tag, err := s.pool.Exec(ctx, query, key, requestHash, status, body, contentType)
	if err != nil {
		return fmt.Errorf("finalize idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*storage.IdempotencyRecord, error) {
	query := `
		SELECT key, request_hash, method, path, in_progress,
		       COALESCE(status, 0), body, COALESCE(content_type, ''), created_at
		FROM idempotency_keys
		WHERE key = $1
	`
	rec := &storage.IdempotencyRecord{}
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&rec.Key, &rec.RequestHash, &rec.Method, &rec.Path, &rec.InProgress,
		&rec.Status, &rec.Body, &rec.ContentType, &rec.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return rec, nil
}
