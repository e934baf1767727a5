package memory

import (
	"context"
	"sync"
	"time"

	"github.com/creditrail/settlement-core/internal/storage"
)

// IdempotencyStore is an in-memory implementation of storage.IdempotencyStore.
type IdempotencyStore struct {
	mu   sync.Mutex
	data map[string]*storage.IdempotencyRecord
}

// NewIdempotencyStore creates an empty in-memory idempotency store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{data: make(map[string]*storage.IdempotencyRecord)}
}

func (s *IdempotencyStore) Reserve(_ context.Context, key, requestHash, method, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = &storage.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Method:      method,
		Path:        path,
		InProgress:  true,
		CreatedAt:   time.Now().UTC(),
	}
	return true, nil
}

func (s *IdempotencyStore) Finalize(_ context.Context, key, requestHash string, status int, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[key]
	if !ok || rec.RequestHash != requestHash {
		return storage.ErrNotFound
	}
	rec.InProgress = false
	rec.Status = status
	rec.Body = append([]byte(nil), body...)
	rec.ContentType = contentType
	return nil
}

func (s *IdempotencyStore) Get(_ context.Context, key string) (*storage.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	cp.Body = append([]byte(nil), rec.Body...)
	return &cp, nil
}
