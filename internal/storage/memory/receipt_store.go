package memory

import (
	"context"
	"sync"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

// ReceiptStore is an in-memory implementation of storage.ReceiptStore.
type ReceiptStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Receipt
}

// NewReceiptStore creates an empty in-memory receipt store.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{data: make(map[string]*domain.Receipt)}
}

func (s *ReceiptStore) InsertReceipt(_ context.Context, r *domain.Receipt) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	s.data[r.ID] = &cp
	return nil
}

func (s *ReceiptStore) GetReceipt(_ context.Context, id string) (*domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	return &cp, nil
}
