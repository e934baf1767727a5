package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

// TreasuryStore is an in-memory implementation of storage.TreasuryStore.
type TreasuryStore struct {
	mu         sync.RWMutex
	signerSets map[string]*domain.SignerSet
	requests   map[uuid.UUID]*domain.SigningRequest
	reqByKey   map[string]*domain.SigningRequest
	approvals  map[string]*domain.SigningApproval // request|signer
}

// NewTreasuryStore creates an empty in-memory treasury store.
func NewTreasuryStore() *TreasuryStore {
	return &TreasuryStore{
		signerSets: make(map[string]*domain.SignerSet),
		requests:   make(map[uuid.UUID]*domain.SigningRequest),
		reqByKey:   make(map[string]*domain.SigningRequest),
		approvals:  make(map[string]*domain.SigningApproval),
	}
}

func requestKey(pool, actionClass, key string) string {
	return fmt.Sprintf("%s|%s|%s", pool, actionClass, key)
}

func approvalKey(requestID uuid.UUID, signer string) string {
	return fmt.Sprintf("%s|%s", requestID, signer)
}

func (s *TreasuryStore) PutSignerSet(_ context.Context, set *domain.SignerSet) error {
	if set == nil || set.PoolID == "" || set.Threshold <= 0 {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *set
	cp.Signers = append([]string(nil), set.Signers...)
	s.signerSets[set.PoolID] = &cp
	return nil
}

func (s *TreasuryStore) GetSignerSet(_ context.Context, poolID string) (*domain.SignerSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.signerSets[poolID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *set
	cp.Signers = append([]string(nil), set.Signers...)
	return &cp, nil
}

func (s *TreasuryStore) InsertSigningRequest(_ context.Context, r *domain.SigningRequest) error {
	if r == nil || r.PoolID == "" || r.IdempotencyKey == "" {
		return storage.ErrInvalidInput
	}
	key := requestKey(r.PoolID, r.ActionClass, r.IdempotencyKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reqByKey[key]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *r
	s.requests[r.ID] = &cp
	s.reqByKey[key] = &cp
	return nil
}

func (s *TreasuryStore) GetSigningRequest(_ context.Context, id uuid.UUID) (*domain.SigningRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *TreasuryStore) GetSigningRequestByKey(_ context.Context, poolID, actionClass, key string) (*domain.SigningRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reqByKey[requestKey(poolID, actionClass, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *TreasuryStore) AddApproval(_ context.Context, requestID uuid.UUID, signerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	ak := approvalKey(requestID, signerID)
	if _, exists := s.approvals[ak]; exists {
		return r.Approvals, storage.ErrDuplicateKey
	}
	s.approvals[ak] = &domain.SigningApproval{
		RequestID: requestID,
		SignerID:  signerID,
		CreatedAt: time.Now().UTC(),
	}
	r.Approvals++
	r.UpdatedAt = time.Now().UTC()
	return r.Approvals, nil
}

func (s *TreasuryStore) TransitionSigningRequest(_ context.Context, id uuid.UUID, from, to string, result []byte, receiptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status != from {
		return storage.ErrStaleState
	}
	r.Status = to
	if result != nil {
		r.Result = append([]byte(nil), result...)
	}
	if receiptID != "" {
		r.ReceiptID = receiptID
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}
