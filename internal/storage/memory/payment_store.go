package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

// PaymentStore is an in-memory implementation of storage.PaymentStore.
type PaymentStore struct {
	mu          sync.RWMutex
	quotes      map[uuid.UUID]*domain.LiquidityQuote
	quotesByKey map[string]*domain.LiquidityQuote
	payments    map[uuid.UUID]*domain.LiquidityPayment // keyed by quote id
}

// NewPaymentStore creates an empty in-memory payment store.
func NewPaymentStore() *PaymentStore {
	return &PaymentStore{
		quotes:      make(map[uuid.UUID]*domain.LiquidityQuote),
		quotesByKey: make(map[string]*domain.LiquidityQuote),
		payments:    make(map[uuid.UUID]*domain.LiquidityPayment),
	}
}

func (s *PaymentStore) InsertQuote(_ context.Context, q *domain.LiquidityQuote, p *domain.LiquidityPayment) error {
	if q == nil || p == nil || q.IdempotencyKey == "" || p.QuoteID != q.ID {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.quotesByKey[q.IdempotencyKey]; exists {
		return storage.ErrDuplicateKey
	}
	qc, pc := *q, *p
	s.quotes[q.ID] = &qc
	s.quotesByKey[q.IdempotencyKey] = &qc
	s.payments[q.ID] = &pc
	return nil
}

func (s *PaymentStore) GetQuote(_ context.Context, id uuid.UUID) (*domain.LiquidityQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *PaymentStore) GetQuoteByKey(_ context.Context, key string) (*domain.LiquidityQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotesByKey[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *PaymentStore) GetPaymentByQuote(_ context.Context, quoteID uuid.UUID) (*domain.LiquidityPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[quoteID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *PaymentStore) StaleInFlightPayments(_ context.Context, updatedBefore time.Time, limit int) ([]*domain.LiquidityPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.LiquidityPayment
	for _, p := range s.payments {
		if p.Status == domain.PaymentStatusInFlight && p.UpdatedAt.Before(updatedBefore) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *PaymentStore) TransitionPayment(_ context.Context, quoteID uuid.UUID, from, to string, mutate func(*domain.LiquidityPayment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[quoteID]
	if !ok {
		return storage.ErrNotFound
	}
	if p.Status != from {
		return storage.ErrStaleState
	}
	p.Status = to
	if mutate != nil {
		mutate(p)
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}
