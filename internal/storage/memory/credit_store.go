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

// CreditStore is an in-memory implementation of storage.CreditStore.
type CreditStore struct {
	mu          sync.RWMutex
	intents     map[uuid.UUID]*domain.CreditIntent
	offers      map[string]*domain.CreditOffer
	envelopes   map[string]*domain.CreditEnvelope
	settlements map[string]*domain.CreditSettlement // keyed by envelope id
	audits      map[string]*domain.UnderwritingAudit
}

// NewCreditStore creates an empty in-memory credit store.
func NewCreditStore() *CreditStore {
	return &CreditStore{
		intents:     make(map[uuid.UUID]*domain.CreditIntent),
		offers:      make(map[string]*domain.CreditOffer),
		envelopes:   make(map[string]*domain.CreditEnvelope),
		settlements: make(map[string]*domain.CreditSettlement),
		audits:      make(map[string]*domain.UnderwritingAudit),
	}
}

func (s *CreditStore) InsertIntent(_ context.Context, i *domain.CreditIntent) error {
	if i == nil || i.AgentID == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intents[i.ID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *i
	s.intents[i.ID] = &cp
	return nil
}

func (s *CreditStore) GetIntent(_ context.Context, id uuid.UUID) (*domain.CreditIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.intents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (s *CreditStore) InsertOffer(_ context.Context, o *domain.CreditOffer) error {
	if o == nil || o.ID == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.offers[o.ID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *o
	s.offers[o.ID] = &cp
	return nil
}

func (s *CreditStore) GetOffer(_ context.Context, id string) (*domain.CreditOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *CreditStore) ConsumeOffer(_ context.Context, offerID, envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok {
		return storage.ErrNotFound
	}
	if o.Status != domain.OfferStatusIssued {
		return storage.ErrStaleState
	}
	o.Status = domain.OfferStatusConsumed
	o.EnvelopeID = envelopeID
	return nil
}

func (s *CreditStore) InsertEnvelope(_ context.Context, e *domain.CreditEnvelope) error {
	if e == nil || e.ID == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.envelopes[e.ID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *e
	s.envelopes[e.ID] = &cp
	return nil
}

func (s *CreditStore) GetEnvelope(_ context.Context, id string) (*domain.CreditEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.envelopes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *CreditStore) TransitionEnvelope(_ context.Context, id, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.envelopes[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Status != from {
		return storage.ErrStaleState
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *CreditStore) InsertSettlement(_ context.Context, st *domain.CreditSettlement) error {
	if st == nil || st.EnvelopeID == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.settlements[st.EnvelopeID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *st
	s.settlements[st.EnvelopeID] = &cp
	return nil
}

func (s *CreditStore) GetSettlementByEnvelope(_ context.Context, envelopeID string) (*domain.CreditSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settlements[envelopeID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *CreditStore) SettlementsByAgent(_ context.Context, agentID string, since time.Time, limit int) ([]*domain.CreditSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.CreditSettlement
	for _, st := range s.settlements {
		if st.AgentID == agentID && !st.CreatedAt.Before(since) {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *CreditStore) EnvelopesByAgent(_ context.Context, agentID string) ([]*domain.CreditEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.CreditEnvelope
	for _, e := range s.envelopes {
		if e.AgentID == agentID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *CreditStore) InsertUnderwritingAudit(_ context.Context, a *domain.UnderwritingAudit) error {
	if a == nil || a.OfferID == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.audits[a.OfferID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *a
	s.audits[a.OfferID] = &cp
	return nil
}

func (s *CreditStore) GetUnderwritingAudit(_ context.Context, offerID string) (*domain.UnderwritingAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.audits[offerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}
