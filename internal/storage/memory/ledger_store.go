package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

// LedgerStore is an in-memory implementation of storage.LedgerStore.
// A single mutex covers pools, accounts and movements so MintShares and
// BurnShares are atomic the same way the postgres implementation is
// transactional.
type LedgerStore struct {
	mu          sync.RWMutex
	pools       map[string]*domain.LiquidityPool
	accounts    map[string]*domain.LPAccount // pool|lp|partition
	units       map[string]int64             // pool|partition -> unit liquidity
	deposits    map[string]*domain.Deposit   // pool|lp|partition|key
	withdrawals map[string]*domain.Withdrawal
	wdByID      map[uuid.UUID]*domain.Withdrawal
	snapshots   map[string][]*domain.PoolSnapshot // pool|partition, append order
}

// NewLedgerStore creates an empty in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		pools:       make(map[string]*domain.LiquidityPool),
		accounts:    make(map[string]*domain.LPAccount),
		units:       make(map[string]int64),
		deposits:    make(map[string]*domain.Deposit),
		withdrawals: make(map[string]*domain.Withdrawal),
		wdByID:      make(map[uuid.UUID]*domain.Withdrawal),
		snapshots:   make(map[string][]*domain.PoolSnapshot),
	}
}

func accountKey(pool, lp, partition string) string {
	return fmt.Sprintf("%s|%s|%s", pool, lp, partition)
}

func partitionKey(pool, partition string) string {
	return fmt.Sprintf("%s|%s", pool, partition)
}

func movementKey(pool, lp, partition, key string) string {
	return fmt.Sprintf("%s|%s|%s|%s", pool, lp, partition, key)
}

func (s *LedgerStore) InsertPool(_ context.Context, p *domain.LiquidityPool) error {
	if p == nil || p.ID == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pools[p.ID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *p
	s.pools[p.ID] = &cp
	return nil
}

func (s *LedgerStore) GetPool(_ context.Context, id string) (*domain.LiquidityPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *LedgerStore) TransitionPoolStatus(_ context.Context, id, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok {
		return storage.ErrNotFound
	}
	if p.Status != from {
		return storage.ErrStaleState
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *LedgerStore) UpdatePoolPolicy(_ context.Context, id string, policy []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.Policy = append([]byte(nil), policy...)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *LedgerStore) GetAccount(_ context.Context, pool, lp, partition string) (*domain.LPAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountKey(pool, lp, partition)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *LedgerStore) PartitionTotals(_ context.Context, pool, partition string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var shares int64
	for _, a := range s.accounts {
		if a.PoolID == pool && a.Partition == partition {
			shares += a.Shares
		}
	}
	return shares, s.units[partitionKey(pool, partition)], nil
}

func (s *LedgerStore) ListPartitions(_ context.Context) ([]storage.PartitionRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]storage.PartitionRef, 0, len(s.units))
	for key := range s.units {
		parts := strings.SplitN(key, "|", 2)
		refs = append(refs, storage.PartitionRef{PoolID: parts[0], Partition: parts[1]})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].PoolID != refs[j].PoolID {
			return refs[i].PoolID < refs[j].PoolID
		}
		return refs[i].Partition < refs[j].Partition
	})
	return refs, nil
}

func (s *LedgerStore) MintShares(_ context.Context, d *domain.Deposit) error {
	if d == nil || d.PoolID == "" || d.IdempotencyKey == "" {
		return storage.ErrInvalidInput
	}
	key := movementKey(d.PoolID, d.LPID, d.Partition, d.IdempotencyKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deposits[key]; exists {
		return storage.ErrDuplicateKey
	}

	acctKey := accountKey(d.PoolID, d.LPID, d.Partition)
	acct, ok := s.accounts[acctKey]
	if !ok {
		acct = &domain.LPAccount{PoolID: d.PoolID, LPID: d.LPID, Partition: d.Partition}
		s.accounts[acctKey] = acct
	}
	acct.Shares += d.SharesMinted
	acct.UpdatedAt = time.Now().UTC()
	s.units[partitionKey(d.PoolID, d.Partition)] += d.AmountUnits

	cp := *d
	s.deposits[key] = &cp
	return nil
}

func (s *LedgerStore) GetDepositByKey(_ context.Context, pool, lp, partition, key string) (*domain.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deposits[movementKey(pool, lp, partition, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *LedgerStore) BurnShares(_ context.Context, w *domain.Withdrawal) error {
	if w == nil || w.PoolID == "" || w.IdempotencyKey == "" {
		return storage.ErrInvalidInput
	}
	key := movementKey(w.PoolID, w.LPID, w.Partition, w.IdempotencyKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.withdrawals[key]; exists {
		return storage.ErrDuplicateKey
	}

	acct, ok := s.accounts[accountKey(w.PoolID, w.LPID, w.Partition)]
	if !ok || acct.Shares < w.SharesBurned {
		return storage.ErrInvalidInput
	}
	pk := partitionKey(w.PoolID, w.Partition)
	if s.units[pk] < w.AmountUnits {
		return storage.ErrInvalidInput
	}

	acct.Shares -= w.SharesBurned
	acct.UpdatedAt = time.Now().UTC()
	s.units[pk] -= w.AmountUnits

	cp := *w
	s.withdrawals[key] = &cp
	s.wdByID[w.ID] = &cp
	return nil
}

func (s *LedgerStore) GetWithdrawalByKey(_ context.Context, pool, lp, partition, key string) (*domain.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withdrawals[movementKey(pool, lp, partition, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *LedgerStore) DueWithdrawals(_ context.Context, before time.Time, limit int) ([]*domain.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*domain.Withdrawal
	for _, w := range s.wdByID {
		if w.Status == domain.MovementStatusPending && !w.PayoutAfter.After(before) {
			cp := *w
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].PayoutAfter.Before(due[j].PayoutAfter) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *LedgerStore) TransitionWithdrawal(_ context.Context, id uuid.UUID, from, to, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wdByID[id]
	if !ok {
		return storage.ErrNotFound
	}
	if w.Status != from {
		return storage.ErrStaleState
	}
	w.Status = to
	w.FailureReason = failureReason
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *LedgerStore) InsertSnapshot(_ context.Context, snap *domain.PoolSnapshot) error {
	if snap == nil || snap.PoolID == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	pk := partitionKey(snap.PoolID, snap.Partition)
	s.snapshots[pk] = append(s.snapshots[pk], &cp)
	return nil
}

func (s *LedgerStore) LatestSnapshot(_ context.Context, pool, partition string) (*domain.PoolSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[partitionKey(pool, partition)]
	if len(snaps) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *snaps[len(snaps)-1]
	return &cp, nil
}
