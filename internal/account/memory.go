package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps accounts in process memory. It backs STORE_DRIVER=memory
// and the test suites.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) FindByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].clone(), nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return acc.clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, acc *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := NormalizeEmail(acc.Email)
	if _, taken := s.byEmail[email]; taken {
		return ErrEmailTaken
	}

	stored := acc.clone()
	stored.Email = email
	s.byID[stored.ID] = stored
	s.byEmail[email] = stored.ID
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, changes Changes) error {
	if err := changes.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	acc.ApplyChanges(changes, s.now())
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byEmail, acc.Email)
	delete(s.byID, id)
	return nil
}

func (s *MemoryStore) ClearStalePendingTwoFactor(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := make([]*Account, 0)
	for _, acc := range s.byID {
		pendingSince := acc.TwoFactor.PendingSince
		if acc.TwoFactor.Pending() && pendingSince != nil && !pendingSince.After(cutoff) {
			stale = append(stale, acc)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].TwoFactor.PendingSince.Before(*stale[j].TwoFactor.PendingSince)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	now := s.now()
	for _, acc := range stale {
		acc.TwoFactor = TwoFactor{}
		acc.UpdatedAt = now.UTC()
	}
	return int64(len(stale)), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// MemoryOrderHistory is the in-process order ledger used with MemoryStore.
type MemoryOrderHistory struct {
	mu     sync.RWMutex
	owners map[string]int
}

func NewMemoryOrderHistory() *MemoryOrderHistory {
	return &MemoryOrderHistory{owners: make(map[string]int)}
}

func (h *MemoryOrderHistory) RecordOrder(accountID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owners[accountID]++
}

func (h *MemoryOrderHistory) HasOrders(_ context.Context, accountID string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.owners[accountID] > 0, nil
}
