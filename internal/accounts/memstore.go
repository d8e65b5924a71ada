package accounts

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory [Store]. Accounts are lost on restart.
type MemStore struct {
	mu             sync.Mutex
	accounts       map[string]*Account
	defaultBalance float64
	now            func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore. New accounts start with
// defaultBalance, or [DefaultBalance] when it is not positive.
func NewMemStore(defaultBalance float64) *MemStore {
	if defaultBalance <= 0 {
		defaultBalance = DefaultBalance
	}
	return &MemStore{
		accounts:       make(map[string]*Account),
		defaultBalance: defaultBalance,
		now:            time.Now,
	}
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, deviceID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// EnsureExists implements [Store].
func (s *MemStore) EnsureExists(_ context.Context, deviceID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.getOrCreate(deviceID)
	return &cp, nil
}

// Deduct implements [Store].
func (s *MemStore) Deduct(_ context.Context, deviceID string, amount float64) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.getOrCreate(deviceID)
	if a.Balance < amount {
		cp := *a
		return &cp, ErrInsufficientBalance
	}
	a.Balance -= amount
	a.TotalRequests++
	a.TotalCost += amount
	a.UpdatedAt = s.now()
	cp := *a
	return &cp, nil
}

// Len returns the number of accounts.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// getOrCreate must be called with mu held.
func (s *MemStore) getOrCreate(deviceID string) *Account {
	if a, ok := s.accounts[deviceID]; ok {
		return a
	}
	now := s.now()
	a := &Account{
		DeviceID:  deviceID,
		Balance:   s.defaultBalance,
		Battery:   DefaultBattery,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[deviceID] = a
	return a
}
