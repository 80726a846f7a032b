package user

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory user store for demo/development mode.
type MemoryStore struct {
	users  map[int64]*User
	byPhone map[string]int64
	nextID int64
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[int64]*User),
		byPhone: make(map[string]int64),
		nextID:  1,
	}
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByPhone(ctx context.Context, phone string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPhone[phone]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == 0 {
		u.ID = m.nextID
		m.nextID++
	} else if u.ID >= m.nextID {
		m.nextID = u.ID + 1
	}
	if u.Balances == (Balances{}) {
		u.Balances = ZeroBalances()
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now

	cp := *u
	m.users[u.ID] = &cp
	if u.Phone != "" {
		m.byPhone[u.Phone] = u.ID
	}
	return nil
}

func (m *MemoryStore) SetReferrer(ctx context.Context, userID int64, referrerID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.ReferrerID = referrerID
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) LockReferral(ctx context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.ReferralLockedAt != nil {
		return nil
	}
	t := at
	u.ReferralLockedAt = &t
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetAmbassadorLevel(ctx context.Context, userID int64, expect, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.AmbassadorLevel != expect {
		return ErrLevelChanged
	}
	u.AmbassadorLevel = level
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateCachedBalance(ctx context.Context, userID int64, bucket string, balance string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	switch bucket {
	case "merit":
		u.Balances.Merit = balance
	case "cash_available":
		u.Balances.CashAvailable = balance
	case "cash_frozen":
		u.Balances.CashFrozen = balance
	case "cash_pending":
		u.Balances.CashPending = balance
	}
	u.UpdatedAt = time.Now()
	return nil
}
