package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kwang-dev/courseledger/internal/syncutil"
)

// MemoryStore is an in-memory order store for demo/development mode.
// Status transitions serialize per order number through a sharded
// mutex.
type MemoryStore struct {
	orders map[string]*Order
	nextID int64
	locks  syncutil.ShardedMutex
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order), nextID: 1}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o.ID = m.nextID
	m.nextID++
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now

	cp := *o
	m.orders[o.OrderNo] = &cp
	return nil
}

func (m *MemoryStore) GetByOrderNo(ctx context.Context, orderNo string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderNo]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Order
	for _, o := range m.orders {
		if o.UserID == userID {
			cp := *o
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) CASStatus(ctx context.Context, orderNo string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}

	unlock := m.locks.Lock(orderNo)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderNo]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrStateConflict
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, orderNo, transactionID string, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderNo]
	if !ok {
		return ErrNotFound
	}
	o.TransactionID = transactionID
	t := paidAt
	o.PaidAt = &t
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetRewardGranted(ctx context.Context, orderNo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderNo]
	if !ok {
		return ErrNotFound
	}
	if o.Status != StatusPaid {
		return ErrStateConflict
	}
	o.RewardGranted = true
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetRefundInfo(ctx context.Context, orderNo, handle, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderNo]
	if !ok {
		return ErrNotFound
	}
	o.RefundHandle = handle
	o.RefundReason = reason
	t := at
	o.RefundedAt = &t
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.Status == StatusCreated && o.ExpiresAt.Before(now) {
			cp := *o
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
