package referral

import (
	"context"
	"sync"
	"time"
)

// MemoryLogStore is an in-memory change log for demo/development mode.
type MemoryLogStore struct {
	logs   []*ChangeLog
	nextID int64
	mu     sync.RWMutex
}

// NewMemoryLogStore creates a new in-memory change log store.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{nextID: 1}
}

func (m *MemoryLogStore) Append(ctx context.Context, l *ChangeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.ID = m.nextID
	m.nextID++
	l.CreatedAt = time.Now()
	cp := *l
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryLogStore) ListByUser(ctx context.Context, userID int64) ([]*ChangeLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ChangeLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].UserID == userID {
			cp := *m.logs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
