package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kwang-dev/courseledger/internal/idgen"
)

// MemoryStore is an in-memory quota store for demo/development mode.
type MemoryStore struct {
	grants  map[string]*Grant
	records map[string]*Record
	seq     int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory quota store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants:  make(map[string]*Grant),
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) CreateGrant(ctx context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g.ID == "" {
		g.ID = idgen.WithPrefix("qta_")
	}
	if g.CreatedAt.IsZero() {
		// Tick a sequence so same-instant grants still order oldest first.
		m.seq++
		g.CreatedAt = time.Now().Add(time.Duration(m.seq))
	}
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGrant(ctx context.Context, id string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) ListGrants(ctx context.Context, ownerID int64) ([]*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Grant
	for _, g := range m.grants {
		if g.OwnerID == ownerID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateUsed(ctx context.Context, grantID string, expect, used int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantID]
	if !ok {
		return ErrGrantNotFound
	}
	if g.Used != expect {
		return ErrStaleGrant
	}
	if used > g.Total || used < 0 {
		return ErrInsufficientQuota
	}
	g.Used = used
	return nil
}

func (m *MemoryStore) ZeroBySource(ctx context.Context, source string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, g := range m.grants {
		if g.Source == source && g.Total > g.Used {
			removed += g.Total - g.Used
			g.Total = g.Used
		}
	}
	return removed, nil
}

func (m *MemoryStore) CreateRecord(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = idgen.WithPrefix("qtr_")
	}
	r.CreatedAt = time.Now()
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, userID int64) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if r.FromUserID == userID || r.ToUserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
