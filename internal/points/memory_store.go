package points

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/kwang-dev/courseledger/internal/money"
	"github.com/kwang-dev/courseledger/internal/syncutil"
)

// MemoryStore is an in-memory ledger for demo/development mode.
// Streams are serialized per (user, bucket) through a sharded mutex so
// BalanceAfter derivation never races.
type MemoryStore struct {
	entries []*Entry
	nextID  int64
	streams syncutil.ShardedMutex
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func streamKey(userID int64, bucket Bucket) string {
	return fmt.Sprintf("%d|%s", userID, bucket)
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	unlock := m.streams.Lock(streamKey(e.UserID, e.Bucket))
	defer unlock()
	return m.appendLocked(e)
}

func (m *MemoryStore) AppendPair(ctx context.Context, debit, credit *Entry) error {
	// Lock both streams in key order to avoid deadlock with a
	// concurrent pair going the other way.
	k1, k2 := streamKey(debit.UserID, debit.Bucket), streamKey(credit.UserID, credit.Bucket)
	if k1 > k2 {
		k1, k2 = k2, k1
	}
	unlock1 := m.streams.Lock(k1)
	defer unlock1()
	if k2 != k1 {
		unlock2 := m.streams.Lock(k2)
		defer unlock2()
	}

	debitAmt, ok := money.Parse(debit.Amount)
	if !ok {
		return ErrInvalidAmount
	}
	creditAmt, ok := money.Parse(credit.Amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate both sides before either lands so the pair is atomic.
	debitNext := new(big.Int).Add(m.lastBalanceLocked(debit.UserID, debit.Bucket), debitAmt)
	if debitNext.Sign() < 0 {
		return ErrInsufficientBalance
	}
	creditNext := new(big.Int).Add(m.lastBalanceLocked(credit.UserID, credit.Bucket), creditAmt)
	if creditNext.Sign() < 0 {
		return ErrInsufficientBalance
	}

	m.insertLocked(debit, debitAmt, debitNext)
	m.insertLocked(credit, creditAmt, creditNext)
	return nil
}

func (m *MemoryStore) insertLocked(e *Entry, amt, next *big.Int) {
	e.ID = m.nextID
	m.nextID++
	e.Amount = money.Format(amt)
	e.BalanceAfter = money.Format(next)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	m.entries = append(m.entries, &cp)
}

func (m *MemoryStore) appendLocked(e *Entry) error {
	amt, ok := money.Parse(e.Amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.lastBalanceLocked(e.UserID, e.Bucket)
	next := new(big.Int).Add(prev, amt)
	if next.Sign() < 0 {
		return ErrInsufficientBalance
	}

	m.insertLocked(e, amt, next)
	return nil
}

func (m *MemoryStore) lastBalanceLocked(userID int64, bucket Bucket) *big.Int {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID == userID && m.entries[i].Bucket == bucket {
			v, _ := money.Parse(m.entries[i].BalanceAfter)
			return v
		}
	}
	return big.NewInt(0)
}

func (m *MemoryStore) Balance(ctx context.Context, userID int64, bucket Bucket) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return money.Format(m.lastBalanceLocked(userID, bucket)), nil
}

func (m *MemoryStore) Balances(ctx context.Context, userID int64) (map[Bucket]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Bucket]string, 4)
	for _, b := range Buckets() {
		out[b] = money.Format(m.lastBalanceLocked(userID, b))
	}
	return out, nil
}

func (m *MemoryStore) EntriesByCause(ctx context.Context, cause string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.Cause == cause {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) History(ctx context.Context, userID int64, bucket Bucket, limit, offset int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Entry
	for _, e := range m.entries {
		if e.UserID == userID && (bucket == "" || e.Bucket == bucket) {
			cp := *e
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

func (m *MemoryStore) AuditBalances(ctx context.Context) ([]*AuditRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type stream struct {
		sum  *big.Int
		last string
		n    int
	}
	streams := make(map[string]*stream)
	keys := make(map[string][2]any)
	for _, e := range m.entries {
		k := streamKey(e.UserID, e.Bucket)
		st, ok := streams[k]
		if !ok {
			st = &stream{sum: big.NewInt(0)}
			streams[k] = st
			keys[k] = [2]any{e.UserID, e.Bucket}
		}
		amt, _ := money.Parse(e.Amount)
		st.sum.Add(st.sum, amt)
		st.last = e.BalanceAfter
		st.n++
	}

	out := make([]*AuditRow, 0, len(streams))
	for k, st := range streams {
		out = append(out, &AuditRow{
			UserID:      keys[k][0].(int64),
			Bucket:      keys[k][1].(Bucket),
			Sum:         money.Format(st.sum),
			LastBalance: st.last,
			EntryCount:  st.n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out, nil
}
