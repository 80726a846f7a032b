package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory catalog for demo/development mode.
type MemoryStore struct {
	courses     map[int64]*Course
	occurrences map[int64]*Occurrence
	levels      map[int]*LevelConfig
	nextCourse  int64
	nextOcc     int64
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory catalog store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:     make(map[int64]*Course),
		occurrences: make(map[int64]*Occurrence),
		levels:      make(map[int]*LevelConfig),
		nextCourse:  1,
		nextOcc:     1,
	}
}

func (m *MemoryStore) GetCourse(ctx context.Context, id int64) (*Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.courses[id]
	if !ok {
		return nil, ErrCourseNotFound
	}
	cp := *c
	cp.IncludedCourseIDs = append([]int64(nil), c.IncludedCourseIDs...)
	return &cp, nil
}

func (m *MemoryStore) ListCourses(ctx context.Context) ([]*Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Course, 0, len(m.courses))
	for _, c := range m.courses {
		cp := *c
		cp.IncludedCourseIDs = append([]int64(nil), c.IncludedCourseIDs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertCourse(ctx context.Context, c *Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if c.ID == 0 {
		c.ID = m.nextCourse
		m.nextCourse++
		c.CreatedAt = now
	} else if c.ID >= m.nextCourse {
		m.nextCourse = c.ID + 1
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
	} else if prev, ok := m.courses[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	c.UpdatedAt = now

	cp := *c
	cp.IncludedCourseIDs = append([]int64(nil), c.IncludedCourseIDs...)
	m.courses[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOccurrence(ctx context.Context, id int64) (*Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.occurrences[id]
	if !ok {
		return nil, ErrOccurrenceNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOccurrences(ctx context.Context, courseID int64) ([]*Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Occurrence
	for _, o := range m.occurrences {
		if o.CourseID == courseID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassDate.Before(out[j].ClassDate) })
	return out, nil
}

func (m *MemoryStore) CreateOccurrence(ctx context.Context, o *Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == 0 {
		o.ID = m.nextOcc
		m.nextOcc++
	} else if o.ID >= m.nextOcc {
		m.nextOcc = o.ID + 1
	}
	o.CreatedAt = time.Now()

	cp := *o
	m.occurrences[o.ID] = &cp
	return nil
}

func (m *MemoryStore) AdjustBooked(ctx context.Context, occurrenceID int64, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.occurrences[occurrenceID]
	if !ok {
		return ErrOccurrenceNotFound
	}
	next := o.Booked + delta
	if next > o.SeatQuota {
		return ErrOccurrenceFull
	}
	if next < 0 {
		next = 0
	}
	o.Booked = next
	return nil
}

func (m *MemoryStore) GetLevel(ctx context.Context, level int) (*LevelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lc, ok := m.levels[level]
	if !ok {
		return nil, ErrLevelNotFound
	}
	cp := *lc
	return &cp, nil
}

func (m *MemoryStore) ListLevels(ctx context.Context) ([]*LevelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*LevelConfig, 0, len(m.levels))
	for _, lc := range m.levels {
		cp := *lc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *MemoryStore) UpsertLevel(ctx context.Context, lc *LevelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lc.UpdatedAt = time.Now()
	cp := *lc
	m.levels[lc.Level] = &cp
	return nil
}
