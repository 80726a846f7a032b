package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/kwang-dev/courseledger/internal/idgen"
)

// MemoryStore is an in-memory entitlement store for demo/development
// mode.
type MemoryStore struct {
	access       []*CourseAccess
	appointments []*Appointment
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory entitlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) CreateAccess(ctx context.Context, a *CourseAccess) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = idgen.WithPrefix("acc_")
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = time.Now()
	}
	cp := *a
	m.access = append(m.access, &cp)
	return nil
}

func (m *MemoryStore) HasAccess(ctx context.Context, userID, courseID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.access {
		if a.UserID == userID && a.CourseID == courseID && a.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListAccessByUser(ctx context.Context, userID int64) ([]*CourseAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CourseAccess
	for _, a := range m.access {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAccessByOrder(ctx context.Context, orderNo string) ([]*CourseAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CourseAccess
	for _, a := range m.access {
		if a.SourceOrderNo == orderNo {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RevokeAccessByOrder(ctx context.Context, orderNo string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	revoked := 0
	for _, a := range m.access {
		if a.SourceOrderNo == orderNo && a.RevokedAt == nil {
			t := at
			a.RevokedAt = &t
			revoked++
		}
	}
	return revoked, nil
}

func (m *MemoryStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = idgen.WithPrefix("apt_")
	}
	if a.Status == "" {
		a.Status = AppointmentBooked
	}
	a.CreatedAt = time.Now()
	cp := *a
	m.appointments = append(m.appointments, &cp)
	return nil
}

func (m *MemoryStore) ListAppointmentsByOrder(ctx context.Context, orderNo string) ([]*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Appointment
	for _, a := range m.appointments {
		if a.SourceOrderNo == orderNo {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CancelAppointmentsByOrder(ctx context.Context, orderNo string) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled []*Appointment
	for _, a := range m.appointments {
		if a.SourceOrderNo == orderNo && a.Status == AppointmentBooked {
			a.Status = AppointmentCancelled
			cp := *a
			cancelled = append(cancelled, &cp)
		}
	}
	return cancelled, nil
}
