// Package entitlement records what a paid order actually delivered:
// course access rows, retrain appointments, ambassador level bumps.
// Everything is keyed by the source order number so a refund can revoke
// exactly what payment granted, and granting twice for the same order
// is a no-op.
package entitlement

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("entitlement not found")

// CourseAccess is one user's right to attend a course.
type CourseAccess struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"userId"`
	CourseID      int64      `json:"courseId"`
	SourceOrderNo string     `json:"sourceOrderNo"`
	GrantedAt     time.Time  `json:"grantedAt"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
}

// Active reports whether the access is currently usable.
func (a *CourseAccess) Active() bool {
	return a.RevokedAt == nil
}

// AppointmentStatus tracks a retrain booking.
type AppointmentStatus string

const (
	AppointmentBooked    AppointmentStatus = "booked"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// Appointment is a booked retrain seat on a class occurrence.
type Appointment struct {
	ID            string            `json:"id"`
	UserID        int64             `json:"userId"`
	CourseID      int64             `json:"courseId"`
	OccurrenceID  int64             `json:"occurrenceId"`
	SourceOrderNo string            `json:"sourceOrderNo"`
	Status        AppointmentStatus `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Store persists entitlements.
type Store interface {
	CreateAccess(ctx context.Context, a *CourseAccess) error
	// HasAccess reports whether the user holds an unrevoked access row
	// for the course.
	HasAccess(ctx context.Context, userID, courseID int64) (bool, error)
	ListAccessByUser(ctx context.Context, userID int64) ([]*CourseAccess, error)
	ListAccessByOrder(ctx context.Context, orderNo string) ([]*CourseAccess, error)
	// RevokeAccessByOrder stamps RevokedAt on the order's unrevoked
	// rows and returns how many it touched.
	RevokeAccessByOrder(ctx context.Context, orderNo string, at time.Time) (int, error)

	CreateAppointment(ctx context.Context, a *Appointment) error
	ListAppointmentsByOrder(ctx context.Context, orderNo string) ([]*Appointment, error)
	// CancelAppointmentsByOrder flips the order's booked appointments
	// to cancelled and returns them.
	CancelAppointmentsByOrder(ctx context.Context, orderNo string) ([]*Appointment, error)
}
