package entitlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kwang-dev/courseledger/internal/idgen"
)

// PostgresStore persists entitlements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed entitlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateAccess(ctx context.Context, a *CourseAccess) error {
	if a.ID == "" {
		a.ID = idgen.WithPrefix("acc_")
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO course_access (id, user_id, course_id, source_order_no, granted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.UserID, a.CourseID, a.SourceOrderNo, a.GrantedAt)
	if err != nil {
		return fmt.Errorf("create access: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasAccess(ctx context.Context, userID, courseID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM course_access
			WHERE user_id = $1 AND course_id = $2 AND revoked_at IS NULL
		)`, userID, courseID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has access: %w", err)
	}
	return exists, nil
}

func scanAccess(rows *sql.Rows) ([]*CourseAccess, error) {
	var out []*CourseAccess
	for rows.Next() {
		var a CourseAccess
		var revoked sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.CourseID, &a.SourceOrderNo, &a.GrantedAt, &revoked); err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		if revoked.Valid {
			t := revoked.Time
			a.RevokedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAccessByUser(ctx context.Context, userID int64) ([]*CourseAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, course_id, source_order_no, granted_at, revoked_at
		FROM course_access WHERE user_id = $1 ORDER BY granted_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list access by user: %w", err)
	}
	defer rows.Close()
	return scanAccess(rows)
}

func (s *PostgresStore) ListAccessByOrder(ctx context.Context, orderNo string) ([]*CourseAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, course_id, source_order_no, granted_at, revoked_at
		FROM course_access WHERE source_order_no = $1 ORDER BY granted_at`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("list access by order: %w", err)
	}
	defer rows.Close()
	return scanAccess(rows)
}

func (s *PostgresStore) RevokeAccessByOrder(ctx context.Context, orderNo string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE course_access SET revoked_at = $1
		WHERE source_order_no = $2 AND revoked_at IS NULL`,
		at, orderNo)
	if err != nil {
		return 0, fmt.Errorf("revoke access: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == "" {
		a.ID = idgen.WithPrefix("apt_")
	}
	if a.Status == "" {
		a.Status = AppointmentBooked
	}
	a.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, user_id, course_id, occurrence_id, source_order_no, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, a.CourseID, a.OccurrenceID, a.SourceOrderNo, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func scanAppointments(rows *sql.Rows) ([]*Appointment, error) {
	var out []*Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.UserID, &a.CourseID, &a.OccurrenceID, &a.SourceOrderNo, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAppointmentsByOrder(ctx context.Context, orderNo string) ([]*Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, course_id, occurrence_id, source_order_no, status, created_at
		FROM appointments WHERE source_order_no = $1 ORDER BY created_at`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (s *PostgresStore) CancelAppointmentsByOrder(ctx context.Context, orderNo string) ([]*Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE appointments SET status = $1
		WHERE source_order_no = $2 AND status = $3
		RETURNING id, user_id, course_id, occurrence_id, source_order_no, status, created_at`,
		AppointmentCancelled, orderNo, AppointmentBooked)
	if err != nil {
		return nil, fmt.Errorf("cancel appointments: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}
