package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists orders in PostgreSQL. CASStatus relies on a
// conditional UPDATE, so concurrent transitions resolve in the
// database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, order_no, user_id, order_type, course_id, occurrence_id, target_level,
	amount, status, referrer_id, transaction_id, paid_at, reward_granted,
	refund_handle, refund_reason, refunded_at, expires_at, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	var occurrenceID, referrerID sql.NullInt64
	var paidAt, refundedAt sql.NullTime
	err := row.Scan(&o.ID, &o.OrderNo, &o.UserID, &o.Type, &o.CourseID, &occurrenceID, &o.TargetLevel,
		&o.Amount, &o.Status, &referrerID, &o.TransactionID, &paidAt, &o.RewardGranted,
		&o.RefundHandle, &o.RefundReason, &refundedAt, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if occurrenceID.Valid {
		o.OccurrenceID = &occurrenceID.Int64
	}
	if referrerID.Valid {
		o.ReferrerID = &referrerID.Int64
	}
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		o.RefundedAt = &t
	}
	return &o, nil
}

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO orders (order_no, user_id, order_type, course_id, occurrence_id, target_level,
			amount, status, referrer_id, transaction_id, reward_granted,
			refund_handle, refund_reason, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', FALSE, '', '', $10, $11, $12)
		RETURNING id`,
		o.OrderNo, o.UserID, o.Type, o.CourseID, o.OccurrenceID, o.TargetLevel,
		o.Amount, o.Status, o.ReferrerID, o.ExpiresAt, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByOrderNo(ctx context.Context, orderNo string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_no = $1`, orderNo)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*Order, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CASStatus(ctx context.Context, orderNo string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE order_no = $2 AND status = $3`,
		to, orderNo, from)
	if err != nil {
		return fmt.Errorf("cas status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetByOrderNo(ctx, orderNo); getErr != nil {
			return getErr
		}
		return ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) MarkPaid(ctx context.Context, orderNo, transactionID string, paidAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET transaction_id = $1, paid_at = $2, updated_at = NOW()
		WHERE order_no = $3`,
		transactionID, paidAt, orderNo)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) SetRewardGranted(ctx context.Context, orderNo string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET reward_granted = TRUE, updated_at = NOW()
		WHERE order_no = $1 AND status = $2`,
		orderNo, StatusPaid)
	if err != nil {
		return fmt.Errorf("set reward granted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetByOrderNo(ctx, orderNo); getErr != nil {
			return getErr
		}
		return ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) SetRefundInfo(ctx context.Context, orderNo, handle, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET refund_handle = $1, refund_reason = $2, refunded_at = $3, updated_at = NOW()
		WHERE order_no = $4`,
		handle, reason, at, orderNo)
	if err != nil {
		return fmt.Errorf("set refund info: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at LIMIT $3`,
		StatusCreated, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
