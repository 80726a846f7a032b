package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, phone, real_name, ambassador_level, referrer_id, referral_locked_at,
	merit_balance, cash_available_balance, cash_frozen_balance, cash_pending_balance,
	created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var referrerID sql.NullInt64
	var lockedAt sql.NullTime
	err := row.Scan(
		&u.ID, &u.Phone, &u.RealName, &u.AmbassadorLevel, &referrerID, &lockedAt,
		&u.Balances.Merit, &u.Balances.CashAvailable, &u.Balances.CashFrozen, &u.Balances.CashPending,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if referrerID.Valid {
		u.ReferrerID = &referrerID.Int64
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		u.ReferralLockedAt = &t
	}
	return &u, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetByPhone(ctx context.Context, phone string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE phone = $1`, phone)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by phone: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	if u.Balances == (Balances{}) {
		u.Balances = ZeroBalances()
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (phone, real_name, ambassador_level, referrer_id,
			merit_balance, cash_available_balance, cash_frozen_balance, cash_pending_balance,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		u.Phone, u.RealName, u.AmbassadorLevel, u.ReferrerID,
		u.Balances.Merit, u.Balances.CashAvailable, u.Balances.CashFrozen, u.Balances.CashPending,
		u.CreatedAt, u.UpdatedAt,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetReferrer(ctx context.Context, userID int64, referrerID *int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET referrer_id = $1, updated_at = NOW() WHERE id = $2`,
		referrerID, userID)
	if err != nil {
		return fmt.Errorf("set referrer: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) LockReferral(ctx context.Context, userID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET referral_locked_at = COALESCE(referral_locked_at, $1), updated_at = NOW()
		WHERE id = $2`,
		at, userID)
	if err != nil {
		return fmt.Errorf("lock referral: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) SetAmbassadorLevel(ctx context.Context, userID int64, expect, level int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET ambassador_level = $1, updated_at = NOW()
		WHERE id = $2 AND ambassador_level = $3`,
		level, userID, expect)
	if err != nil {
		return fmt.Errorf("set ambassador level: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing user from a lost CAS race.
		if _, getErr := s.Get(ctx, userID); getErr != nil {
			return getErr
		}
		return ErrLevelChanged
	}
	return nil
}

func (s *PostgresStore) UpdateCachedBalance(ctx context.Context, userID int64, bucket string, balance string) error {
	var column string
	switch bucket {
	case "merit":
		column = "merit_balance"
	case "cash_available":
		column = "cash_available_balance"
	case "cash_frozen":
		column = "cash_frozen_balance"
	case "cash_pending":
		column = "cash_pending_balance"
	default:
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+column+` = $1, updated_at = NOW() WHERE id = $2`,
		balance, userID)
	if err != nil {
		return fmt.Errorf("update cached balance: %w", err)
	}
	return checkAffected(res)
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
