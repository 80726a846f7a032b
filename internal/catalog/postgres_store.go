package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the catalog in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const courseColumns = `id, name, course_type, price, retrain_price, included_course_ids, status, created_at, updated_at`

func scanCourse(row interface{ Scan(...any) error }) (*Course, error) {
	var c Course
	var included pq.Int64Array
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.Price, &c.RetrainPrice, &included, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.IncludedCourseIDs = []int64(included)
	return &c, nil
}

func (s *PostgresStore) GetCourse(ctx context.Context, id int64) (*Course, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = $1`, id)
	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCourses(ctx context.Context) ([]*Course, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+courseColumns+` FROM courses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	var out []*Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertCourse(ctx context.Context, c *Course) error {
	now := time.Now()
	c.UpdatedAt = now
	if c.ID == 0 {
		c.CreatedAt = now
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO courses (name, course_type, price, retrain_price, included_course_ids, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			c.Name, c.Type, c.Price, c.RetrainPrice, pq.Int64Array(c.IncludedCourseIDs), c.Status, c.CreatedAt, c.UpdatedAt,
		).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("insert course: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, name, course_type, price, retrain_price, included_course_ids, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			course_type = EXCLUDED.course_type,
			price = EXCLUDED.price,
			retrain_price = EXCLUDED.retrain_price,
			included_course_ids = EXCLUDED.included_course_ids,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Name, c.Type, c.Price, c.RetrainPrice, pq.Int64Array(c.IncludedCourseIDs), c.Status, now, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert course: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOccurrence(ctx context.Context, id int64) (*Occurrence, error) {
	var o Occurrence
	err := s.db.QueryRowContext(ctx, `
		SELECT id, course_id, class_date, seat_quota, booked, created_at
		FROM occurrences WHERE id = $1`, id).
		Scan(&o.ID, &o.CourseID, &o.ClassDate, &o.SeatQuota, &o.Booked, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get occurrence: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) ListOccurrences(ctx context.Context, courseID int64) ([]*Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, course_id, class_date, seat_quota, booked, created_at
		FROM occurrences WHERE course_id = $1 ORDER BY class_date`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()

	var out []*Occurrence
	for rows.Next() {
		var o Occurrence
		if err := rows.Scan(&o.ID, &o.CourseID, &o.ClassDate, &o.SeatQuota, &o.Booked, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateOccurrence(ctx context.Context, o *Occurrence) error {
	o.CreatedAt = time.Now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO occurrences (course_id, class_date, seat_quota, booked, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		o.CourseID, o.ClassDate, o.SeatQuota, o.Booked, o.CreatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("create occurrence: %w", err)
	}
	return nil
}

func (s *PostgresStore) AdjustBooked(ctx context.Context, occurrenceID int64, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE occurrences
		SET booked = GREATEST(booked + $1, 0)
		WHERE id = $2 AND booked + $1 <= seat_quota`,
		delta, occurrenceID)
	if err != nil {
		return fmt.Errorf("adjust booked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetOccurrence(ctx, occurrenceID); getErr != nil {
			return getErr
		}
		return ErrOccurrenceFull
	}
	return nil
}

const levelColumns = `level, name, can_earn_reward, merit_basic_bps, merit_advanced_bps,
	cash_basic_bps, cash_advanced_bps, escrow_cash, unfreeze_per_referral,
	gift_quota_count, upgrade_price, updated_at`

func scanLevel(row interface{ Scan(...any) error }) (*LevelConfig, error) {
	var lc LevelConfig
	err := row.Scan(&lc.Level, &lc.Name, &lc.CanEarnReward,
		&lc.MeritBasicBPS, &lc.MeritAdvancedBPS, &lc.CashBasicBPS, &lc.CashAdvancedBPS,
		&lc.EscrowCash, &lc.UnfreezePerReferral, &lc.GiftQuotaCount, &lc.UpgradePrice, &lc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &lc, nil
}

func (s *PostgresStore) GetLevel(ctx context.Context, level int) (*LevelConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+levelColumns+` FROM level_configs WHERE level = $1`, level)
	lc, err := scanLevel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLevelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get level: %w", err)
	}
	return lc, nil
}

func (s *PostgresStore) ListLevels(ctx context.Context) ([]*LevelConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+levelColumns+` FROM level_configs ORDER BY level`)
	if err != nil {
		return nil, fmt.Errorf("list levels: %w", err)
	}
	defer rows.Close()

	var out []*LevelConfig
	for rows.Next() {
		lc, err := scanLevel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertLevel(ctx context.Context, lc *LevelConfig) error {
	lc.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO level_configs (level, name, can_earn_reward, merit_basic_bps, merit_advanced_bps,
			cash_basic_bps, cash_advanced_bps, escrow_cash, unfreeze_per_referral,
			gift_quota_count, upgrade_price, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (level) DO UPDATE SET
			name = EXCLUDED.name,
			can_earn_reward = EXCLUDED.can_earn_reward,
			merit_basic_bps = EXCLUDED.merit_basic_bps,
			merit_advanced_bps = EXCLUDED.merit_advanced_bps,
			cash_basic_bps = EXCLUDED.cash_basic_bps,
			cash_advanced_bps = EXCLUDED.cash_advanced_bps,
			escrow_cash = EXCLUDED.escrow_cash,
			unfreeze_per_referral = EXCLUDED.unfreeze_per_referral,
			gift_quota_count = EXCLUDED.gift_quota_count,
			upgrade_price = EXCLUDED.upgrade_price,
			updated_at = EXCLUDED.updated_at`,
		lc.Level, lc.Name, lc.CanEarnReward, lc.MeritBasicBPS, lc.MeritAdvancedBPS,
		lc.CashBasicBPS, lc.CashAdvancedBPS, lc.EscrowCash, lc.UnfreezePerReferral,
		lc.GiftQuotaCount, lc.UpgradePrice, lc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert level: %w", err)
	}
	return nil
}
