package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kwang-dev/courseledger/internal/idgen"
)

// PostgresStore persists quota grants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed quota store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateGrant(ctx context.Context, g *Grant) error {
	if g.ID == "" {
		g.ID = idgen.WithPrefix("qta_")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_grants (id, owner_id, source, total, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.OwnerID, g.Source, g.Total, g.Used, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, id string) (*Grant, error) {
	var g Grant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, source, total, used, created_at
		FROM quota_grants WHERE id = $1`, id).
		Scan(&g.ID, &g.OwnerID, &g.Source, &g.Total, &g.Used, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) ListGrants(ctx context.Context, ownerID int64) ([]*Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, source, total, used, created_at
		FROM quota_grants WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []*Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.Source, &g.Total, &g.Used, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateUsed(ctx context.Context, grantID string, expect, used int) error {
	if used < 0 {
		return ErrInsufficientQuota
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE quota_grants SET used = $1
		WHERE id = $2 AND used = $3 AND $1 <= total`,
		used, grantID, expect)
	if err != nil {
		return fmt.Errorf("update used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		g, getErr := s.GetGrant(ctx, grantID)
		if getErr != nil {
			return getErr
		}
		if used > g.Total {
			return ErrInsufficientQuota
		}
		return ErrStaleGrant
	}
	return nil
}

func (s *PostgresStore) ZeroBySource(ctx context.Context, source string) (int, error) {
	var removed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		WITH target AS (
			SELECT id, total - used AS removed FROM quota_grants
			WHERE source = $1 AND total > used
			FOR UPDATE
		), zeroed AS (
			UPDATE quota_grants g SET total = g.used
			FROM target t WHERE g.id = t.id
			RETURNING t.removed
		)
		SELECT COALESCE(SUM(removed), 0) FROM zeroed`, source).Scan(&removed)
	if err != nil {
		return 0, fmt.Errorf("zero by source: %w", err)
	}
	return int(removed.Int64), nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = idgen.WithPrefix("qtr_")
	}
	r.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_transfer_records (id, from_user_id, to_user_id, count, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.FromUserID, r.ToUserID, r.Count, r.Note, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, userID int64) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_user_id, to_user_id, count, note, created_at
		FROM quota_transfer_records
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Count, &r.Note, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
