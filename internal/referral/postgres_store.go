package referral

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresLogStore persists referral change logs in PostgreSQL.
type PostgresLogStore struct {
	db *sql.DB
}

// NewPostgresLogStore creates a PostgreSQL-backed change log store.
func NewPostgresLogStore(db *sql.DB) *PostgresLogStore {
	return &PostgresLogStore{db: db}
}

func (s *PostgresLogStore) Append(ctx context.Context, l *ChangeLog) error {
	l.CreatedAt = time.Now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO referral_change_logs (user_id, old_referrer_id, new_referrer_id, changed_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		l.UserID, l.OldReferrerID, l.NewReferrerID, l.ChangedBy, l.Reason, l.CreatedAt,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

func (s *PostgresLogStore) ListByUser(ctx context.Context, userID int64) ([]*ChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, old_referrer_id, new_referrer_id, changed_by, reason, created_at
		FROM referral_change_logs
		WHERE user_id = $1 ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list change logs: %w", err)
	}
	defer rows.Close()

	var out []*ChangeLog
	for rows.Next() {
		var l ChangeLog
		var oldID, newID sql.NullInt64
		if err := rows.Scan(&l.ID, &l.UserID, &oldID, &newID, &l.ChangedBy, &l.Reason, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		if oldID.Valid {
			l.OldReferrerID = &oldID.Int64
		}
		if newID.Valid {
			l.NewReferrerID = &newID.Int64
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
