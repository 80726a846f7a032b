package points

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/kwang-dev/courseledger/internal/money"
)

// PostgresStore persists ledger entries in PostgreSQL. Each append runs
// in a transaction holding an advisory lock on the (user, bucket)
// stream, so BalanceAfter derivation is serialized even for the first
// entry of a stream where there is no row to lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func bucketIndex(b Bucket) int32 {
	switch b {
	case BucketMerit:
		return 1
	case BucketCashAvailable:
		return 2
	case BucketCashFrozen:
		return 3
	case BucketCashPending:
		return 4
	}
	return 0
}

func lockStream(ctx context.Context, tx *sql.Tx, userID int64, bucket Bucket) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`,
		int32(userID), bucketIndex(bucket))
	return err
}

func appendInTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	amt, ok := money.Parse(e.Amount)
	if !ok {
		return ErrInvalidAmount
	}

	var lastBalance string
	err := tx.QueryRowContext(ctx, `
		SELECT balance_after FROM point_entries
		WHERE user_id = $1 AND bucket = $2
		ORDER BY id DESC LIMIT 1`,
		e.UserID, e.Bucket).Scan(&lastBalance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read last balance: %w", err)
	}

	prev := big.NewInt(0)
	if lastBalance != "" {
		prev, _ = money.Parse(lastBalance)
	}
	next := new(big.Int).Add(prev, amt)
	if next.Sign() < 0 {
		return ErrInsufficientBalance
	}

	e.Amount = money.Format(amt)
	e.BalanceAfter = money.Format(next)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO point_entries (user_id, bucket, amount, balance_after, cause, memo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.UserID, e.Bucket, e.Amount, e.BalanceAfter, e.Cause, e.Memo, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := lockStream(ctx, tx, e.UserID, e.Bucket); err != nil {
		return fmt.Errorf("lock stream: %w", err)
	}
	if err := appendInTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) AppendPair(ctx context.Context, debit, credit *Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Lock streams in a stable order to avoid deadlock with a pair
	// moving the opposite way.
	first, second := debit, credit
	if streamOrder(credit) < streamOrder(debit) {
		first, second = credit, debit
	}
	if err := lockStream(ctx, tx, first.UserID, first.Bucket); err != nil {
		return fmt.Errorf("lock stream: %w", err)
	}
	if err := lockStream(ctx, tx, second.UserID, second.Bucket); err != nil {
		return fmt.Errorf("lock stream: %w", err)
	}

	if err := appendInTx(ctx, tx, debit); err != nil {
		return err
	}
	if err := appendInTx(ctx, tx, credit); err != nil {
		return err
	}
	return tx.Commit()
}

func streamOrder(e *Entry) int64 {
	return e.UserID*8 + int64(bucketIndex(e.Bucket))
}

func (s *PostgresStore) Balance(ctx context.Context, userID int64, bucket Bucket) (string, error) {
	var balance string
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_after FROM point_entries
		WHERE user_id = $1 AND bucket = $2
		ORDER BY id DESC LIMIT 1`,
		userID, bucket).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return "0.00", nil
	}
	if err != nil {
		return "", fmt.Errorf("balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Balances(ctx context.Context, userID int64) (map[Bucket]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (bucket) bucket, balance_after
		FROM point_entries
		WHERE user_id = $1
		ORDER BY bucket, id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	defer rows.Close()

	out := make(map[Bucket]string, 4)
	for _, b := range Buckets() {
		out[b] = "0.00"
	}
	for rows.Next() {
		var b Bucket
		var balance string
		if err := rows.Scan(&b, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out[b] = balance
	}
	return out, rows.Err()
}

const entryColumns = `id, user_id, bucket, amount, balance_after, cause, memo, created_at`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.UserID, &e.Bucket, &e.Amount, &e.BalanceAfter, &e.Cause, &e.Memo, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) EntriesByCause(ctx context.Context, cause string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM point_entries WHERE cause = $1 ORDER BY id`, cause)
	if err != nil {
		return nil, fmt.Errorf("entries by cause: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *PostgresStore) History(ctx context.Context, userID int64, bucket Bucket, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if bucket == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM point_entries
			WHERE user_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`,
			userID, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM point_entries
			WHERE user_id = $1 AND bucket = $2 ORDER BY id DESC LIMIT $3 OFFSET $4`,
			userID, bucket, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AuditBalances(ctx context.Context) ([]*AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, bucket,
			SUM(amount)::text,
			(ARRAY_AGG(balance_after ORDER BY id DESC))[1],
			COUNT(*)
		FROM point_entries
		GROUP BY user_id, bucket
		ORDER BY user_id, bucket`)
	if err != nil {
		return nil, fmt.Errorf("audit balances: %w", err)
	}
	defer rows.Close()

	var out []*AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.UserID, &r.Bucket, &r.Sum, &r.LastBalance, &r.EntryCount); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		// SUM over NUMERIC may render without trailing zeros; normalize.
		if v, ok := money.Parse(r.Sum); ok {
			r.Sum = money.Format(v)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
