package points

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/money"
)

// BalanceCache receives best-effort notifications after each ledger
// write so a denormalized per-user balance view can stay warm. The
// ledger itself never reads it back.
type BalanceCache interface {
	UpdateCachedBalance(ctx context.Context, userID int64, bucket string, balance string) error
}

// Service wraps the ledger store with validated business operations.
type Service struct {
	store Store
	cache BalanceCache
}

// NewService creates a ledger service. cache may be nil.
func NewService(store Store, cache BalanceCache) *Service {
	return &Service{store: store, cache: cache}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() Store {
	return s.store
}

// Credit adds a positive amount to a bucket.
func (s *Service) Credit(ctx context.Context, userID int64, bucket Bucket, amount, cause, memo string) (*Entry, error) {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !bucket.Valid() {
		return nil, fmt.Errorf("%w: unknown bucket %q", ErrInvalidAmount, bucket)
	}

	e := &Entry{UserID: userID, Bucket: bucket, Amount: money.Format(v), Cause: cause, Memo: memo}
	if err := s.store.Append(ctx, e); err != nil {
		return nil, err
	}
	s.syncCache(ctx, userID, bucket, e.BalanceAfter)
	return e, nil
}

// Debit removes a positive amount from a bucket. An overdraw returns
// ErrInsufficientBalance and writes no entry.
func (s *Service) Debit(ctx context.Context, userID int64, bucket Bucket, amount, cause, memo string) (*Entry, error) {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !bucket.Valid() {
		return nil, fmt.Errorf("%w: unknown bucket %q", ErrInvalidAmount, bucket)
	}

	e := &Entry{UserID: userID, Bucket: bucket, Amount: money.Format(v.Neg(v)), Cause: cause, Memo: memo}
	if err := s.store.Append(ctx, e); err != nil {
		return nil, err
	}
	s.syncCache(ctx, userID, bucket, e.BalanceAfter)
	return e, nil
}

// Move atomically shifts amount from one bucket to another, possibly
// across users. Both entries carry the same cause.
func (s *Service) Move(ctx context.Context, fromUser int64, fromBucket Bucket, toUser int64, toBucket Bucket, amount, cause, memo string) error {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !fromBucket.Valid() || !toBucket.Valid() {
		return fmt.Errorf("%w: unknown bucket", ErrInvalidAmount)
	}

	debit := &Entry{UserID: fromUser, Bucket: fromBucket, Amount: money.Neg(money.Format(v)), Cause: cause, Memo: memo}
	credit := &Entry{UserID: toUser, Bucket: toBucket, Amount: money.Format(v), Cause: cause, Memo: memo}
	if err := s.store.AppendPair(ctx, debit, credit); err != nil {
		return err
	}
	s.syncCache(ctx, fromUser, fromBucket, debit.BalanceAfter)
	s.syncCache(ctx, toUser, toBucket, credit.BalanceAfter)
	return nil
}

// ReverseByCause writes a compensating entry for every entry carrying
// cause. Each reversal is keyed "<reverseCause>#<entryID>" so a redrive
// after a partial failure skips entries already reversed. Returns the
// number of entries newly reversed.
func (s *Service) ReverseByCause(ctx context.Context, cause, reverseCause, memo string) (int, error) {
	originals, err := s.store.EntriesByCause(ctx, cause)
	if err != nil {
		return 0, fmt.Errorf("load entries for %q: %w", cause, err)
	}

	log := logging.FromContext(ctx)
	reversed := 0
	for _, orig := range originals {
		key := fmt.Sprintf("%s#%d", reverseCause, orig.ID)
		existing, err := s.store.EntriesByCause(ctx, key)
		if err != nil {
			return reversed, fmt.Errorf("check reversal %s: %w", key, err)
		}
		if len(existing) > 0 {
			continue
		}

		rev := &Entry{
			UserID: orig.UserID,
			Bucket: orig.Bucket,
			Amount: money.Neg(orig.Amount),
			Cause:  key,
			Memo:   memo,
		}
		if err := s.store.Append(ctx, rev); err != nil {
			return reversed, fmt.Errorf("reverse entry %d: %w", orig.ID, err)
		}
		s.syncCache(ctx, rev.UserID, rev.Bucket, rev.BalanceAfter)
		reversed++

		log.Info("ledger entry reversed",
			slog.Int64("entry_id", orig.ID),
			slog.Int64("user_id", orig.UserID),
			slog.String("bucket", string(orig.Bucket)),
			slog.String("amount", rev.Amount),
			slog.String("cause", key))
	}
	return reversed, nil
}

func (s *Service) syncCache(ctx context.Context, userID int64, bucket Bucket, balance string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpdateCachedBalance(ctx, userID, string(bucket), balance); err != nil {
		logging.FromContext(ctx).Warn("cached balance update failed",
			slog.Int64("user_id", userID),
			slog.String("bucket", string(bucket)),
			slog.String("error", err.Error()))
	}
}
