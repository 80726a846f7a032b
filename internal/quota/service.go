package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kwang-dev/courseledger/internal/logging"
)

// UserDirectory resolves transfer recipients by phone number.
type UserDirectory interface {
	LookupByPhone(ctx context.Context, phone string) (int64, error)
}

// Service implements quota business operations over a Store.
type Service struct {
	store Store
	users UserDirectory
}

// NewService creates a quota service. users may be nil if transfers by
// phone are not needed (tests, internal grant paths).
func NewService(store Store, users UserDirectory) *Service {
	return &Service{store: store, users: users}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() Store {
	return s.store
}

// Available returns a user's total remaining seats.
func (s *Service) Available(ctx context.Context, ownerID int64) (int, error) {
	grants, err := s.store.ListGrants(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, g := range grants {
		total += g.Remaining()
	}
	return total, nil
}

// Award creates a new grant of count seats from the given source.
func (s *Service) Award(ctx context.Context, ownerID int64, source string, count int) (*Grant, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	g := &Grant{OwnerID: ownerID, Source: source, Total: count}
	if err := s.store.CreateGrant(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// consumed is one grant's share of a multi-grant consumption, kept so
// a failed transfer can put the seats back.
type consumed struct {
	grantID string
	from    int
	to      int
}

// Consume drains count seats from the owner's grants, oldest first.
// Stale CAS updates are retried against a re-read grant; if total
// availability is short, nothing is consumed.
func (s *Service) Consume(ctx context.Context, ownerID int64, count int) error {
	_, err := s.consume(ctx, ownerID, count)
	return err
}

func (s *Service) consume(ctx context.Context, ownerID int64, count int) ([]consumed, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}

	available, err := s.Available(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if available < count {
		return nil, ErrInsufficientQuota
	}

	grants, err := s.store.ListGrants(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var taken []consumed
	remaining := count
	for _, g := range grants {
		if remaining == 0 {
			break
		}
		free := g.Remaining()
		if free == 0 {
			continue
		}
		take := free
		if take > remaining {
			take = remaining
		}

		err := s.store.UpdateUsed(ctx, g.ID, g.Used, g.Used+take)
		if errors.Is(err, ErrStaleGrant) {
			// Someone consumed from this grant concurrently; re-read and
			// take what is still free.
			fresh, ferr := s.store.GetGrant(ctx, g.ID)
			if ferr != nil {
				s.restore(ctx, taken)
				return nil, ferr
			}
			take = fresh.Remaining()
			if take > remaining {
				take = remaining
			}
			if take == 0 {
				continue
			}
			err = s.store.UpdateUsed(ctx, fresh.ID, fresh.Used, fresh.Used+take)
			if err != nil {
				s.restore(ctx, taken)
				return nil, err
			}
			g = fresh
		} else if err != nil {
			s.restore(ctx, taken)
			return nil, err
		}

		taken = append(taken, consumed{grantID: g.ID, from: g.Used, to: g.Used + take})
		remaining -= take
	}

	if remaining > 0 {
		// Availability shrank under us mid-walk.
		s.restore(ctx, taken)
		return nil, ErrInsufficientQuota
	}
	return taken, nil
}

// restore puts consumed seats back after a failed multi-step operation.
func (s *Service) restore(ctx context.Context, taken []consumed) {
	log := logging.FromContext(ctx)
	for i := len(taken) - 1; i >= 0; i-- {
		t := taken[i]
		if err := s.store.UpdateUsed(ctx, t.grantID, t.to, t.from); err != nil {
			log.Error("quota rollback failed",
				slog.String("grant_id", t.grantID),
				slog.Int("restore_to", t.from),
				slog.String("error", err.Error()))
		}
	}
}

// Transfer moves count seats to the user holding toPhone. The sender's
// grants are drained oldest first; the recipient receives one new grant
// sourced from the transfer record. A failure granting to the recipient
// rolls the sender's seats back.
func (s *Service) Transfer(ctx context.Context, fromUserID int64, toPhone string, count int, note string) (*Record, error) {
	if s.users == nil {
		return nil, errors.New("transfers not configured")
	}
	toUserID, err := s.users.LookupByPhone(ctx, toPhone)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if toUserID == fromUserID {
		return nil, errors.New("cannot transfer quota to yourself")
	}

	taken, err := s.consume(ctx, fromUserID, count)
	if err != nil {
		return nil, err
	}

	record := &Record{FromUserID: fromUserID, ToUserID: toUserID, Count: count, Note: note}
	if err := s.store.CreateRecord(ctx, record); err != nil {
		s.restore(ctx, taken)
		return nil, fmt.Errorf("record transfer: %w", err)
	}

	grant := &Grant{OwnerID: toUserID, Source: "transfer:" + record.ID, Total: count}
	if err := s.store.CreateGrant(ctx, grant); err != nil {
		s.restore(ctx, taken)
		return nil, fmt.Errorf("grant recipient: %w", err)
	}

	logging.FromContext(ctx).Info("quota transferred",
		slog.Int64("from_user_id", fromUserID),
		slog.Int64("to_user_id", toUserID),
		slog.Int("count", count),
		slog.String("record_id", record.ID))
	return record, nil
}

// RevokeBySource removes the remaining seats of all grants from a
// source. Used when the order that funded them is refunded; already
// consumed seats stay consumed.
func (s *Service) RevokeBySource(ctx context.Context, source string) (int, error) {
	return s.store.ZeroBySource(ctx, source)
}
