package referral

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/user"
)

// maxChainDepth bounds the upward walk. The visited set already stops
// cycles; the depth cap guards against a corrupted graph.
const maxChainDepth = 1000

// Service mutates the referral graph with cycle and lock protection.
type Service struct {
	users user.Store
	logs  LogStore
}

// NewService creates a referral service. logs may be nil to skip audit
// logging.
func NewService(users user.Store, logs LogStore) *Service {
	return &Service{users: users, logs: logs}
}

// SetReferrer points userID's referrer edge at referrerID. nil clears
// the edge. Rejected when the user's edge is locked, when the edge
// would point at the user themselves, or when walking up from the new
// referrer reaches userID again.
func (s *Service) SetReferrer(ctx context.Context, userID int64, referrerID *int64, changedBy int64, reason string) error {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.ReferralLocked() {
		return ErrReferrerLocked
	}

	if referrerID != nil {
		if *referrerID == userID {
			return ErrSelfReferral
		}
		if _, err := s.users.Get(ctx, *referrerID); err != nil {
			return fmt.Errorf("referrer: %w", err)
		}
		if err := s.checkCycle(ctx, userID, *referrerID); err != nil {
			return err
		}
	}

	if err := s.users.SetReferrer(ctx, userID, referrerID); err != nil {
		return err
	}

	s.log(ctx, &ChangeLog{
		UserID:        userID,
		OldReferrerID: u.ReferrerID,
		NewReferrerID: referrerID,
		ChangedBy:     changedBy,
		Reason:        reason,
	})
	return nil
}

// Clear removes userID's referrer edge even when locked. Admin only;
// used to undo mistaken attributions.
func (s *Service) Clear(ctx context.Context, userID int64, changedBy int64, reason string) error {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.ReferrerID == nil {
		return nil
	}
	if err := s.users.SetReferrer(ctx, userID, nil); err != nil {
		return err
	}
	s.log(ctx, &ChangeLog{
		UserID:        userID,
		OldReferrerID: u.ReferrerID,
		ChangedBy:     changedBy,
		Reason:        reason,
	})
	return nil
}

// Referrer returns the user's current referrer, or nil.
func (s *Service) Referrer(ctx context.Context, userID int64) (*user.User, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.ReferrerID == nil {
		return nil, nil
	}
	return s.users.Get(ctx, *u.ReferrerID)
}

// checkCycle walks up from candidate following referrer edges. Seeing
// userID means the new edge would close a loop.
func (s *Service) checkCycle(ctx context.Context, userID, candidate int64) error {
	visited := map[int64]bool{userID: true}
	current := candidate
	for depth := 0; depth < maxChainDepth; depth++ {
		if visited[current] {
			return ErrCircularReferral
		}
		visited[current] = true

		u, err := s.users.Get(ctx, current)
		if err != nil {
			return fmt.Errorf("walk referral chain: %w", err)
		}
		if u.ReferrerID == nil {
			return nil
		}
		current = *u.ReferrerID
	}
	return ErrCircularReferral
}

func (s *Service) log(ctx context.Context, l *ChangeLog) {
	if s.logs == nil {
		return
	}
	if err := s.logs.Append(ctx, l); err != nil {
		logging.FromContext(ctx).Warn("referral change log failed",
			slog.Int64("user_id", l.UserID),
			slog.String("error", err.Error()))
	}
}
