package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kwang-dev/courseledger/internal/catalog"
	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/order"
	"github.com/kwang-dev/courseledger/internal/quota"
	"github.com/kwang-dev/courseledger/internal/user"
)

// Service grants and revokes what orders deliver.
type Service struct {
	store   Store
	users   user.Store
	catalog catalog.Store
	quota   *quota.Service
}

// NewService creates an entitlement service.
func NewService(store Store, users user.Store, cat catalog.Store, q *quota.Service) *Service {
	return &Service{store: store, users: users, catalog: cat, quota: q}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() Store {
	return s.store
}

// Owns reports whether the user holds active access to the course.
func (s *Service) Owns(ctx context.Context, userID, courseID int64) (bool, error) {
	return s.store.HasAccess(ctx, userID, courseID)
}

// GrantForOrder delivers a paid order's entitlement. Granting is
// idempotent per order: the payment processor may redrive it after a
// partial failure.
func (s *Service) GrantForOrder(ctx context.Context, o *order.Order) error {
	switch o.Type {
	case order.TypeCourse:
		return s.grantCourse(ctx, o)
	case order.TypeRetrain:
		return s.grantRetrain(ctx, o)
	case order.TypeUpgrade:
		return s.grantUpgrade(ctx, o)
	}
	return fmt.Errorf("unknown order type %q", o.Type)
}

func (s *Service) grantCourse(ctx context.Context, o *order.Order) error {
	existing, err := s.store.ListAccessByOrder(ctx, o.OrderNo)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	course, err := s.catalog.GetCourse(ctx, o.CourseID)
	if err != nil {
		return fmt.Errorf("load course: %w", err)
	}

	courseIDs := append([]int64{course.ID}, course.IncludedCourseIDs...)
	for _, id := range courseIDs {
		err := s.store.CreateAccess(ctx, &CourseAccess{
			UserID:        o.UserID,
			CourseID:      id,
			SourceOrderNo: o.OrderNo,
		})
		if err != nil {
			return fmt.Errorf("grant access to course %d: %w", id, err)
		}
	}

	logging.FromContext(ctx).Info("course access granted",
		slog.String("order_no", o.OrderNo),
		slog.Int64("user_id", o.UserID),
		slog.Int("courses", len(courseIDs)))
	return nil
}

func (s *Service) grantRetrain(ctx context.Context, o *order.Order) error {
	existing, err := s.store.ListAppointmentsByOrder(ctx, o.OrderNo)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if o.OccurrenceID == nil {
		return errors.New("retrain order has no occurrence")
	}

	if err := s.catalog.AdjustBooked(ctx, *o.OccurrenceID, 1); err != nil {
		return fmt.Errorf("book seat: %w", err)
	}
	err = s.store.CreateAppointment(ctx, &Appointment{
		UserID:        o.UserID,
		CourseID:      o.CourseID,
		OccurrenceID:  *o.OccurrenceID,
		SourceOrderNo: o.OrderNo,
	})
	if err != nil {
		// Seat was taken but the appointment did not land; release it so
		// the redrive can book again.
		if relErr := s.catalog.AdjustBooked(ctx, *o.OccurrenceID, -1); relErr != nil {
			logging.FromContext(ctx).Error("seat release after failed booking",
				slog.Int64("occurrence_id", *o.OccurrenceID),
				slog.String("error", relErr.Error()))
		}
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (s *Service) grantUpgrade(ctx context.Context, o *order.Order) error {
	target := o.TargetLevel
	err := s.users.SetAmbassadorLevel(ctx, o.UserID, target-1, target)
	if errors.Is(err, user.ErrLevelChanged) {
		u, gerr := s.users.Get(ctx, o.UserID)
		if gerr != nil {
			return gerr
		}
		if u.AmbassadorLevel < target {
			return fmt.Errorf("level bump lost race: user at %d, want %d", u.AmbassadorLevel, target)
		}
		// Already at or above target: a redrive of an applied bump.
	} else if err != nil {
		return fmt.Errorf("bump ambassador level: %w", err)
	}

	lc, err := s.catalog.GetLevel(ctx, target)
	if err != nil {
		return fmt.Errorf("load level config: %w", err)
	}
	if lc.GiftQuotaCount > 0 {
		source := "levelup:" + o.OrderNo
		granted, err := s.hasGrantFromSource(ctx, o.UserID, source)
		if err != nil {
			return err
		}
		if !granted {
			if _, err := s.quota.Award(ctx, o.UserID, source, lc.GiftQuotaCount); err != nil {
				return fmt.Errorf("gift quota: %w", err)
			}
		}
	}

	logging.FromContext(ctx).Info("ambassador level granted",
		slog.String("order_no", o.OrderNo),
		slog.Int64("user_id", o.UserID),
		slog.Int("level", target))
	return nil
}

func (s *Service) hasGrantFromSource(ctx context.Context, ownerID int64, source string) (bool, error) {
	grants, err := s.quota.Store().ListGrants(ctx, ownerID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.Source == source {
			return true, nil
		}
	}
	return false, nil
}

// RevokeForOrder undoes GrantForOrder. Safe to call repeatedly; each
// sub-action is idempotent.
func (s *Service) RevokeForOrder(ctx context.Context, o *order.Order) error {
	log := logging.FromContext(ctx)

	switch o.Type {
	case order.TypeCourse:
		n, err := s.store.RevokeAccessByOrder(ctx, o.OrderNo, time.Now())
		if err != nil {
			return err
		}
		log.Info("course access revoked",
			slog.String("order_no", o.OrderNo),
			slog.Int("count", n))
		return nil

	case order.TypeRetrain:
		cancelled, err := s.store.CancelAppointmentsByOrder(ctx, o.OrderNo)
		if err != nil {
			return err
		}
		for _, a := range cancelled {
			if err := s.catalog.AdjustBooked(ctx, a.OccurrenceID, -1); err != nil {
				return fmt.Errorf("release seat: %w", err)
			}
		}
		return nil

	case order.TypeUpgrade:
		target := o.TargetLevel
		err := s.users.SetAmbassadorLevel(ctx, o.UserID, target, target-1)
		if errors.Is(err, user.ErrLevelChanged) {
			// User moved on to another level since; leave it alone.
			log.Warn("level revert skipped, level changed since upgrade",
				slog.String("order_no", o.OrderNo),
				slog.Int64("user_id", o.UserID))
		} else if err != nil {
			return fmt.Errorf("revert ambassador level: %w", err)
		}

		removed, err := s.quota.RevokeBySource(ctx, "levelup:"+o.OrderNo)
		if err != nil {
			return fmt.Errorf("revoke gift quota: %w", err)
		}
		if removed > 0 {
			log.Info("gift quota revoked",
				slog.String("order_no", o.OrderNo),
				slog.Int("seats", removed))
		}
		return nil
	}
	return fmt.Errorf("unknown order type %q", o.Type)
}
