package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kwang-dev/courseledger/internal/catalog"
	"github.com/kwang-dev/courseledger/internal/idgen"
	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/metrics"
	"github.com/kwang-dev/courseledger/internal/user"
)

// retrainCutoff is how far before the class date a retrain seat can
// still be booked.
const retrainCutoff = 72 * time.Hour

// minRewardReferrerLevel gates attribution on advanced courses.
const minRewardReferrerLevel = 2

// OwnershipChecker answers whether a user already holds access to a
// course. Implemented by the entitlement package.
type OwnershipChecker interface {
	Owns(ctx context.Context, userID, courseID int64) (bool, error)
}

// Service validates and creates orders and runs lifecycle transitions.
type Service struct {
	store     Store
	users     user.Store
	catalog   catalog.Store
	ownership OwnershipChecker
	ttl       time.Duration
}

// NewService creates an order service. ttl is how long a created order
// stays payable.
func NewService(store Store, users user.Store, cat catalog.Store, ownership OwnershipChecker, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{store: store, users: users, catalog: cat, ownership: ownership, ttl: ttl}
}

// Store exposes the underlying store for read paths and collaborators.
func (s *Service) Store() Store {
	return s.store
}

// CreateRequest is a validated order creation.
type CreateRequest struct {
	Type         Type
	CourseID     int64
	OccurrenceID *int64
	// ReferrerID overrides the buyer's stored referrer for this order.
	ReferrerID *int64
}

// Create validates the request per order type and persists a created
// order with a frozen referrer snapshot and an expiry deadline.
func (s *Service) Create(ctx context.Context, userID int64, req CreateRequest) (*Order, error) {
	buyer, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	o := &Order{
		OrderNo:   idgen.OrderNo(time.Now()),
		UserID:    userID,
		Type:      req.Type,
		Status:    StatusCreated,
		ExpiresAt: time.Now().Add(s.ttl),
	}

	switch req.Type {
	case TypeCourse:
		if err := s.buildCourseOrder(ctx, buyer, req, o); err != nil {
			return nil, err
		}
	case TypeRetrain:
		if err := s.buildRetrainOrder(ctx, buyer, req, o); err != nil {
			return nil, err
		}
	case TypeUpgrade:
		if err := s.buildUpgradeOrder(ctx, buyer, o); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown order type %q", ErrValidation, req.Type)
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(StatusCreated)).Inc()

	logging.FromContext(ctx).Info("order created",
		slog.String("order_no", o.OrderNo),
		slog.Int64("user_id", userID),
		slog.String("type", string(o.Type)),
		slog.String("amount", o.Amount))
	return o, nil
}

func (s *Service) buildCourseOrder(ctx context.Context, buyer *user.User, req CreateRequest, o *Order) error {
	course, err := s.catalog.GetCourse(ctx, req.CourseID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if course.Status != catalog.CourseActive {
		return fmt.Errorf("%w: course not purchasable", ErrValidation)
	}

	owned, err := s.ownership.Owns(ctx, buyer.ID, course.ID)
	if err != nil {
		return err
	}
	if owned {
		return ErrAlreadyOwned
	}

	// Freeze the attribution: an explicit referrer on the request wins
	// over the buyer's stored edge.
	referrerID := req.ReferrerID
	if referrerID == nil {
		referrerID = buyer.ReferrerID
	}
	if referrerID != nil {
		if *referrerID == buyer.ID {
			return fmt.Errorf("%w: buyer cannot refer themselves", ErrValidation)
		}
		referrer, err := s.users.Get(ctx, *referrerID)
		if err != nil {
			return fmt.Errorf("%w: referrer not found", ErrValidation)
		}
		if course.Type == catalog.CourseAdvanced && referrer.AmbassadorLevel < minRewardReferrerLevel {
			return ErrIneligibleReferrer
		}
		o.ReferrerID = referrerID
	}

	o.CourseID = course.ID
	o.Amount = course.Price
	return nil
}

func (s *Service) buildRetrainOrder(ctx context.Context, buyer *user.User, req CreateRequest, o *Order) error {
	course, err := s.catalog.GetCourse(ctx, req.CourseID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	owned, err := s.ownership.Owns(ctx, buyer.ID, course.ID)
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("%w: retrain requires owning the course", ErrValidation)
	}

	if req.OccurrenceID == nil {
		return fmt.Errorf("%w: retrain requires a class occurrence", ErrValidation)
	}
	occ, err := s.catalog.GetOccurrence(ctx, *req.OccurrenceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if occ.CourseID != course.ID {
		return fmt.Errorf("%w: occurrence belongs to a different course", ErrValidation)
	}
	if time.Until(occ.ClassDate) < retrainCutoff {
		return fmt.Errorf("%w: class starts within %d days", ErrValidation, int(retrainCutoff.Hours()/24))
	}
	if occ.FreeSeats() <= 0 {
		return fmt.Errorf("%w: no free seats on that date", ErrValidation)
	}

	o.CourseID = course.ID
	o.OccurrenceID = req.OccurrenceID
	o.Amount = course.RetrainPrice
	return nil
}

func (s *Service) buildUpgradeOrder(ctx context.Context, buyer *user.User, o *Order) error {
	target := buyer.AmbassadorLevel + 1
	lc, err := s.catalog.GetLevel(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: no level above the current one", ErrValidation)
	}
	if lc.UpgradePrice == "" || lc.UpgradePrice == "0.00" {
		return fmt.Errorf("%w: level %d is not purchasable", ErrValidation, target)
	}

	o.TargetLevel = target
	o.Amount = lc.UpgradePrice
	return nil
}

// Cancel moves the caller's created order to cancelled. A paid, closed
// or already cancelled order reports ErrInvalidTransition.
func (s *Service) Cancel(ctx context.Context, userID int64, orderNo string) error {
	o, err := s.store.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if o.UserID != userID {
		return ErrNotFound
	}
	if o.Status != StatusCreated {
		return ErrInvalidTransition
	}

	err = s.store.CASStatus(ctx, orderNo, StatusCreated, StatusCancelled)
	if errors.Is(err, ErrStateConflict) {
		// Someone else moved it first (payment or sweep); a duplicate
		// cancel is an error, not a success.
		return ErrInvalidTransition
	}
	if err != nil {
		return err
	}
	metrics.OrdersTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return nil
}

// CloseExpired CASes every overdue created order to closed and returns
// how many moved. An order that gets paid mid-sweep loses nothing: the
// confirmation's CAS already won and ours reads as a conflict.
func (s *Service) CloseExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ListExpired(ctx, now, 500)
	if err != nil {
		return 0, err
	}

	log := logging.FromContext(ctx)
	closed := 0
	for _, o := range expired {
		err := s.store.CASStatus(ctx, o.OrderNo, StatusCreated, StatusClosed)
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return closed, err
		}
		closed++
		metrics.OrdersTotal.WithLabelValues(string(StatusClosed)).Inc()
		metrics.ExpirySweepClosed.Inc()
		log.Info("expired order closed",
			slog.String("order_no", o.OrderNo),
			slog.Time("expired_at", o.ExpiresAt))
	}
	return closed, nil
}
