// Package reward pays referrers when an order they are attached to is
// confirmed. Rates come from the referrer's ambassador level config,
// read at confirmation time, and every credit lands in the points
// ledger with the order number as cause so a refund can reverse it
// exactly.
package reward

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kwang-dev/courseledger/internal/catalog"
	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/metrics"
	"github.com/kwang-dev/courseledger/internal/money"
	"github.com/kwang-dev/courseledger/internal/order"
	"github.com/kwang-dev/courseledger/internal/points"
	"github.com/kwang-dev/courseledger/internal/traces"
	"github.com/kwang-dev/courseledger/internal/user"
)

// Result reports what a grant actually paid out.
type Result struct {
	Merit    string `json:"merit"`
	Cash     string `json:"cash"`
	Unfrozen string `json:"unfrozen"`
}

// LevelSource resolves a level config; implemented by catalog.Cache.
type LevelSource interface {
	Level(ctx context.Context, level int) (*catalog.LevelConfig, error)
}

// Service computes and posts referral rewards.
type Service struct {
	ledger *points.Service
	levels LevelSource
	users  user.Store
}

// NewService creates a reward service.
func NewService(ledger *points.Service, levels LevelSource, users user.Store) *Service {
	return &Service{ledger: ledger, levels: levels, users: users}
}

// Grant pays the order's captured referrer. It is a no-op when the
// order has no referrer, when the referrer's level earns nothing, or
// when entries for this order already exist (a redriven confirmation).
func (s *Service) Grant(ctx context.Context, o *order.Order, courseType catalog.CourseType) (*Result, error) {
	if o.ReferrerID == nil {
		return &Result{Merit: "0.00", Cash: "0.00", Unfrozen: "0.00"}, nil
	}

	ctx, span := traces.StartSpan(ctx, "reward.grant",
		traces.OrderNo(o.OrderNo), traces.Amount(o.Amount))
	defer span.End()

	// Redrive guard: entries caused by this order mean it already paid.
	existing, err := s.ledger.Store().EntriesByCause(ctx, o.OrderNo)
	if err != nil {
		return nil, fmt.Errorf("check existing reward: %w", err)
	}
	if len(existing) > 0 {
		return nil, nil
	}

	referrer, err := s.users.Get(ctx, *o.ReferrerID)
	if err != nil {
		return nil, fmt.Errorf("load referrer: %w", err)
	}

	// Level read here, at confirmation time, not from any snapshot.
	lc, err := s.levels.Level(ctx, referrer.AmbassadorLevel)
	if err != nil || !lc.CanEarnReward {
		return &Result{Merit: "0.00", Cash: "0.00", Unfrozen: "0.00"}, nil
	}

	result := &Result{Merit: "0.00", Cash: "0.00", Unfrozen: "0.00"}

	meritBPS, cashBPS := int64(lc.MeritBasicBPS), int64(lc.CashBasicBPS)
	if courseType == catalog.CourseAdvanced {
		meritBPS, cashBPS = int64(lc.MeritAdvancedBPS), int64(lc.CashAdvancedBPS)
	}

	if meritBPS > 0 {
		merit, ok := money.MulRate(o.Amount, meritBPS)
		if !ok {
			return nil, fmt.Errorf("bad order amount %q", o.Amount)
		}
		if merit != "0.00" {
			memo := fmt.Sprintf("%s %s reward at %d bps", lc.Name, courseType, meritBPS)
			if _, err := s.ledger.Credit(ctx, referrer.ID, points.BucketMerit, merit, o.OrderNo, memo); err != nil {
				return nil, fmt.Errorf("credit merit: %w", err)
			}
			metrics.RewardsGrantedTotal.WithLabelValues(string(points.BucketMerit)).Inc()
			result.Merit = merit
		}
	}

	if err := s.grantCash(ctx, referrer, lc, o, courseType, cashBPS, result); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("referral reward granted",
		slog.String("order_no", o.OrderNo),
		slog.Int64("referrer_id", referrer.ID),
		slog.Int("level", referrer.AmbassadorLevel),
		slog.String("merit", result.Merit),
		slog.String("cash", result.Cash),
		slog.String("unfrozen", result.Unfrozen))
	return result, nil
}

// grantCash applies the cash half. Basic courses prefer unfreezing a
// fixed escrow increment over paying new cash; advanced courses always
// pay the advanced rate to available.
func (s *Service) grantCash(ctx context.Context, referrer *user.User, lc *catalog.LevelConfig, o *order.Order, courseType catalog.CourseType, cashBPS int64, result *Result) error {
	if courseType == catalog.CourseBasic {
		unfreeze, ok := money.Parse(lc.UnfreezePerReferral)
		if ok && unfreeze.Sign() > 0 {
			frozen, err := s.ledger.Store().Balance(ctx, referrer.ID, points.BucketCashFrozen)
			if err != nil {
				return fmt.Errorf("read frozen balance: %w", err)
			}
			frozenV, _ := money.Parse(frozen)
			if frozenV.Cmp(unfreeze) >= 0 {
				amount := money.Format(unfreeze)
				memo := fmt.Sprintf("%s unfreeze per referral", lc.Name)
				err := s.ledger.Move(ctx, referrer.ID, points.BucketCashFrozen,
					referrer.ID, points.BucketCashAvailable, amount, o.OrderNo, memo)
				if err != nil {
					return fmt.Errorf("unfreeze cash: %w", err)
				}
				metrics.RewardsGrantedTotal.WithLabelValues(string(points.BucketCashAvailable)).Inc()
				result.Unfrozen = amount
				return nil
			}
		}
	}

	if cashBPS <= 0 {
		return nil
	}
	cash, ok := money.MulRate(o.Amount, cashBPS)
	if !ok {
		return fmt.Errorf("bad order amount %q", o.Amount)
	}
	if cash == "0.00" {
		return nil
	}

	bucket := points.BucketCashAvailable
	if lc.EscrowCash && courseType == catalog.CourseBasic {
		bucket = points.BucketCashFrozen
	}
	memo := fmt.Sprintf("%s %s cash reward at %d bps", lc.Name, courseType, cashBPS)
	if _, err := s.ledger.Credit(ctx, referrer.ID, bucket, cash, o.OrderNo, memo); err != nil {
		return fmt.Errorf("credit cash: %w", err)
	}
	metrics.RewardsGrantedTotal.WithLabelValues(string(bucket)).Inc()
	result.Cash = cash
	return nil
}
