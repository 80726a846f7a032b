// Package reconciliation audits the ledger. The entry log is the
// source of truth; this job replays every (user, bucket) stream and
// checks two things: the last entry's recorded balance matches the
// replayed sum, and the user's cached balance matches the ledger.
// Cache drift is repaired from the ledger; a stream whose own sum and
// recorded balance disagree is corruption and is only flagged.
package reconciliation

import (
	"context"
	"log/slog"

	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/metrics"
	"github.com/kwang-dev/courseledger/internal/points"
	"github.com/kwang-dev/courseledger/internal/traces"
	"github.com/kwang-dev/courseledger/internal/user"
)

// DriftKind classifies what disagreed.
type DriftKind string

const (
	// DriftCache means the cached user balance diverged from the ledger.
	DriftCache DriftKind = "cache"
	// DriftLedger means a stream's recorded balance does not equal its
	// replayed sum. This cannot be repaired automatically.
	DriftLedger DriftKind = "ledger"
)

// Drift is one detected divergence.
type Drift struct {
	Kind        DriftKind     `json:"kind"`
	UserID      int64         `json:"userId"`
	Bucket      points.Bucket `json:"bucket"`
	LedgerSum   string        `json:"ledgerSum"`
	LastBalance string        `json:"lastBalance"`
	Cached      string        `json:"cached,omitempty"`
	Repaired    bool          `json:"repaired"`
}

// Report summarizes one reconciliation run.
type Report struct {
	StreamsChecked int     `json:"streamsChecked"`
	Drifts         []Drift `json:"drifts"`
}

// Checker runs the audit.
type Checker struct {
	ledger points.Store
	users  user.Store
}

// NewChecker creates a reconciliation checker.
func NewChecker(ledger points.Store, users user.Store) *Checker {
	return &Checker{ledger: ledger, users: users}
}

// Run audits every stream once. Cache drift is repaired in place.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.run")
	defer span.End()

	log := logging.FromContext(ctx)

	rows, err := c.ledger.AuditBalances(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{StreamsChecked: len(rows)}
	for _, row := range rows {
		if row.Sum != row.LastBalance {
			report.Drifts = append(report.Drifts, Drift{
				Kind:        DriftLedger,
				UserID:      row.UserID,
				Bucket:      row.Bucket,
				LedgerSum:   row.Sum,
				LastBalance: row.LastBalance,
			})
			log.Error("ledger stream inconsistent",
				slog.Int64("user_id", row.UserID),
				slog.String("bucket", string(row.Bucket)),
				slog.String("sum", row.Sum),
				slog.String("last_balance", row.LastBalance),
				slog.Int("entries", row.EntryCount))
			continue
		}

		cached, err := c.cachedBalance(ctx, row.UserID, row.Bucket)
		if err != nil {
			return nil, err
		}
		if cached == row.LastBalance {
			continue
		}

		drift := Drift{
			Kind:        DriftCache,
			UserID:      row.UserID,
			Bucket:      row.Bucket,
			LedgerSum:   row.Sum,
			LastBalance: row.LastBalance,
			Cached:      cached,
		}
		if err := c.users.UpdateCachedBalance(ctx, row.UserID, string(row.Bucket), row.LastBalance); err != nil {
			log.Error("cached balance repair failed",
				slog.Int64("user_id", row.UserID),
				slog.String("bucket", string(row.Bucket)),
				slog.String("error", err.Error()))
		} else {
			drift.Repaired = true
		}
		report.Drifts = append(report.Drifts, drift)

		log.Warn("cached balance drift",
			slog.Int64("user_id", row.UserID),
			slog.String("bucket", string(row.Bucket)),
			slog.String("cached", cached),
			slog.String("ledger", row.LastBalance),
			slog.Bool("repaired", drift.Repaired))
	}

	if len(report.Drifts) > 0 {
		metrics.LedgerDriftDetected.Inc()
	}
	return report, nil
}

func (c *Checker) cachedBalance(ctx context.Context, userID int64, bucket points.Bucket) (string, error) {
	u, err := c.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	switch bucket {
	case points.BucketMerit:
		return u.Balances.Merit, nil
	case points.BucketCashAvailable:
		return u.Balances.CashAvailable, nil
	case points.BucketCashFrozen:
		return u.Balances.CashFrozen, nil
	case points.BucketCashPending:
		return u.Balances.CashPending, nil
	}
	return "0.00", nil
}
