package reconciliation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwang-dev/courseledger/internal/points"
	"github.com/kwang-dev/courseledger/internal/user"
)

// corruptAuditStore reports a stream whose recorded balance disagrees
// with its replayed sum, which cannot happen through the write paths.
type corruptAuditStore struct {
	points.Store
}

func (s *corruptAuditStore) AuditBalances(ctx context.Context) ([]*points.AuditRow, error) {
	return []*points.AuditRow{
		{UserID: 1, Bucket: points.BucketMerit, Sum: "100.00", LastBalance: "90.00", EntryCount: 3},
	}, nil
}

func newFixture(t *testing.T) (*Checker, *points.Service, *user.MemoryStore, *user.User) {
	t.Helper()

	users := user.NewMemoryStore()
	u := &user.User{Phone: "13800138000"}
	require.NoError(t, users.Create(context.Background(), u))

	store := points.NewMemoryStore()
	ledger := points.NewService(store, users)
	return NewChecker(store, users), ledger, users, u
}

func TestRunCleanLedger(t *testing.T) {
	checker, ledger, _, u := newFixture(t)
	ctx := context.Background()

	_, err := ledger.Credit(ctx, u.ID, points.BucketMerit, "100.00", "adj-1", "")
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, u.ID, points.BucketCashAvailable, "25.00", "adj-2", "")
	require.NoError(t, err)

	report, err := checker.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.StreamsChecked)
	assert.Empty(t, report.Drifts)
}

func TestRunRepairsCacheDrift(t *testing.T) {
	checker, ledger, users, u := newFixture(t)
	ctx := context.Background()

	_, err := ledger.Credit(ctx, u.ID, points.BucketMerit, "100.00", "adj-1", "")
	require.NoError(t, err)

	// Something scribbled over the cached balance.
	require.NoError(t, users.UpdateCachedBalance(ctx, u.ID, string(points.BucketMerit), "7.00"))

	report, err := checker.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)

	d := report.Drifts[0]
	assert.Equal(t, DriftCache, d.Kind)
	assert.Equal(t, "7.00", d.Cached)
	assert.Equal(t, "100.00", d.LedgerSum)
	assert.True(t, d.Repaired)

	fresh, err := users.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", fresh.Balances.Merit)

	// Repaired means the next run is clean.
	report, err = checker.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)
}

func TestRunFlagsLedgerCorruption(t *testing.T) {
	users := user.NewMemoryStore()
	u := &user.User{Phone: "13800138000"}
	require.NoError(t, users.Create(context.Background(), u))

	checker := NewChecker(&corruptAuditStore{Store: points.NewMemoryStore()}, users)

	report, err := checker.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, DriftLedger, report.Drifts[0].Kind)
	assert.False(t, report.Drifts[0].Repaired)
}
