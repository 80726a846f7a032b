package referral

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwang-dev/courseledger/internal/user"
)

func setup(t *testing.T, n int) (*Service, *user.MemoryStore, []int64) {
	t.Helper()
	users := user.NewMemoryStore()
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		u := &user.User{Phone: "1380013800" + string(rune('0'+i))}
		require.NoError(t, users.Create(context.Background(), u))
		ids[i] = u.ID
	}
	return NewService(users, NewMemoryLogStore()), users, ids
}

func TestSetReferrer(t *testing.T) {
	svc, users, ids := setup(t, 2)
	ctx := context.Background()

	require.NoError(t, svc.SetReferrer(ctx, ids[0], &ids[1], 0, "signup"))

	u, err := users.Get(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, u.ReferrerID)
	assert.Equal(t, ids[1], *u.ReferrerID)
}

func TestSetReferrerRejectsSelf(t *testing.T) {
	svc, _, ids := setup(t, 1)

	err := svc.SetReferrer(context.Background(), ids[0], &ids[0], 0, "")
	assert.ErrorIs(t, err, ErrSelfReferral)
}

func TestSetReferrerRejectsTwoNodeCycle(t *testing.T) {
	svc, _, ids := setup(t, 2)
	ctx := context.Background()

	require.NoError(t, svc.SetReferrer(ctx, ids[1], &ids[0], 0, ""))
	err := svc.SetReferrer(ctx, ids[0], &ids[1], 0, "")
	assert.ErrorIs(t, err, ErrCircularReferral)
}

func TestSetReferrerRejectsLongCycle(t *testing.T) {
	svc, _, ids := setup(t, 4)
	ctx := context.Background()

	// d -> c -> b -> a, then a -> d closes the loop.
	require.NoError(t, svc.SetReferrer(ctx, ids[3], &ids[2], 0, ""))
	require.NoError(t, svc.SetReferrer(ctx, ids[2], &ids[1], 0, ""))
	require.NoError(t, svc.SetReferrer(ctx, ids[1], &ids[0], 0, ""))

	err := svc.SetReferrer(ctx, ids[0], &ids[3], 0, "")
	assert.ErrorIs(t, err, ErrCircularReferral)
}

func TestSetReferrerAllowsDiamondFreeChain(t *testing.T) {
	svc, _, ids := setup(t, 3)
	ctx := context.Background()

	require.NoError(t, svc.SetReferrer(ctx, ids[1], &ids[0], 0, ""))
	require.NoError(t, svc.SetReferrer(ctx, ids[2], &ids[1], 0, ""))
}

func TestSetReferrerRejectsLocked(t *testing.T) {
	svc, users, ids := setup(t, 2)
	ctx := context.Background()

	require.NoError(t, users.LockReferral(ctx, ids[0], time.Now()))

	err := svc.SetReferrer(ctx, ids[0], &ids[1], 0, "")
	assert.ErrorIs(t, err, ErrReferrerLocked)
}

func TestClearBypassesLockAndLogs(t *testing.T) {
	users := user.NewMemoryStore()
	logs := NewMemoryLogStore()
	svc := NewService(users, logs)
	ctx := context.Background()

	a := &user.User{Phone: "13800138001"}
	b := &user.User{Phone: "13800138002"}
	require.NoError(t, users.Create(ctx, a))
	require.NoError(t, users.Create(ctx, b))

	require.NoError(t, svc.SetReferrer(ctx, a.ID, &b.ID, 99, "signup"))
	require.NoError(t, users.LockReferral(ctx, a.ID, time.Now()))
	require.NoError(t, svc.Clear(ctx, a.ID, 99, "support ticket 1234"))

	got, err := users.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReferrerID)

	entries, err := logs.ListByUser(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].NewReferrerID)
	assert.Equal(t, b.ID, *entries[0].OldReferrerID)
}

func TestReferrerLookup(t *testing.T) {
	svc, _, ids := setup(t, 2)
	ctx := context.Background()

	ref, err := svc.Referrer(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, ref)

	require.NoError(t, svc.SetReferrer(ctx, ids[0], &ids[1], 0, ""))
	ref, err = svc.Referrer(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, ids[1], ref.ID)
}
