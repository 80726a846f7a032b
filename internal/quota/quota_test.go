package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	byPhone map[string]int64
}

func (f *fakeDirectory) LookupByPhone(ctx context.Context, phone string) (int64, error) {
	id, ok := f.byPhone[phone]
	if !ok {
		return 0, errors.New("no such user")
	}
	return id, nil
}

func TestConsumeDrainsOldestFirst(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	first, err := svc.Award(ctx, 1, "ORDA", 2)
	require.NoError(t, err)
	second, err := svc.Award(ctx, 1, "ORDB", 3)
	require.NoError(t, err)

	require.NoError(t, svc.Consume(ctx, 1, 3))

	g1, err := store.GetGrant(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, g1.Remaining())

	g2, err := store.GetGrant(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, g2.Remaining())
}

func TestConsumeInsufficientLeavesGrantsUntouched(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	g, err := svc.Award(ctx, 1, "ORDA", 2)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Consume(ctx, 1, 3), ErrInsufficientQuota)

	got, err := store.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Remaining())
}

func TestTransferMovesSeats(t *testing.T) {
	store := NewMemoryStore()
	dir := &fakeDirectory{byPhone: map[string]int64{"13800138002": 2}}
	svc := NewService(store, dir)
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, "ORDA", 5)
	require.NoError(t, err)

	record, err := svc.Transfer(ctx, 1, "13800138002", 3, "for your team")
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.ToUserID)

	senderLeft, err := svc.Available(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, senderLeft)

	recipientGrants, err := store.ListGrants(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recipientGrants, 1)
	assert.Equal(t, 3, recipientGrants[0].Remaining())
	assert.Equal(t, "transfer:"+record.ID, recipientGrants[0].Source)
}

func TestTransferToUnknownPhoneRollsBackNothing(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, &fakeDirectory{byPhone: map[string]int64{}})
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, "ORDA", 5)
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, 1, "13800138009", 2, "")
	require.Error(t, err)

	left, err := svc.Available(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, left)
}

// failOnGrantStore rejects recipient grant creation so the rollback
// path is exercised.
type failOnGrantStore struct {
	Store
	armed bool
}

func (f *failOnGrantStore) CreateGrant(ctx context.Context, g *Grant) error {
	if f.armed && g.Source != "" && g.Source[:4] == "tran" {
		return errors.New("storage down")
	}
	return f.Store.CreateGrant(ctx, g)
}

func TestTransferRollsBackSenderOnGrantFailure(t *testing.T) {
	inner := NewMemoryStore()
	store := &failOnGrantStore{Store: inner}
	dir := &fakeDirectory{byPhone: map[string]int64{"13800138002": 2}}
	svc := NewService(store, dir)
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, "ORDA", 4)
	require.NoError(t, err)

	store.armed = true
	_, err = svc.Transfer(ctx, 1, "13800138002", 3, "")
	require.Error(t, err)

	left, err := svc.Available(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, left)

	recipientGrants, err := inner.ListGrants(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, recipientGrants)
}

func TestTransferToSelfRejected(t *testing.T) {
	dir := &fakeDirectory{byPhone: map[string]int64{"13800138001": 1}}
	svc := NewService(NewMemoryStore(), dir)

	_, err := svc.Transfer(context.Background(), 1, "13800138001", 1, "")
	require.Error(t, err)
}

func TestRevokeBySourceRemovesOnlyRemaining(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	g, err := svc.Award(ctx, 1, "ORDA", 5)
	require.NoError(t, err)
	require.NoError(t, svc.Consume(ctx, 1, 2))

	removed, err := svc.RevokeBySource(ctx, "ORDA")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	got, err := store.GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Remaining())
	assert.Equal(t, 2, got.Used)

	// Idempotent: nothing more to remove.
	removed, err = svc.RevokeBySource(ctx, "ORDA")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestUpdateUsedCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := &Grant{OwnerID: 1, Source: "x", Total: 3}
	require.NoError(t, store.CreateGrant(ctx, g))

	require.NoError(t, store.UpdateUsed(ctx, g.ID, 0, 1))
	assert.ErrorIs(t, store.UpdateUsed(ctx, g.ID, 0, 2), ErrStaleGrant)
	assert.ErrorIs(t, store.UpdateUsed(ctx, g.ID, 1, 4), ErrInsufficientQuota)
}
