package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustBookedRespectsQuota(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	occ := &Occurrence{CourseID: 1, ClassDate: time.Now().AddDate(0, 0, 7), SeatQuota: 2}
	require.NoError(t, store.CreateOccurrence(ctx, occ))

	require.NoError(t, store.AdjustBooked(ctx, occ.ID, 1))
	require.NoError(t, store.AdjustBooked(ctx, occ.ID, 1))
	assert.ErrorIs(t, store.AdjustBooked(ctx, occ.ID, 1), ErrOccurrenceFull)

	// Releasing below zero clamps.
	require.NoError(t, store.AdjustBooked(ctx, occ.ID, -5))
	got, err := store.GetOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Booked)
	assert.Equal(t, 2, got.FreeSeats())
}

func TestUpsertCoursePreservesCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := &Course{Name: "Foundation", Type: CourseBasic, Price: "1980.00", Status: CourseActive}
	require.NoError(t, store.UpsertCourse(ctx, c))
	created := c.CreatedAt

	c.Price = "2180.00"
	require.NoError(t, store.UpsertCourse(ctx, c))
	assert.Equal(t, created, c.CreatedAt)

	got, err := store.GetCourse(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "2180.00", got.Price)
}

func TestCacheServesAndInvalidates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertLevel(ctx, &LevelConfig{
		Level: 2, Name: "Gold", CanEarnReward: true,
		MeritBasicBPS: 10000, CashBasicBPS: 1500,
		UnfreezePerReferral: "0.00", UpgradePrice: "0.00",
	}))

	cache := NewCache(store, time.Hour)

	lc, err := cache.Level(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1500, lc.CashBasicBPS)

	// A store write is not visible until invalidation.
	lc.CashBasicBPS = 2000
	require.NoError(t, store.UpsertLevel(ctx, lc))

	stale, err := cache.Level(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1500, stale.CashBasicBPS)

	cache.Invalidate()
	fresh, err := cache.Level(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2000, fresh.CashBasicBPS)
}

func TestCacheUnknownLevel(t *testing.T) {
	cache := NewCache(NewMemoryStore(), time.Hour)
	_, err := cache.Level(context.Background(), 9)
	assert.ErrorIs(t, err, ErrLevelNotFound)
}
