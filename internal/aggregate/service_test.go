package aggregate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

const epochMillis int64 = 1700000000000

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.now = at
}

type failingStore struct {
	gets int
	sets int
}

func (s *failingStore) Get(context.Context, string) ([]byte, bool, error) {
	s.gets++
	return nil, false, errors.Join(ErrCacheUnavailable, errors.New("connection refused"))
}

func (s *failingStore) Set(context.Context, string, []byte, time.Duration) error {
	s.sets++
	return errors.Join(ErrCacheUnavailable, errors.New("connection refused"))
}

type fixture struct {
	service *Service
	db      *gorm.DB
	cache   Store
	clock   *fakeClock
	logs    *observer.ObservedLogs
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:aggregate_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&records.StoredRecord{}, &records.FeedEntry{}, &CacheRow{}))
	return db
}

func newFixture(t *testing.T, cache Store) fixture {
	t.Helper()
	db := openTestDatabase(t)
	core, logs := observer.New(zapcore.WarnLevel)
	clock := &fakeClock{now: time.UnixMilli(epochMillis).UTC()}
	service, err := NewService(ServiceConfig{
		Database: db,
		Cache:    cache,
		Clock:    clock.Now,
		Logger:   zap.New(core),
	})
	require.NoError(t, err)
	return fixture{service: service, db: db, cache: cache, clock: clock, logs: logs}
}

func seedRun(t *testing.T, db *gorm.DB, owner, mapLabel string, tokens, luck float64, createdAt int64) {
	t.Helper()
	recordID := fmt.Sprintf("rec-%s-%d", owner, createdAt)
	require.NoError(t, db.Create(&records.StoredRecord{
		RecordID:        recordID,
		OwnerKey:        owner,
		Variant:         records.VariantMapRun,
		NaturalKey:      fmt.Sprint(createdAt),
		DedupeKey:       "map-run:" + mapLabel,
		MapLabel:        mapLabel,
		Tokens:          tokens,
		Luck:            luck,
		CreatedAtMillis: createdAt,
	}).Error)
	require.NoError(t, db.Create(&records.FeedEntry{
		EntryID:         fmt.Sprintf("%d-feed-%s", createdAt, owner),
		RecordID:        recordID,
		OwnerKey:        owner,
		PlayerName:      "Farmer " + owner,
		MapLabel:        mapLabel,
		Luck:            luck,
		Tokens:          tokens,
		Efficiency:      records.Efficiency(tokens, luck),
		CreatedAtMillis: createdAt,
	}).Error)
}

func TestFeedFallsBackWhenEmpty(t *testing.T) {
	cache := NewMemoryStore()
	f := newFixture(t, cache)

	result := f.service.Feed(context.Background())

	assert.True(t, result.Fallback)
	assert.False(t, result.Cached)
	assert.NotEmpty(t, result.Runs)
	assert.Equal(t, int64(len(result.Runs)), result.Total)
	_, stored, err := cache.Get(context.Background(), FeedCacheKey)
	require.NoError(t, err)
	assert.False(t, stored, "fallback results must not be cached")
}

func TestFeedServesCachedValueUntilExpiry(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	written := f.clock.Now()
	seedRun(t, f.db, "u1", "medium", 185, 1250, epochMillis-1000)

	first := f.service.Feed(ctx)
	require.False(t, first.Fallback)
	require.False(t, first.Cached)
	require.Len(t, first.Runs, 1)

	seedRun(t, f.db, "u2", "large", 300, 1500, epochMillis-500)

	f.clock.Set(written.Add(DefaultFeedTTL - time.Millisecond))
	beforeExpiry := f.service.Feed(ctx)
	assert.True(t, beforeExpiry.Cached)
	assert.Len(t, beforeExpiry.Runs, 1, "writes do not invalidate the cached feed")

	f.clock.Set(written.Add(DefaultFeedTTL + time.Millisecond))
	afterExpiry := f.service.Feed(ctx)
	assert.False(t, afterExpiry.Cached)
	assert.Len(t, afterExpiry.Runs, 2)
	assert.Equal(t, "Farmer u2", afterExpiry.Runs[0].PlayerName)
}

func TestFeedHonoursWindowAndPageSize(t *testing.T) {
	f := newFixture(t, NewNoopStore())
	for index := 0; index < 20; index++ {
		seedRun(t, f.db, fmt.Sprintf("p%02d", index), "small", 10, 500, epochMillis-int64(index)*60_000)
	}
	seedRun(t, f.db, "old", "small", 10, 500, epochMillis-25*time.Hour.Milliseconds())

	result := f.service.Feed(context.Background())

	assert.False(t, result.Fallback)
	assert.Equal(t, int64(20), result.Total)
	require.Len(t, result.Runs, DefaultPageSize)
	assert.Equal(t, epochMillis, result.Runs[0].CreatedAt)
	for _, run := range result.Runs {
		assert.NotEqual(t, "Farmer old", run.PlayerName)
	}
}

func TestFeedExcludesFutureDatedEntries(t *testing.T) {
	f := newFixture(t, NewNoopStore())
	ctx := context.Background()
	seedRun(t, f.db, "u1", "medium", 185, 1250, epochMillis-1000)
	seedRun(t, f.db, "u2", "large", 9000, 1250, epochMillis+(365*24*time.Hour).Milliseconds())

	feed := f.service.Feed(ctx)
	require.False(t, feed.Fallback)
	require.Len(t, feed.Runs, 1)
	assert.Equal(t, "Farmer u1", feed.Runs[0].PlayerName)
	assert.Equal(t, int64(1), feed.Total)

	stats := f.service.CommunityStats(ctx, true)
	require.NotNil(t, stats.Stats.BestRun)
	assert.Equal(t, "Farmer u1", stats.Stats.BestRun.PlayerName)
}

func TestCommunityStatsAggregatesStore(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	seedRun(t, f.db, "u1", "medium", 185, 1250, epochMillis-1000)
	seedRun(t, f.db, "u1", "medium", 115, 750, epochMillis-2000)
	seedRun(t, f.db, "u2", "large", 300, 1500, epochMillis-48*time.Hour.Milliseconds())
	require.NoError(t, f.db.Create(&records.StoredRecord{
		RecordID: "calc-1", OwnerKey: "u3", Variant: records.VariantCalculation, NaturalKey: "5",
		DedupeKey: "calculation:small", MapLabel: "small", Tokens: 40, CreatedAtMillis: epochMillis - 5000,
	}).Error)

	result := f.service.CommunityStats(context.Background(), false)

	require.False(t, result.Fallback)
	stats := result.Stats
	assert.Equal(t, int64(3), stats.TotalRuns)
	assert.Equal(t, int64(1), stats.TotalCalculations)
	assert.Equal(t, int64(2), stats.ActivePlayers)
	assert.Equal(t, 640.0, stats.TotalTokens)
	assert.Equal(t, 1166.67, stats.AverageLuck)
	assert.Equal(t, 200.0, stats.AverageTokensPerRun)
	require.Len(t, stats.TopMaps, 2)
	assert.Equal(t, MapStat{Map: "medium", Runs: 2, AverageTokens: 150}, stats.TopMaps[0])
	require.NotNil(t, stats.BestRun)
	assert.Equal(t, "Farmer u2", stats.BestRun.PlayerName)
	assert.Equal(t, epochMillis, stats.GeneratedAt)
}

func TestCommunityStatsForceBypassesCachedRead(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	seedRun(t, f.db, "u1", "medium", 185, 1250, epochMillis-1000)

	first := f.service.CommunityStats(ctx, false)
	require.False(t, first.Cached)
	seedRun(t, f.db, "u2", "small", 50, 500, epochMillis-500)

	cached := f.service.CommunityStats(ctx, false)
	assert.True(t, cached.Cached)
	assert.Equal(t, int64(1), cached.Stats.TotalRuns)

	forced := f.service.CommunityStats(ctx, true)
	assert.False(t, forced.Cached)
	assert.Equal(t, int64(2), forced.Stats.TotalRuns)

	refreshed := f.service.CommunityStats(ctx, false)
	assert.True(t, refreshed.Cached)
	assert.Equal(t, int64(2), refreshed.Stats.TotalRuns)
}

func TestCommunityStatsFallsBackWhenStoreFails(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	result := f.service.CommunityStats(context.Background(), false)

	assert.True(t, result.Fallback)
	assert.False(t, result.Cached)
	assert.NotZero(t, result.Stats.TotalRuns)
	assert.Equal(t, 1, f.logs.FilterField(zap.String("reason", "aggregation_failed")).Len())

	feed := f.service.Feed(context.Background())
	assert.True(t, feed.Fallback)
	assert.NotEmpty(t, feed.Runs)
}

func TestCacheFailuresAreNotFatal(t *testing.T) {
	cache := &failingStore{}
	f := newFixture(t, cache)
	seedRun(t, f.db, "u1", "medium", 185, 1250, epochMillis-1000)

	result := f.service.Feed(context.Background())

	assert.False(t, result.Fallback)
	assert.False(t, result.Cached)
	assert.Len(t, result.Runs, 1)
	assert.Equal(t, 1, cache.gets)
	assert.Equal(t, 1, cache.sets)
	assert.Equal(t, 2, f.logs.FilterMessage("aggregate cache degraded").Len())
}

func TestCorruptCacheEntryIsTreatedAsMiss(t *testing.T) {
	cache := NewMemoryStore()
	f := newFixture(t, cache)
	seedRun(t, f.db, "u1", "medium", 185, 1250, epochMillis-1000)
	require.NoError(t, cache.Set(context.Background(), FeedCacheKey, []byte("not json"), time.Minute))

	result := f.service.Feed(context.Background())

	assert.False(t, result.Cached)
	assert.Len(t, result.Runs, 1)
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	assert.Error(t, err)
}
