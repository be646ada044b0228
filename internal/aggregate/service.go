package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/metrics"
)

const (
	FeedCacheKey  = "activity_feed"
	StatsCacheKey = "community_stats"

	DefaultFeedTTL    = 5 * time.Minute
	DefaultStatsTTL   = 10 * time.Minute
	DefaultFeedWindow = 24 * time.Hour
	DefaultPageSize   = 15

	opFeed  = "aggregate.feed"
	opStats = "aggregate.community_stats"
)

var errMissingDatabase = errors.New("database handle is required")

// FeedRun is one public activity entry.
type FeedRun struct {
	ID         string  `json:"id"`
	PlayerName string  `json:"playerName"`
	Map        string  `json:"map"`
	Luck       float64 `json:"luck"`
	Tokens     float64 `json:"tokens"`
	Efficiency float64 `json:"efficiency"`
	CreatedAt  int64   `json:"createdAt"`
}

// FeedResult is the activity stream response. Fallback marks synthetic data.
type FeedResult struct {
	Runs     []FeedRun `json:"runs"`
	Total    int64     `json:"total"`
	Cached   bool      `json:"cached"`
	Fallback bool      `json:"fallback,omitempty"`
}

// MapStat summarises runs on one map.
type MapStat struct {
	Map           string  `json:"map" gorm:"column:map_label"`
	Runs          int64   `json:"runs" gorm:"column:runs"`
	AverageTokens float64 `json:"averageTokens" gorm:"column:average_tokens"`
}

// BestRun is the highest-yield feed entry.
type BestRun struct {
	PlayerName string  `json:"playerName"`
	Map        string  `json:"map"`
	Tokens     float64 `json:"tokens"`
	CreatedAt  int64   `json:"createdAt"`
}

// AggregateStats is the community statistics panel.
type AggregateStats struct {
	TotalRuns           int64     `json:"totalRuns"`
	TotalCalculations   int64     `json:"totalCalculations"`
	ActivePlayers       int64     `json:"activePlayers"`
	TotalTokens         float64   `json:"totalTokens"`
	AverageLuck         float64   `json:"averageLuck"`
	AverageTokensPerRun float64   `json:"averageTokensPerRun"`
	TopMaps             []MapStat `json:"topMaps"`
	BestRun             *BestRun  `json:"bestRun,omitempty"`
	GeneratedAt         int64     `json:"generatedAt"`
}

// StatsResult is the community statistics response. Fallback marks synthetic data.
type StatsResult struct {
	Stats    AggregateStats `json:"stats"`
	Cached   bool           `json:"cached"`
	Fallback bool           `json:"fallback,omitempty"`
}

// ServiceConfig wires the dependencies of a Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Cache      Store
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Recorder
	FeedTTL    time.Duration
	StatsTTL   time.Duration
	FeedWindow time.Duration
	PageSize   int
}

// Service computes aggregates on cache miss and serves cached copies until they expire.
// Writes elsewhere never invalidate entries; staleness is bounded by the TTL.
type Service struct {
	db         *gorm.DB
	cache      Store
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Recorder
	feedTTL    time.Duration
	statsTTL   time.Duration
	feedWindow time.Duration
	pageSize   int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewNoopStore()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		db:         cfg.Database,
		cache:      cache,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
		feedTTL:    durationOrDefault(cfg.FeedTTL, DefaultFeedTTL),
		statsTTL:   durationOrDefault(cfg.StatsTTL, DefaultStatsTTL),
		feedWindow: durationOrDefault(cfg.FeedWindow, DefaultFeedWindow),
		pageSize:   cfg.PageSize,
	}
	if service.pageSize <= 0 {
		service.pageSize = DefaultPageSize
	}
	return service, nil
}

type feedPayload struct {
	Runs  []FeedRun `json:"runs"`
	Total int64     `json:"total"`
}

// Feed returns the recent public activity stream. It never fails: store errors produce a fallback.
func (s *Service) Feed(ctx context.Context) FeedResult {
	payload, cached, fallback := lookup(ctx, s, opFeed, FeedCacheKey, s.feedTTL, false,
		s.queryFeed,
		func(value feedPayload) bool { return len(value.Runs) == 0 },
		syntheticFeed,
	)
	return FeedResult{Runs: payload.Runs, Total: payload.Total, Cached: cached, Fallback: fallback}
}

// CommunityStats returns the statistics panel. force skips the cached read but still refreshes the entry.
func (s *Service) CommunityStats(ctx context.Context, force bool) StatsResult {
	stats, cached, fallback := lookup(ctx, s, opStats, StatsCacheKey, s.statsTTL, force,
		s.queryStats,
		func(value AggregateStats) bool { return value.TotalRuns+value.TotalCalculations == 0 },
		syntheticStats,
	)
	return StatsResult{Stats: stats, Cached: cached, Fallback: fallback}
}

func lookup[T any](
	ctx context.Context,
	s *Service,
	operation, key string,
	ttl time.Duration,
	force bool,
	compute func(context.Context, time.Time) (T, error),
	empty func(T) bool,
	fallback func(time.Time) T,
) (T, bool, bool) {
	now := s.clock()

	if !force {
		if value, ok := s.readCache(ctx, operation, key, now); ok {
			var decoded T
			err := json.Unmarshal(value, &decoded)
			if err == nil {
				s.metrics.CacheLookup(key, metrics.CacheResultHit)
				return decoded, true, false
			}
			s.logWarn(operation, "cache_decode_failed", err, zap.String("cache_key", key))
		}
	}

	value, err := compute(ctx, now)
	if err != nil {
		s.logError(operation, "aggregation_failed", err)
		s.metrics.CacheLookup(key, metrics.CacheResultFallback)
		return fallback(now), false, true
	}
	if empty(value) {
		s.metrics.CacheLookup(key, metrics.CacheResultFallback)
		return fallback(now), false, true
	}

	s.writeCache(ctx, operation, key, value, now, ttl)
	s.metrics.CacheLookup(key, metrics.CacheResultMiss)
	return value, false, false
}

func (s *Service) readCache(ctx context.Context, operation, key string, now time.Time) ([]byte, bool) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logWarn(operation, "cache_read_failed", err, zap.String("cache_key", key))
		s.metrics.CacheLookup(key, metrics.CacheResultError)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logWarn(operation, "cache_entry_invalid", err, zap.String("cache_key", key))
		return nil, false
	}
	if entry.Key != key || !entry.Fresh(now) {
		return nil, false
	}
	return entry.Value, true
}

func (s *Service) writeCache(ctx context.Context, operation, key string, value any, now time.Time, ttl time.Duration) {
	encoded, err := json.Marshal(value)
	if err != nil {
		s.logWarn(operation, "cache_encode_failed", err, zap.String("cache_key", key))
		return
	}
	entry, err := json.Marshal(CacheEntry{
		Key:             key,
		Value:           encoded,
		ExpiresAtMillis: now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		s.logWarn(operation, "cache_encode_failed", err, zap.String("cache_key", key))
		return
	}
	if err := s.cache.Set(ctx, key, entry, ttl); err != nil {
		s.logWarn(operation, "cache_write_failed", err, zap.String("cache_key", key))
		s.metrics.CacheLookup(key, metrics.CacheResultError)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	s.logger.Error("aggregate service error", s.fields(operation, reason, err, fields)...)
}

func (s *Service) logWarn(operation, reason string, err error, fields ...zap.Field) {
	s.logger.Warn("aggregate cache degraded", s.fields(operation, reason, err, fields)...)
}

func (s *Service) fields(operation, reason string, err error, extra []zap.Field) []zap.Field {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	return append(attrs, extra...)
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
