package aggregate

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheRow backs DatabaseStore.
type CacheRow struct {
	Key             string `gorm:"column:cache_key;primaryKey;size:190;not null"`
	Value           []byte `gorm:"column:value;not null"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CacheRow) TableName() string {
	return "aggregate_cache"
}

// DatabaseStore keeps cache envelopes in the relational store for deployments without redis.
type DatabaseStore struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewDatabaseStore(db *gorm.DB, clock func() time.Time) *DatabaseStore {
	if clock == nil {
		clock = time.Now
	}
	return &DatabaseStore{db: db, clock: clock}
}

func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, nil
	}
	var row CacheRow
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Join(ErrCacheUnavailable, err)
	}
	return row.Value, true, nil
}

func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.db == nil || ttl <= 0 {
		return nil
	}
	row := CacheRow{
		Key:             key,
		Value:           value,
		ExpiresAtMillis: s.clock().Add(ttl).UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at_ms"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Join(ErrCacheUnavailable, err)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed. Reads never depend on it.
func (s *DatabaseStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("expires_at_ms <= ?", s.clock().UnixMilli()).Delete(&CacheRow{})
	return result.RowsAffected, result.Error
}
