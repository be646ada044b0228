package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

const (
	migrationPruneNonPositiveFeedEntries = "2026-09-14_prune_non_positive_feed_entries"
	migrationNormalizeDedupeKeys         = "2026-10-02_normalize_dedupe_keys"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPruneNonPositiveFeedEntries, apply: pruneNonPositiveFeedEntries},
		{name: migrationNormalizeDedupeKeys, apply: normalizeDedupeKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Feed entries must carry a positive yield.
func pruneNonPositiveFeedEntries(db *gorm.DB) error {
	return db.Where("tokens <= 0").Delete(&records.FeedEntry{}).Error
}

// Map labels are compared case-insensitively by the duplicate window.
func normalizeDedupeKeys(db *gorm.DB) error {
	return db.Model(&records.StoredRecord{}).
		Where("variant <> ? AND dedupe_key <> LOWER(dedupe_key)", records.VariantEquipmentBuild).
		Update("dedupe_key", gorm.Expr("LOWER(dedupe_key)")).Error
}
