package database

import (
	"errors"
	"time"

	"github.com/fetchlab/tickmirror/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeCorruptCacheMetadata = "2026-07-14_purge_corrupt_cache_metadata"

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
		{name: migrationPurgeCorruptCacheMetadata, apply: purgeCorruptCacheMetadata},
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
		if err := migration.apply(db); err != nil {
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

// purgeCorruptCacheMetadata removes rows written before expiry stamping was
// enforced. Readers already treat them as cache misses; dropping them lets
// the next sync rewrite them cleanly.
func purgeCorruptCacheMetadata(db *gorm.DB) error {
	for _, model := range []any{&store.Project{}, &store.Task{}, &store.Note{}} {
		if err := db.Where("last_updated_s <= 0 OR cache_expiry_s <= 0").Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}
