package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/kvstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRenameLegacyQueueKey  = "2026-08-12_rename_legacy_queue_key"
	migrationDropLegacySnapshotKey = "2026-09-03_drop_legacy_snapshot_keys"

	legacyQueueKey         = "offline_queue"
	currentQueueKey        = "queue:actions"
	legacySnapshotKeyMatch = "session_cache_%"
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
		{name: migrationRenameLegacyQueueKey, apply: renameLegacyQueueKey},
		{name: migrationDropLegacySnapshotKey, apply: dropLegacySnapshotKeys},
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

// renameLegacyQueueKey moves the pre-namespace queue blob under queue:actions unless a
// current queue already exists.
func renameLegacyQueueKey(db *gorm.DB) error {
	var current int64
	if err := db.Model(&kvstore.Entry{}).Where("entry_key = ?", currentQueueKey).Count(&current).Error; err != nil {
		return err
	}
	if current > 0 {
		return db.Where("entry_key = ?", legacyQueueKey).Delete(&kvstore.Entry{}).Error
	}
	return db.Model(&kvstore.Entry{}).
		Where("entry_key = ?", legacyQueueKey).
		Update("entry_key", currentQueueKey).Error
}

// Legacy snapshots predate schema versioning and can never validate.
func dropLegacySnapshotKeys(db *gorm.DB) error {
	return db.Where("entry_key LIKE ?", legacySnapshotKeyMatch).Delete(&kvstore.Entry{}).Error
}
