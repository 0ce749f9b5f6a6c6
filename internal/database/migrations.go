package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropLegacyBlobKey = "2026-05-12_drop_legacy_collection_blob"

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
		{name: migrationDropLegacyBlobKey, apply: dropLegacyCollectionBlob},
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
			logger.Info("local cache migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Earlier builds persisted the whole session under a single monolithic key.
// The current layout stores the item collection and each UI flag under its
// own key, so the old blob is removed once.
func dropLegacyCollectionBlob(db *gorm.DB) error {
	return db.Where("k = ?", "session_blob").Delete(&kvRecord{}).Error
}
