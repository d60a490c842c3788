package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearOrphanPages = "2026-10-01_clear_orphan_pages"

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
		{name: migrationClearOrphanPages, apply: clearOrphanPages},
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

// clearOrphanPages drops page states whose database link no longer exists.
func clearOrphanPages(db *gorm.DB) error {
	linked := db.Model(&links.DatabaseLink{}).Select("database_id")
	return db.Where("database_id NOT IN (?)", linked).Delete(&links.PageState{}).Error
}
