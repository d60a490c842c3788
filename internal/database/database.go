package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/notipy/internal/config"
	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"github.com/MarcoPoloResearchLab/notipy/internal/servers"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Models lists every persisted model of the service.
func Models() []any {
	models := append([]any{}, servers.Models()...)
	models = append(models, links.Models()...)
	return append(models, &migrationRecord{})
}

// Open establishes a connection with the configured driver and performs schema migrations.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch driver {
	case config.DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case config.DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("database driver %q is not supported", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if driver != config.DriverMySQL {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()))
	}

	return db, nil
}
