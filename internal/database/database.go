package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/media"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/placemigration"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the database driver and its data source.
type Options struct {
	Driver string
	DSN    string
}

// Open establishes the connection, migrates every table and applies the
// named one-off migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := strings.TrimSpace(options.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	driver := strings.ToLower(strings.TrimSpace(options.Driver))
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
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

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

// Models lists every record the service persists.
func Models() []any {
	models := chats.Models()
	models = append(models, &users.Account{}, &media.Media{})
	models = append(models, placemigration.Models()...)
	return append(models, &migrationRecord{})
}
