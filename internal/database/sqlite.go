package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"github.com/MarcoPoloResearchLab/shelf/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenLocal opens the device-side database holding items, lists, settings,
// cache and tombstones, and brings its schema up to date.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	models := append(localstore.Models(), &migrationRecord{})
	return open(path, "local", models, localMigrations(), logger)
}

// OpenRemote opens the multi-tenant database served by the REST API, including
// the account identities tokens are issued for.
func OpenRemote(path string, logger *zap.Logger) (*gorm.DB, error) {
	models := []any{&remote.ItemRecord{}, &remote.ListRecord{}, &users.Identity{}, &migrationRecord{}}
	return open(path, "remote", models, remoteMigrations(), logger)
}

func open(path, role string, models []any, migrations []migrationDefinition, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, migrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("role", role), zap.String("path", path))
	}

	return db, nil
}
