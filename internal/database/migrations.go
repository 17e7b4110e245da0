package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillItemDedupKey = "2026-09-14_backfill_item_dedup_key"
	migrationBackfillListUpdated  = "2026-09-14_backfill_remote_list_updated_at"
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

func localMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillItemDedupKey, apply: backfillItemDedupKey},
	}
}

func remoteMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillListUpdated, apply: backfillListUpdatedAt},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
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

// backfillItemDedupKey derives dedup_key for rows written before the column
// existed. When two rows share a pair, the oldest keeps the key.
func backfillItemDedupKey(db *gorm.DB) error {
	var items []localstore.Item
	if err := db.Where("dedup_key IS NULL").Order("id ASC").Find(&items).Error; err != nil {
		return err
	}
	for _, item := range items {
		key := localstore.DedupKey(item.ExternalID, item.Source)
		if key == nil {
			continue
		}
		var taken int64
		if err := db.Model(&localstore.Item{}).Where("dedup_key = ?", *key).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			continue
		}
		if err := db.Model(&localstore.Item{}).Where("id = ?", item.ID).UpdateColumn("dedup_key", *key).Error; err != nil {
			return err
		}
	}
	return nil
}

func backfillListUpdatedAt(db *gorm.DB) error {
	return db.Model(&remote.ListRecord{}).
		Where("updated_at IS NULL").
		UpdateColumn("updated_at", gorm.Expr("created_at")).Error
}
