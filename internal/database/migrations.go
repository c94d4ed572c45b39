package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/content"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providerconfig"
	"github.com/MarcoPoloResearchLab/mediavault/internal/settings"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillContentVideoIndex = "2024-06-01_backfill_content_video_index"
	migrationVersionProviderSettings   = "2024-06-15_version_provider_settings"

	providerSettingsNamespace = "provider_config"
	backfillBatchSize         = 200
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
		{name: migrationBackfillContentVideoIndex, apply: backfillContentVideoIndex},
		{name: migrationVersionProviderSettings, apply: versionProviderSettings},
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

// backfillContentVideoIndex fills the video columns of rows written before
// they were indexed. Rows with undecodable metadata are left unindexed.
func backfillContentVideoIndex(db *gorm.DB) error {
	var entities []content.Entity
	result := db.Model(&content.Entity{}).FindInBatches(&entities, backfillBatchSize, func(tx *gorm.DB, _ int) error {
		for index := range entities {
			entity := &entities[index]
			changed, err := entity.SyncVideoIndex()
			if err != nil || !changed {
				continue
			}
			if err := tx.Model(&content.Entity{}).
				Where("entity_type = ? AND entity_id = ?", entity.EntityType, entity.EntityID).
				Updates(map[string]interface{}{
					"video_provider": entity.VideoProvider,
					"video_id":       entity.VideoID,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return result.Error
}

// versionProviderSettings rewrites flat pre-versioning provider records in
// the current schema. Secret values are already ciphertext and move as-is.
func versionProviderSettings(db *gorm.DB) error {
	var rows []settings.Setting
	if err := db.Where("namespace = ?", providerSettingsNamespace).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		migrated, err := providerconfig.Migrate(row.Value)
		if err != nil {
			return err
		}
		encoded, err := migrated.Encode()
		if err != nil {
			return err
		}
		if encoded == row.Value {
			continue
		}
		if err := db.Model(&settings.Setting{}).
			Where("namespace = ? AND setting_key = ?", row.Namespace, row.Key).
			Updates(map[string]interface{}{
				"value":    encoded,
				"revision": row.Revision + 1,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}
