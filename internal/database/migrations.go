package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/sources"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationDefaultSpoofLimit      = "2026-06-01_default_spoof_limit"
	migrationSeedVesselAttributions = "2026-06-15_seed_vessel_attributions"
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
		{name: migrationDefaultSpoofLimit, apply: applyDefaultSpoofLimit},
		{name: migrationSeedVesselAttributions, apply: seedVesselAttributions},
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

// applyDefaultSpoofLimit gives sources created before the column existed the default radius cap.
func applyDefaultSpoofLimit(db *gorm.DB) error {
	return db.Model(&sources.Source{}).
		Where("spoof_limit_km <= 0").
		Update("spoof_limit_km", sources.DefaultSpoofLimitKM).Error
}

// seedVesselAttributions derives source attribution rows from stored positions.
func seedVesselAttributions(db *gorm.DB) error {
	var pairs []struct {
		StationID string
		SourceID  string
	}
	if err := db.Model(&tracking.Position{}).
		Distinct("station_id", "source_id").
		Scan(&pairs).Error; err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}

	rows := make([]tracking.VesselSource, 0, len(pairs))
	for _, pair := range pairs {
		var latest tracking.Position
		if err := db.Where("station_id = ? AND source_id = ?", pair.StationID, pair.SourceID).
			Order("timestamp DESC").
			Take(&latest).Error; err != nil {
			return err
		}
		rows = append(rows, tracking.VesselSource{
			StationID: pair.StationID,
			SourceID:  pair.SourceID,
			LastSeen:  latest.Timestamp,
			NonVessel: latest.IsBaseStation || latest.IsAidToNavigation,
		})
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 200).Error
}
