package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/sources"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := migrateSchema(database); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := sources.Source{
		SourceID:  "legacy",
		Transport: "file",
		Name:      "legacy.log",
		Endpoint:  "legacy.log",
		Status:    sources.StatusInactive,
		CreatedAt: time.Now().UTC(),
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert source: %v", err)
	}
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	positions := []tracking.Position{
		{MessageID: 1, StationID: "244000001", Timestamp: now, SourceID: "legacy"},
		{MessageID: 2, StationID: "244000001", Timestamp: now.Add(time.Minute), SourceID: "legacy"},
		{MessageID: 3, StationID: "2442000", Timestamp: now, SourceID: "legacy", IsBaseStation: true},
	}
	if err := database.Create(&positions).Error; err != nil {
		testContext.Fatalf("failed to insert positions: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored sources.Source
	if err := database.Take(&stored, "source_id = ?", "legacy").Error; err != nil {
		testContext.Fatalf("failed to reload source: %v", err)
	}
	if stored.SpoofLimitKM != sources.DefaultSpoofLimitKM {
		testContext.Fatalf("expected default spoof limit, got %v", stored.SpoofLimitKM)
	}

	var attributions []tracking.VesselSource
	if err := database.Find(&attributions).Error; err != nil {
		testContext.Fatalf("failed to load attributions: %v", err)
	}
	if len(attributions) != 2 {
		testContext.Fatalf("expected two attribution rows, got %d", len(attributions))
	}
	byStation := make(map[string]tracking.VesselSource, len(attributions))
	for _, attribution := range attributions {
		byStation[attribution.StationID] = attribution
	}
	baseStation, ok := byStation["2442000"]
	if !ok || !baseStation.NonVessel {
		testContext.Fatalf("expected base station flagged as non-vessel, got %+v", attributions)
	}
	vessel, ok := byStation["244000001"]
	if !ok || vessel.NonVessel {
		testContext.Fatalf("expected vessel attribution, got %+v", attributions)
	}
	if !vessel.LastSeen.Equal(now.Add(time.Minute)) {
		testContext.Fatalf("expected latest fix as last_seen, got %v", vessel.LastSeen)
	}

	for _, name := range []string{migrationDefaultSpoofLimit, migrationSeedVesselAttributions} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "oracle"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Options{Driver: "postgres"}, nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "tidewatch.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("open: %v", err)
	}
	for _, table := range []string{"sources", "messages", "positions", "vessels", "vessel_sources", "text_messages", "vessel_enrichment", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}
