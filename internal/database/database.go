package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/sources"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Options selects the datastore. Path is used by sqlite, DSN by postgres and mysql.
type Options struct {
	Driver string
	DSN    string
	Path   string
}

// Open connects to the configured datastore and performs schema migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	dialector, target, err := dialectorFor(options)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := migrateSchema(db); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized",
			zap.String("driver", dialector.Name()),
			zap.String("target", target))
	}
	return db, nil
}

// OpenSQLite opens a sqlite datastore at path.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return Open(Options{Driver: "sqlite", Path: path}, logger)
}

func dialectorFor(options Options) (gorm.Dialector, string, error) {
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case "", "sqlite":
		if strings.TrimSpace(options.Path) == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(options.Path), options.Path, nil
	case "postgres":
		if strings.TrimSpace(options.DSN) == "" {
			return nil, "", fmt.Errorf("database dsn is required")
		}
		return postgres.Open(options.DSN), "postgres", nil
	case "mysql":
		if strings.TrimSpace(options.DSN) == "" {
			return nil, "", fmt.Errorf("database dsn is required")
		}
		return mysql.Open(options.DSN), "mysql", nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}

func migrateSchema(db *gorm.DB) error {
	models := append(tracking.Models(), &sources.Source{}, &migrationRecord{})
	return db.AutoMigrate(models...)
}
