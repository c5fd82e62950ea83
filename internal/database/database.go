package database

import (
	"fmt"
	"log/slog"

	"github.com/web-casa/stackpilot/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Init opens the SQLite database and runs auto-migration
func Init(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.Exec("PRAGMA journal_mode=WAL")
	sqlDB.Exec("PRAGMA busy_timeout=5000")

	if err := Migrate(db); err != nil {
		return nil, err
	}

	slog.Info("database initialized", "path", dbPath)
	return db, nil
}

// Migrate creates or updates every table the server uses.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.User{},
		&model.Setting{},
		&model.Agent{},
	); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}
