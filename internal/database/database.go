package database

import (
	"fmt"
	"log/slog"

	"github.com/web-casa/mcstack/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Init opens the SQLite audit database and runs auto-migration
func Init(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.Exec("PRAGMA journal_mode=WAL")
	sqlDB.Exec("PRAGMA busy_timeout=5000")

	if err := db.AutoMigrate(&model.AuditLog{}); err != nil {
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}

	slog.Info("audit database initialized", "path", dbPath)
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
