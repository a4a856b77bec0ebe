// Package database owns the sqlite connection, the storage schema ladder and the settings namespace.
package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite establishes a SQLite connection and brings the storage schema up to date.
// blobDir is the directory storage migrations may reorganize.
func OpenSQLite(path string, blobDir string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if blobDir == "" {
		return nil, fmt.Errorf("blob directory is required")
	}
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	applied, err := ApplyStorageMigrations(db, blobDir, zapLogger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	zapLogger.Info("database initialized", zap.String("path", path), zap.Int("migrations_applied", applied))
	return db, nil
}
