package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/archivebridge-backend/internal/platform/envutil"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
)

// NewSQLite opens a sqlite-backed gorm handle. Used for single-node
// deployments and for the test suite (":memory:" path).
func NewSQLite(logg *logger.Logger, path string) (*gorm.DB, error) {
	if path == "" {
		path = envutil.String("SQLITE_PATH", "archivebridge.db")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite at %s: %w", path, err)
	}
	logg.With("service", "SQLiteService").Debug("Opened sqlite database", "path", path)
	return db, nil
}
