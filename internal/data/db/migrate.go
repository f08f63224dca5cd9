package db

import (
	"gorm.io/gorm"

	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		// Workflow engine
		&types.Step{},
		&types.Task{},

		// Referenced archival entities
		&types.InformationPackage{},
	)
}
