package workflow

import (
	"time"

	"github.com/google/uuid"
)

// InformationPackage is the minimal archival package row that steps and
// tasks reference through their package_id columns. The full archival
// data model lives outside this service; the engine only stamps status
// milestones on it.
type InformationPackage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Label     string    `gorm:"column:label" json:"label"`
	Status    string    `gorm:"column:status;index" json:"status"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (InformationPackage) TableName() string { return "information_package" }
