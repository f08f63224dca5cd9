package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Step is a named composite workflow node. It owns an ordered sequence of
// child steps and an ordered sequence of tasks; ordering is by
// (parent_step_pos, created_at). Status, progress and time fields are not
// stored on the row, they are derived from the children on read.
type Step struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string     `gorm:"column:name;not null" json:"name"`
	Type          *int       `gorm:"column:type" json:"type,omitempty"`
	User          string     `gorm:"column:user_name" json:"user,omitempty"`
	ParentStepID  *uuid.UUID `gorm:"type:uuid;column:parent_step_id;index;index:idx_step_parent_pos,priority:1" json:"parent_step_id,omitempty"`
	ParentStepPos int        `gorm:"column:parent_step_pos;not null;default:0;index:idx_step_parent_pos,priority:2" json:"parent_step_pos"`
	PackageID     *uuid.UUID `gorm:"type:uuid;column:package_id;index" json:"package_id,omitempty"`
	Parallel      bool       `gorm:"column:parallel;not null;default:false" json:"parallel"`
	Hidden        bool       `gorm:"column:hidden;not null;default:false" json:"hidden"`
	CreatedAt     time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null" json:"updated_at"`
}

func (Step) TableName() string { return "workflow_step" }
