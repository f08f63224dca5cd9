package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Task is a leaf workflow node bound to a registered implementation name
// and a parameter map. A task may carry child tasks of its own (sub-plans
// spawned by the implementation), ordered by (parent_pos, created_at).
//
// RetriedID and UndoneID are non-owning back-references: RetriedID points
// to the task that replaced this one after a retry, UndoneID to the
// undo-record created to reverse this one. At most one of each may be
// outstanding per task.
type Task struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string         `gorm:"column:name;not null;index" json:"name"`
	Composite     bool           `gorm:"column:composite;not null;default:false" json:"composite"`
	Status        string         `gorm:"column:status;not null;default:PENDING;index" json:"status"`
	Progress      int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Params        datatypes.JSON `gorm:"column:params" json:"params"`
	Result        datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	Outcome       string         `gorm:"column:outcome" json:"outcome,omitempty"`
	Einfo         datatypes.JSON `gorm:"column:einfo" json:"einfo,omitempty"`
	TimeStarted   *time.Time     `gorm:"column:time_started" json:"time_started,omitempty"`
	TimeDone      *time.Time     `gorm:"column:time_done" json:"time_done,omitempty"`
	Attempt       uuid.UUID      `gorm:"type:uuid;column:attempt" json:"attempt"`
	ParentStepID  *uuid.UUID     `gorm:"type:uuid;column:parent_step_id;index;index:idx_task_parent_step_pos,priority:1" json:"parent_step_id,omitempty"`
	ParentStepPos int            `gorm:"column:parent_step_pos;not null;default:0;index:idx_task_parent_step_pos,priority:2" json:"parent_step_pos"`
	ParentTaskID  *uuid.UUID     `gorm:"type:uuid;column:parent_task_id;index" json:"parent_task_id,omitempty"`
	ParentPos     int            `gorm:"column:parent_pos;not null;default:0" json:"parent_pos"`
	Parallel      bool           `gorm:"column:parallel;not null;default:false" json:"parallel"`
	Hidden        bool           `gorm:"column:hidden;not null;default:false" json:"hidden"`
	UndoType      bool           `gorm:"column:undo_type;not null;default:false" json:"undo_type"`
	RetriedID     *uuid.UUID     `gorm:"type:uuid;column:retried_id;index" json:"retried_id,omitempty"`
	UndoneID      *uuid.UUID     `gorm:"type:uuid;column:undone_id;index" json:"undone_id,omitempty"`
	PackageID     *uuid.UUID     `gorm:"type:uuid;column:package_id;index" json:"package_id,omitempty"`
	Queue         string         `gorm:"column:queue;index" json:"queue,omitempty"`
	QueuedAt      *time.Time     `gorm:"column:queued_at;index" json:"queued_at,omitempty"`
	LockedAt      *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt   *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (Task) TableName() string { return "workflow_task" }

// ExceptionInfo is the captured failure record persisted in the einfo
// column when a leaf raises.
type ExceptionInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}
