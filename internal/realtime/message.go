package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Event names carried on the bus.
const (
	EventTaskProgress = "task_progress"
	EventTaskDone     = "task_done"
	EventTaskFailed   = "task_failed"
)

// Message is the wire shape published for every task lifecycle event.
// Consumers (SSE forwarders, dashboards) subscribe to the channel and
// filter on StepID/PackageID themselves.
type Message struct {
	Event     string     `json:"event"`
	TaskID    uuid.UUID  `json:"task_id"`
	StepID    *uuid.UUID `json:"step_id,omitempty"`
	PackageID *uuid.UUID `json:"package_id,omitempty"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Progress  int        `json:"progress"`
	Outcome   string     `json:"outcome,omitempty"`
	Error     string     `json:"error,omitempty"`
	At        time.Time  `json:"at"`
}
