package realtime

import (
	"context"
	"time"

	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
)

// Notifier is the side channel the task runtime emits lifecycle events
// on. Implementations must be safe for concurrent use and must never
// block task execution on delivery.
type Notifier interface {
	TaskProgress(ctx context.Context, t *types.Task, progress int)
	TaskDone(ctx context.Context, t *types.Task)
	TaskFailed(ctx context.Context, t *types.Task, errMsg string)
}

type nopNotifier struct{}

func (nopNotifier) TaskProgress(context.Context, *types.Task, int)  {}
func (nopNotifier) TaskDone(context.Context, *types.Task)           {}
func (nopNotifier) TaskFailed(context.Context, *types.Task, string) {}

// NopNotifier is used in tests and in deployments without a redis bus.
func NopNotifier() Notifier { return nopNotifier{} }

// Publisher is the subset of the bus the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type busNotifier struct {
	pub Publisher
	log *logger.Logger
}

func NewBusNotifier(pub Publisher, baseLog *logger.Logger) Notifier {
	return &busNotifier{
		pub: pub,
		log: baseLog.With("service", "WorkflowNotifier"),
	}
}

func (n *busNotifier) publish(ctx context.Context, msg Message) {
	msg.At = time.Now().UTC()
	if err := n.pub.Publish(ctx, msg); err != nil {
		n.log.Warn("Failed to publish workflow event", "event", msg.Event, "task_id", msg.TaskID, "error", err)
	}
}

func (n *busNotifier) TaskProgress(ctx context.Context, t *types.Task, progress int) {
	n.publish(ctx, Message{
		Event:     EventTaskProgress,
		TaskID:    t.ID,
		StepID:    t.ParentStepID,
		PackageID: t.PackageID,
		Name:      t.Name,
		Status:    t.Status,
		Progress:  progress,
	})
}

func (n *busNotifier) TaskDone(ctx context.Context, t *types.Task) {
	n.publish(ctx, Message{
		Event:     EventTaskDone,
		TaskID:    t.ID,
		StepID:    t.ParentStepID,
		PackageID: t.PackageID,
		Name:      t.Name,
		Status:    t.Status,
		Progress:  100,
		Outcome:   t.Outcome,
	})
}

func (n *busNotifier) TaskFailed(ctx context.Context, t *types.Task, errMsg string) {
	n.publish(ctx, Message{
		Event:     EventTaskFailed,
		TaskID:    t.ID,
		StepID:    t.ParentStepID,
		PackageID: t.PackageID,
		Name:      t.Name,
		Status:    t.Status,
		Progress:  t.Progress,
		Error:     errMsg,
	})
}
