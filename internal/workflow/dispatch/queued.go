package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"

	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
	"github.com/yungbote/archivebridge-backend/internal/workflow/planner"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

/*
Queued submits leaves to the shared store-backed work queue and joins
them by watching their rows. Only (task id, queue) crosses the wire:
workers reload the row and re-resolve the implementation by name, so a
worker fleet on other hosts executes exactly what the eager path would.

Chain ordering is enforced here: leaf k+1 is not marked queued until
leaf k's row turns terminal.
*/
type Queued struct {
	log      *logger.Logger
	tasks    repos.TaskRepo
	registry *runtime.Registry

	PollInterval time.Duration
}

func NewQueued(baseLog *logger.Logger, tasks repos.TaskRepo, registry *runtime.Registry) *Queued {
	return &Queued{
		log:          baseLog.With("component", "QueuedDispatcher"),
		tasks:        tasks,
		registry:     registry,
		PollInterval: 250 * time.Millisecond,
	}
}

func (d *Queued) Dispatch(ctx context.Context, plan planner.Node) (*Handle, error) {
	h := newHandle()
	go func() {
		err := walk(ctx, plan, func(ctx context.Context, task *types.Task) error {
			leafErr := d.runLeaf(ctx, task)
			h.add(Outcome{
				TaskID: task.ID,
				Name:   task.Name,
				Result: task.Result,
				Err:    leafErr,
			})
			return leafErr
		})
		h.finish(err)
	}()
	return h, nil
}

func (d *Queued) runLeaf(ctx context.Context, task *types.Task) error {
	if task.Composite {
		return nil
	}
	dbc := dbctx.Context{Ctx: ctx}

	queue := task.Queue
	if queue == "" {
		queue = d.registry.QueueFor(task.Name)
	}
	now := time.Now().UTC()
	queued, err := d.tasks.UpdateFieldsUnlessStatus(dbc, task.ID, types.TerminalStatuses, map[string]interface{}{
		"queue":     queue,
		"queued_at": now,
	})
	if err != nil {
		return err
	}
	if !queued {
		// Already terminal; join from the stored row.
		return d.joinRow(ctx, task)
	}
	return d.pollUntilTerminal(ctx, task)
}

func (d *Queued) pollUntilTerminal(ctx context.Context, task *types.Task) error {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			row, err := d.tasks.GetByID(dbctx.Context{Ctx: ctx}, task.ID)
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("task %s vanished while queued", task.ID)
			}
			if types.IsTerminal(row.Status) {
				*task = *row
				return d.joinRow(ctx, task)
			}
		}
	}
}

// joinRow converts a terminal row into the chain's error signal.
func (d *Queued) joinRow(_ context.Context, task *types.Task) error {
	if task.Status != types.StatusFailure {
		return nil
	}
	var einfo types.ExceptionInfo
	if len(task.Einfo) > 0 {
		_ = json.Unmarshal(task.Einfo, &einfo)
	}
	if einfo.Message == "" {
		einfo.Message = "task failed"
	}
	return fmt.Errorf("%s: %s", task.Name, einfo.Message)
}
