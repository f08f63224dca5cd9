package dispatch

import (
	"context"

	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
	"github.com/yungbote/archivebridge-backend/internal/workflow/planner"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

// Eager executes plans depth-first in the calling goroutine, ignoring
// queue hints. Used in tests, single-process deployments, and for
// sub-plans spawned from inside a worker that must not block on the
// queue they came from.
type Eager struct {
	runner *runtime.Runner
	log    *logger.Logger

	// Propagate re-raises the first leaf error from Dispatch itself in
	// addition to recording it on the handle.
	Propagate bool
}

func NewEager(runner *runtime.Runner, baseLog *logger.Logger) *Eager {
	return &Eager{
		runner: runner,
		log:    baseLog.With("component", "EagerDispatcher"),
	}
}

func (d *Eager) Dispatch(ctx context.Context, plan planner.Node) (*Handle, error) {
	h := newHandle()
	err := walk(ctx, plan, func(ctx context.Context, task *types.Task) error {
		leafErr := d.runner.Execute(ctx, task)
		h.add(Outcome{
			TaskID: task.ID,
			Name:   task.Name,
			Result: task.Result,
			Err:    leafErr,
		})
		return leafErr
	})
	h.finish(err)
	if err != nil && d.Propagate {
		return h, err
	}
	return h, nil
}
