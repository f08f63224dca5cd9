package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
	"github.com/yungbote/archivebridge-backend/internal/realtime"
)

/*
Runner owns the per-leaf execution contract. Both execution paths go
through it: the eager dispatcher calls Execute inline, queue workers
call it after claiming a row. The contract:

 1. Transition PENDING/PREPARED -> STARTED, stamp time_started, clear
    any prior einfo. Terminal rows are never re-entered (idempotent
    redelivery).
 2. Decode params; implementations bind keys via the param helpers.
 3. Invoke the implementation (Run, or Undo for undo_type rows) with a
    fresh Handle. Panics are converted to failures.
 4. On return: store result, status=SUCCESS, progress=100, time_done,
    and the event outcome message.
 5. On error: capture kind/message/traceback into einfo, status=FAILURE,
    time_done, and return the error so an enclosing chain halts.
*/
type Runner struct {
	db       *gorm.DB
	log      *logger.Logger
	tasks    repos.TaskRepo
	steps    repos.StepRepo
	packages repos.PackageRepo
	registry *Registry
	notify   realtime.Notifier

	DefaultBlockSize         int
	DefaultChecksumAlgorithm string

	sub SubRunner
}

func NewRunner(db *gorm.DB, baseLog *logger.Logger, tasks repos.TaskRepo, steps repos.StepRepo, packages repos.PackageRepo, registry *Registry, notify realtime.Notifier) *Runner {
	if notify == nil {
		notify = realtime.NopNotifier()
	}
	return &Runner{
		db:       db,
		log:      baseLog.With("component", "TaskRunner"),
		tasks:    tasks,
		steps:    steps,
		packages: packages,
		registry: registry,
		notify:   notify,
	}
}

// SetSubRunner wires the engine back in for eager sub-plan execution
// from inside leaves. Called once during wiring.
func (r *Runner) SetSubRunner(s SubRunner) { r.sub = s }

func (r *Runner) Registry() *Registry { return r.registry }

// Execute runs a single leaf through the full lifecycle and returns the
// leaf's error, if any. Composite rows have no body and succeed
// trivially; their children are expanded by the planner.
func (r *Runner) Execute(ctx context.Context, task *types.Task) error {
	if task == nil {
		return nil
	}
	dbc := dbctx.Context{Ctx: ctx}
	if task.Composite {
		return nil
	}

	impl, ok := r.registry.Get(task.Name)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
		r.fail(ctx, task, KindUnknownTask, err, "")
		return err
	}

	now := time.Now().UTC()
	started, err := r.tasks.UpdateFieldsUnlessStatus(dbc, task.ID, types.TerminalStatuses, map[string]interface{}{
		"status":       types.StatusStarted,
		"time_started": now,
		"einfo":        nil,
	})
	if err != nil {
		return err
	}
	if !started {
		// Row already terminal: a redelivered or raced leaf. Nothing to do.
		return nil
	}
	task.Status = types.StatusStarted
	task.TimeStarted = &now
	task.Einfo = nil

	h := &Handle{
		Ctx:                      ctx,
		DB:                       r.db,
		Task:                     task,
		Tasks:                    r.tasks,
		Steps:                    r.steps,
		Packages:                 r.packages,
		Notify:                   r.notify,
		Log:                      r.log.With("task", task.Name, "task_id", task.ID),
		DefaultBlockSize:         r.DefaultBlockSize,
		DefaultChecksumAlgorithm: r.DefaultChecksumAlgorithm,
		sub:                      r.sub,
		lastProgress:             task.Progress,
	}

	var result any
	runErr := r.invoke(impl, h, task, &result)
	if runErr != nil {
		var pe *panicError
		switch {
		case errors.As(runErr, &pe):
			r.fail(ctx, task, KindPanic, runErr, pe.stack)
		case errors.Is(runErr, ErrParameter):
			r.fail(ctx, task, KindParameterError, runErr, "")
		default:
			r.fail(ctx, task, KindLeafFailure, runErr, "")
		}
		return runErr
	}

	return r.succeed(ctx, impl, h, task, result)
}

func (r *Runner) invoke(impl Task, h *Handle, task *types.Task, result *any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{val: rec, stack: string(debug.Stack())}
		}
	}()
	params := h.Params()
	if task.UndoType {
		if u, ok := impl.(Undoer); ok {
			return u.Undo(h, params)
		}
		// No reverse action registered: the undo record still runs the
		// lifecycle so the chain accounting stays consistent.
		return nil
	}
	*result, err = impl.Run(h, params)
	return err
}

func (r *Runner) succeed(ctx context.Context, impl Task, h *Handle, task *types.Task, result any) error {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now().UTC()

	var res datatypes.JSON
	if result != nil {
		b, mErr := json.Marshal(result)
		if mErr != nil {
			r.log.Warn("Task result not serializable", "task_id", task.ID, "error", mErr)
		} else {
			res = datatypes.JSON(b)
		}
	}
	outcome := ""
	if od, ok := impl.(OutcomeDescriber); ok && !task.UndoType {
		outcome = od.EventOutcomeSuccess(h.Params())
	}

	updated, err := r.tasks.UpdateFieldsUnlessStatus(dbc, task.ID, types.TerminalStatuses, map[string]interface{}{
		"status":    types.StatusSuccess,
		"progress":  100,
		"time_done": now,
		"result":    res,
		"outcome":   outcome,
		"locked_at": nil,
	})
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	task.Status = types.StatusSuccess
	task.Progress = 100
	task.TimeDone = &now
	task.Result = res
	task.Outcome = outcome
	task.LockedAt = nil

	r.notify.TaskDone(ctx, task)
	return nil
}

func (r *Runner) fail(ctx context.Context, task *types.Task, kind string, cause error, traceback string) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	einfo, _ := json.Marshal(types.ExceptionInfo{
		Kind:      kind,
		Message:   msg,
		Traceback: traceback,
	})

	updated, err := r.tasks.UpdateFieldsUnlessStatus(dbc, task.ID, types.TerminalStatuses, map[string]interface{}{
		"status":    types.StatusFailure,
		"time_done": now,
		"einfo":     datatypes.JSON(einfo),
		"locked_at": nil,
	})
	if err != nil {
		r.log.Error("Failed to persist task failure", "task_id", task.ID, "error", err)
		return
	}
	if !updated {
		return
	}
	task.Status = types.StatusFailure
	task.TimeDone = &now
	task.Einfo = datatypes.JSON(einfo)
	task.LockedAt = nil

	r.notify.TaskFailed(ctx, task, msg)
}

// panicError preserves the stack from a recovered leaf panic for einfo.
type panicError struct {
	val   any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.val) }
