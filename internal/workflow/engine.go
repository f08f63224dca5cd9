package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/archivebridge-backend/internal/config"
	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
	"github.com/yungbote/archivebridge-backend/internal/realtime"
	"github.com/yungbote/archivebridge-backend/internal/workflow/dispatch"
	"github.com/yungbote/archivebridge-backend/internal/workflow/planner"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

/*
Engine ties the pieces together and exposes the lifecycle operators:
run, undo, retry and resume over step/task trees. Every operator plans
with the shared Planner and dispatches with either the eager or the
queued dispatcher, selected by configuration. Operators return the
dispatch handle; callers decide whether to await it or let it go.
*/
type Engine struct {
	db       *gorm.DB
	log      *logger.Logger
	cfg      config.Config
	steps    repos.StepRepo
	tasks    repos.TaskRepo
	packages repos.PackageRepo
	registry *runtime.Registry
	runner   *runtime.Runner
	planner  *planner.Planner
	eager    *dispatch.Eager
	queued   *dispatch.Queued

	*Aggregates
}

func NewEngine(db *gorm.DB, baseLog *logger.Logger, cfg config.Config, steps repos.StepRepo, tasks repos.TaskRepo, packages repos.PackageRepo, registry *runtime.Registry, notify realtime.Notifier) *Engine {
	log := baseLog.With("component", "WorkflowEngine")
	runner := runtime.NewRunner(db, baseLog, tasks, steps, packages, registry, notify)
	runner.DefaultBlockSize = cfg.DefaultBlockSize
	runner.DefaultChecksumAlgorithm = cfg.DefaultChecksumAlgorithm

	eager := dispatch.NewEager(runner, baseLog)
	eager.Propagate = cfg.PropagateExceptions
	queued := dispatch.NewQueued(baseLog, tasks, registry)
	if cfg.PollInterval > 0 {
		queued.PollInterval = cfg.PollInterval
	}

	e := &Engine{
		db:         db,
		log:        log,
		cfg:        cfg,
		steps:      steps,
		tasks:      tasks,
		packages:   packages,
		registry:   registry,
		runner:     runner,
		planner:    planner.New(db, baseLog, steps, tasks, registry),
		eager:      eager,
		queued:     queued,
		Aggregates: NewAggregates(steps, tasks),
	}
	runner.SetSubRunner(e)
	return e
}

func (e *Engine) Registry() *runtime.Registry { return e.registry }
func (e *Engine) Runner() *runtime.Runner     { return e.runner }

func (e *Engine) dispatcher() dispatch.Dispatcher {
	if e.cfg.EagerMode {
		return e.eager
	}
	return e.queued
}

// ---------------- authoring ----------------

// CreateStep persists authored steps.
func (e *Engine) CreateStep(dbc dbctx.Context, steps ...*types.Step) error {
	_, err := e.steps.Create(dbc, steps)
	return err
}

// CreateTask validates the referenced name against the registry and
// fills queue/hidden defaults from the implementation before
// persisting. Non-composite rows with an unregistered name are
// rejected.
func (e *Engine) CreateTask(dbc dbctx.Context, tasks ...*types.Task) error {
	for _, t := range tasks {
		if err := e.registry.Validate(t.Name, t.Composite); err != nil {
			return err
		}
		if t.Queue == "" {
			t.Queue = e.registry.QueueFor(t.Name)
		}
		if !t.Hidden {
			t.Hidden = e.registry.HiddenFor(t.Name)
		}
	}
	_, err := e.tasks.Create(dbc, tasks)
	return err
}

// ---------------- lifecycle operators ----------------

// Run plans the step in RUN mode and dispatches it.
func (e *Engine) Run(ctx context.Context, step *types.Step) (*dispatch.Handle, error) {
	dbc := dbctx.Context{Ctx: ctx}
	plan, err := e.planner.PlanStep(dbc, step, planner.ModeRun, planner.Options{})
	if err != nil {
		return nil, err
	}
	return e.dispatcher().Dispatch(ctx, plan)
}

// RunTask plans a single task subtree in RUN mode and dispatches it.
func (e *Engine) RunTask(ctx context.Context, task *types.Task) (*dispatch.Handle, error) {
	dbc := dbctx.Context{Ctx: ctx}
	plan, err := e.planner.PlanTask(dbc, task, planner.ModeRun, planner.Options{})
	if err != nil {
		return nil, err
	}
	return e.dispatcher().Dispatch(ctx, plan)
}

// Undo creates undo records for every eligible task under the step
// (optionally only failed ones) and dispatches their reverse actions,
// tasks before child steps, in reverse declaration order. All records
// created by one call share a fresh attempt id.
func (e *Engine) Undo(ctx context.Context, step *types.Step, onlyFailed bool) (*dispatch.Handle, error) {
	dbc := dbctx.Context{Ctx: ctx}
	plan, err := e.planner.PlanStep(dbc, step, planner.ModeUndo, planner.Options{
		OnlyFailed: onlyFailed,
		Attempt:    uuid.New(),
	})
	if err != nil {
		return nil, err
	}
	return e.dispatcher().Dispatch(ctx, plan)
}

// UndoTask undoes a single task (and its children, children first).
func (e *Engine) UndoTask(ctx context.Context, task *types.Task, onlyFailed bool) (*dispatch.Handle, error) {
	dbc := dbctx.Context{Ctx: ctx}
	plan, err := e.planner.PlanTask(dbc, task, planner.ModeUndo, planner.Options{
		OnlyFailed: onlyFailed,
		Attempt:    uuid.New(),
	})
	if err != nil {
		return nil, err
	}
	return e.dispatcher().Dispatch(ctx, plan)
}

/*
Retry replaces every undone-but-unreplaced task under the step with a
fresh copy (same name and params, new attempt) and runs the copies.

Failed tasks that were never undone are implicitly undone first with
only_failed semantics: the retry rule requires the undo pointer, and
this matches the operator flow of the preservation UI where "retry"
on a failed step is one action. The implicit undo is awaited before
the retry records are planned so the pointer writes are visible.
*/
func (e *Engine) Retry(ctx context.Context, step *types.Step) (*dispatch.Handle, error) {
	dbc := dbctx.Context{Ctx: ctx}

	needUndo, err := e.hasFailedNotUndone(dbc, step)
	if err != nil {
		return nil, err
	}
	if needUndo {
		undoHandle, err := e.Undo(ctx, step, true)
		if err != nil {
			return nil, err
		}
		if _, err := undoHandle.Wait(ctx); err != nil {
			return nil, err
		}
	}

	plan, err := e.planner.PlanStep(dbc, step, planner.ModeRetry, planner.Options{
		Attempt: uuid.New(),
	})
	if err != nil {
		return nil, err
	}
	return e.dispatcher().Dispatch(ctx, plan)
}

// RetryTask retries a single task, implicitly undoing it first when it
// failed without being undone (same rule as Retry over a step).
func (e *Engine) RetryTask(ctx context.Context, task *types.Task) (*dispatch.Handle, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if task.UndoneID == nil && task.Status == types.StatusFailure {
		undoHandle, err := e.UndoTask(ctx, task, true)
		if err != nil {
			return nil, err
		}
		if _, err := undoHandle.Wait(ctx); err != nil {
			return nil, err
		}
	}
	plan, err := e.planner.PlanTask(dbc, task, planner.ModeRetry, planner.Options{
		Attempt: uuid.New(),
	})
	if err != nil {
		return nil, err
	}
	return e.dispatcher().Dispatch(ctx, plan)
}

// Resume re-dispatches the pending subset of the step.
func (e *Engine) Resume(ctx context.Context, step *types.Step) (*dispatch.Handle, error) {
	dbc := dbctx.Context{Ctx: ctx}
	plan, err := e.planner.PlanStep(dbc, step, planner.ModeResume, planner.Options{})
	if err != nil {
		return nil, err
	}
	return e.dispatcher().Dispatch(ctx, plan)
}

// RunStepEagerly implements runtime.SubRunner: leaves use it to execute
// sub-plans inline while their own record is STARTED, regardless of the
// configured dispatch mode (a queue worker must not block on the queue
// it is draining).
func (e *Engine) RunStepEagerly(dbc dbctx.Context, step *types.Step) error {
	plan, err := e.planner.PlanStep(dbc, step, planner.ModeRun, planner.Options{})
	if err != nil {
		return err
	}
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := e.eager.Dispatch(ctx, plan)
	if err != nil {
		return err
	}
	_, err = h.Wait(ctx)
	return err
}

// RetryStepEagerly implements the second half of runtime.SubRunner:
// undo-if-needed plus retry over the sub-step, always inline.
func (e *Engine) RetryStepEagerly(dbc dbctx.Context, step *types.Step) error {
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	needUndo, err := e.hasFailedNotUndone(dbc, step)
	if err != nil {
		return err
	}
	if needUndo {
		plan, err := e.planner.PlanStep(dbc, step, planner.ModeUndo, planner.Options{
			OnlyFailed: true,
			Attempt:    uuid.New(),
		})
		if err != nil {
			return err
		}
		h, err := e.eager.Dispatch(ctx, plan)
		if err != nil {
			return err
		}
		if _, err := h.Wait(ctx); err != nil {
			return err
		}
	}
	plan, err := e.planner.PlanStep(dbc, step, planner.ModeRetry, planner.Options{
		Attempt: uuid.New(),
	})
	if err != nil {
		return err
	}
	h, err := e.eager.Dispatch(ctx, plan)
	if err != nil {
		return err
	}
	_, err = h.Wait(ctx)
	return err
}

func (e *Engine) hasFailedNotUndone(dbc dbctx.Context, step *types.Step) (bool, error) {
	tasks, err := e.tasks.UndoableForStep(dbc, step.ID, true)
	if err != nil {
		return false, err
	}
	if len(tasks) > 0 {
		return true, nil
	}
	children, err := e.steps.ChildSteps(dbc, step.ID)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		found, err := e.hasFailedNotUndone(dbc, c)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// Delete cascades over the step tree.
func (e *Engine) Delete(ctx context.Context, stepID uuid.UUID) error {
	if stepID == uuid.Nil {
		return fmt.Errorf("missing step id")
	}
	return e.steps.Delete(dbctx.Context{Ctx: ctx}, stepID)
}
