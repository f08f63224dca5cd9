package planner

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

// Mode selects which lifecycle walk the planner performs.
type Mode int

const (
	ModeRun Mode = iota
	ModeUndo
	ModeRetry
	ModeResume
)

func (m Mode) String() string {
	switch m {
	case ModeRun:
		return "run"
	case ModeUndo:
		return "undo"
	case ModeRetry:
		return "retry"
	case ModeResume:
		return "resume"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Options carry per-invocation planning inputs. Attempt groups every
// undo/retry record created by one operator call.
type Options struct {
	OnlyFailed bool
	Attempt    uuid.UUID
}

/*
Planner walks a step/task tree and produces a plan of CHAIN and GROUP
nodes for a lifecycle mode.

Shape rules for a step S with ordered child steps CS and tasks TS,
Op = GROUP iff S.parallel else CHAIN:

	RUN    CHAIN(Op(plan(CS)), Op(leaves(TS)))      (children before tasks)
	UNDO   CHAIN(Op(undo leaves of reversed TS), Op(undo(reversed CS)))
	RETRY  CHAIN(Op(retry(CS)), Op(retry leaves of TS))
	RESUME RUN over the pending subset

One-sided steps collapse to the non-empty side. UNDO and RETRY create
their mirror records (pointer update + new row in one transaction)
during planning, so planning an undo twice in a row finds nothing
eligible the second time.
*/
type Planner struct {
	db       *gorm.DB
	log      *logger.Logger
	steps    repos.StepRepo
	tasks    repos.TaskRepo
	registry *runtime.Registry
}

func New(db *gorm.DB, baseLog *logger.Logger, steps repos.StepRepo, tasks repos.TaskRepo, registry *runtime.Registry) *Planner {
	return &Planner{
		db:       db,
		log:      baseLog.With("component", "Planner"),
		steps:    steps,
		tasks:    tasks,
		registry: registry,
	}
}

func (p *Planner) PlanStep(dbc dbctx.Context, step *types.Step, mode Mode, opts Options) (Node, error) {
	if step == nil {
		return nil, nil
	}
	switch mode {
	case ModeRun:
		return p.planStepRun(dbc, step)
	case ModeUndo:
		return p.planStepUndo(dbc, step, opts)
	case ModeRetry:
		return p.planStepRetry(dbc, step, opts)
	case ModeResume:
		return p.planStepResume(dbc, step)
	}
	return nil, fmt.Errorf("unsupported plan mode %v", mode)
}

// PlanTask plans a single task subtree. UNDO here recurses into the
// task's children (children first, own reverse action last), unlike
// step-level undo which only mirrors the step's direct tasks.
func (p *Planner) PlanTask(dbc dbctx.Context, task *types.Task, mode Mode, opts Options) (Node, error) {
	if task == nil {
		return nil, nil
	}
	switch mode {
	case ModeRun:
		return p.planTaskRun(dbc, task)
	case ModeUndo:
		return p.planTaskUndoTree(dbc, task, opts)
	case ModeRetry:
		return p.planTaskRetry(dbc, task, opts)
	case ModeResume:
		if task.UndoType || task.UndoneID != nil || task.Status != types.StatusPending {
			return nil, nil
		}
		return p.planTaskRun(dbc, task)
	}
	return nil, fmt.Errorf("unsupported plan mode %v", mode)
}

// ---------------- RUN ----------------

func (p *Planner) planStepRun(dbc dbctx.Context, step *types.Step) (Node, error) {
	childSteps, err := p.steps.ChildSteps(dbc, step.ID)
	if err != nil {
		return nil, err
	}
	tasks, err := p.tasks.LiveForStep(dbc, step.ID)
	if err != nil {
		return nil, err
	}

	stepNodes := make([]Node, 0, len(childSteps))
	for _, cs := range childSteps {
		n, err := p.planStepRun(dbc, cs)
		if err != nil {
			return nil, err
		}
		stepNodes = append(stepNodes, n)
	}
	taskNodes := make([]Node, 0, len(tasks))
	for _, t := range tasks {
		n, err := p.planTaskRun(dbc, t)
		if err != nil {
			return nil, err
		}
		taskNodes = append(taskNodes, n)
	}

	return sequence(
		compose(step.Parallel, stepNodes),
		compose(step.Parallel, taskNodes),
	), nil
}

// planTaskRun emits the leaf followed by any nested sub-tasks. Pure
// composites contribute only their children.
func (p *Planner) planTaskRun(dbc dbctx.Context, task *types.Task) (Node, error) {
	children, err := p.tasks.LiveChildren(dbc, task.ID)
	if err != nil {
		return nil, err
	}
	childNodes := make([]Node, 0, len(children))
	for _, c := range children {
		n, err := p.planTaskRun(dbc, c)
		if err != nil {
			return nil, err
		}
		childNodes = append(childNodes, n)
	}
	childPlan := compose(task.Parallel, childNodes)

	if task.Composite {
		return childPlan, nil
	}
	return sequence(Leaf{Task: task}, childPlan), nil
}

// ---------------- UNDO ----------------

func (p *Planner) planStepUndo(dbc dbctx.Context, step *types.Step, opts Options) (Node, error) {
	childSteps, err := p.steps.ChildSteps(dbc, step.ID)
	if err != nil {
		return nil, err
	}
	tasks, err := p.tasks.UndoableForStep(dbc, step.ID, opts.OnlyFailed)
	if err != nil {
		return nil, err
	}

	taskNodes := make([]Node, 0, len(tasks))
	for i := len(tasks) - 1; i >= 0; i-- {
		n, err := p.planTaskUndo(dbc, tasks[i], opts)
		if err != nil {
			return nil, err
		}
		taskNodes = append(taskNodes, n)
	}
	stepNodes := make([]Node, 0, len(childSteps))
	for i := len(childSteps) - 1; i >= 0; i-- {
		n, err := p.planStepUndo(dbc, childSteps[i], opts)
		if err != nil {
			return nil, err
		}
		stepNodes = append(stepNodes, n)
	}

	// Undo reverses the run shape: this step's tasks first, children after.
	return sequence(
		compose(step.Parallel, taskNodes),
		compose(step.Parallel, stepNodes),
	), nil
}

func (p *Planner) planTaskUndo(dbc dbctx.Context, task *types.Task, opts Options) (Node, error) {
	if task.UndoType || task.UndoneID != nil {
		return nil, nil
	}
	undoObj, err := p.createUndoRecord(dbc, task, opts.Attempt)
	if err != nil {
		return nil, err
	}
	// Composite rows get the record too: it has no reverse body, but the
	// accounting stays consistent.
	return Leaf{Task: undoObj}, nil
}

// planTaskUndoTree undoes a task's children (in reverse, optionally
// only failed ones) before the task's own reverse action.
func (p *Planner) planTaskUndoTree(dbc dbctx.Context, task *types.Task, opts Options) (Node, error) {
	children, err := p.tasks.Children(dbc, task.ID)
	if err != nil {
		return nil, err
	}
	childNodes := make([]Node, 0, len(children))
	for i := len(children) - 1; i >= 0; i-- {
		c := children[i]
		if opts.OnlyFailed && c.Status != types.StatusFailure {
			continue
		}
		n, err := p.planTaskUndoTree(dbc, c, opts)
		if err != nil {
			return nil, err
		}
		childNodes = append(childNodes, n)
	}
	var own Node
	if !opts.OnlyFailed || task.Status == types.StatusFailure {
		own, err = p.planTaskUndo(dbc, task, opts)
		if err != nil {
			return nil, err
		}
	}
	return sequence(
		compose(task.Parallel, childNodes),
		own,
	), nil
}

// createUndoRecord allocates the undo sibling and points the original
// at it, in one transaction.
func (p *Planner) createUndoRecord(dbc dbctx.Context, task *types.Task, attempt uuid.UUID) (*types.Task, error) {
	if task.UndoneID != nil {
		return nil, fmt.Errorf("%w: task %s already has an outstanding undo", runtime.ErrIntegrity, task.ID)
	}
	if attempt == uuid.Nil {
		attempt = uuid.New()
	}
	undoObj := &types.Task{
		ID:            uuid.New(),
		Name:          task.Name,
		Composite:     task.Composite,
		Status:        types.StatusPrepared,
		Params:        task.Params,
		Attempt:       attempt,
		ParentStepID:  task.ParentStepID,
		ParentStepPos: task.ParentStepPos,
		ParentTaskID:  task.ParentTaskID,
		ParentPos:     task.ParentPos,
		Parallel:      task.Parallel,
		Hidden:        task.Hidden,
		UndoType:      true,
		PackageID:     task.PackageID,
		Queue:         task.Queue,
	}
	if undoObj.Queue == "" {
		undoObj.Queue = p.registry.QueueFor(task.Name)
	}
	err := p.transact(dbc, func(txc dbctx.Context) error {
		if _, err := p.tasks.Create(txc, []*types.Task{undoObj}); err != nil {
			return err
		}
		return p.tasks.UpdateFields(txc, task.ID, map[string]interface{}{
			"undone_id": undoObj.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	task.UndoneID = &undoObj.ID
	return undoObj, nil
}

// ---------------- RETRY ----------------

func (p *Planner) planStepRetry(dbc dbctx.Context, step *types.Step, opts Options) (Node, error) {
	childSteps, err := p.steps.ChildSteps(dbc, step.ID)
	if err != nil {
		return nil, err
	}
	tasks, err := p.tasks.RetriableForStep(dbc, step.ID)
	if err != nil {
		return nil, err
	}

	stepNodes := make([]Node, 0, len(childSteps))
	for _, cs := range childSteps {
		n, err := p.planStepRetry(dbc, cs, opts)
		if err != nil {
			return nil, err
		}
		stepNodes = append(stepNodes, n)
	}
	taskNodes := make([]Node, 0, len(tasks))
	for _, t := range tasks {
		n, err := p.planTaskRetry(dbc, t, opts)
		if err != nil {
			return nil, err
		}
		taskNodes = append(taskNodes, n)
	}

	return sequence(
		compose(step.Parallel, stepNodes),
		compose(step.Parallel, taskNodes),
	), nil
}

func (p *Planner) planTaskRetry(dbc dbctx.Context, task *types.Task, opts Options) (Node, error) {
	if task.UndoneID == nil || task.RetriedID != nil {
		return nil, nil
	}
	retryObj, err := p.createRetryRecord(dbc, task, opts.Attempt)
	if err != nil {
		return nil, err
	}
	children, err := p.tasks.RetriableChildren(dbc, task.ID)
	if err != nil {
		return nil, err
	}
	childNodes := make([]Node, 0, len(children))
	for _, c := range children {
		n, err := p.planTaskRetry(dbc, c, opts)
		if err != nil {
			return nil, err
		}
		childNodes = append(childNodes, n)
	}
	childPlan := compose(task.Parallel, childNodes)

	if task.Composite {
		return childPlan, nil
	}
	return sequence(Leaf{Task: retryObj}, childPlan), nil
}

// createRetryRecord allocates the replacement sibling (same name and
// params, fresh attempt) and points the original at it.
func (p *Planner) createRetryRecord(dbc dbctx.Context, task *types.Task, attempt uuid.UUID) (*types.Task, error) {
	if task.RetriedID != nil {
		return nil, fmt.Errorf("%w: task %s already has an outstanding retry", runtime.ErrIntegrity, task.ID)
	}
	if attempt == uuid.Nil {
		attempt = uuid.New()
	}
	retryObj := &types.Task{
		ID:            uuid.New(),
		Name:          task.Name,
		Composite:     task.Composite,
		Status:        types.StatusPrepared,
		Params:        task.Params,
		Attempt:       attempt,
		ParentStepID:  task.ParentStepID,
		ParentStepPos: task.ParentStepPos,
		ParentTaskID:  task.ParentTaskID,
		ParentPos:     task.ParentPos,
		Parallel:      task.Parallel,
		Hidden:        task.Hidden,
		PackageID:     task.PackageID,
		Queue:         task.Queue,
	}
	if retryObj.Queue == "" {
		retryObj.Queue = p.registry.QueueFor(task.Name)
	}
	err := p.transact(dbc, func(txc dbctx.Context) error {
		if _, err := p.tasks.Create(txc, []*types.Task{retryObj}); err != nil {
			return err
		}
		return p.tasks.UpdateFields(txc, task.ID, map[string]interface{}{
			"retried_id": retryObj.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	task.RetriedID = &retryObj.ID
	return retryObj, nil
}

// ---------------- RESUME ----------------

func (p *Planner) planStepResume(dbc dbctx.Context, step *types.Step) (Node, error) {
	childSteps, err := p.steps.ChildSteps(dbc, step.ID)
	if err != nil {
		return nil, err
	}
	tasks, err := p.tasks.PendingForStep(dbc, step.ID)
	if err != nil {
		return nil, err
	}

	stepNodes := make([]Node, 0, len(childSteps))
	for _, cs := range childSteps {
		pending, err := p.hasPendingTasks(dbc, cs)
		if err != nil {
			return nil, err
		}
		if !pending {
			continue
		}
		n, err := p.planStepRun(dbc, cs)
		if err != nil {
			return nil, err
		}
		stepNodes = append(stepNodes, n)
	}
	taskNodes := make([]Node, 0, len(tasks))
	for _, t := range tasks {
		n, err := p.planTaskRun(dbc, t)
		if err != nil {
			return nil, err
		}
		taskNodes = append(taskNodes, n)
	}

	return sequence(
		compose(step.Parallel, stepNodes),
		compose(step.Parallel, taskNodes),
	), nil
}

func (p *Planner) hasPendingTasks(dbc dbctx.Context, step *types.Step) (bool, error) {
	tasks, err := p.tasks.PendingForStep(dbc, step.ID)
	if err != nil {
		return false, err
	}
	if len(tasks) > 0 {
		return true, nil
	}
	children, err := p.steps.ChildSteps(dbc, step.ID)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		pending, err := p.hasPendingTasks(dbc, c)
		if err != nil {
			return false, err
		}
		if pending {
			return true, nil
		}
	}
	return false, nil
}

func (p *Planner) transact(dbc dbctx.Context, fn func(txc dbctx.Context) error) error {
	if dbc.Tx != nil {
		return fn(dbc)
	}
	return p.db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: dbc.Ctx, Tx: tx})
	})
}
