package planner

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/archivebridge-backend/internal/data/repos/testutil"
	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

type noopTask struct{ name string }

func (t noopTask) Name() string { return t.name }
func (t noopTask) Run(h *runtime.Handle, params map[string]any) (any, error) {
	return nil, nil
}

func newTestPlanner(tb testing.TB) (*Planner, repos.StepRepo, repos.TaskRepo, dbctx.Context) {
	tb.Helper()
	db := testutil.DB(tb)
	log := testutil.Logger(tb)
	steps := repos.NewStepRepo(db, log)
	tasks := repos.NewTaskRepo(db, log)
	reg := runtime.NewRegistry()
	reg.MustRegister(noopTask{name: "plan.noop"})
	return New(db, log, steps, tasks, reg), steps, tasks, dbctx.Context{Ctx: context.Background()}
}

func seedStep(tb testing.TB, steps repos.StepRepo, dbc dbctx.Context, parent *types.Step, name string, pos int, parallel bool) *types.Step {
	tb.Helper()
	s := &types.Step{Name: name, ParentStepPos: pos, Parallel: parallel}
	if parent != nil {
		s.ParentStepID = &parent.ID
	}
	if _, err := steps.Create(dbc, []*types.Step{s}); err != nil {
		tb.Fatalf("seed step: %v", err)
	}
	return s
}

func seedTask(tb testing.TB, tasks repos.TaskRepo, dbc dbctx.Context, step *types.Step, pos int, mutate func(*types.Task)) *types.Task {
	tb.Helper()
	task := &types.Task{
		Name:          "plan.noop",
		Params:        datatypes.JSON([]byte(`{}`)),
		ParentStepID:  &step.ID,
		ParentStepPos: pos,
	}
	if mutate != nil {
		mutate(task)
	}
	if _, err := tasks.Create(dbc, []*types.Task{task}); err != nil {
		tb.Fatalf("seed task: %v", err)
	}
	return task
}

func leafIDs(n Node) []uuid.UUID {
	var out []uuid.UUID
	for _, t := range Leaves(n) {
		out = append(out, t.ID)
	}
	return out
}

// RUN over a sequential step with child steps and tasks: children
// finish before this step's tasks, both in declared order.
func TestPlanRunShape(t *testing.T) {
	p, steps, tasks, dbc := newTestPlanner(t)

	root := seedStep(t, steps, dbc, nil, "run root", 0, false)
	childA := seedStep(t, steps, dbc, root, "child a", 0, false)
	childB := seedStep(t, steps, dbc, root, "child b", 1, false)
	ca := seedTask(t, tasks, dbc, childA, 0, nil)
	cb := seedTask(t, tasks, dbc, childB, 0, nil)
	t1 := seedTask(t, tasks, dbc, root, 0, nil)
	t2 := seedTask(t, tasks, dbc, root, 1, nil)

	plan, err := p.PlanStep(dbc, root, ModeRun, Options{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	chain, ok := plan.(Chain)
	if !ok {
		t.Fatalf("expected top-level Chain, got %T", plan)
	}
	if len(chain.Nodes) != 2 {
		t.Fatalf("expected children+tasks halves, got %d nodes", len(chain.Nodes))
	}

	got := leafIDs(plan)
	want := []uuid.UUID{ca.ID, cb.ID, t1.ID, t2.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d leaves, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("leaf %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

// A parallel step composes its halves as groups.
func TestPlanRunParallel(t *testing.T) {
	p, steps, tasks, dbc := newTestPlanner(t)

	root := seedStep(t, steps, dbc, nil, "parallel root", 0, true)
	seedTask(t, tasks, dbc, root, 0, nil)
	seedTask(t, tasks, dbc, root, 1, nil)

	plan, err := p.PlanStep(dbc, root, ModeRun, Options{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	group, ok := plan.(Group)
	if !ok {
		t.Fatalf("expected Group for parallel step, got %T", plan)
	}
	if len(group.Nodes) != 2 {
		t.Fatalf("expected 2 group members, got %d", len(group.Nodes))
	}
}

// RUN excludes undo records and superseded tasks from the work list.
func TestPlanRunSkipsDeadRows(t *testing.T) {
	p, steps, tasks, dbc := newTestPlanner(t)

	root := seedStep(t, steps, dbc, nil, "filter root", 0, false)
	live := seedTask(t, tasks, dbc, root, 0, nil)
	seedTask(t, tasks, dbc, root, 1, func(task *types.Task) {
		task.UndoType = true
	})
	replaced := uuid.New()
	seedTask(t, tasks, dbc, root, 2, func(task *types.Task) {
		task.RetriedID = &replaced
	})

	plan, err := p.PlanStep(dbc, root, ModeRun, Options{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	got := leafIDs(plan)
	if len(got) != 1 || got[0] != live.ID {
		t.Fatalf("expected only the live task, got %v", got)
	}
}

// UNDO iterates in reverse, creates mirror records, and plans this
// step's tasks before its children.
func TestPlanUndoReverseAndRecords(t *testing.T) {
	p, steps, tasks, dbc := newTestPlanner(t)

	root := seedStep(t, steps, dbc, nil, "undo root", 0, false)
	child := seedStep(t, steps, dbc, root, "undo child", 0, false)
	ct := seedTask(t, tasks, dbc, child, 0, func(task *types.Task) {
		task.Status = types.StatusSuccess
	})
	t1 := seedTask(t, tasks, dbc, root, 0, func(task *types.Task) {
		task.Status = types.StatusSuccess
	})
	t2 := seedTask(t, tasks, dbc, root, 1, func(task *types.Task) {
		task.Status = types.StatusFailure
	})

	attempt := uuid.New()
	plan, err := p.PlanStep(dbc, root, ModeUndo, Options{Attempt: attempt})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	leaves := Leaves(plan)
	if len(leaves) != 3 {
		t.Fatalf("expected 3 undo leaves, got %d", len(leaves))
	}
	// Reverse order: root tasks (t2 then t1), then the child's task.
	for i, leaf := range leaves {
		if !leaf.UndoType {
			t.Fatalf("leaf %d: expected undo_type=true", i)
		}
		if leaf.Status != types.StatusPrepared {
			t.Fatalf("leaf %d: expected PREPARED, got %s", i, leaf.Status)
		}
		if leaf.Attempt != attempt {
			t.Fatalf("leaf %d: expected shared attempt id", i)
		}
	}

	for _, orig := range []*types.Task{t1, t2, ct} {
		row, err := tasks.GetByID(dbc, orig.ID)
		if err != nil || row == nil || row.UndoneID == nil {
			t.Fatalf("task %s: expected undone pointer, err=%v", orig.ID, err)
		}
	}
	if leaves[0].ParentStepPos != t2.ParentStepPos {
		t.Fatalf("expected t2's undo first, got pos %d", leaves[0].ParentStepPos)
	}
	if leaves[1].ParentStepPos != t1.ParentStepPos {
		t.Fatalf("expected t1's undo second, got pos %d", leaves[1].ParentStepPos)
	}
	if leaves[2].ParentStepID == nil || *leaves[2].ParentStepID != child.ID {
		t.Fatalf("expected child task undo last")
	}
}

// UNDO with only_failed narrows the selection.
func TestPlanUndoOnlyFailed(t *testing.T) {
	p, steps, tasks, dbc := newTestPlanner(t)

	root := seedStep(t, steps, dbc, nil, "undo failed root", 0, false)
	seedTask(t, tasks, dbc, root, 0, func(task *types.Task) {
		task.Status = types.StatusSuccess
	})
	failed := seedTask(t, tasks, dbc, root, 1, func(task *types.Task) {
		task.Status = types.StatusFailure
	})

	plan, err := p.PlanStep(dbc, root, ModeUndo, Options{OnlyFailed: true, Attempt: uuid.New()})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	leaves := Leaves(plan)
	if len(leaves) != 1 {
		t.Fatalf("expected 1 undo leaf, got %d", len(leaves))
	}
	row, err := tasks.GetByID(dbc, failed.ID)
	if err != nil || row == nil || row.UndoneID == nil {
		t.Fatalf("expected undone pointer on the failed task")
	}
}

// RETRY only considers undone-but-unreplaced tasks and copies name,
// params and position into the replacement.
func TestPlanRetry(t *testing.T) {
	p, steps, tasks, dbc := newTestPlanner(t)

	root := seedStep(t, steps, dbc, nil, "retry root", 0, false)
	undoID := uuid.New()
	orig := seedTask(t, tasks, dbc, root, 3, func(task *types.Task) {
		task.Status = types.StatusFailure
		task.UndoneID = &undoID
		task.Params = datatypes.JSON([]byte(`{"k":"v"}`))
	})
	seedTask(t, tasks, dbc, root, 4, nil) // never undone, not retriable

	plan, err := p.PlanStep(dbc, root, ModeRetry, Options{Attempt: uuid.New()})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	leaves := Leaves(plan)
	if len(leaves) != 1 {
		t.Fatalf("expected 1 retry leaf, got %d", len(leaves))
	}
	repl := leaves[0]
	if repl.Name != orig.Name || string(repl.Params) != string(orig.Params) {
		t.Fatalf("replacement must copy name and params")
	}
	if repl.ParentStepPos != orig.ParentStepPos {
		t.Fatalf("replacement must keep the position, got %d", repl.ParentStepPos)
	}
	if repl.UndoType {
		t.Fatalf("replacement is a forward task")
	}
	if repl.Attempt == orig.Attempt {
		t.Fatalf("replacement needs a fresh attempt")
	}
	row, err := tasks.GetByID(dbc, orig.ID)
	if err != nil || row == nil || row.RetriedID == nil || *row.RetriedID != repl.ID {
		t.Fatalf("expected retried pointer at the replacement")
	}
}

// RESUME picks pending tasks and only descends into child steps that
// still hold pending work.
func TestPlanResume(t *testing.T) {
	p, steps, tasks, dbc := newTestPlanner(t)

	root := seedStep(t, steps, dbc, nil, "resume root", 0, false)
	doneChild := seedStep(t, steps, dbc, root, "done child", 0, false)
	seedTask(t, tasks, dbc, doneChild, 0, func(task *types.Task) {
		task.Status = types.StatusSuccess
	})
	pendingChild := seedStep(t, steps, dbc, root, "pending child", 1, false)
	cp := seedTask(t, tasks, dbc, pendingChild, 0, nil)
	rp := seedTask(t, tasks, dbc, root, 0, nil)
	seedTask(t, tasks, dbc, root, 1, func(task *types.Task) {
		task.Status = types.StatusSuccess
	})

	plan, err := p.PlanStep(dbc, root, ModeResume, Options{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	got := leafIDs(plan)
	want := []uuid.UUID{cp.ID, rp.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d leaves, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("leaf %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
