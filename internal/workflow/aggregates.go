package workflow

import (
	"time"

	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
)

/*
Aggregates derive step/task status, progress and time fields from the
persisted tree on every read; nothing is cached. They read committed
writes, so relative to in-flight workers they are eventually consistent
and may transiently report STARTED for a task that is finishing.

Status precedence: FAILURE > STARTED > PENDING > SUCCESS.
*/
type Aggregates struct {
	steps repos.StepRepo
	tasks repos.TaskRepo
}

func NewAggregates(steps repos.StepRepo, tasks repos.TaskRepo) *Aggregates {
	return &Aggregates{steps: steps, tasks: tasks}
}

// normalizeStatus folds the transient record states into the four
// aggregate states: PREPARED and RETRY rows are work that has not
// started yet.
func normalizeStatus(s string) string {
	switch s {
	case types.StatusPrepared, types.StatusRetry, "":
		return types.StatusPending
	}
	return s
}

// reduce folds one child status into the running aggregate under the
// precedence order. FAILURE is handled by callers (early return).
func reduce(agg, child string) string {
	switch child {
	case types.StatusStarted:
		return types.StatusStarted
	case types.StatusPending:
		if agg != types.StatusStarted {
			return types.StatusPending
		}
	}
	return agg
}

// TaskStatus is the effective status of a task: an undone task
// transparently reports its replacement's status (or PENDING while the
// retry is outstanding), a failure anywhere in the task or its live
// children is a failure.
func (a *Aggregates) TaskStatus(dbc dbctx.Context, t *types.Task) (string, error) {
	if t == nil {
		return types.StatusPending, nil
	}
	if t.UndoneID != nil {
		if t.RetriedID == nil {
			return types.StatusPending, nil
		}
		retried, err := a.tasks.GetByID(dbc, *t.RetriedID)
		if err != nil {
			return "", err
		}
		return a.TaskStatus(dbc, retried)
	}

	own := normalizeStatus(t.Status)
	if own == types.StatusFailure {
		return types.StatusFailure, nil
	}
	children, err := a.tasks.LiveChildren(dbc, t.ID)
	if err != nil {
		return "", err
	}
	if len(children) == 0 {
		return own, nil
	}
	status := own
	for _, c := range children {
		cs, err := a.TaskStatus(dbc, c)
		if err != nil {
			return "", err
		}
		if cs == types.StatusFailure {
			return types.StatusFailure, nil
		}
		status = reduce(status, cs)
	}
	return status, nil
}

// StepStatus scans child steps and live tasks. An empty step is
// vacuously successful.
func (a *Aggregates) StepStatus(dbc dbctx.Context, step *types.Step) (string, error) {
	childSteps, err := a.steps.ChildSteps(dbc, step.ID)
	if err != nil {
		return "", err
	}
	liveTasks, err := a.tasks.LiveForStep(dbc, step.ID)
	if err != nil {
		return "", err
	}
	if len(childSteps) == 0 && len(liveTasks) == 0 {
		return types.StatusSuccess, nil
	}

	status := types.StatusSuccess
	for _, cs := range childSteps {
		s, err := a.StepStatus(dbc, cs)
		if err != nil {
			return "", err
		}
		if s == types.StatusFailure {
			return types.StatusFailure, nil
		}
		status = reduce(status, s)
	}
	for _, t := range liveTasks {
		s, err := a.TaskStatus(dbc, t)
		if err != nil {
			return "", err
		}
		if s == types.StatusFailure {
			return types.StatusFailure, nil
		}
		status = reduce(status, s)
	}
	return status, nil
}

// StepProgress averages child-step progress and live-task progress over
// |child_steps| + |live_tasks|, integer-truncated. Empty steps are 100.
func (a *Aggregates) StepProgress(dbc dbctx.Context, step *types.Step) (int, error) {
	childSteps, err := a.steps.ChildSteps(dbc, step.ID)
	if err != nil {
		return 0, err
	}
	liveTasks, err := a.tasks.LiveForStep(dbc, step.ID)
	if err != nil {
		return 0, err
	}
	total := len(childSteps) + len(liveTasks)
	if total == 0 {
		return 100, nil
	}
	sum := 0
	for _, cs := range childSteps {
		p, err := a.StepProgress(dbc, cs)
		if err != nil {
			return 0, err
		}
		sum += p
	}
	for _, t := range liveTasks {
		sum += t.Progress
	}
	return sum / total, nil
}

// StepUndone reports whether any descendant task has an outstanding
// undo without a replacement yet.
func (a *Aggregates) StepUndone(dbc dbctx.Context, step *types.Step) (bool, error) {
	retriable, err := a.tasks.RetriableForStep(dbc, step.ID)
	if err != nil {
		return false, err
	}
	if len(retriable) > 0 {
		return true, nil
	}
	childSteps, err := a.steps.ChildSteps(dbc, step.ID)
	if err != nil {
		return false, err
	}
	for _, cs := range childSteps {
		undone, err := a.StepUndone(dbc, cs)
		if err != nil {
			return false, err
		}
		if undone {
			return true, nil
		}
	}
	return false, nil
}

// StepTimeStarted and StepTimeDone are taken from the first task (by
// ordering) under the step, if any.
func (a *Aggregates) StepTimeStarted(dbc dbctx.Context, step *types.Step) (*time.Time, error) {
	t, err := a.firstTask(dbc, step)
	if err != nil || t == nil {
		return nil, err
	}
	return t.TimeStarted, nil
}

func (a *Aggregates) StepTimeDone(dbc dbctx.Context, step *types.Step) (*time.Time, error) {
	t, err := a.firstTask(dbc, step)
	if err != nil || t == nil {
		return nil, err
	}
	return t.TimeDone, nil
}

func (a *Aggregates) firstTask(dbc dbctx.Context, step *types.Step) (*types.Task, error) {
	tasks, err := a.tasks.ForStep(dbc, step.ID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}
