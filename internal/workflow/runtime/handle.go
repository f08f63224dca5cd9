package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"gorm.io/gorm"

	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
	"github.com/yungbote/archivebridge-backend/internal/realtime"
)

/*
Handle is the execution contract between the engine and all leaf bodies.
It is a capability-scoped handle for a single task invocation, wrapping:
	- the database boundary,
	- the mutable workflow_task row,
	- the notification side channel,
	- and the only sanctioned ways to report progress or spawn sub-plans.

Leaf implementations never touch workflow_task rows directly; they go
through this object.
*/
type Handle struct {
	Ctx      context.Context
	DB       *gorm.DB
	Task     *types.Task
	Tasks    repos.TaskRepo
	Steps    repos.StepRepo
	Packages repos.PackageRepo
	Notify   realtime.Notifier
	Log      *logger.Logger

	// DefaultBlockSize / DefaultChecksumAlgorithm mirror the runtime
	// configuration so leaves don't reach into the environment.
	DefaultBlockSize         int
	DefaultChecksumAlgorithm string

	sub          SubRunner
	lastProgress int
	payload      map[string]any
}

// SubRunner lets a leaf plan and execute a sub-step inline while its own
// record is STARTED. The engine implements it; the indirection avoids a
// package cycle between the runtime and the lifecycle operators.
type SubRunner interface {
	RunStepEagerly(dbc dbctx.Context, step *types.Step) error
	RetryStepEagerly(dbc dbctx.Context, step *types.Step) error
}

func (h *Handle) dbc() dbctx.Context {
	return dbctx.Context{Ctx: h.Ctx}
}

/*
Params returns the decoded params map for this invocation.
Never returns nil: an unset or unparseable params column yields an
empty map, and implementations validate required keys themselves via
the param helpers.
*/
func (h *Handle) Params() map[string]any {
	if h.payload != nil {
		return h.payload
	}
	h.payload = map[string]any{}
	if h.Task != nil && len(h.Task.Params) > 0 {
		_ = json.Unmarshal(h.Task.Params, &h.payload)
	}
	if h.payload == nil {
		// A literal JSON null decodes the map back to nil.
		h.payload = map[string]any{}
	}
	return h.payload
}

/*
SetProgress persists progress = round(100*current/total) on the task row
and emits a progress event. Updates are best-effort and monotonic
non-decreasing: a lower value than the last persisted one is dropped,
and terminal rows are never overwritten.
*/
func (h *Handle) SetProgress(current, total int64) {
	if h == nil || h.Task == nil || h.Tasks == nil {
		return
	}
	pct := 100
	if total > 0 {
		pct = int(math.Round(float64(current) * 100 / float64(total)))
	}
	if pct > 100 {
		pct = 100
	}
	if pct < h.lastProgress {
		return
	}
	h.lastProgress = pct

	ok, _ := h.Tasks.UpdateFieldsUnlessStatus(h.dbc(), h.Task.ID, types.TerminalStatuses, map[string]interface{}{
		"progress": pct,
	})
	if !ok {
		return
	}
	h.Task.Progress = pct
	if h.Notify != nil {
		h.Notify.TaskProgress(h.Ctx, h.Task, pct)
	}
}

// RunStepEagerly executes a sub-step inline. The sub-step's records
// should already be parented under this task's step or task so the
// aggregates pick them up.
func (h *Handle) RunStepEagerly(step *types.Step) error {
	if h.sub == nil {
		return fmt.Errorf("no sub-runner wired for eager sub-plan execution")
	}
	return h.sub.RunStepEagerly(h.dbc(), step)
}

// RetryStepEagerly replaces failed tasks under the sub-step and runs
// the replacements inline. Used by restartable leaves that rebuild
// their own sub-plans.
func (h *Handle) RetryStepEagerly(step *types.Step) error {
	if h.sub == nil {
		return fmt.Errorf("no sub-runner wired for eager sub-plan execution")
	}
	return h.sub.RetryStepEagerly(h.dbc(), step)
}
