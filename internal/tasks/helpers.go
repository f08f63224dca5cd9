package tasks

import (
	"encoding/json"

	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

func dbc(h *runtime.Handle) dbctx.Context {
	return dbctx.Context{Ctx: h.Ctx}
}

// previousStatus reads the forward run's recorded previous_status from
// the task this undo record reverses.
func previousStatus(h *runtime.Handle) (string, bool) {
	original, err := h.Tasks.OriginalForUndo(dbc(h), h.Task.ID)
	if err != nil || original == nil || len(original.Result) == 0 {
		return "", false
	}
	var res map[string]any
	if err := json.Unmarshal(original.Result, &res); err != nil {
		return "", false
	}
	prev, ok := res["previous_status"].(string)
	if !ok || prev == "" {
		return "", false
	}
	return prev, true
}
