package tasks

import (
	"fmt"
	"os"

	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

// DeleteFiles removes a file or directory tree. Its own reverse action
// is a no-op: deletion is undone by re-generating upstream artifacts,
// not by resurrecting bytes.
type DeleteFiles struct{}

func (DeleteFiles) Name() string { return "preservation.tasks.DeleteFiles" }

func (DeleteFiles) Run(h *runtime.Handle, params map[string]any) (any, error) {
	path, err := runtime.StringParam(params, "path")
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, err
	}
	h.SetProgress(100, 100)
	return nil, nil
}

func (DeleteFiles) EventOutcomeSuccess(params map[string]any) string {
	return fmt.Sprintf("Deleted %s", runtime.OptionalString(params, "path", "?"))
}
