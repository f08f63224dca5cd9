package tasks

import (
	"fmt"

	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

// UpdatePackageStatus stamps a preservation milestone on the referenced
// information package. Undo restores the previous status captured at
// run time from the row itself.
type UpdatePackageStatus struct{}

func (UpdatePackageStatus) Name() string { return "preservation.tasks.UpdatePackageStatus" }

func (UpdatePackageStatus) Run(h *runtime.Handle, params map[string]any) (any, error) {
	packageID, err := runtime.UUIDParam(params, "package_id")
	if err != nil {
		return nil, err
	}
	status, err := runtime.StringParam(params, "status")
	if err != nil {
		return nil, err
	}
	pkg, err := h.Packages.GetByID(dbc(h), packageID)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, fmt.Errorf("information package %s not found", packageID)
	}
	if err := h.Packages.UpdateStatus(dbc(h), packageID, status); err != nil {
		return nil, err
	}
	h.SetProgress(100, 100)
	return map[string]any{"previous_status": pkg.Status}, nil
}

// Undo restores the status recorded in the forward run's result.
func (UpdatePackageStatus) Undo(h *runtime.Handle, params map[string]any) error {
	packageID, err := runtime.UUIDParam(params, "package_id")
	if err != nil {
		return err
	}
	prev, ok := previousStatus(h)
	if !ok {
		return nil
	}
	return h.Packages.UpdateStatus(dbc(h), packageID, prev)
}

func (UpdatePackageStatus) EventOutcomeSuccess(params map[string]any) string {
	return fmt.Sprintf("Updated status of package %s to %s",
		runtime.OptionalString(params, "package_id", "?"),
		runtime.OptionalString(params, "status", "?"),
	)
}
