package tasks

import (
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

// RegisterAll installs every preservation leaf into the registry.
// Called once at startup; duplicate registration panics.
func RegisterAll(reg *runtime.Registry) {
	reg.MustRegister(
		CalculateChecksum{},
		IdentifyFileFormat{},
		ValidateFileFormat{},
		ValidateIntegrity{},
		ValidateXMLFile{},
		GenerateXML{},
		DeleteFiles{},
		UpdatePackageStatus{},
		CopyChunk{},
		CopyFile{},
	)
}
