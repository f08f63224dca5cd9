package tasks

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

// formatByExtension refines the generic sniffed content type for the
// formats that matter in preservation workflows.
var formatByExtension = map[string]string{
	".xml":  "Extensible Markup Language",
	".xsd":  "XML Schema Definition",
	".pdf":  "Portable Document Format",
	".tif":  "Tagged Image File Format",
	".tiff": "Tagged Image File Format",
	".csv":  "Comma Separated Values",
	".txt":  "Plain Text File",
	".tar":  "Tape Archive Format",
	".zip":  "ZIP Format",
	".wav":  "Waveform Audio",
	".mkv":  "Matroska",
}

// identifyFormat looks the extension up in the table first; for
// extensions not in the table it sniffs the leading bytes and reports
// the detected MIME type.
func identifyFormat(filename string) (string, error) {
	if name, ok := formatByExtension[strings.ToLower(filepath.Ext(filename))]; ok {
		return name, nil
	}
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}

// IdentifyFileFormat identifies the format of a file and returns the
// format name.
type IdentifyFileFormat struct{}

func (IdentifyFileFormat) Name() string  { return "preservation.tasks.IdentifyFileFormat" }
func (IdentifyFileFormat) Queue() string { return "file_operation" }

func (IdentifyFileFormat) Run(h *runtime.Handle, params map[string]any) (any, error) {
	filename, err := runtime.StringParam(params, "filename")
	if err != nil {
		return nil, err
	}
	format, err := identifyFormat(filename)
	if err != nil {
		return nil, err
	}
	h.SetProgress(100, 100)
	return format, nil
}

func (IdentifyFileFormat) EventOutcomeSuccess(params map[string]any) string {
	return fmt.Sprintf("Identified format of %s", runtime.OptionalString(params, "filename", "?"))
}

// ValidateFileFormat identifies a file and fails unless the result
// matches the expected format name.
type ValidateFileFormat struct{}

func (ValidateFileFormat) Name() string  { return "preservation.tasks.ValidateFileFormat" }
func (ValidateFileFormat) Queue() string { return "validation" }

func (ValidateFileFormat) Run(h *runtime.Handle, params map[string]any) (any, error) {
	filename, err := runtime.StringParam(params, "filename")
	if err != nil {
		return nil, err
	}
	expected, err := runtime.StringParam(params, "format_name")
	if err != nil {
		return nil, err
	}
	actual, err := identifyFormat(filename)
	if err != nil {
		return nil, err
	}
	if actual != expected {
		return nil, fmt.Errorf("format mismatch for %s: expected %q, got %q", filename, expected, actual)
	}
	h.SetProgress(100, 100)
	return actual, nil
}

func (ValidateFileFormat) EventOutcomeSuccess(params map[string]any) string {
	return fmt.Sprintf("Validated format of %s", runtime.OptionalString(params, "filename", "?"))
}
