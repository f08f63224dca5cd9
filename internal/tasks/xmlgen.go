package tasks

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlFileEntry struct {
	XMLName      xml.Name `xml:"file"`
	Path         string   `xml:"path"`
	Size         int64    `xml:"size"`
	Format       string   `xml:"format"`
	Checksum     string   `xml:"checksum"`
	ChecksumType string   `xml:"checksumtype"`
}

type xmlDocument struct {
	XMLName xml.Name
	Fields  []xmlField
	Files   []xmlFileEntry
}

/*
GenerateXML renders metadata documents for an archival package.

Params:
	info             object of scalar metadata fields emitted as elements
	files_to_create  object mapping output path -> root element name
	folder_to_parse  optional directory whose files are described with
	                 checksum/format/size entries
	algorithm        hash family for the per-file checksums

Undo deletes the generated documents.
*/
type GenerateXML struct{}

func (GenerateXML) Name() string { return "preservation.tasks.GenerateXML" }

func (GenerateXML) Run(h *runtime.Handle, params map[string]any) (any, error) {
	info, err := runtime.MapParam(params, "info")
	if err != nil {
		return nil, err
	}
	filesToCreate, err := runtime.MapParam(params, "files_to_create")
	if err != nil {
		return nil, err
	}
	if len(filesToCreate) == 0 {
		return nil, fmt.Errorf("%w: missing param %q", runtime.ErrParameter, "files_to_create")
	}
	folderToParse := runtime.OptionalString(params, "folder_to_parse", "")
	algorithm := runtime.OptionalString(params, "algorithm", h.DefaultChecksumAlgorithm)
	blockSize := runtime.OptionalInt(params, "block_size", h.DefaultBlockSize)

	var entries []xmlFileEntry
	if folderToParse != "" {
		entries, err = describeFolder(h, folderToParse, algorithm, blockSize)
		if err != nil {
			return nil, err
		}
	}

	fields := make([]xmlField, 0, len(info))
	for _, k := range sortedKeys(info) {
		fields = append(fields, xmlField{
			XMLName: xml.Name{Local: k},
			Value:   fmt.Sprint(info[k]),
		})
	}

	created := make([]string, 0, len(filesToCreate))
	outputs := sortedKeys(filesToCreate)
	for i, out := range outputs {
		rootName, ok := filesToCreate[out].(string)
		if !ok || rootName == "" {
			return nil, fmt.Errorf("%w: files_to_create[%q]: expected root element name", runtime.ErrParameter, out)
		}
		doc := xmlDocument{
			XMLName: xml.Name{Local: rootName},
			Fields:  fields,
			Files:   entries,
		}
		if err := writeXML(out, doc); err != nil {
			return nil, err
		}
		created = append(created, out)
		h.SetProgress(int64(i+1), int64(len(outputs)))
	}
	return created, nil
}

// Undo removes the documents a prior run created.
func (GenerateXML) Undo(h *runtime.Handle, params map[string]any) error {
	filesToCreate, err := runtime.MapParam(params, "files_to_create")
	if err != nil {
		return err
	}
	for out := range filesToCreate {
		if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (GenerateXML) EventOutcomeSuccess(params map[string]any) string {
	filesToCreate, err := runtime.MapParam(params, "files_to_create")
	if err != nil || len(filesToCreate) == 0 {
		return "Generated XML"
	}
	return fmt.Sprintf("Generated %s", strings.Join(sortedKeys(filesToCreate), ", "))
}

func describeFolder(h *runtime.Handle, folder, algorithm string, blockSize int) ([]xmlFileEntry, error) {
	var entries []xmlFileEntry
	err := filepath.Walk(folder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		digest, err := hashFile(h, path, algorithm, blockSize)
		if err != nil {
			return err
		}
		format, err := identifyFormat(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(folder, path)
		if err != nil {
			rel = path
		}
		entries = append(entries, xmlFileEntry{
			Path:         rel,
			Size:         info.Size(),
			Format:       format,
			Checksum:     digest,
			ChecksumType: algorithm,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func writeXML(path string, doc xmlDocument) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(xml.Header), b...), 0o644)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateXMLFile checks a document for well-formedness by walking
// every token.
type ValidateXMLFile struct{}

func (ValidateXMLFile) Name() string  { return "preservation.tasks.ValidateXMLFile" }
func (ValidateXMLFile) Queue() string { return "validation" }

func (ValidateXMLFile) Run(h *runtime.Handle, params map[string]any) (any, error) {
	filename, err := runtime.StringParam(params, "xml_filename")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	for {
		_, tErr := dec.Token()
		if tErr == io.EOF {
			break
		}
		if tErr != nil {
			return nil, fmt.Errorf("invalid XML in %s: %w", filename, tErr)
		}
	}
	h.SetProgress(100, 100)
	return "Valid", nil
}

func (ValidateXMLFile) EventOutcomeSuccess(params map[string]any) string {
	return fmt.Sprintf("Validated XML file %s", runtime.OptionalString(params, "xml_filename", "?"))
}
