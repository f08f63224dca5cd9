package tasks_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/datatypes"

	"github.com/yungbote/archivebridge-backend/internal/data/repos/testutil"
	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
)

func runLeaf(t *testing.T, name string, params map[string]any) (*types.Task, error) {
	t.Helper()
	e, _, taskRepo := newTransportEngine(t)
	ctx := context.Background()

	b, _ := json.Marshal(params)
	task := &types.Task{Name: name, Params: datatypes.JSON(b)}
	if err := e.CreateTask(dbctx.Context{Ctx: ctx}, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	h, err := e.RunTask(ctx, task)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	_, runErr := h.Wait(ctx)
	row, err := taskRepo.GetByID(dbctx.Context{Ctx: ctx}, task.ID)
	if err != nil || row == nil {
		t.Fatalf("reload: %v", err)
	}
	return row, runErr
}

func TestValidateIntegrity(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "data")
	if err := os.WriteFile(file, []byte("foo"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	good := "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"

	row, err := runLeaf(t, "preservation.tasks.ValidateIntegrity", map[string]any{
		"filename": file,
		"checksum": good,
	})
	if err != nil || row.Status != types.StatusSuccess {
		t.Fatalf("expected success for matching digest, status=%s err=%v", row.Status, err)
	}

	row, err = runLeaf(t, "preservation.tasks.ValidateIntegrity", map[string]any{
		"filename": file,
		"checksum": strings.Repeat("0", 64),
	})
	if err == nil || row.Status != types.StatusFailure {
		t.Fatalf("expected failure for mismatching digest, status=%s", row.Status)
	}
	var einfo types.ExceptionInfo
	if jErr := json.Unmarshal(row.Einfo, &einfo); jErr != nil || !strings.Contains(einfo.Message, "mismatch") {
		t.Fatalf("expected mismatch einfo, got %s", row.Einfo)
	}
}

func TestValidateXMLFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.xml")
	bad := filepath.Join(dir, "bad.xml")
	if err := os.WriteFile(good, []byte("<root><a>1</a></root>"), 0o644); err != nil {
		t.Fatalf("write good: %v", err)
	}
	if err := os.WriteFile(bad, []byte("<root><a>1</root>"), 0o644); err != nil {
		t.Fatalf("write bad: %v", err)
	}

	if row, err := runLeaf(t, "preservation.tasks.ValidateXMLFile", map[string]any{"xml_filename": good}); err != nil || row.Status != types.StatusSuccess {
		t.Fatalf("well-formed doc: status=%s err=%v", row.Status, err)
	}
	if row, err := runLeaf(t, "preservation.tasks.ValidateXMLFile", map[string]any{"xml_filename": bad}); err == nil || row.Status != types.StatusFailure {
		t.Fatalf("malformed doc: expected failure, status=%s", row.Status)
	}
}

func TestMissingParamFailsWithParameterError(t *testing.T) {
	row, err := runLeaf(t, "preservation.tasks.CalculateChecksum", nil)
	if err == nil || row.Status != types.StatusFailure {
		t.Fatalf("expected parameter failure, status=%s", row.Status)
	}
	var einfo types.ExceptionInfo
	if jErr := json.Unmarshal(row.Einfo, &einfo); jErr != nil || einfo.Kind != "ParameterError" {
		t.Fatalf("expected ParameterError einfo, got %s", row.Einfo)
	}
}

func TestGenerateXMLDescribesFolder(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "b.xml"), []byte("<b/>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	outDir := t.TempDir()
	out := filepath.Join(outDir, "mets.xml")

	row, err := runLeaf(t, "preservation.tasks.GenerateXML", map[string]any{
		"info":            map[string]any{"label": "pkg-1", "creator": "archivist"},
		"files_to_create": map[string]any{out: "mets"},
		"folder_to_parse": srcDir,
	})
	if err != nil || row.Status != types.StatusSuccess {
		t.Fatalf("generate: status=%s err=%v", row.Status, err)
	}

	content, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	doc := string(content)
	for _, want := range []string{"<mets>", "<label>pkg-1</label>", "a.txt", "b.xml", "<checksumtype>SHA-256</checksumtype>"} {
		if !strings.Contains(doc, want) {
			t.Fatalf("expected %q in generated doc:\n%s", want, doc)
		}
	}

	// The generated document must itself be well-formed.
	if vrow, err := runLeaf(t, "preservation.tasks.ValidateXMLFile", map[string]any{"xml_filename": out}); err != nil || vrow.Status != types.StatusSuccess {
		t.Fatalf("generated doc failed validation: status=%s err=%v", vrow.Status, err)
	}
}

func TestIdentifyFileFormat(t *testing.T) {
	dir := t.TempDir()
	xmlFile := filepath.Join(dir, "doc.xml")
	if err := os.WriteFile(xmlFile, []byte("<doc/>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	row, err := runLeaf(t, "preservation.tasks.IdentifyFileFormat", map[string]any{"filename": xmlFile})
	if err != nil || row.Status != types.StatusSuccess {
		t.Fatalf("identify: status=%s err=%v", row.Status, err)
	}
	var format string
	if jErr := json.Unmarshal(row.Result, &format); jErr != nil || format != "Extensible Markup Language" {
		t.Fatalf("expected XML format name, got %s", row.Result)
	}
}

func TestUpdatePackageStatusUndoRestores(t *testing.T) {
	e, _, taskRepo := newTransportEngine(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	db := testutil.DB(t)
	packageRepo := repos.NewPackageRepo(db, testutil.Logger(t))
	pkg := &types.InformationPackage{Label: "aip-1", Status: "Received"}
	if _, err := packageRepo.Create(dbc, []*types.InformationPackage{pkg}); err != nil {
		t.Fatalf("create package: %v", err)
	}

	params, _ := json.Marshal(map[string]any{
		"package_id": pkg.ID.String(),
		"status":     "Archived",
	})
	task := &types.Task{
		Name:      "preservation.tasks.UpdatePackageStatus",
		Params:    datatypes.JSON(params),
		PackageID: &pkg.ID,
	}
	if err := e.CreateTask(dbc, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	h, err := e.RunTask(ctx, task)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if row, _ := packageRepo.GetByID(dbc, pkg.ID); row == nil || row.Status != "Archived" {
		t.Fatalf("expected Archived status")
	}

	taskRow, err := taskRepo.GetByID(dbc, task.ID)
	if err != nil || taskRow == nil {
		t.Fatalf("reload task: %v", err)
	}
	uh, err := e.UndoTask(ctx, taskRow, false)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if _, err := uh.Wait(ctx); err != nil {
		t.Fatalf("undo wait: %v", err)
	}
	if row, _ := packageRepo.GetByID(dbc, pkg.ID); row == nil || row.Status != "Received" {
		t.Fatalf("expected undo to restore Received, got %v", row)
	}
}
