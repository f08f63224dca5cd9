package tasks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/yungbote/archivebridge-backend/internal/config"
	"github.com/yungbote/archivebridge-backend/internal/data/repos/testutil"
	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/http/handlers"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/realtime"
	"github.com/yungbote/archivebridge-backend/internal/tasks"
	"github.com/yungbote/archivebridge-backend/internal/workflow"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

func newTransportEngine(tb testing.TB) (*workflow.Engine, repos.StepRepo, repos.TaskRepo) {
	tb.Helper()
	db := testutil.DB(tb)
	log := testutil.Logger(tb)
	stepRepo := repos.NewStepRepo(db, log)
	taskRepo := repos.NewTaskRepo(db, log)
	packageRepo := repos.NewPackageRepo(db, log)
	reg := runtime.NewRegistry()
	tasks.RegisterAll(reg)
	cfg := config.Config{
		EagerMode:                true,
		DefaultBlockSize:         65536,
		DefaultChecksumAlgorithm: "SHA-256",
		PollInterval:             20 * time.Millisecond,
		StaleRunning:             time.Minute,
	}
	engine := workflow.NewEngine(db, log, cfg, stepRepo, taskRepo, packageRepo, reg, realtime.NopNotifier())
	return engine, stepRepo, taskRepo
}

func newCopyFileTask(tb testing.TB, e *workflow.Engine, step *types.Step, src, dst string, blockSize int) *types.Task {
	tb.Helper()
	params, _ := json.Marshal(map[string]any{
		"src":        src,
		"dst":        dst,
		"block_size": blockSize,
	})
	task := &types.Task{
		Name:   "preservation.tasks.CopyFile",
		Params: datatypes.JSON(params),
	}
	if step != nil {
		task.ParentStepID = &step.ID
	}
	if err := e.CreateTask(dbctx.Context{Ctx: context.Background()}, task); err != nil {
		tb.Fatalf("create CopyFile task: %v", err)
	}
	return task
}

// Copying F bytes in blocks of B produces a byte-identical destination
// for all B >= 1.
func TestCopyFileLocalRoundTrip(t *testing.T) {
	e, _, _ := newTransportEngine(t)
	ctx := context.Background()
	content := []byte("the quick brown fox jumps over the lazy dog")

	for _, blockSize := range []int{1, 3, 7, 16, 1024} {
		dir := t.TempDir()
		src := filepath.Join(dir, "src.bin")
		dst := filepath.Join(dir, "dst.bin")
		if err := os.WriteFile(src, content, 0o644); err != nil {
			t.Fatalf("write src: %v", err)
		}

		task := newCopyFileTask(t, e, nil, src, dst, blockSize)
		h, err := e.RunTask(ctx, task)
		if err != nil {
			t.Fatalf("block %d: run: %v", blockSize, err)
		}
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("block %d: wait: %v", blockSize, err)
		}

		got, err := os.ReadFile(dst)
		if err != nil {
			t.Fatalf("block %d: read dst: %v", blockSize, err)
		}
		if string(got) != string(content) {
			t.Fatalf("block %d: destination differs from source", blockSize)
		}
	}
}

// Resumable chunked upload: a 5xx at offset 1 halts the chain; retry
// re-executes only the failed and subsequent chunks and the server
// reassembles the original bytes.
func TestCopyFileRemoteRetry(t *testing.T) {
	e, stepRepo, taskRepo := newTransportEngine(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	uploadDir := t.TempDir()
	gin.SetMode(gin.TestMode)
	uploadHandler := handlers.NewUploadHandler(testutil.Logger(t), uploadDir)

	var injected int32 = 1
	router := gin.New()
	router.POST("/api/upload", func(c *gin.Context) {
		if strings.HasPrefix(c.GetHeader("Content-Range"), "bytes 1-") &&
			atomic.AddInt32(&injected, -1) >= 0 {
			c.String(http.StatusInternalServerError, "injected failure")
			return
		}
		uploadHandler.UploadChunk(c)
	})
	router.POST("/api/upload_complete/", uploadHandler.UploadComplete)
	srv := httptest.NewServer(router)
	defer srv.Close()

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "payload")
	if err := os.WriteFile(src, []byte("foo"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	dst := srv.URL + "/api/upload"

	root := &types.Step{Name: "transfer root"}
	if err := e.CreateStep(dbc, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	copyTask := newCopyFileTask(t, e, root, src, dst, 1)

	h, err := e.RunTask(ctx, copyTask)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := h.Wait(ctx); err == nil {
		t.Fatalf("expected the injected 5xx to fail the transfer")
	}

	copyStep, err := stepRepo.ByName(dbc, &root.ID, "Copy "+src+" to "+dst)
	if err != nil || copyStep == nil {
		t.Fatalf("expected chunk step, err=%v", err)
	}
	chunks, err := taskRepo.ForStep(dbc, copyStep.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	// 3 data chunks plus the finalizing one.
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunk tasks, got %d", len(chunks))
	}
	wantStatus := map[int]string{
		0: types.StatusSuccess,
		1: types.StatusFailure,
		2: types.StatusPending,
		3: types.StatusPending,
	}
	for _, c := range chunks {
		if want := wantStatus[c.ParentStepPos]; c.Status != want {
			t.Fatalf("chunk %d: expected %s, got %s", c.ParentStepPos, want, c.Status)
		}
	}

	// The transient condition clears; retry the transfer.
	row, err := taskRepo.GetByID(dbc, copyTask.ID)
	if err != nil || row == nil {
		t.Fatalf("reload copy task: %v", err)
	}
	rh, err := e.RetryTask(ctx, row)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := rh.Wait(ctx); err != nil {
		t.Fatalf("retry wait: %v", err)
	}

	assembled, err := os.ReadFile(filepath.Join(uploadDir, "payload"))
	if err != nil {
		t.Fatalf("read assembled upload: %v", err)
	}
	if string(assembled) != "foo" {
		t.Fatalf("expected reassembled %q, got %q", "foo", assembled)
	}

	// The succeeded chunk was never undone or replaced.
	chunks, err = taskRepo.ForStep(dbc, copyStep.ID)
	if err != nil {
		t.Fatalf("relist chunks: %v", err)
	}
	for _, c := range chunks {
		if c.ParentStepPos == 0 && !c.UndoType {
			if c.UndoneID != nil || c.RetriedID != nil {
				t.Fatalf("offset-0 chunk must not be undone or retried")
			}
		}
		if c.ParentStepPos == 1 && !c.UndoType && c.RetriedID == nil && c.UndoneID == nil && c.Status == types.StatusFailure {
			t.Fatalf("failed chunk should have been undone and replaced")
		}
	}

	status, err := e.TaskStatus(dbc, row)
	if err != nil || status != types.StatusSuccess {
		t.Fatalf("copy task status through retry: %s err=%v", status, err)
	}
}
