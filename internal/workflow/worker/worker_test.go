package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/archivebridge-backend/internal/config"
	"github.com/yungbote/archivebridge-backend/internal/data/repos/testutil"
	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/realtime"
	"github.com/yungbote/archivebridge-backend/internal/workflow"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
	"github.com/yungbote/archivebridge-backend/internal/workflow/worker"
)

type echoTask struct{}

func (echoTask) Name() string  { return "worker.echo" }
func (echoTask) Queue() string { return "file_operation" }
func (echoTask) Run(h *runtime.Handle, params map[string]any) (any, error) {
	return params["value"], nil
}

// Deferred dispatch through the store-backed queue yields the same
// terminal state eager execution would.
func TestQueuedDispatchThroughWorker(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	stepRepo := repos.NewStepRepo(db, log)
	taskRepo := repos.NewTaskRepo(db, log)
	packageRepo := repos.NewPackageRepo(db, log)

	reg := runtime.NewRegistry()
	reg.MustRegister(echoTask{})

	cfg := config.Config{
		EagerMode:                false,
		DefaultBlockSize:         65536,
		DefaultChecksumAlgorithm: "SHA-256",
		WorkerConcurrency:        2,
		WorkerQueues:             []string{"default", "file_operation"},
		PollInterval:             20 * time.Millisecond,
		StaleRunning:             time.Minute,
	}
	engine := workflow.NewEngine(db, log, cfg, stepRepo, taskRepo, packageRepo, reg, realtime.NopNotifier())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	worker.New(db, log, taskRepo, engine.Runner(), cfg).Start(ctx)

	dbc := dbctx.Context{Ctx: ctx}
	step := &types.Step{Name: "queued step"}
	if err := engine.CreateStep(dbc, step); err != nil {
		t.Fatalf("create step: %v", err)
	}
	params, _ := json.Marshal(map[string]any{"value": "hello"})
	task := &types.Task{
		Name:          "worker.echo",
		Params:        datatypes.JSON(params),
		ParentStepID:  &step.ID,
		ParentStepPos: 0,
	}
	if err := engine.CreateTask(dbc, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Queue != "file_operation" {
		t.Fatalf("expected queue hint from registry, got %q", task.Queue)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 15*time.Second)
	defer waitCancel()
	h, err := engine.Run(waitCtx, step)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	outcomes, err := h.Wait(waitCtx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}

	row, err := taskRepo.GetByID(dbc, task.ID)
	if err != nil || row == nil {
		t.Fatalf("reload: %v", err)
	}
	if row.Status != types.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", row.Status)
	}
	var result string
	if err := json.Unmarshal(row.Result, &result); err != nil || result != "hello" {
		t.Fatalf("expected echoed result, got %s err=%v", row.Result, err)
	}
	if row.QueuedAt == nil {
		t.Fatalf("expected queued_at stamp from the dispatcher")
	}
}
