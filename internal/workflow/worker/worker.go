package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/archivebridge-backend/internal/config"
	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

/*
Worker is the execution side of the store-backed task queue.

Responsibilities:
  - Poll workflow_task for dispatched leaves (queued_at set) on the
    queues this pool serves
  - Claim a row with a DB-level lease so only one worker runs it
  - Execute the leaf through the shared task runtime, which re-resolves
    the implementation by name
  - Heartbeat long leaves so they are not treated as stuck; if the
    process dies, the heartbeat stops and the row becomes reclaimable

The worker is infrastructure: it knows nothing about leaf bodies, and a
leaf executed here must be indistinguishable from one executed eagerly.
*/
type Worker struct {
	db     *gorm.DB
	log    *logger.Logger
	tasks  repos.TaskRepo
	runner *runtime.Runner
	cfg    config.Config
}

func New(db *gorm.DB, baseLog *logger.Logger, tasks repos.TaskRepo, runner *runtime.Runner, cfg config.Config) *Worker {
	return &Worker{
		db:     db,
		log:    baseLog.With("component", "TaskWorker"),
		tasks:  tasks,
		runner: runner,
		cfg:    cfg,
	}
}

// Start launches the worker pool: WorkerConcurrency goroutines, each
// running an independent claim loop over the configured queues.
func (w *Worker) Start(ctx context.Context) {
	concurrency := w.cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting task worker pool",
		"concurrency", concurrency,
		"queues", w.cfg.WorkerQueues,
	)
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			task, err := w.tasks.ClaimNextQueued(dbctx.Context{Ctx: ctx}, w.cfg.WorkerQueues, w.cfg.StaleRunning)
			if err != nil {
				w.log.Warn("ClaimNextQueued failed", "worker_id", workerID, "error", err)
				continue
			}
			if task == nil {
				continue
			}

			stopHB := w.startHeartbeat(ctx, task.ID)
			// The runtime owns failure capture; an error here is already
			// persisted on the row, so the loop only logs it.
			if runErr := w.runner.Execute(ctx, task); runErr != nil {
				w.log.Debug("Leaf failed",
					"worker_id", workerID,
					"task_id", task.ID,
					"task", task.Name,
					"error", runErr,
				)
			}
			stopHB()
		}
	}
}

// startHeartbeat keeps workflow_task.heartbeat_at fresh for the claimed
// row so stale-running detection doesn't reclaim an alive leaf.
func (w *Worker) startHeartbeat(ctx context.Context, taskID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if taskID == uuid.Nil {
					continue
				}
				_ = w.tasks.Heartbeat(dbctx.Context{Ctx: ctx}, taskID)
			}
		}
	}()
	return func() { close(done) }
}
