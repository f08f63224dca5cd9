package app

import (
	"context"
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/yungbote/archivebridge-backend/internal/config"
	"github.com/yungbote/archivebridge-backend/internal/data/db"
	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	"github.com/yungbote/archivebridge-backend/internal/http/handlers"
	"github.com/yungbote/archivebridge-backend/internal/platform/envutil"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
	"github.com/yungbote/archivebridge-backend/internal/realtime"
	"github.com/yungbote/archivebridge-backend/internal/realtime/bus"
	"github.com/yungbote/archivebridge-backend/internal/server"
	"github.com/yungbote/archivebridge-backend/internal/tasks"
	"github.com/yungbote/archivebridge-backend/internal/workflow"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
	"github.com/yungbote/archivebridge-backend/internal/workflow/worker"

	"github.com/gin-gonic/gin"
)

// App owns process-wide wiring: storage, registry, engine, worker pool
// and the HTTP router.
type App struct {
	Log    *logger.Logger
	Cfg    config.Config
	DB     *gorm.DB
	Engine *workflow.Engine
	Bus    bus.Bus

	worker *worker.Worker
	router *gin.Engine
	cancel context.CancelFunc
}

func New() (*App, error) {
	log, err := logger.New(envutil.String("LOG_MODE", "dev"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	cfg := config.Load()

	gdb, err := openDB(log)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrateAll(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	stepRepo := repos.NewStepRepo(gdb, log)
	taskRepo := repos.NewTaskRepo(gdb, log)
	packageRepo := repos.NewPackageRepo(gdb, log)

	registry := runtime.NewRegistry()
	tasks.RegisterAll(registry)

	var eventBus bus.Bus
	notify := realtime.NopNotifier()
	if os.Getenv("REDIS_ADDR") != "" {
		eventBus, err = bus.NewRedisBus(log)
		if err != nil {
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
		notify = realtime.NewBusNotifier(eventBus, log)
	}

	engine := workflow.NewEngine(gdb, log, cfg, stepRepo, taskRepo, packageRepo, registry, notify)

	uploadDir := envutil.String("UPLOAD_DIR", "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	router := server.NewRouter(server.RouterConfig{
		WorkflowHandler: handlers.NewWorkflowHandler(engine, stepRepo, taskRepo),
		UploadHandler:   handlers.NewUploadHandler(log, uploadDir),
	})

	return &App{
		Log:    log,
		Cfg:    cfg,
		DB:     gdb,
		Engine: engine,
		Bus:    eventBus,
		worker: worker.New(gdb, log, taskRepo, engine.Runner(), cfg),
		router: router,
	}, nil
}

func openDB(log *logger.Logger) (*gorm.DB, error) {
	switch envutil.String("DB_DRIVER", "postgres") {
	case "sqlite":
		return db.NewSQLite(log, "")
	default:
		pg, err := db.NewPostgresService(log)
		if err != nil {
			return nil, err
		}
		return pg.DB(), nil
	}
}

// Start launches the background components selected by the caller.
// Eager mode has no worker: plans execute in the dispatching goroutine.
func (a *App) Start(runWorker bool) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if runWorker && !a.Cfg.EagerMode {
		a.worker.Start(ctx)
	}
}

func (a *App) Run(addr string) error {
	return a.router.Run(addr)
}

func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	a.Log.Sync()
}
