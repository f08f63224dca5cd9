package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/archivebridge-backend/internal/http/handlers"
)

type RouterConfig struct {
	WorkflowHandler *handlers.WorkflowHandler
	UploadHandler   *handlers.UploadHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Content-Range", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.GET("/steps/:id", cfg.WorkflowHandler.GetStep)
		api.POST("/steps/:id/run", cfg.WorkflowHandler.RunStep)
		api.POST("/steps/:id/undo", cfg.WorkflowHandler.UndoStep)
		api.POST("/steps/:id/retry", cfg.WorkflowHandler.RetryStep)
		api.POST("/steps/:id/resume", cfg.WorkflowHandler.ResumeStep)
		api.GET("/tasks/:id", cfg.WorkflowHandler.GetTask)

		api.POST("/upload", cfg.UploadHandler.UploadChunk)
		api.POST("/upload_complete/", cfg.UploadHandler.UploadComplete)
	}

	return router
}
