package main

import (
	"fmt"
	"os"

	"github.com/yungbote/archivebridge-backend/internal/app"
	"github.com/yungbote/archivebridge-backend/internal/platform/envutil"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	runServer := envutil.Bool("RUN_SERVER", true)
	runWorker := envutil.Bool("RUN_WORKER", false)

	a.Start(runWorker)

	if runServer {
		port := envutil.String("PORT", "8080")
		fmt.Printf("Server listening on :%s\n", port)
		if err := a.Run(":" + port); err != nil {
			a.Log.Warn("Server failed", "error", err)
		}
		return
	}

	// Worker-only container: keep process alive.
	select {}
}
