// Command dflow runs the server/worker process: an admin HTTP surface
// (if RUN_SERVER), a worker pool claiming and executing durable
// procedures (if RUN_WORKER), or both in one process, matching the
// teacher's cmd/main.go RUN_SERVER/RUN_WORKER split.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/dflow/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()

	if a.Cfg.RunServer {
		fmt.Printf("dflow admin server listening on :%s\n", a.Cfg.HTTPPort)
		if err := a.Run(a.Cfg.HTTPPort); err != nil {
			a.Log.Warn("admin server stopped", "error", err)
		}
		return
	}

	if a.Cfg.RunWorker {
		// Worker-only process: block until asked to stop, then let the
		// deferred Close drain in-flight tasks.
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
	}
}
