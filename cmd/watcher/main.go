package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/centichain/contribsync/app/watcher"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := watcher.Initialize(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initialize:", err)
		os.Exit(1)
	}

	// Setup server
	app.SetupServer()

	// Start blocks until shutdown or a fatal subscription error
	if err := app.Start(ctx); err != nil {
		app.Logger.Error("Watcher exited with error", zap.Error(err))
		_ = app.Logger.Sync()
		os.Exit(1)
	}
	app.Logger.Info("さようなら!")
}
