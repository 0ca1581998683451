package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"powgate/internal/observability"
)

func main() {
	// Create root context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Execute(ctx)
	stop()
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
