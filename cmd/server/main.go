package main

// Package main is the entry point of the metric-explorer HTTP service.
//
// Responsibilities:
//   - Load configuration from YAML and environment variables
//     (METRIC_EXPLORER_CONFIG points at the file)
//   - Open the SQLite run index and the configured memory store
//   - Build the LLM adapter, the reasoning engine and the HTTP server
//   - Serve the REST and WebSocket surface until SIGINT/SIGTERM
//
// Graceful Shutdown:
//   - Stops accepting requests
//   - Cancels in-flight investigations (they finish as failed)
//   - Flushes audit logs and closes the database

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MLMario/metric-explorer/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, os.Getenv("METRIC_EXPLORER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	serveErr := a.Serve(ctx)
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
	if serveErr != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", serveErr)
		os.Exit(1)
	}
}
