package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MLMario/metric-explorer/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.Build(ctx, configPath())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Serve(ctx)
	},
}
