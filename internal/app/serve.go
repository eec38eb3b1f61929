package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/server"
)

// NewServer builds the HTTP server over the app's components.
func (a *App) NewServer() (*server.Server, error) {
	return server.NewServer(server.ConfigFrom(a.Config), server.Deps{
		Engine:      a.Engine,
		Sessions:    a.Sessions,
		Ledger:      a.Ledger,
		Store:       a.Store,
		Unavailable: a.LLMUnavailable,
		Logger:      a.Logger,
	})
}

// Serve runs the HTTP server until ctx is cancelled or the listener fails.
// Active investigations are cancelled on the way out.
func (a *App) Serve(ctx context.Context) error {
	srv, err := a.NewServer()
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}
	if a.LLMUnavailable != nil {
		a.Logger.Warn("Serving without an LLM provider; investigations are disabled", zap.Error(a.LLMUnavailable))
	}

	if a.Manager != nil {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go a.watchConfig(watchCtx)
	}

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		a.Logger.Info("Received shutdown signal")
	case <-done:
	}
	return srv.Stop()
}

// watchConfig reports edits of the config file. Components are built once,
// so changes apply on the next start.
func (a *App) watchConfig(ctx context.Context) {
	updates := a.Manager.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			if errs := cfg.Validate(); len(errs) > 0 {
				a.Logger.Warn("Edited configuration is invalid", zap.Errors("errors", errs))
				continue
			}
			a.Logger.Info("Configuration file changed; restart to apply",
				zap.String("llm_provider", cfg.LLM.Provider),
				zap.String("memory_backend", cfg.Memory.Backend),
				zap.Int("max_turns", cfg.Analysis.MaxTurns))
		}
	}
}
